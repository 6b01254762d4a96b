package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

func TestPercent(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.0, domain.Percent(0, 0))
	assert.Equal(t, 0.0, domain.Percent(5, 0))
	assert.Equal(t, 0.0, domain.Percent(3, -1))
	assert.Equal(t, 50.0, domain.Percent(1, 2))
	assert.Equal(t, 33.3, domain.Percent(1, 3))
	assert.Equal(t, 66.7, domain.Percent(2, 3))
	assert.Equal(t, 100.0, domain.Percent(7, 7))
}

func TestAlertDedupKey(t *testing.T) {
	t.Parallel()
	a := domain.Alert{RobotID: "tonypi-01", Type: "cpu_temperature", Severity: domain.SeverityWarning}
	assert.Equal(t, "tonypi-01|cpu_temperature|warning", a.DedupKey())
	assert.Equal(t, a.DedupKey(), domain.AlertDedupKey("tonypi-01", "cpu_temperature", domain.SeverityWarning))
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()
	assert.False(t, domain.JobActive.Terminal())
	assert.True(t, domain.JobCompleted.Terminal())
	assert.True(t, domain.JobCancelled.Terminal())
	assert.True(t, domain.JobFailed.Terminal())
}
