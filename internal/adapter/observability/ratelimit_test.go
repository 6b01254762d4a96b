package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLogLimiterAllowsOncePerWindow(t *testing.T) {
	t.Parallel()
	l := NewLogLimiter(time.Minute)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("r1|sensors|parse"))
	assert.False(t, l.Allow("r1|sensors|parse"))

	// Different keys do not interfere.
	assert.True(t, l.Allow("r2|sensors|parse"))

	// The window elapsing re-admits the key.
	now = now.Add(61 * time.Second)
	assert.True(t, l.Allow("r1|sensors|parse"))
	assert.False(t, l.Allow("r1|sensors|parse"))
}

func TestLogLimiterBoundsKeyCount(t *testing.T) {
	t.Parallel()
	l := NewLogLimiter(time.Minute)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 5000; i++ {
		l.Allow(string(rune('a'+i%26)) + time.Duration(i).String())
	}
	now = now.Add(2 * time.Minute)
	l.Allow("trigger-compaction")
	assert.LessOrEqual(t, len(l.last), 4097)
}
