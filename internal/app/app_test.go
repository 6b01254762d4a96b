package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/tonypi-fleet/internal/config"
	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , ,"))
	assert.Equal(t,
		[]string{"https://fleet.example.com", "http://localhost:3000"},
		ParseOrigins(" https://fleet.example.com, http://localhost:3000 "))
}

type memThreshSrc struct {
	mu          sync.Mutex
	rows        map[string]domain.Threshold
	err         error
	invalidated []string
}

func (s *memThreshSrc) Get(_ domain.Context, robotID, metric string) (domain.Threshold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.Threshold{}, s.err
	}
	t, ok := s.rows[robotID+"|"+metric]
	if !ok {
		return domain.Threshold{}, fmt.Errorf("threshold: %w", domain.ErrNotFound)
	}
	return t, nil
}

func (s *memThreshSrc) Invalidate(_ domain.Context, robotID, metric string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, robotID+"|"+metric)
	return nil
}

func TestDefaultingThresholdSource(t *testing.T) {
	t.Parallel()
	next := &memThreshSrc{rows: map[string]domain.Threshold{
		"r1|cpu_temperature": {RobotID: "r1", Metric: "cpu_temperature", Warn: 55, Crit: 75, Enabled: true},
	}}
	src := NewDefaultingThresholdSource(next, []config.ThresholdDefault{
		{Metric: "cpu_temperature", Warn: 60, Crit: 80},
		{Metric: "battery_percentage", Warn: 20, Crit: 10},
	})
	ctx := context.Background()

	// A stored row wins over the default.
	got, err := src.Get(ctx, "r1", "cpu_temperature")
	require.NoError(t, err)
	assert.Equal(t, 55.0, got.Warn)

	// A robot that joined after seeding falls back to the default.
	got, err = src.Get(ctx, "new-robot", "battery_percentage")
	require.NoError(t, err)
	assert.Equal(t, 20.0, got.Warn)
	assert.Equal(t, 10.0, got.Crit)
	assert.True(t, got.Enabled)
	assert.Equal(t, "new-robot", got.RobotID)

	// No default for the metric keeps the miss.
	_, err = src.Get(ctx, "new-robot", "light_level")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Non-miss errors pass through untouched.
	next.mu.Lock()
	next.err = errors.New("cache down")
	next.mu.Unlock()
	_, err = src.Get(ctx, "r1", "cpu_temperature")
	assert.EqualError(t, err, "cache down")

	require.NoError(t, src.Invalidate(ctx, "r1", "cpu_temperature"))
	next.mu.Lock()
	assert.Equal(t, []string{"r1|cpu_temperature"}, next.invalidated)
	next.mu.Unlock()
}

type memRobots struct{ robots []domain.Robot }

func (m *memRobots) UpsertOnSeen(domain.Context, string, time.Time, string) error { return nil }
func (m *memRobots) Get(_ domain.Context, id string) (domain.Robot, error) {
	for _, r := range m.robots {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.Robot{}, fmt.Errorf("robot: %w", domain.ErrNotFound)
}
func (m *memRobots) List(domain.Context) ([]domain.Robot, error)            { return m.robots, nil }
func (m *memRobots) SetState(domain.Context, string, domain.RobotState) error { return nil }
func (m *memRobots) MarkStale(domain.Context, time.Time) ([]string, error)  { return nil, nil }

type memThresholds struct {
	mu      sync.Mutex
	rows    map[string]domain.Threshold
	upserts int
}

func (m *memThresholds) key(robotID, metric string) string { return robotID + "|" + metric }

func (m *memThresholds) Get(_ domain.Context, robotID, metric string) (domain.Threshold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[m.key(robotID, metric)]
	if !ok {
		return domain.Threshold{}, fmt.Errorf("threshold: %w", domain.ErrNotFound)
	}
	return t, nil
}
func (m *memThresholds) ListByRobot(domain.Context, string) ([]domain.Threshold, error) {
	return nil, nil
}
func (m *memThresholds) Upsert(_ domain.Context, t domain.Threshold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = map[string]domain.Threshold{}
	}
	m.rows[m.key(t.RobotID, t.Metric)] = t
	m.upserts++
	return nil
}

func TestSeedThresholds(t *testing.T) {
	t.Parallel()
	cfg := config.Config{DefaultThresholds: []string{
		"cpu_temperature:60:80",
		"battery_percentage:20:10",
	}}
	robots := &memRobots{robots: []domain.Robot{{ID: "r1"}, {ID: "r2"}}}
	thresholds := &memThresholds{rows: map[string]domain.Threshold{
		// Operator-tuned row that seeding must not touch.
		"r1|cpu_temperature": {RobotID: "r1", Metric: "cpu_temperature", Warn: 50, Crit: 70, Enabled: true},
	}}

	require.NoError(t, SeedThresholds(context.Background(), cfg, robots, thresholds, nil))

	// 2 robots x 2 metrics minus the pre-existing row.
	assert.Equal(t, 3, thresholds.upserts)
	kept, err := thresholds.Get(context.Background(), "r1", "cpu_temperature")
	require.NoError(t, err)
	assert.Equal(t, 50.0, kept.Warn)

	seeded, err := thresholds.Get(context.Background(), "r2", "battery_percentage")
	require.NoError(t, err)
	assert.Equal(t, 20.0, seeded.Warn)
	assert.True(t, seeded.Enabled)

	// Seeding again is a no-op.
	require.NoError(t, SeedThresholds(context.Background(), cfg, robots, thresholds, nil))
	assert.Equal(t, 3, thresholds.upserts)
}

func TestSeedThresholdsSkipsInvalidDefault(t *testing.T) {
	t.Parallel()
	// battery_percentage is a low-direction metric, warn below crit is invalid
	// and skipped rather than fatal.
	cfg := config.Config{DefaultThresholds: []string{"battery_percentage:10:20"}}
	robots := &memRobots{robots: []domain.Robot{{ID: "r1"}}}
	thresholds := &memThresholds{}

	require.NoError(t, SeedThresholds(context.Background(), cfg, robots, thresholds, nil))
	assert.Equal(t, 0, thresholds.upserts)
}

func TestSeedThresholdsMalformedConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Config{DefaultThresholds: []string{"not-a-threshold"}}
	err := SeedThresholds(context.Background(), cfg, &memRobots{}, &memThresholds{}, nil)
	assert.Error(t, err)
}

type staleRobots struct {
	mu    sync.Mutex
	ids   []string
	calls int
}

func (s *staleRobots) UpsertOnSeen(domain.Context, string, time.Time, string) error { return nil }
func (s *staleRobots) Get(domain.Context, string) (domain.Robot, error) {
	return domain.Robot{}, domain.ErrNotFound
}
func (s *staleRobots) List(domain.Context) ([]domain.Robot, error)            { return nil, nil }
func (s *staleRobots) SetState(domain.Context, string, domain.RobotState) error { return nil }
func (s *staleRobots) MarkStale(domain.Context, time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls == 1 {
		return s.ids, nil
	}
	return nil, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAudit) Append(_ domain.Context, e domain.AuditEntry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

func TestStaleSweeperAuditsTransitions(t *testing.T) {
	t.Parallel()
	robots := &staleRobots{ids: []string{"r1", "r9"}}
	audit := &memAudit{}
	sw := &StaleSweeper{
		Robots:   robots,
		Audit:    audit,
		Interval: 10 * time.Millisecond,
		Horizon:  time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { sw.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		audit.mu.Lock()
		defer audit.mu.Unlock()
		return len(audit.entries) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	audit.mu.Lock()
	defer audit.mu.Unlock()
	assert.Equal(t, "staleness", audit.entries[0].Category)
	assert.Equal(t, domain.AuditWarning, audit.entries[0].Level)
	assert.ElementsMatch(t, []string{"r1", "r9"},
		[]string{audit.entries[0].RobotID, audit.entries[1].RobotID})
}
