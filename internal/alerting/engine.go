// Package alerting evaluates numeric observations against per-robot
// thresholds with hysteresis and deduplication, persisting alert rows and
// publishing alert messages on every transition.
package alerting

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/broker/mqtt"
	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/observability"
	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

// Direction is the adverse direction of a metric: high metrics alarm when
// the value rises (temperature), low metrics when it falls (battery).
type Direction int

const (
	DirectionHigh Direction = iota
	DirectionLow
)

// MetricDirection returns the adverse direction for a metric. Unknown
// metrics default to high.
func MetricDirection(metric string) Direction {
	switch metric {
	case "battery_percentage", "battery_voltage", "light_level":
		return DirectionLow
	default:
		return DirectionHigh
	}
}

// ValidateThreshold checks that warn is less severe than crit in the
// metric's adverse direction.
func ValidateThreshold(t domain.Threshold) error {
	switch MetricDirection(t.Metric) {
	case DirectionLow:
		if t.Warn <= t.Crit {
			return fmt.Errorf("op=alerting.ValidateThreshold: warn %.2f must exceed crit %.2f for low-direction metric %s: %w",
				t.Warn, t.Crit, t.Metric, domain.ErrInvalidArgument)
		}
	default:
		if t.Warn >= t.Crit {
			return fmt.Errorf("op=alerting.ValidateThreshold: warn %.2f must be below crit %.2f for metric %s: %w",
				t.Warn, t.Crit, t.Metric, domain.ErrInvalidArgument)
		}
	}
	return nil
}

type level int

const (
	levelNormal level = iota
	levelWarning
	levelCritical
)

func (l level) String() string {
	switch l {
	case levelWarning:
		return "warning"
	case levelCritical:
		return "critical"
	default:
		return "normal"
	}
}

const shardCount = 16

type shard struct {
	mu     chanMutex
	states map[string]level
}

// chanMutex is a mutex that can also be held across the alert-store calls of
// one observation without blocking unrelated keys; a plain sync.Mutex per
// shard would serialise unrelated robots through slow DB writes.
type chanMutex chan struct{}

func (m chanMutex) lock()   { m <- struct{}{} }
func (m chanMutex) unlock() { <-m }

// Engine holds the per-(robot, metric) alert state machines. State is a
// cache: open alerts are reloaded from the entity store on startup.
type Engine struct {
	thresholds domain.ThresholdSource
	alerts     domain.AlertRepository
	pub        domain.Publisher
	ns         string
	log        *slog.Logger
	now        func() time.Time

	// Hysteresis defaults in metric units, used when the threshold row
	// carries zero bands.
	defaultHystWarn float64
	defaultHystCrit float64

	shards [shardCount]*shard
}

// New constructs an Engine.
func New(thresholds domain.ThresholdSource, alerts domain.AlertRepository, pub domain.Publisher, ns string, hystWarn, hystCrit float64, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		thresholds:      thresholds,
		alerts:          alerts,
		pub:             pub,
		ns:              ns,
		log:             log,
		now:             time.Now,
		defaultHystWarn: hystWarn,
		defaultHystCrit: hystCrit,
	}
	for i := range e.shards {
		e.shards[i] = &shard{mu: make(chanMutex, 1), states: make(map[string]level)}
	}
	return e
}

func (e *Engine) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return e.shards[h.Sum32()%shardCount]
}

// LoadOpen replays open alert rows into in-memory state. Called once at
// startup before observations flow.
func (e *Engine) LoadOpen(ctx domain.Context) error {
	open, err := e.alerts.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("op=alerting.LoadOpen: %w", err)
	}
	for _, a := range open {
		key := a.RobotID + "|" + a.Type
		lv := levelWarning
		if a.Severity == domain.SeverityCritical {
			lv = levelCritical
		}
		s := e.shardFor(key)
		s.mu.lock()
		if lv > s.states[key] {
			s.states[key] = lv
		}
		s.mu.unlock()
		observability.AlertsOpenGauge.WithLabelValues(string(a.Severity)).Inc()
	}
	e.log.Info("open alerts reloaded", slog.Int("count", len(open)))
	return nil
}

// Observe evaluates one numeric observation. Transitions for a single
// (robot, metric) pair are serialised through the shard lock; unrelated keys
// proceed concurrently.
func (e *Engine) Observe(ctx domain.Context, robotID, metric string, value float64, ts time.Time) error {
	t, err := e.thresholds.Get(ctx, robotID, metric)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil // monitored but never fires
		}
		return fmt.Errorf("op=alerting.Observe: %w", err)
	}
	if !t.Enabled {
		return nil
	}
	hw, hc := t.HystWarn, t.HystCrit
	if hw <= 0 {
		hw = e.defaultHystWarn
	}
	if hc <= 0 {
		hc = e.defaultHystCrit
	}
	dir := MetricDirection(metric)

	key := robotID + "|" + metric
	s := e.shardFor(key)
	s.mu.lock()
	defer s.mu.unlock()

	from := s.states[key]
	to := next(from, value, t, hw, hc, dir)
	if to == from {
		return nil
	}
	if err := e.apply(ctx, robotID, metric, value, ts, t, from, to); err != nil {
		return err
	}
	s.states[key] = to
	observability.AlertTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	return nil
}

// next computes the target level. Escalations cross the raw threshold;
// recoveries must clear the hysteresis band beyond it.
func next(from level, v float64, t domain.Threshold, hw, hc float64, dir Direction) level {
	adverse := func(threshold float64) bool {
		if dir == DirectionLow {
			return v <= threshold
		}
		return v >= threshold
	}
	recovered := func(threshold, band float64) bool {
		if dir == DirectionLow {
			return v >= threshold+band
		}
		return v <= threshold-band
	}

	switch from {
	case levelNormal:
		if adverse(t.Crit) {
			return levelCritical
		}
		if adverse(t.Warn) {
			return levelWarning
		}
	case levelWarning:
		if adverse(t.Crit) {
			return levelCritical
		}
		if recovered(t.Warn, hw) {
			return levelNormal
		}
	case levelCritical:
		if recovered(t.Warn, hw) {
			return levelNormal
		}
		if recovered(t.Crit, hc) {
			return levelWarning
		}
	}
	return from
}

// apply persists and publishes the row changes for one transition.
func (e *Engine) apply(ctx domain.Context, robotID, metric string, value float64, ts time.Time, t domain.Threshold, from, to level) error {
	switch {
	case from == levelNormal && to == levelWarning:
		return e.open(ctx, robotID, metric, domain.SeverityWarning, value, t.Warn, ts)
	case from == levelNormal && to == levelCritical:
		// Direct jump: the warning is recorded but immediately resolved;
		// only the critical stays open.
		if err := e.open(ctx, robotID, metric, domain.SeverityWarning, value, t.Warn, ts); err != nil {
			return err
		}
		if err := e.resolve(ctx, robotID, metric, domain.SeverityWarning, value, ts); err != nil {
			return err
		}
		return e.open(ctx, robotID, metric, domain.SeverityCritical, value, t.Crit, ts)
	case from == levelWarning && to == levelCritical:
		return e.open(ctx, robotID, metric, domain.SeverityCritical, value, t.Crit, ts)
	case from == levelCritical && to == levelWarning:
		if err := e.resolve(ctx, robotID, metric, domain.SeverityCritical, value, ts); err != nil {
			return err
		}
		// Reopen the warning if the direct normal->critical jump closed it;
		// idempotent when it is still open.
		return e.open(ctx, robotID, metric, domain.SeverityWarning, value, t.Warn, ts)
	case from == levelWarning && to == levelNormal:
		return e.resolve(ctx, robotID, metric, domain.SeverityWarning, value, ts)
	case from == levelCritical && to == levelNormal:
		if err := e.resolve(ctx, robotID, metric, domain.SeverityCritical, value, ts); err != nil {
			return err
		}
		return e.resolve(ctx, robotID, metric, domain.SeverityWarning, value, ts)
	}
	return nil
}

func (e *Engine) open(ctx domain.Context, robotID, metric string, sev domain.Severity, value, threshold float64, ts time.Time) error {
	a := domain.Alert{
		RobotID:        robotID,
		Type:           metric,
		Severity:       sev,
		Source:         "alert_engine",
		ObservedValue:  value,
		ThresholdValue: threshold,
		Title:          fmt.Sprintf("%s %s", metric, sev),
		Message:        fmt.Sprintf("%s observed %.2f against threshold %.2f", metric, value, threshold),
		CreatedAt:      ts.UTC(),
		Extras:         map[string]string{"observed": strconv.FormatFloat(value, 'f', -1, 64)},
	}
	_, created, err := e.alerts.Create(ctx, a, domain.AlertDedupKey(robotID, metric, sev))
	if err != nil {
		return fmt.Errorf("op=alerting.open: %w", err)
	}
	if created {
		observability.AlertsOpenGauge.WithLabelValues(string(sev)).Inc()
		e.publish(ctx, robotID, metric, sev, value, ts, false)
	}
	return nil
}

func (e *Engine) resolve(ctx domain.Context, robotID, metric string, sev domain.Severity, value float64, ts time.Time) error {
	resolved, err := e.alerts.Resolve(ctx, domain.AlertDedupKey(robotID, metric, sev), ts.UTC())
	if err != nil {
		return fmt.Errorf("op=alerting.resolve: %w", err)
	}
	if resolved {
		observability.AlertsOpenGauge.WithLabelValues(string(sev)).Dec()
		e.publish(ctx, robotID, metric, sev, value, ts, true)
	}
	return nil
}

func (e *Engine) publish(ctx domain.Context, robotID, metric string, sev domain.Severity, value float64, ts time.Time, resolved bool) {
	msg := domain.AlertMessage{
		RobotID:   robotID,
		Severity:  sev,
		Metric:    metric,
		Value:     value,
		Timestamp: ts.UTC(),
		Resolved:  resolved,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := e.pub.Publish(ctx, mqtt.Topic(e.ns, mqtt.StreamAlerts, robotID), b, 1); err != nil {
		e.log.Warn("alert publish failed", slog.String("robot_id", robotID), slog.Any("error", err))
	}
}
