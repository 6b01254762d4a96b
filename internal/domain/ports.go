package domain

import "time"

// Repositories (ports)

// RobotRepository persists robots in the entity store.
type RobotRepository interface {
	// UpsertOnSeen creates the robot in first_seen state if absent, otherwise
	// advances last_seen (and the network address when non-empty). Safe under
	// concurrent invocation.
	UpsertOnSeen(ctx Context, robotID string, seen time.Time, addr string) error
	Get(ctx Context, robotID string) (Robot, error)
	List(ctx Context) ([]Robot, error)
	// SetState transitions lifecycle state without touching last_seen.
	SetState(ctx Context, robotID string, state RobotState) error
	// MarkStale flips online robots to offline when last_seen is older than
	// the cutoff; returns the ids it transitioned.
	MarkStale(ctx Context, cutoff time.Time) ([]string, error)
}

// ThresholdRepository persists per-robot alert thresholds.
type ThresholdRepository interface {
	Get(ctx Context, robotID, metric string) (Threshold, error)
	ListByRobot(ctx Context, robotID string) ([]Threshold, error)
	Upsert(ctx Context, t Threshold) error
}

// AlertRepository persists alerts.
type AlertRepository interface {
	// Create inserts an alert unless one with the same dedup key is already
	// open; in that case it refreshes observed_value and returns the existing
	// id. The returned id is stable either way; created reports whether a new
	// row was inserted.
	Create(ctx Context, a Alert, dedupKey string) (id int64, created bool, err error)
	// Resolve closes the open alert with the dedup key, freeing it; resolved
	// reports whether an open alert existed.
	Resolve(ctx Context, dedupKey string, at time.Time) (resolved bool, err error)
	Acknowledge(ctx Context, id int64, by string, at time.Time) error
	ListOpen(ctx Context) ([]Alert, error)
	ListByRobot(ctx Context, robotID string, limit int) ([]Alert, error)
}

// JobRepository persists jobs.
type JobRepository interface {
	Insert(ctx Context, j Job) (int64, error)
	// UpdateProgress writes progress fields of an active job. It is a no-op
	// for terminal rows.
	UpdateProgress(ctx Context, j Job) error
	// Transition moves an active job to a terminal status; a second terminal
	// transition fails with ErrTerminal.
	Transition(ctx Context, jobID int64, to JobStatus, end time.Time, cancelReason string, success *bool) error
	Get(ctx Context, jobID int64) (Job, error)
	ListActive(ctx Context) ([]Job, error)
}

// AuditRepository appends operational log records. Append must never block
// ingestion.
type AuditRepository interface {
	Append(ctx Context, e AuditEntry) error
}

// TimeSeries is the write-optimised sample sink plus the window reads the
// dashboard consumes.
type TimeSeries interface {
	// Add buffers a point for the next batch flush. It never blocks on the
	// wire.
	Add(p Point) error
	// Latest returns the most recent point matching measurement and tags not
	// older than since.
	Latest(ctx Context, m Measurement, tags map[string]string, since time.Duration) (Point, error)
	// History returns points over the window, optionally aggregated
	// ("mean", "max", ...) into buckets of every.
	History(ctx Context, m Measurement, tags map[string]string, window time.Duration, aggregation string, every time.Duration) ([]Point, error)
}

// Publisher is the outbound half of the broker adapter.
type Publisher interface {
	Publish(ctx Context, topic string, payload []byte, qos byte) error
}

// ThresholdSource resolves thresholds for the alert engine, caching as it
// sees fit. Invalidate drops any cached entry so the next Get rereads.
type ThresholdSource interface {
	Get(ctx Context, robotID, metric string) (Threshold, error)
	Invalidate(ctx Context, robotID, metric string) error
}
