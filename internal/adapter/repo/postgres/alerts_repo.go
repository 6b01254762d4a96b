package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

// AlertRepo persists alerts using a minimal pgx pool.
type AlertRepo struct{ Pool PgxPool }

// NewAlertRepo constructs an AlertRepo with the given pool.
func NewAlertRepo(p PgxPool) *AlertRepo { return &AlertRepo{Pool: p} }

// Create inserts an alert, or refreshes the open alert holding the same
// dedup key. The partial unique index on open dedup keys makes this
// idempotent under replays and concurrent engine partitions.
func (r *AlertRepo) Create(ctx domain.Context, a domain.Alert, dedupKey string) (int64, bool, error) {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.Create")
	defer span.End()
	extras, err := json.Marshal(a.Extras)
	if err != nil {
		return 0, false, fmt.Errorf("op=alert.create: %w", err)
	}
	if a.Extras == nil {
		extras = []byte("{}")
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	// (xmax = 0) distinguishes a fresh insert from a dedup-key refresh.
	q := `INSERT INTO alerts (robot_id, type, severity, source, observed_value, threshold_value, title, message, dedup_key, created_at, extras)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (dedup_key) WHERE resolved_at IS NULL DO UPDATE SET
			observed_value = EXCLUDED.observed_value,
			extras = alerts.extras || EXCLUDED.extras
		RETURNING id, (xmax = 0)`
	var id int64
	var inserted bool
	err = r.Pool.QueryRow(ctx, q,
		a.RobotID, a.Type, a.Severity, a.Source, a.ObservedValue, a.ThresholdValue,
		a.Title, a.Message, dedupKey, created, extras,
	).Scan(&id, &inserted)
	if err != nil {
		return 0, false, fmt.Errorf("op=alert.create: %w", err)
	}
	return id, inserted, nil
}

// Resolve closes the open alert with the dedup key. Resolving a key with no
// open alert is a no-op.
func (r *AlertRepo) Resolve(ctx domain.Context, dedupKey string, at time.Time) (bool, error) {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.Resolve")
	defer span.End()
	q := `UPDATE alerts SET resolved_at=$2 WHERE dedup_key=$1 AND resolved_at IS NULL`
	tag, err := r.Pool.Exec(ctx, q, dedupKey, at.UTC())
	if err != nil {
		return false, fmt.Errorf("op=alert.resolve: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Acknowledge records the acknowledging operator on an alert.
func (r *AlertRepo) Acknowledge(ctx domain.Context, id int64, by string, at time.Time) error {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.Acknowledge")
	defer span.End()
	q := `UPDATE alerts SET acknowledged_by=$2, acknowledged_at=$3 WHERE id=$1 AND acknowledged_at IS NULL`
	tag, err := r.Pool.Exec(ctx, q, id, by, at.UTC())
	if err != nil {
		return fmt.Errorf("op=alert.acknowledge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=alert.acknowledge: %w", domain.ErrNotFound)
	}
	return nil
}

const alertColumns = `id, robot_id, type, severity, source, observed_value, threshold_value, title, message, created_at, acknowledged_by, acknowledged_at, resolved_at, extras`

// ListOpen returns all unresolved alerts; the alert engine replays these into
// its in-memory state at startup.
func (r *AlertRepo) ListOpen(ctx domain.Context) ([]domain.Alert, error) {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.ListOpen")
	defer span.End()
	q := `SELECT ` + alertColumns + ` FROM alerts WHERE resolved_at IS NULL ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=alert.list_open: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows, "op=alert.list_open")
}

// ListByRobot returns the newest alerts for one robot.
func (r *AlertRepo) ListByRobot(ctx domain.Context, robotID string, limit int) ([]domain.Alert, error) {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.ListByRobot")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + alertColumns + ` FROM alerts WHERE robot_id=$1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, robotID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=alert.list_by_robot: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows, "op=alert.list_by_robot")
}

func scanAlerts(rows pgx.Rows, op string) ([]domain.Alert, error) {
	var out []domain.Alert
	for rows.Next() {
		var a domain.Alert
		var extras []byte
		if err := rows.Scan(&a.ID, &a.RobotID, &a.Type, &a.Severity, &a.Source,
			&a.ObservedValue, &a.ThresholdValue, &a.Title, &a.Message, &a.CreatedAt,
			&a.AcknowledgedBy, &a.AcknowledgedAt, &a.ResolvedAt, &extras); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if len(extras) > 0 {
			if err := json.Unmarshal(extras, &a.Extras); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
