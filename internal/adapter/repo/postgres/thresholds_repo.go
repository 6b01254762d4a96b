package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

// ThresholdRepo persists per-robot alert thresholds.
type ThresholdRepo struct{ Pool PgxPool }

// NewThresholdRepo constructs a ThresholdRepo with the given pool.
func NewThresholdRepo(p PgxPool) *ThresholdRepo { return &ThresholdRepo{Pool: p} }

// Get loads the threshold for one (robot, metric) pair.
func (r *ThresholdRepo) Get(ctx domain.Context, robotID, metric string) (domain.Threshold, error) {
	tracer := otel.Tracer("repo.thresholds")
	ctx, span := tracer.Start(ctx, "thresholds.Get")
	defer span.End()
	q := `SELECT robot_id, metric, warn_value, crit_value, hyst_warn, hyst_crit, enabled
		FROM thresholds WHERE robot_id=$1 AND metric=$2`
	var t domain.Threshold
	err := r.Pool.QueryRow(ctx, q, robotID, metric).Scan(
		&t.RobotID, &t.Metric, &t.Warn, &t.Crit, &t.HystWarn, &t.HystCrit, &t.Enabled)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Threshold{}, fmt.Errorf("op=threshold.get: %w", domain.ErrNotFound)
		}
		return domain.Threshold{}, fmt.Errorf("op=threshold.get: %w", err)
	}
	return t, nil
}

// ListByRobot returns all thresholds configured for a robot.
func (r *ThresholdRepo) ListByRobot(ctx domain.Context, robotID string) ([]domain.Threshold, error) {
	tracer := otel.Tracer("repo.thresholds")
	ctx, span := tracer.Start(ctx, "thresholds.ListByRobot")
	defer span.End()
	q := `SELECT robot_id, metric, warn_value, crit_value, hyst_warn, hyst_crit, enabled
		FROM thresholds WHERE robot_id=$1 ORDER BY metric`
	rows, err := r.Pool.Query(ctx, q, robotID)
	if err != nil {
		return nil, fmt.Errorf("op=threshold.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Threshold
	for rows.Next() {
		var t domain.Threshold
		if err := rows.Scan(&t.RobotID, &t.Metric, &t.Warn, &t.Crit, &t.HystWarn, &t.HystCrit, &t.Enabled); err != nil {
			return nil, fmt.Errorf("op=threshold.list: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=threshold.list: %w", err)
	}
	return out, nil
}

// Upsert writes a threshold row.
func (r *ThresholdRepo) Upsert(ctx domain.Context, t domain.Threshold) error {
	tracer := otel.Tracer("repo.thresholds")
	ctx, span := tracer.Start(ctx, "thresholds.Upsert")
	defer span.End()
	if t.RobotID == "" || t.Metric == "" {
		return fmt.Errorf("op=threshold.upsert: %w", domain.ErrInvalidArgument)
	}
	q := `INSERT INTO thresholds (robot_id, metric, warn_value, crit_value, hyst_warn, hyst_crit, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (robot_id, metric) DO UPDATE SET
			warn_value=EXCLUDED.warn_value, crit_value=EXCLUDED.crit_value,
			hyst_warn=EXCLUDED.hyst_warn, hyst_crit=EXCLUDED.hyst_crit,
			enabled=EXCLUDED.enabled`
	if _, err := r.Pool.Exec(ctx, q, t.RobotID, t.Metric, t.Warn, t.Crit, t.HystWarn, t.HystCrit, t.Enabled); err != nil {
		return fmt.Errorf("op=threshold.upsert: %w", err)
	}
	return nil
}
