package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

// RobotRepo persists robots using a minimal pgx pool.
type RobotRepo struct{ Pool PgxPool }

// NewRobotRepo constructs a RobotRepo with the given pool.
func NewRobotRepo(p PgxPool) *RobotRepo { return &RobotRepo{Pool: p} }

// UpsertOnSeen creates the robot in first_seen state on first contact and
// advances last_seen otherwise. A robot that was offline or first_seen comes
// back online; error/maintenance states are left alone. Concurrent callers
// race safely on the single upsert statement.
func (r *RobotRepo) UpsertOnSeen(ctx domain.Context, robotID string, seen time.Time, addr string) error {
	tracer := otel.Tracer("repo.robots")
	ctx, span := tracer.Start(ctx, "robots.UpsertOnSeen")
	defer span.End()
	if robotID == "" {
		return fmt.Errorf("op=robot.upsert_on_seen: %w", domain.ErrInvalidArgument)
	}
	q := `INSERT INTO robots (id, state, last_seen, network_address, created_at, updated_at)
		VALUES ($1, 'first_seen', $2, NULLIF($3,''), now(), now())
		ON CONFLICT (id) DO UPDATE SET
			last_seen = GREATEST(robots.last_seen, EXCLUDED.last_seen),
			network_address = COALESCE(NULLIF($3,''), robots.network_address),
			state = CASE WHEN robots.state IN ('offline','first_seen') THEN 'online' ELSE robots.state END,
			updated_at = now()`
	if _, err := r.Pool.Exec(ctx, q, robotID, seen.UTC(), addr); err != nil {
		return fmt.Errorf("op=robot.upsert_on_seen: %w", err)
	}
	return nil
}

// Get loads a robot by id.
func (r *RobotRepo) Get(ctx domain.Context, robotID string) (domain.Robot, error) {
	tracer := otel.Tracer("repo.robots")
	ctx, span := tracer.Start(ctx, "robots.Get")
	defer span.End()
	q := `SELECT id, name, description, COALESCE(network_address,''), state, last_seen, settings, created_at, updated_at
		FROM robots WHERE id=$1`
	var rb domain.Robot
	err := r.Pool.QueryRow(ctx, q, robotID).Scan(
		&rb.ID, &rb.Name, &rb.Description, &rb.NetworkAddress, &rb.State,
		&rb.LastSeen, &rb.Settings, &rb.CreatedAt, &rb.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Robot{}, fmt.Errorf("op=robot.get: %w", domain.ErrNotFound)
		}
		return domain.Robot{}, fmt.Errorf("op=robot.get: %w", err)
	}
	return rb, nil
}

// List returns all robots ordered by id.
func (r *RobotRepo) List(ctx domain.Context) ([]domain.Robot, error) {
	tracer := otel.Tracer("repo.robots")
	ctx, span := tracer.Start(ctx, "robots.List")
	defer span.End()
	q := `SELECT id, name, description, COALESCE(network_address,''), state, last_seen, settings, created_at, updated_at
		FROM robots ORDER BY id`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=robot.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Robot
	for rows.Next() {
		var rb domain.Robot
		if err := rows.Scan(&rb.ID, &rb.Name, &rb.Description, &rb.NetworkAddress, &rb.State,
			&rb.LastSeen, &rb.Settings, &rb.CreatedAt, &rb.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=robot.list: %w", err)
		}
		out = append(out, rb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=robot.list: %w", err)
	}
	return out, nil
}

// SetState transitions lifecycle state without touching last_seen, so an LWT
// offline mark does not disturb staleness accounting.
func (r *RobotRepo) SetState(ctx domain.Context, robotID string, state domain.RobotState) error {
	tracer := otel.Tracer("repo.robots")
	ctx, span := tracer.Start(ctx, "robots.SetState")
	defer span.End()
	q := `UPDATE robots SET state=$2, updated_at=now() WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, robotID, state)
	if err != nil {
		return fmt.Errorf("op=robot.set_state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=robot.set_state: %w", domain.ErrNotFound)
	}
	return nil
}

// MarkStale flips online robots to offline when last_seen predates cutoff.
func (r *RobotRepo) MarkStale(ctx domain.Context, cutoff time.Time) ([]string, error) {
	tracer := otel.Tracer("repo.robots")
	ctx, span := tracer.Start(ctx, "robots.MarkStale")
	defer span.End()
	q := `UPDATE robots SET state='offline', updated_at=now()
		WHERE state='online' AND last_seen < $1 RETURNING id`
	rows, err := r.Pool.Query(ctx, q, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=robot.mark_stale: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=robot.mark_stale: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=robot.mark_stale: %w", err)
	}
	return ids, nil
}
