package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

// JobRepo persists jobs using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Insert stores a new active job and returns its id.
func (r *JobRepo) Insert(ctx domain.Context, j domain.Job) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Insert")
	defer span.End()
	start := j.StartTime
	if start.IsZero() {
		start = time.Now().UTC()
	}
	q := `INSERT INTO jobs (robot_id, task_name, phase, status, items_total, items_done, percent_complete, start_time, last_item)
		VALUES ($1,$2,$3,'active',$4,$5,$6,$7,NULLIF($8,'')) RETURNING id`
	var id int64
	err := r.Pool.QueryRow(ctx, q, j.RobotID, j.TaskName, j.Phase, j.ItemsTotal, j.ItemsDone,
		j.PercentComplete, start, j.LastItem).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=job.insert: %w", err)
	}
	return id, nil
}

// UpdateProgress writes progress fields of an active job. Rows already
// terminal are left untouched; the tracker's in-memory view simply wins the
// next flush or the terminal transition.
func (r *JobRepo) UpdateProgress(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateProgress")
	defer span.End()
	q := `UPDATE jobs SET phase=$2, items_total=$3, items_done=$4, percent_complete=$5, last_item=NULLIF($6,'')
		WHERE id=$1 AND status='active'`
	if _, err := r.Pool.Exec(ctx, q, j.ID, j.Phase, j.ItemsTotal, j.ItemsDone, j.PercentComplete, j.LastItem); err != nil {
		return fmt.Errorf("op=job.update_progress: %w", err)
	}
	return nil
}

// Transition moves an active job to a terminal status. The conditional
// update enforces at-most-once terminal transitions at the storage level.
func (r *JobRepo) Transition(ctx domain.Context, jobID int64, to domain.JobStatus, end time.Time, cancelReason string, success *bool) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Transition")
	defer span.End()
	if !to.Terminal() {
		return fmt.Errorf("op=job.transition: to=%s: %w", to, domain.ErrInvalidArgument)
	}
	q := `UPDATE jobs SET status=$2, end_time=$3, phase='done', cancel_reason=NULLIF($4,''), success=$5
		WHERE id=$1 AND status='active'`
	tag, err := r.Pool.Exec(ctx, q, jobID, to, end.UTC(), cancelReason, success)
	if err != nil {
		return fmt.Errorf("op=job.transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.transition: job %d: %w", jobID, domain.ErrTerminal)
	}
	return nil
}

const jobColumns = `id, robot_id, task_name, phase, status, items_total, items_done, percent_complete, start_time, end_time, COALESCE(last_item,''), COALESCE(cancel_reason,''), success`

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, jobID int64) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	var j domain.Job
	err := r.Pool.QueryRow(ctx, q, jobID).Scan(&j.ID, &j.RobotID, &j.TaskName, &j.Phase, &j.Status,
		&j.ItemsTotal, &j.ItemsDone, &j.PercentComplete, &j.StartTime, &j.EndTime,
		&j.LastItem, &j.CancelReason, &j.Success)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// ListActive returns all active jobs; the tracker replays these at startup.
func (r *JobRepo) ListActive(ctx domain.Context) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListActive")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status='active' ORDER BY start_time`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_active: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		var j domain.Job
		if err := rows.Scan(&j.ID, &j.RobotID, &j.TaskName, &j.Phase, &j.Status,
			&j.ItemsTotal, &j.ItemsDone, &j.PercentComplete, &j.StartTime, &j.EndTime,
			&j.LastItem, &j.CancelReason, &j.Success); err != nil {
			return nil, fmt.Errorf("op=job.list_active: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_active: %w", err)
	}
	return out, nil
}
