// Package jobtracker aggregates job progress events into a consistent
// in-memory view with at-most-once terminal transitions. The entity store
// holds the durable rows; the tracker reloads active jobs at startup.
package jobtracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/observability"
	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

var phaseOrder = map[domain.JobPhase]int{
	domain.PhaseScanning:  0,
	domain.PhaseSearching: 1,
	domain.PhaseExecuting: 2,
	domain.PhaseDone:      3,
}

type entry struct {
	mu        sync.Mutex
	job       domain.Job
	dirty     bool
	lastFlush time.Time
	lastEvent time.Time
}

// Tracker keys active jobs by robot id; at most one active job per robot.
type Tracker struct {
	repo  domain.JobRepository
	audit domain.AuditRepository
	log   *slog.Logger
	now   func() time.Time

	flushEvery time.Duration
	staleAfter time.Duration

	mu     sync.Mutex
	robots map[string]*entry
}

// New constructs a Tracker.
func New(repo domain.JobRepository, audit domain.AuditRepository, flushEvery, staleAfter time.Duration, log *slog.Logger) *Tracker {
	if flushEvery <= 0 {
		flushEvery = 2 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		repo:       repo,
		audit:      audit,
		log:        log,
		now:        time.Now,
		flushEvery: flushEvery,
		staleAfter: staleAfter,
		robots:     make(map[string]*entry),
	}
}

// Load replays active job rows from the entity store into memory.
func (t *Tracker) Load(ctx domain.Context) error {
	jobs, err := t.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("op=jobtracker.Load: %w", err)
	}
	t.mu.Lock()
	for _, j := range jobs {
		t.robots[j.RobotID] = &entry{job: j, lastEvent: t.now(), lastFlush: t.now()}
	}
	t.mu.Unlock()
	observability.JobsActiveGauge.Set(float64(len(jobs)))
	t.log.Info("active jobs reloaded", slog.Int("count", len(jobs)))
	return nil
}

// HandleEvent consumes one job stream event. Events for terminal or unknown
// jobs are discarded silently; the stream is at-least-once and may reorder
// across streams.
func (t *Tracker) HandleEvent(ctx domain.Context, ev domain.JobEventMessage) error {
	if ev.RobotID == "" {
		return fmt.Errorf("op=jobtracker.HandleEvent: %w", domain.ErrInvalidArgument)
	}
	switch ev.Event {
	case domain.JobEventStart:
		return t.start(ctx, ev)
	case domain.JobEventProgress, domain.JobEventItem:
		return t.progress(ctx, ev)
	case domain.JobEventComplete:
		return t.terminal(ctx, ev, domain.JobCompleted)
	case domain.JobEventCancel:
		return t.terminal(ctx, ev, domain.JobCancelled)
	case domain.JobEventFail:
		return t.terminal(ctx, ev, domain.JobFailed)
	default:
		observability.JobEventsTotal.WithLabelValues(string(ev.Event), "unknown").Inc()
		return fmt.Errorf("op=jobtracker.HandleEvent: event %q: %w", ev.Event, domain.ErrInvalidArgument)
	}
}

func (t *Tracker) start(ctx domain.Context, ev domain.JobEventMessage) error {
	t.mu.Lock()
	prior, exists := t.robots[ev.RobotID]
	t.mu.Unlock()

	if exists {
		prior.mu.Lock()
		priorJob := prior.job
		stale := t.now().Sub(prior.lastEvent) > t.staleAfter
		prior.mu.Unlock()
		if !stale {
			observability.JobEventsTotal.WithLabelValues("start", "rejected").Inc()
			return fmt.Errorf("op=jobtracker.start: robot %s already has active job %d: %w",
				ev.RobotID, priorJob.ID, domain.ErrConflict)
		}
		// Supersede the stalled job so the new one can start.
		if err := t.repo.Transition(ctx, priorJob.ID, domain.JobCancelled, t.now(), "superseded", nil); err != nil && !errors.Is(err, domain.ErrTerminal) {
			return fmt.Errorf("op=jobtracker.start: supersede: %w", err)
		}
		t.forget(ev.RobotID, prior)
		_ = t.audit.Append(ctx, domain.AuditEntry{
			Level:    domain.AuditWarning,
			Category: "job",
			Message:  "stale job superseded",
			RobotID:  ev.RobotID,
			Details:  map[string]string{"job_id": fmt.Sprint(priorJob.ID), "task": priorJob.TaskName},
		})
	}

	phase := ev.Phase
	if phase == "" {
		phase = domain.PhaseScanning
	}
	start := ev.Timestamp
	if start.IsZero() {
		start = t.now()
	}
	j := domain.Job{
		RobotID:         ev.RobotID,
		TaskName:        ev.TaskName,
		Phase:           phase,
		Status:          domain.JobActive,
		ItemsTotal:      ev.ItemsTotal,
		ItemsDone:       ev.ItemsDone,
		PercentComplete: domain.Percent(ev.ItemsDone, ev.ItemsTotal),
		StartTime:       start.UTC(),
	}
	id, err := t.repo.Insert(ctx, j)
	if err != nil {
		return fmt.Errorf("op=jobtracker.start: %w", err)
	}
	j.ID = id

	now := t.now()
	t.mu.Lock()
	t.robots[ev.RobotID] = &entry{job: j, lastEvent: now, lastFlush: now}
	t.mu.Unlock()
	observability.JobsActiveGauge.Inc()
	observability.JobEventsTotal.WithLabelValues("start", "ok").Inc()
	return nil
}

func (t *Tracker) progress(ctx domain.Context, ev domain.JobEventMessage) error {
	t.mu.Lock()
	e, ok := t.robots[ev.RobotID]
	t.mu.Unlock()
	if !ok {
		// Progress for an unknown or already-terminal job: late or replayed
		// delivery, drop it.
		observability.JobEventsTotal.WithLabelValues(string(ev.Event), "discarded").Inc()
		return nil
	}

	e.mu.Lock()
	if ev.ItemsTotal > e.job.ItemsTotal {
		e.job.ItemsTotal = ev.ItemsTotal
	}
	if ev.ItemsDone > e.job.ItemsDone {
		e.job.ItemsDone = ev.ItemsDone
	}
	if e.job.ItemsTotal > 0 && e.job.ItemsDone > e.job.ItemsTotal {
		e.job.ItemsDone = e.job.ItemsTotal
	}
	if ev.LastItem != "" {
		e.job.LastItem = ev.LastItem
	}
	if ev.Phase != "" && phaseOrder[ev.Phase] > phaseOrder[e.job.Phase] {
		e.job.Phase = ev.Phase
	}
	e.job.PercentComplete = domain.Percent(e.job.ItemsDone, e.job.ItemsTotal)
	e.dirty = true
	e.lastEvent = t.now()
	job := e.job
	due := t.now().Sub(e.lastFlush) >= t.flushEvery
	if due {
		e.lastFlush = t.now()
		e.dirty = false
	}
	e.mu.Unlock()

	observability.JobEventsTotal.WithLabelValues(string(ev.Event), "ok").Inc()
	if due {
		// Write outside the lock; a failure leaves the entry dirty for the
		// next periodic flush.
		if err := t.repo.UpdateProgress(ctx, job); err != nil {
			t.log.Warn("job progress flush failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
			e.mu.Lock()
			e.dirty = true
			e.mu.Unlock()
		}
	}
	return nil
}

func (t *Tracker) terminal(ctx domain.Context, ev domain.JobEventMessage, to domain.JobStatus) error {
	t.mu.Lock()
	e, ok := t.robots[ev.RobotID]
	t.mu.Unlock()
	if !ok {
		// Duplicate terminal or terminal for an unknown job: no-op.
		observability.JobEventsTotal.WithLabelValues(string(ev.Event), "discarded").Inc()
		return nil
	}

	e.mu.Lock()
	if ev.ItemsDone > e.job.ItemsDone {
		e.job.ItemsDone = ev.ItemsDone
		e.job.PercentComplete = domain.Percent(e.job.ItemsDone, e.job.ItemsTotal)
	}
	job := e.job
	e.mu.Unlock()

	end := ev.Timestamp
	if end.IsZero() {
		end = t.now()
	}
	success := ev.Success
	if success == nil {
		switch to {
		case domain.JobCompleted:
			v := true
			success = &v
		case domain.JobFailed:
			v := false
			success = &v
		}
	}

	// Flush final progress, then transition. Terminal transitions persist
	// synchronously; the storage layer enforces at-most-once.
	if err := t.repo.UpdateProgress(ctx, job); err != nil {
		t.log.Warn("final progress flush failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
	}
	if err := t.repo.Transition(ctx, job.ID, to, end, ev.CancelReason, success); err != nil {
		if errors.Is(err, domain.ErrTerminal) {
			t.forget(ev.RobotID, e)
			observability.JobEventsTotal.WithLabelValues(string(ev.Event), "duplicate").Inc()
			return nil
		}
		return fmt.Errorf("op=jobtracker.terminal: %w", err)
	}
	t.forget(ev.RobotID, e)
	observability.JobEventsTotal.WithLabelValues(string(ev.Event), "ok").Inc()
	return nil
}

// forget removes the robot's entry if it still points at e.
func (t *Tracker) forget(robotID string, e *entry) {
	t.mu.Lock()
	if cur, ok := t.robots[robotID]; ok && cur == e {
		delete(t.robots, robotID)
		observability.JobsActiveGauge.Dec()
	}
	t.mu.Unlock()
}

// Run flushes dirty entries periodically until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.flushAll(context.Background())
			return
		case <-ticker.C:
			t.flushAll(ctx)
		}
	}
}

func (t *Tracker) flushAll(ctx context.Context) {
	t.mu.Lock()
	entries := make([]*entry, 0, len(t.robots))
	for _, e := range t.robots {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if !e.dirty {
			e.mu.Unlock()
			continue
		}
		job := e.job
		e.dirty = false
		e.lastFlush = t.now()
		e.mu.Unlock()

		if err := t.repo.UpdateProgress(ctx, job); err != nil {
			t.log.Warn("job progress flush failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
			e.mu.Lock()
			e.dirty = true
			e.mu.Unlock()
		}
	}
}

// ListActive returns a snapshot of all active jobs.
func (t *Tracker) ListActive() []domain.Job {
	t.mu.Lock()
	entries := make([]*entry, 0, len(t.robots))
	for _, e := range t.robots {
		entries = append(entries, e)
	}
	t.mu.Unlock()
	out := make([]domain.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.job)
		e.mu.Unlock()
	}
	return out
}

// GetByRobot returns the robot's active job, if any.
func (t *Tracker) GetByRobot(robotID string) (domain.Job, bool) {
	t.mu.Lock()
	e, ok := t.robots[robotID]
	t.mu.Unlock()
	if !ok {
		return domain.Job{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job, true
}
