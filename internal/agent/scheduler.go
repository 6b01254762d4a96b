package agent

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// Task is one periodic unit of work. Run is called from the scheduler
// goroutine; it must honour ctx and return promptly.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

type taskState struct {
	Task
	next    time.Time
	skipped int64
}

// Scheduler runs tasks cooperatively on one goroutine. At most one task
// executes at a time; a task that overruns its own period forfeits the missed
// ticks instead of bursting to catch up.
type Scheduler struct {
	tasks []*taskState
	log   *slog.Logger
	now   func() time.Time
}

// NewScheduler builds a Scheduler over the given tasks.
func NewScheduler(tasks []Task, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{log: log, now: time.Now}
	for _, t := range tasks {
		if t.Every <= 0 || t.Run == nil {
			continue
		}
		s.tasks = append(s.tasks, &taskState{Task: t})
	}
	return s
}

// Run serves tasks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	start := s.now()
	for _, t := range s.tasks {
		t.next = start.Add(t.Every)
	}
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		t := s.earliest()
		if t == nil {
			<-ctx.Done()
			return
		}
		wait := t.next.Sub(s.now())
		if wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		s.runOne(ctx, t)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Scheduler) earliest() *taskState {
	if len(s.tasks) == 0 {
		return nil
	}
	sort.Slice(s.tasks, func(i, j int) bool { return s.tasks[i].next.Before(s.tasks[j].next) })
	return s.tasks[0]
}

func (s *Scheduler) runOne(ctx context.Context, t *taskState) {
	began := s.now()
	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("task failed", slog.String("task", t.Name), slog.Any("error", err))
	}
	finished := s.now()

	// Re-anchor on the original grid; ticks that elapsed while the task ran
	// are skipped, not replayed.
	next := t.next.Add(t.Every)
	for !next.After(finished) {
		next = next.Add(t.Every)
		t.skipped++
	}
	if t.skipped > 0 && finished.Sub(began) > t.Every {
		s.log.Warn("task overran its period",
			slog.String("task", t.Name),
			slog.Duration("took", finished.Sub(began)),
			slog.Int64("ticks_skipped", t.skipped))
	}
	t.next = next
}
