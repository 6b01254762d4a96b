package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

// StaleSweeper flips robots to offline when they have been silent past the
// horizon. It catches the LWT gap: a broker restart or a robot losing power
// with the broker down never delivers the will message.
type StaleSweeper struct {
	Robots   domain.RobotRepository
	Audit    domain.AuditRepository
	Interval time.Duration
	Horizon  time.Duration
	Log      *slog.Logger
}

// Run sweeps until ctx is cancelled.
func (s *StaleSweeper) Run(ctx context.Context) {
	if s.Interval <= 0 {
		s.Interval = 30 * time.Second
	}
	if s.Horizon <= 0 {
		s.Horizon = 90 * time.Second
	}
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.Horizon)
			ids, err := s.Robots.MarkStale(ctx, cutoff)
			if err != nil {
				log.Warn("stale sweep failed", slog.Any("error", err))
				continue
			}
			for _, id := range ids {
				log.Warn("robot marked offline after silence",
					slog.String("robot_id", id), slog.Duration("horizon", s.Horizon))
				_ = s.Audit.Append(ctx, domain.AuditEntry{
					Level:    domain.AuditWarning,
					Category: "staleness",
					Message:  "robot silent past horizon, marked offline",
					RobotID:  id,
				})
			}
		}
	}
}
