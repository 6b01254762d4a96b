package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/tonypi-fleet/internal/alerting"
	"github.com/fairyhunter13/tonypi-fleet/internal/config"
	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

// SeedThresholds ensures every known robot carries a threshold row for each
// configured default metric. Existing rows are never overwritten, so operator
// tuning survives restarts.
func SeedThresholds(ctx context.Context, cfg config.Config, robots domain.RobotRepository, thresholds domain.ThresholdRepository, log *slog.Logger) error {
	defaults, err := cfg.ParseDefaultThresholds()
	if err != nil {
		return fmt.Errorf("op=app.SeedThresholds: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	all, err := robots.List(ctx)
	if err != nil {
		return fmt.Errorf("op=app.SeedThresholds: %w", err)
	}
	seeded := 0
	for _, rb := range all {
		for _, d := range defaults {
			_, err := thresholds.Get(ctx, rb.ID, d.Metric)
			if err == nil {
				continue
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("op=app.SeedThresholds: %w", err)
			}
			t := domain.Threshold{
				RobotID: rb.ID,
				Metric:  d.Metric,
				Warn:    d.Warn,
				Crit:    d.Crit,
				Enabled: true,
			}
			if err := alerting.ValidateThreshold(t); err != nil {
				log.Warn("skipping invalid default threshold",
					slog.String("metric", d.Metric), slog.Any("error", err))
				continue
			}
			if err := thresholds.Upsert(ctx, t); err != nil {
				return fmt.Errorf("op=app.SeedThresholds: %w", err)
			}
			seeded++
		}
	}
	if seeded > 0 {
		log.Info("default thresholds seeded", slog.Int("rows", seeded))
	}
	return nil
}
