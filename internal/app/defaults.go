package app

import (
	"errors"

	"github.com/fairyhunter13/tonypi-fleet/internal/config"
	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

// DefaultingThresholdSource answers threshold lookups from the underlying
// source, falling back to the configured per-metric defaults for robots that
// joined after startup seeding. Metrics without a default stay silent.
type DefaultingThresholdSource struct {
	next     domain.ThresholdSource
	defaults map[string]config.ThresholdDefault
}

// NewDefaultingThresholdSource wraps next with config-driven defaults.
func NewDefaultingThresholdSource(next domain.ThresholdSource, defaults []config.ThresholdDefault) *DefaultingThresholdSource {
	m := make(map[string]config.ThresholdDefault, len(defaults))
	for _, d := range defaults {
		m[d.Metric] = d
	}
	return &DefaultingThresholdSource{next: next, defaults: m}
}

// Get resolves the threshold for (robotID, metric).
func (s *DefaultingThresholdSource) Get(ctx domain.Context, robotID, metric string) (domain.Threshold, error) {
	t, err := s.next.Get(ctx, robotID, metric)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Threshold{}, err
	}
	d, ok := s.defaults[metric]
	if !ok {
		return domain.Threshold{}, err
	}
	return domain.Threshold{
		RobotID: robotID,
		Metric:  metric,
		Warn:    d.Warn,
		Crit:    d.Crit,
		Enabled: true,
	}, nil
}

// Invalidate forwards to the underlying source.
func (s *DefaultingThresholdSource) Invalidate(ctx domain.Context, robotID, metric string) error {
	return s.next.Invalidate(ctx, robotID, metric)
}
