package repository

import (
	"time"

	"github.com/okian/irtcat/pkg/logger"
)

type settings struct {
	metricsUpdateInterval time.Duration
	now                   func() time.Time
	log                   logger.Logger
}

func defaultSettings() settings {
	return settings{
		metricsUpdateInterval: 5 * time.Second,
		now:                   time.Now,
		log:                   logger.GetOrNop(),
	}
}

// Option applies a configuration option to a store.
type Option func(*settings)

// WithMetricsUpdateInterval sets the interval for background metrics updates.
func WithMetricsUpdateInterval(interval time.Duration) Option {
	return func(s *settings) {
		if interval > 0 {
			s.metricsUpdateInterval = interval
		}
	}
}

// WithClock overrides the ingestion timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}
