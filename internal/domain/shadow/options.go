package shadow

import (
	"time"

	"github.com/okian/irtcat/internal/domain/ability"
	"github.com/okian/irtcat/internal/domain/selection"
	"github.com/okian/irtcat/internal/domain/stopping"
)

// Option applies a configuration option to the Comparator.
type Option func(*Comparator)

// WithEstimator sets the ability estimator used during replay.
func WithEstimator(e *ability.Estimator) Option {
	return func(c *Comparator) {
		if e != nil {
			c.estimator = e
		}
	}
}

// WithSelector sets the item selector used during replay.
func WithSelector(s *selection.Selector) Option {
	return func(c *Comparator) {
		if s != nil {
			c.selector = s
		}
	}
}

// WithRules sets the stopping thresholds used during replay.
func WithRules(r stopping.Rules) Option {
	return func(c *Comparator) {
		c.rules = r
	}
}

// WithDomainTargets sets per-domain coverage targets. The map is copied.
func WithDomainTargets(targets map[string]int) Option {
	return func(c *Comparator) {
		c.targets = make(map[string]int, len(targets))
		for d, n := range targets {
			c.targets[d] = n
		}
	}
}

// WithClock overrides the time source for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Comparator) {
		if now != nil {
			c.now = now
		}
	}
}
