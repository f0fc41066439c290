package cat

import (
	"github.com/okian/irtcat/internal/domain/ability"
	"github.com/okian/irtcat/internal/domain/selection"
	"github.com/okian/irtcat/internal/domain/stopping"
)

// Option applies a configuration option to a Session.
type Option func(*Session)

// WithEstimator sets the ability estimator.
func WithEstimator(e *ability.Estimator) Option {
	return func(s *Session) {
		if e != nil {
			s.estimator = e
		}
	}
}

// WithSelector sets the item selector.
func WithSelector(sel *selection.Selector) Option {
	return func(s *Session) {
		if sel != nil {
			s.selector = sel
		}
	}
}

// WithRules sets the stopping thresholds.
func WithRules(r stopping.Rules) Option {
	return func(s *Session) {
		s.rules = r
	}
}

// WithDomainTargets sets per-domain coverage targets. The map is copied.
func WithDomainTargets(targets map[string]int) Option {
	return func(s *Session) {
		s.targets = make(map[string]int, len(targets))
		for d, n := range targets {
			s.targets[d] = n
		}
	}
}
