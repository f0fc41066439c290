// Package stopping decides when an adaptive session terminates.
package stopping

import (
	"github.com/okian/irtcat/internal/domain/model"
)

// Defaults. A theta SE of 0.2 is 3 points on the IQ scale.
const (
	DefaultMinItems = 10
	DefaultMaxItems = 30
	DefaultSETarget = 0.2
)

var allowedTransitions = map[model.StoppingReason]map[model.StoppingReason]struct{}{ //nolint:gochecknoglobals // fixed state table
	model.ReasonContinue: {
		model.ReasonContinue:        {},
		model.ReasonSEThreshold:     {},
		model.ReasonMaxItems:        {},
		model.ReasonNoItems:         {},
		model.ReasonMinNotMetForced: {},
	},
}

func canTransition(from, to model.StoppingReason) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Terminal reports whether r ends a session.
func Terminal(r model.StoppingReason) bool {
	switch r {
	case model.ReasonSEThreshold, model.ReasonMaxItems, model.ReasonNoItems, model.ReasonMinNotMetForced:
		return true
	default:
		return false
	}
}

// Valid reports whether r is one of the defined states.
func Valid(r model.StoppingReason) bool {
	return r == model.ReasonContinue || Terminal(r)
}

// Rules holds the stopping thresholds shared by every session.
type Rules struct {
	MinItems int
	MaxItems int
	SETarget float64
}

// Option applies a configuration option to Rules.
type Option func(*Rules)

// WithItemBounds sets the minimum and maximum session length.
func WithItemBounds(minItems, maxItems int) Option {
	return func(r *Rules) {
		if minItems > 0 && maxItems >= minItems {
			r.MinItems = minItems
			r.MaxItems = maxItems
		}
	}
}

// WithSETarget sets the theta-scale precision target.
func WithSETarget(se float64) Option {
	return func(r *Rules) {
		if se > 0 {
			r.SETarget = se
		}
	}
}

// NewRules returns Rules with defaults overridden by opts.
func NewRules(opts ...Option) Rules {
	r := Rules{MinItems: DefaultMinItems, MaxItems: DefaultMaxItems, SETarget: DefaultSETarget}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// Start returns a fresh machine in the continue state.
func (r Rules) Start() *Machine {
	return &Machine{rules: r, state: model.ReasonContinue}
}

// Machine is the per-session stopping state. Terminal states are final.
// It is not safe for concurrent use; a session drives it sequentially.
type Machine struct {
	rules Rules
	state model.StoppingReason
}

// State returns the current reason.
func (m *Machine) State() model.StoppingReason { return m.state }

// Done reports whether the machine reached a terminal state.
func (m *Machine) Done() bool { return Terminal(m.state) }

// Rules returns the thresholds the machine evaluates against.
func (m *Machine) Rules() Rules { return m.rules }

// Evaluate is called after each administered item. The SE threshold is
// checked before the item cap.
func (m *Machine) Evaluate(count int, se float64) model.StoppingReason {
	switch {
	case count >= m.rules.MinItems && se <= m.rules.SETarget:
		return m.transition(model.ReasonSEThreshold)
	case count >= m.rules.MaxItems:
		return m.transition(model.ReasonMaxItems)
	default:
		return m.transition(model.ReasonContinue)
	}
}

// Exhausted is called when the selector has no eligible item left.
func (m *Machine) Exhausted(_ int) model.StoppingReason {
	return m.transition(model.ReasonNoItems)
}

// Force ends the session from outside, e.g. on cancellation.
func (m *Machine) Force(count int) model.StoppingReason {
	if count < m.rules.MinItems {
		return m.transition(model.ReasonMinNotMetForced)
	}
	return m.transition(model.ReasonNoItems)
}

func (m *Machine) transition(to model.StoppingReason) model.StoppingReason {
	if canTransition(m.state, to) {
		m.state = to
	}
	return m.state
}
