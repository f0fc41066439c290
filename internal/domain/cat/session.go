// Package cat drives a live computerized adaptive testing session.
package cat

import (
	"errors"

	"github.com/okian/irtcat/internal/domain/ability"
	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/internal/domain/selection"
	"github.com/okian/irtcat/internal/domain/stopping"
)

// Session administers items one at a time against a fixed item snapshot.
// It is sequential: callers alternate Next and Record from one goroutine.
type Session struct {
	estimator *ability.Estimator
	selector  *selection.Selector
	rules     stopping.Rules
	targets   map[string]int

	bank    []model.Item
	byID    map[string]model.Item
	machine *stopping.Machine

	administered map[string]struct{}
	history      []ability.Observation
	pending      *selection.Choice
	state        model.AbilityEstimate
	relaxed      bool
}

// NewSession starts a session at the prior (theta 0, SE 1). bank is copied.
func NewSession(id string, bank []model.Item, opts ...Option) *Session {
	s := &Session{
		estimator: ability.New(),
		selector:  selection.New(),
		rules:     stopping.NewRules(),
		targets:   map[string]int{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.bank = append([]model.Item(nil), bank...)
	s.byID = make(map[string]model.Item, len(bank))
	for _, it := range s.bank {
		s.byID[it.ID] = it
	}
	s.machine = s.rules.Start()
	s.administered = make(map[string]struct{})
	s.state = model.AbilityEstimate{
		SessionID:      id,
		Theta:          0,
		SE:             ability.PriorSE,
		DomainCoverage: map[string]int{},
		StoppingReason: model.ReasonContinue,
		Method:         s.estimator.Method(),
	}
	return s
}

// Next returns the item to present, or false when the session is over.
// Calling Next again before Record returns the same item.
func (s *Session) Next() (selection.Choice, bool) {
	if s.machine.Done() {
		return selection.Choice{}, false
	}
	if s.pending != nil {
		return *s.pending, true
	}

	c, err := s.selector.SelectNext(s.state.Theta, s.bank, s.administered, s.targets)
	if err != nil {
		// ErrItemBankExhausted is the only error the selector returns.
		s.finish(s.machine.Exhausted(len(s.history)))
		return selection.Choice{}, false
	}
	if c.Relaxed {
		s.relaxed = true
	}
	s.pending = &c
	return c, true
}

// Record scores the offered item, re-estimates ability and evaluates the
// stopping rule.
func (s *Session) Record(itemID string, correct bool) error {
	if s.machine.Done() {
		return ErrSessionFinished
	}
	it, ok := s.byID[itemID]
	if !ok {
		return ErrUnknownItem
	}
	if _, done := s.administered[itemID]; done {
		return ErrAlreadyAdministered
	}
	if s.pending == nil || s.pending.Item.ID != itemID {
		return ErrNotOffered
	}
	s.pending = nil

	s.administered[itemID] = struct{}{}
	s.history = append(s.history, ability.Observation{Item: it, Correct: correct})
	est := s.estimator.Estimate(s.history)

	s.state.Theta = est.Theta
	s.state.SE = est.SE
	s.state.Method = est.Method
	s.state.Items = append(s.state.Items, itemID)
	s.state.DomainCoverage[it.Domain]++
	s.state.History = append(s.state.History, model.ThetaSE{Theta: est.Theta, SE: est.SE})

	s.finish(s.machine.Evaluate(len(s.history), est.SE))
	return nil
}

// Abort ends the session early, e.g. when the examinee leaves.
func (s *Session) Abort() model.StoppingReason {
	s.pending = nil
	s.finish(s.machine.Force(len(s.history)))
	return s.state.StoppingReason
}

// Done reports whether the session reached a terminal state.
func (s *Session) Done() bool { return s.machine.Done() }

// Relaxed reports whether domain targets had to be lifted at any step.
func (s *Session) Relaxed() bool { return s.relaxed }

// Estimate returns a copy of the current ability state.
func (s *Session) Estimate() model.AbilityEstimate {
	out := s.state
	out.Items = append([]string(nil), s.state.Items...)
	out.History = append([]model.ThetaSE(nil), s.state.History...)
	out.DomainCoverage = make(map[string]int, len(s.state.DomainCoverage))
	for d, n := range s.state.DomainCoverage {
		out.DomainCoverage[d] = n
	}
	return out
}

func (s *Session) finish(r model.StoppingReason) {
	s.state.StoppingReason = r
}

// IsSessionError reports whether err is one of the Record sentinels.
func IsSessionError(err error) bool {
	return errors.Is(err, ErrUnknownItem) || errors.Is(err, ErrAlreadyAdministered) ||
		errors.Is(err, ErrSessionFinished) || errors.Is(err, ErrNotOffered)
}
