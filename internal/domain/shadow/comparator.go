// Package shadow replays completed fixed-form sessions through the adaptive
// machinery and compares the counterfactual score with the real one.
//
// The replay is bounded by the items the examinee actually saw. At each step
// the selector runs over the full calibrated bank; when its choice is among
// the examinee's remaining observed responses that response is used,
// otherwise the remaining observed response with the most information at the
// current theta is administered instead and counted as backfilled. A true
// counterfactual would need answers to items that were never shown, so
// shadow scores are an approximation of what an adaptive session would have
// produced.
package shadow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/okian/irtcat/internal/domain/ability"
	"github.com/okian/irtcat/internal/domain/irt"
	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/internal/domain/selection"
	"github.com/okian/irtcat/internal/domain/stopping"
)

// Comparator is stateless between replays and safe for concurrent use.
type Comparator struct {
	estimator *ability.Estimator
	selector  *selection.Selector
	rules     stopping.Rules
	targets   map[string]int
	now       func() time.Time
}

// NewComparator constructs a Comparator with default estimator, selector and rules.
func NewComparator(opts ...Option) *Comparator {
	c := &Comparator{
		estimator: ability.New(),
		selector:  selection.New(),
		rules:     stopping.NewRules(),
		targets:   map[string]int{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Replay runs one fixed-form session against the bank snapshot. The session
// and bank are only read.
func (c *Comparator) Replay(ctx context.Context, session model.FixedFormSession, bank []model.Item) (model.ShadowResult, error) {
	byID := make(map[string]model.Item, len(bank))
	for _, it := range bank {
		if it.Usable() {
			byID[it.ID] = it
		}
	}

	remaining := make(map[string]bool, len(session.Responses))
	answers := make(map[string]bool, len(session.Responses))
	order := make([]string, 0, len(session.Responses))
	for _, r := range session.Responses {
		if _, ok := byID[r.ItemID]; !ok || remaining[r.ItemID] {
			continue
		}
		remaining[r.ItemID] = true
		answers[r.ItemID] = r.Correct
		order = append(order, r.ItemID)
	}
	if len(order) == 0 {
		return model.ShadowResult{}, fmt.Errorf("%w: session %s", ErrNotReplayable, session.SessionID)
	}

	res := model.ShadowResult{
		ID:             uuid.NewString(),
		SessionID:      session.SessionID,
		ExamineeID:     session.ExamineeID,
		ActualIQ:       session.ActualIQ,
		ItemsAvailable: len(order),
		ShadowSE:       ability.PriorSE,
		DomainCoverage: map[string]int{},
	}

	machine := c.rules.Start()
	administered := make(map[string]struct{}, len(order))
	var history []ability.Observation
	theta := 0.0

	for !machine.Done() {
		if err := ctx.Err(); err != nil {
			return model.ShadowResult{}, fmt.Errorf("replay %s aborted after %d items: %w", session.SessionID, len(history), err)
		}
		if len(history) == len(order) {
			machine.Exhausted(len(history))
			break
		}

		itemID, backfilled := c.next(theta, bank, administered, remaining, order, byID)
		it := byID[itemID]
		correct := answers[itemID]
		delete(remaining, itemID)
		administered[itemID] = struct{}{}

		history = append(history, ability.Observation{Item: it, Correct: correct})
		est := c.estimator.Estimate(history)
		theta = est.Theta

		res.ShadowTheta = est.Theta
		res.ShadowSE = est.SE
		res.DomainCoverage[it.Domain]++
		if backfilled {
			res.BackfilledItems++
		}
		res.Trajectory = append(res.Trajectory, model.TrajectoryStep{
			ItemID:     itemID,
			Correct:    correct,
			Theta:      est.Theta,
			SE:         est.SE,
			Backfilled: backfilled,
		})
		machine.Evaluate(len(history), est.SE)
	}

	res.ItemsAdministered = len(history)
	res.ShadowIQ = irt.ToIQ(res.ShadowTheta)
	res.StoppingReason = machine.State()
	res.CreatedAt = c.now().UTC()
	return res, nil
}

// next picks the selector's own choice when the examinee answered it,
// otherwise the most informative remaining observed response.
func (c *Comparator) next(theta float64, bank []model.Item, administered map[string]struct{},
	remaining map[string]bool, order []string, byID map[string]model.Item,
) (string, bool) {
	if choice, err := c.selector.SelectNext(theta, bank, administered, c.targets); err == nil && remaining[choice.Item.ID] {
		return choice.Item.ID, false
	}

	left := make([]model.Item, 0, len(remaining))
	for _, id := range order {
		if remaining[id] {
			left = append(left, byID[id])
		}
	}
	return c.selector.Rank(theta, left)[0].Item.ID, true
}
