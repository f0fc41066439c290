// Package selection picks the next adaptive item by maximum Fisher information.
package selection

import (
	"sort"

	"github.com/okian/irtcat/internal/domain/irt"
	"github.com/okian/irtcat/internal/domain/model"
)

// TieTolerance is the information difference below which two candidates tie.
const TieTolerance = 1e-12

// Choice is the selected item and its information at the current theta.
type Choice struct {
	Item        model.Item
	Information float64
	Relaxed     bool // domain targets were lifted to find a candidate
}

// Selector is stateless and safe for concurrent use.
type Selector struct{}

// New constructs a Selector.
func New() *Selector { return &Selector{} }

// SelectNext returns the eligible item with maximum information at theta.
// Eligible items are calibrated, have positive discrimination, are not in
// administered, and belong to a domain whose target count is not yet met.
// Domains without a target are unconstrained. When nothing is eligible the
// domain targets are lifted; if the pool is still empty ErrItemBankExhausted
// is returned.
func (s *Selector) SelectNext(theta float64, bank []model.Item, administered map[string]struct{}, targets map[string]int) (Choice, error) {
	coverage := make(map[string]int, len(targets))
	for _, it := range bank {
		if _, ok := administered[it.ID]; ok {
			coverage[it.Domain]++
		}
	}

	if c, ok := best(theta, bank, func(it model.Item) bool {
		if _, done := administered[it.ID]; done {
			return false
		}
		target, constrained := targets[it.Domain]
		return !constrained || coverage[it.Domain] < target
	}); ok {
		return c, nil
	}

	if c, ok := best(theta, bank, func(it model.Item) bool {
		_, done := administered[it.ID]
		return !done
	}); ok {
		c.Relaxed = true
		return c, nil
	}
	return Choice{}, ErrItemBankExhausted
}

// Rank orders usable items by information at theta, highest first, ties by id.
func (s *Selector) Rank(theta float64, items []model.Item) []Choice {
	out := make([]Choice, 0, len(items))
	for _, it := range items {
		if !it.Usable() {
			continue
		}
		out = append(out, Choice{Item: it, Information: irt.Information(theta, it.Discrimination, it.Difficulty)})
	}
	sort.SliceStable(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

func best(theta float64, bank []model.Item, eligible func(model.Item) bool) (Choice, bool) {
	var (
		top   Choice
		found bool
	)
	for _, it := range bank {
		if !it.Usable() || !eligible(it) {
			continue
		}
		c := Choice{Item: it, Information: irt.Information(theta, it.Discrimination, it.Difficulty)}
		if !found || better(c, top) {
			top = c
			found = true
		}
	}
	return top, found
}

func better(a, b Choice) bool {
	if a.Information > b.Information+TieTolerance {
		return true
	}
	if b.Information > a.Information+TieTolerance {
		return false
	}
	return a.Item.ID < b.Item.ID
}
