// Package calibration estimates 2PL item parameters from response data.
//
// Estimation is penalized joint maximum likelihood: item parameters carry
// weak priors (b ~ N(0, 3^2), a ~ N(1, 1)), abilities are either supplied or
// estimated as MAP under N(0, 1). Standard errors come from a per-item
// nonparametric bootstrap with abilities held fixed.
package calibration

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/okian/irtcat/internal/domain/irt"
	"github.com/okian/irtcat/internal/domain/model"
	"gonum.org/v1/gonum/stat"
)

const (
	defaultMinResponses     = 30
	defaultTolerance        = 1e-4
	defaultMaxIterations    = 50
	defaultBootstrapSamples = 100
	defaultWorkers          = 4
	defaultFloor            = 0.05

	thetaBound = 6.0
	maxStep    = 1.0
)

// Estimate is the calibrated (a, b) of one item with bootstrap SEs.
type Estimate struct {
	A         float64
	B         float64
	SEA       float64
	SEB       float64
	N         int
	Converged bool
}

// Result is the outcome of one Calibrate call.
type Result struct {
	Items           map[string]Estimate
	ItemsCalibrated int
	ItemsSkipped    int
	ItemsFailed     int
	Skipped         []string
	Failed          []string
	Iterations      int
	Converged       bool
	Warnings        []error

	MeanDifficulty     float64
	StdDifficulty      float64
	MeanDiscrimination float64
	StdDiscrimination  float64
}

// Engine is safe for concurrent use; each call works on its own data.
type Engine struct {
	minResponses     int
	tolerance        float64
	maxIterations    int
	bootstrapSamples int
	workers          int
	seed             int64
	floor            float64
	observe          func(string, time.Duration)
}

// New constructs an Engine with defaults overridden by opts.
func New(opts ...Option) *Engine {
	e := &Engine{
		minResponses:     defaultMinResponses,
		tolerance:        defaultTolerance,
		maxIterations:    defaultMaxIterations,
		bootstrapSamples: defaultBootstrapSamples,
		workers:          defaultWorkers,
		seed:             1,
		floor:            defaultFloor,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// obs is one scored response in index space.
type obs struct {
	person int
	item   int
	u      float64
}

type problem struct {
	itemIDs   []string
	personIDs []string
	byItem    [][]obs
	byPerson  [][]obs
	a, b      []float64
	theta     []float64
	fixed     []bool // person ability supplied by the caller
	failed    []bool
	anyFixed  bool
}

// Calibrate estimates item parameters. priors maps examinee id to a known
// theta; examinees absent from it are estimated jointly. Items below the
// minimum response count are skipped, not failed.
func (e *Engine) Calibrate(ctx context.Context, responses []model.Response, priors map[string]float64) (*Result, error) {
	res := &Result{Items: map[string]Estimate{}}

	counts := make(map[string]int)
	for i, r := range responses {
		if r.ItemID == "" || r.ExamineeID == "" {
			return nil, fmt.Errorf("%w: response %d has empty item or examinee id", ErrFatalCalibration, i)
		}
		counts[r.ItemID]++
	}
	for id, theta := range priors {
		if !irt.Finite(theta) {
			return nil, fmt.Errorf("%w: prior ability for %s is not finite", ErrFatalCalibration, id)
		}
	}

	eligible := make(map[string]bool, len(counts))
	for id, n := range counts {
		if n < e.minResponses {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		eligible[id] = true
	}
	sort.Strings(res.Skipped)
	res.ItemsSkipped = len(res.Skipped)
	if res.ItemsSkipped > 0 {
		res.Warnings = append(res.Warnings, fmt.Errorf("%w: %d items below %d responses",
			ErrInsufficientData, res.ItemsSkipped, e.minResponses))
	}
	if len(eligible) == 0 {
		res.Converged = true
		return res, nil
	}

	p := e.build(responses, eligible, priors)
	e.initialize(p)

	converged := false
	for iter := 1; iter <= e.maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("calibration canceled after %d iterations: %w", iter-1, err)
		}
		res.Iterations = iter

		change := 0.0
		for j := range p.itemIDs {
			if p.failed[j] {
				continue
			}
			a, b, _ := e.fitItem(p.byItem[j], p.theta, p.a[j], p.b[j])
			if !irt.Finite(a, b) {
				p.failed[j] = true
				continue
			}
			change = math.Max(change, math.Max(math.Abs(a-p.a[j]), math.Abs(b-p.b[j])))
			p.a[j], p.b[j] = a, b
		}

		e.updateAbilities(p)
		if !p.anyFixed {
			if err := e.anchor(p); err != nil {
				return nil, err
			}
		}

		if change < e.tolerance {
			converged = true
			break
		}
	}
	res.Converged = converged
	if !converged {
		res.Warnings = append(res.Warnings, fmt.Errorf("%w: stopped at %d iterations", ErrNonConvergence, e.maxIterations))
	}

	ses, err := e.bootstrap(ctx, p)
	if err != nil {
		return nil, err
	}

	var as, bs []float64
	for j, id := range p.itemIDs {
		if p.failed[j] || !irt.Finite(ses[j].a, ses[j].b) {
			res.Failed = append(res.Failed, id)
			continue
		}
		res.Items[id] = Estimate{
			A:         p.a[j],
			B:         p.b[j],
			SEA:       ses[j].a,
			SEB:       ses[j].b,
			N:         len(p.byItem[j]),
			Converged: converged,
		}
		as = append(as, p.a[j])
		bs = append(bs, p.b[j])
	}
	res.ItemsCalibrated = len(res.Items)
	res.ItemsFailed = len(res.Failed)
	res.MeanDiscrimination, res.StdDiscrimination = meanStd(as)
	res.MeanDifficulty, res.StdDifficulty = meanStd(bs)
	return res, nil
}

func (e *Engine) build(responses []model.Response, eligible map[string]bool, priors map[string]float64) *problem {
	itemSet := make([]string, 0, len(eligible))
	for id := range eligible {
		itemSet = append(itemSet, id)
	}
	sort.Strings(itemSet)

	personSeen := map[string]bool{}
	var persons []string
	for _, r := range responses {
		if eligible[r.ItemID] && !personSeen[r.ExamineeID] {
			personSeen[r.ExamineeID] = true
			persons = append(persons, r.ExamineeID)
		}
	}
	sort.Strings(persons)

	itemIdx := make(map[string]int, len(itemSet))
	for j, id := range itemSet {
		itemIdx[id] = j
	}
	personIdx := make(map[string]int, len(persons))
	for i, id := range persons {
		personIdx[id] = i
	}

	p := &problem{
		itemIDs:   itemSet,
		personIDs: persons,
		byItem:    make([][]obs, len(itemSet)),
		byPerson:  make([][]obs, len(persons)),
		a:         make([]float64, len(itemSet)),
		b:         make([]float64, len(itemSet)),
		theta:     make([]float64, len(persons)),
		fixed:     make([]bool, len(persons)),
		failed:    make([]bool, len(itemSet)),
	}
	for _, r := range responses {
		if !eligible[r.ItemID] {
			continue
		}
		o := obs{person: personIdx[r.ExamineeID], item: itemIdx[r.ItemID]}
		if r.Correct {
			o.u = 1
		}
		p.byItem[o.item] = append(p.byItem[o.item], o)
		p.byPerson[o.person] = append(p.byPerson[o.person], o)
	}
	for i, id := range persons {
		if theta, ok := priors[id]; ok {
			p.theta[i] = theta
			p.fixed[i] = true
			p.anyFixed = true
		}
	}
	return p
}

// initialize seeds abilities from standardized raw-score logits and items
// from proportion-correct logits.
func (e *Engine) initialize(p *problem) {
	free := make([]float64, 0, len(p.theta))
	for i, rs := range p.byPerson {
		if p.fixed[i] {
			continue
		}
		p.theta[i] = logit(proportion(rs))
		free = append(free, p.theta[i])
	}
	if len(free) > 1 {
		m, s := meanStd(free)
		if s > 0 {
			for i := range p.theta {
				if !p.fixed[i] {
					p.theta[i] = (p.theta[i] - m) / s
				}
			}
		}
	}
	for j, rs := range p.byItem {
		p.a[j] = 1
		p.b[j] = irt.Clamp(-logit(proportion(rs)), -4, 4)
	}
}

func (e *Engine) updateAbilities(p *problem) {
	for i, rs := range p.byPerson {
		if p.fixed[i] {
			continue
		}
		theta := p.theta[i]
		for k := 0; k < 20; k++ {
			g, h := -theta, 1.0
			for _, o := range rs {
				if p.failed[o.item] {
					continue
				}
				a, b := p.a[o.item], p.b[o.item]
				pr := irt.Probability(theta, a, b)
				g += a * (o.u - pr)
				h += a * a * pr * (1 - pr)
			}
			step := irt.Clamp(g/h, -maxStep, maxStep)
			theta = irt.Clamp(theta+step, -thetaBound, thetaBound)
			if math.Abs(step) < 1e-6 {
				break
			}
		}
		p.theta[i] = theta
	}
}

// anchor standardizes abilities to mean 0, sd 1 and transforms items so
// that every a(theta - b) is unchanged.
func (e *Engine) anchor(p *problem) error {
	m, s := meanStd(p.theta)
	if !irt.Finite(m, s) {
		return fmt.Errorf("%w: ability scale is not finite", ErrFatalCalibration)
	}
	if s <= 0 || len(p.theta) < 2 {
		return nil
	}
	for i := range p.theta {
		p.theta[i] = (p.theta[i] - m) / s
	}
	for j := range p.a {
		if p.failed[j] {
			continue
		}
		p.b[j] = (p.b[j] - m) / s
		p.a[j] = math.Max(e.floor, p.a[j]*s)
	}
	return nil
}

// fitItem runs Fisher scoring on one item's penalized log-likelihood with
// abilities fixed. It reports whether the inner loop converged.
func (e *Engine) fitItem(rs []obs, theta []float64, a, b float64) (float64, float64, bool) {
	const (
		priorVarA = 1.0
		priorMuA  = 1.0
		priorVarB = 9.0
		inner     = 25
	)
	for k := 0; k < inner; k++ {
		ga := -(a - priorMuA) / priorVarA
		gb := -b / priorVarB
		haa := 1 / priorVarA
		hbb := 1 / priorVarB
		hab := 0.0
		for _, o := range rs {
			d := theta[o.person] - b
			pr := irt.Probability(theta[o.person], a, b)
			w := pr * (1 - pr)
			r := o.u - pr
			ga += r * d
			gb -= r * a
			haa += w * d * d
			hbb += w * a * a
			hab -= w * d * a
		}
		det := haa*hbb - hab*hab
		if !(det > 0) || !irt.Finite(det) {
			return math.NaN(), math.NaN(), false
		}
		da := irt.Clamp((hbb*ga-hab*gb)/det, -maxStep, maxStep)
		db := irt.Clamp((haa*gb-hab*ga)/det, -maxStep, maxStep)
		a = math.Max(e.floor, a+da)
		b += db
		if math.Max(math.Abs(da), math.Abs(db)) < e.tolerance/10 {
			return a, b, true
		}
	}
	return a, b, false
}

func proportion(rs []obs) float64 {
	if len(rs) == 0 {
		return 0.5
	}
	var sum float64
	for _, o := range rs {
		sum += o.u
	}
	return sum / float64(len(rs))
}

func logit(p float64) float64 {
	p = irt.Clamp(p, 0.02, 0.98)
	return math.Log(p / (1 - p))
}

func meanStd(xs []float64) (float64, float64) {
	switch len(xs) {
	case 0:
		return 0, 0
	case 1:
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}
