// Package ability estimates examinee ability from a scored response history.
package ability

import (
	"fmt"
	"math"

	"github.com/okian/irtcat/internal/domain/irt"
	"github.com/okian/irtcat/internal/domain/model"
)

const (
	defaultPoints        = 81
	defaultLo            = -4.0
	defaultHi            = 4.0
	defaultMaxIterations = 50
	defaultTolerance     = 1e-6

	// MLE iterates are confined to this range; landing on it counts as divergence.
	thetaBound = 6.0

	// PriorSE is reported when the history carries no information.
	PriorSE = 1.0
)

// Observation is one administered item and its score.
type Observation struct {
	Item    model.Item
	Correct bool
}

// Estimate is a point estimate of ability with its standard error.
type Estimate struct {
	Theta      float64
	SE         float64
	Method     model.Method
	Degenerate bool // empty, all-correct or all-incorrect history
	Converged  bool
}

// Estimator computes EAP or MLE ability estimates. It holds only
// configuration and is safe for concurrent use.
type Estimator struct {
	method        model.Method
	points        int
	lo, hi        float64
	maxIterations int
	tolerance     float64
	grid          []float64
	logPrior      []float64
}

// New constructs an Estimator. EAP on 81 points over [-4, 4] is the default.
func New(opts ...Option) *Estimator {
	e := &Estimator{
		method:        model.MethodEAP,
		points:        defaultPoints,
		lo:            defaultLo,
		hi:            defaultHi,
		maxIterations: defaultMaxIterations,
		tolerance:     defaultTolerance,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.grid = make([]float64, e.points)
	e.logPrior = make([]float64, e.points)
	step := (e.hi - e.lo) / float64(e.points-1)
	for k := range e.grid {
		q := e.lo + float64(k)*step
		e.grid[k] = q
		e.logPrior[k] = -0.5 * q * q
	}
	return e
}

// Method returns the configured estimation method.
func (e *Estimator) Method() model.Method { return e.method }

// Estimate returns a finite (theta, SE) for any history. MLE is used only
// when configured and the pattern is mixed; otherwise, or when MLE fails,
// the EAP estimate is returned.
func (e *Estimator) Estimate(history []Observation) Estimate {
	obs := usable(history)
	if e.method == model.MethodMLE {
		if est, err := e.mle(obs); err == nil {
			return est
		}
	}
	return e.eap(obs)
}

// EAP returns the expected a posteriori estimate regardless of configuration.
func (e *Estimator) EAP(history []Observation) Estimate {
	return e.eap(usable(history))
}

// MLE returns the maximum likelihood estimate or an error for degenerate
// patterns and non-convergence.
func (e *Estimator) MLE(history []Observation) (Estimate, error) {
	return e.mle(usable(history))
}

func (e *Estimator) eap(obs []Observation) Estimate {
	if len(obs) == 0 {
		return Estimate{Theta: 0, SE: PriorSE, Method: model.MethodEAP, Degenerate: true, Converged: true}
	}

	logPost := make([]float64, len(e.grid))
	maxLog := math.Inf(-1)
	for k, q := range e.grid {
		lp := e.logPrior[k]
		for _, o := range obs {
			lp += irt.LogLikelihood(q, o.Item.Discrimination, o.Item.Difficulty, o.Correct)
		}
		logPost[k] = lp
		if lp > maxLog {
			maxLog = lp
		}
	}

	var sumW, sumWQ float64
	for k, q := range e.grid {
		w := math.Exp(logPost[k] - maxLog)
		sumW += w
		sumWQ += w * q
	}
	theta := 0.0
	if sumW > 0 {
		theta = sumWQ / sumW
	}

	info := testInformation(theta, obs)
	return Estimate{
		Theta:      theta,
		SE:         1 / math.Sqrt(1+info),
		Method:     model.MethodEAP,
		Degenerate: degenerate(obs),
		Converged:  true,
	}
}

func (e *Estimator) mle(obs []Observation) (Estimate, error) {
	if degenerate(obs) {
		return Estimate{}, ErrDegenerateResponsePattern
	}

	theta := e.eap(obs).Theta
	for iter := 0; iter < e.maxIterations; iter++ {
		var score, info float64
		for _, o := range obs {
			a, b := o.Item.Discrimination, o.Item.Difficulty
			p := irt.Probability(theta, a, b)
			u := 0.0
			if o.Correct {
				u = 1
			}
			score += a * (u - p)
			info += a * a * p * (1 - p)
		}
		if info <= 0 {
			return Estimate{}, ErrNoInformation
		}

		next := irt.Clamp(theta+score/info, -thetaBound, thetaBound)
		if math.Abs(next) >= thetaBound {
			return Estimate{}, fmt.Errorf("%w: theta reached bound %.1f", ErrNonConvergence, next)
		}
		delta := math.Abs(next - theta)
		theta = next
		if delta < e.tolerance {
			info = testInformation(theta, obs)
			if info <= 0 {
				return Estimate{}, ErrNoInformation
			}
			return Estimate{
				Theta:     theta,
				SE:        1 / math.Sqrt(info),
				Method:    model.MethodMLE,
				Converged: true,
			}, nil
		}
	}
	return Estimate{}, fmt.Errorf("%w: %d iterations", ErrNonConvergence, e.maxIterations)
}

// TestInformation sums Fisher information of the history's items at theta.
func TestInformation(theta float64, history []Observation) float64 {
	return testInformation(theta, usable(history))
}

func testInformation(theta float64, obs []Observation) float64 {
	var total float64
	for _, o := range obs {
		total += irt.Information(theta, o.Item.Discrimination, o.Item.Difficulty)
	}
	return total
}

func usable(history []Observation) []Observation {
	out := make([]Observation, 0, len(history))
	for _, o := range history {
		if o.Item.Discrimination > 0 && irt.Finite(o.Item.Discrimination, o.Item.Difficulty) {
			out = append(out, o)
		}
	}
	return out
}

func degenerate(obs []Observation) bool {
	if len(obs) == 0 {
		return true
	}
	first := obs[0].Correct
	for _, o := range obs[1:] {
		if o.Correct != first {
			return false
		}
	}
	return true
}
