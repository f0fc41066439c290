package ability

import "github.com/okian/irtcat/internal/domain/model"

// Option applies a configuration option to the Estimator.
type Option func(*Estimator)

// WithMethod selects EAP (default) or MLE.
func WithMethod(m model.Method) Option {
	return func(e *Estimator) {
		if m == model.MethodEAP || m == model.MethodMLE {
			e.method = m
		}
	}
}

// WithQuadrature sets the EAP grid: n evenly spaced points on [lo, hi].
func WithQuadrature(n int, lo, hi float64) Option {
	return func(e *Estimator) {
		if n >= 3 && hi > lo {
			e.points = n
			e.lo = lo
			e.hi = hi
		}
	}
}

// WithNewton tunes the MLE solver.
func WithNewton(maxIterations int, tolerance float64) Option {
	return func(e *Estimator) {
		if maxIterations > 0 {
			e.maxIterations = maxIterations
		}
		if tolerance > 0 {
			e.tolerance = tolerance
		}
	}
}
