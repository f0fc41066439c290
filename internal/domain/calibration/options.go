package calibration

import "time"

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithMinResponses sets the per-item response count below which an item is skipped.
func WithMinResponses(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.minResponses = n
		}
	}
}

// WithTolerance sets the convergence threshold on the maximum parameter change.
func WithTolerance(tol float64) Option {
	return func(e *Engine) {
		if tol > 0 {
			e.tolerance = tol
		}
	}
}

// WithMaxIterations caps the joint estimation loop.
func WithMaxIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// WithBootstrapSamples sets the number of resamples per item. Zero disables the bootstrap.
func WithBootstrapSamples(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.bootstrapSamples = n
		}
	}
}

// WithWorkers bounds the number of items bootstrapped concurrently.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithSeed sets the base seed of the bootstrap resampling.
func WithSeed(seed int64) Option {
	return func(e *Engine) {
		e.seed = seed
	}
}

// WithDiscriminationFloor sets the smallest discrimination an estimate may take.
func WithDiscriminationFloor(floor float64) Option {
	return func(e *Engine) {
		if floor > 0 {
			e.floor = floor
		}
	}
}

// WithBootstrapObserver is called once per bootstrapped item with its wall time.
func WithBootstrapObserver(fn func(itemID string, d time.Duration)) Option {
	return func(e *Engine) {
		e.observe = fn
	}
}
