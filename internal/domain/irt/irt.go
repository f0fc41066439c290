// Package irt implements the two-parameter logistic (2PL) item response model.
package irt

import "math"

// IQ scale anchoring: IQ = IQMean + IQScale*theta.
const (
	IQMean  = 100.0
	IQScale = 15.0
)

// Sigmoid is the logistic function, branching on sign so exp never overflows.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		z := math.Exp(-x)
		return 1.0 / (1.0 + z)
	}
	z := math.Exp(x)
	return z / (1.0 + z)
}

// LogSigmoid returns log(Sigmoid(x)) without underflow for large |x|.
func LogSigmoid(x float64) float64 {
	if x >= 0 {
		return -math.Log1p(math.Exp(-x))
	}
	return x - math.Log1p(math.Exp(x))
}

// Probability of a correct response at ability theta for an item with
// discrimination a and difficulty b.
func Probability(theta, a, b float64) float64 {
	return Sigmoid(a * (theta - b))
}

// Information is the Fisher information a^2 P (1-P). It peaks at theta == b.
func Information(theta, a, b float64) float64 {
	if !(a > 0) {
		return 0
	}
	p := Probability(theta, a, b)
	return a * a * p * (1 - p)
}

// LogLikelihood of a single scored response.
func LogLikelihood(theta, a, b float64, correct bool) float64 {
	z := a * (theta - b)
	if correct {
		return LogSigmoid(z)
	}
	return LogSigmoid(-z)
}

// ToIQ maps theta onto the IQ scale.
func ToIQ(theta float64) float64 { return IQMean + IQScale*theta }

// FromIQ maps an IQ-scale score back onto theta.
func FromIQ(iq float64) float64 { return (iq - IQMean) / IQScale }

// SEToIQ converts a theta-scale standard error into IQ points.
func SEToIQ(se float64) float64 { return IQScale * se }

// Clamp bounds x to [lo, hi]; NaN maps to lo.
func Clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Finite reports whether every value is neither NaN nor infinite.
func Finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
