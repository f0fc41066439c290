package ability

import "errors"

// Sentinel errors returned by the strict MLE path. Estimate never returns them;
// it falls back to EAP instead.
var (
	ErrDegenerateResponsePattern = errors.New("degenerate response pattern")
	ErrNonConvergence            = errors.New("ability estimate did not converge")
	ErrNoInformation             = errors.New("no test information at estimate")
)
