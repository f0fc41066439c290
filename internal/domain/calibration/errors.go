package calibration

import "errors"

// Error kinds. Only ErrFatalCalibration aborts a run; the others are
// reported through Result.Warnings.
var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrNonConvergence   = errors.New("calibration did not converge")
	ErrFatalCalibration = errors.New("fatal calibration error")
)
