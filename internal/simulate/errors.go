package simulate

import "errors"

var (
	ErrUnexpectedStatus  = errors.New("unexpected status")
	ErrServiceUnhealthy  = errors.New("service unhealthy")
	ErrCalibrationFailed = errors.New("calibration failed")
	ErrWaitTimeout       = errors.New("timed out waiting")
	ErrInvalidConfig     = errors.New("invalid simulation config")
)
