package scheduler

import "errors"

// Sentinel kinds for scheduler errors.
var (
	ErrCalibrationConflict = errors.New("calibration already in flight")
	ErrInvalidSchedule     = errors.New("invalid calibration schedule")
)
