package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicate         = errors.New("record already exists")
	ErrInvalidRecord     = errors.New("invalid record")
	ErrUnknownItem       = errors.New("response references unknown item")
	ErrRunNotRunning     = errors.New("calibration run is not running")
	ErrUnsupportedDriver = errors.New("unsupported store driver")
)
