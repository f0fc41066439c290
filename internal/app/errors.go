package service

import "errors"

// Sentinel errors returned by Service methods.
var (
	ErrNotStarted        = errors.New("service not started")
	ErrInvalidSession    = errors.New("invalid session")
	ErrBackpressure      = errors.New("shadow queue refused the session")
	ErrSessionNotFound   = errors.New("live session not found")
	ErrSessionExists     = errors.New("live session already exists")
	ErrTooManySessions   = errors.New("too many live sessions")
	ErrNoCalibratedItems = errors.New("no calibrated items available")
)
