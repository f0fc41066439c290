package cat

import "errors"

// Sentinel errors returned by Session.Record.
var (
	ErrUnknownItem         = errors.New("item not in session bank")
	ErrAlreadyAdministered = errors.New("item already administered")
	ErrSessionFinished     = errors.New("session finished")
	ErrNotOffered          = errors.New("item was not the one offered")
)
