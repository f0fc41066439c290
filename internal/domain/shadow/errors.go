package shadow

import "errors"

// ErrNotReplayable is returned when none of a session's items is calibrated in the bank.
var ErrNotReplayable = errors.New("session has no replayable items")
