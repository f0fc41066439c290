package selection

import "errors"

// ErrItemBankExhausted is returned when no item is eligible even after relaxing domain targets.
var ErrItemBankExhausted = errors.New("item bank exhausted")
