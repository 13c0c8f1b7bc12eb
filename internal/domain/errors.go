package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrRateUnavailable  = errors.New("exchange rate unavailable")
	ErrAddressAssigned  = errors.New("receiving address already assigned")
	ErrNoTransition     = errors.New("no transition for current state")
	ErrAddressPoolEmpty = errors.New("no free receiving address in pool")
)

// ValidationError reports a rejected field on input that never reached storage.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
