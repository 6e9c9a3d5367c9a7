package calls

import "errors"

var (
	// ErrValidation rejects a request before any state is created.
	ErrValidation = errors.New("calls: validation failed")
	// ErrGateway wraps provider failures; the call is recorded as failed.
	ErrGateway = errors.New("calls: provider gateway error")
	ErrNotFound = errors.New("calls: not found")
	// ErrPersistence is returned after the store write failed twice.
	ErrPersistence = errors.New("calls: persistence failed")
	// ErrStaleEvent marks an event for a call that is already terminal.
	// It is logged and discarded, never surfaced to API clients.
	ErrStaleEvent = errors.New("calls: stale event")
	// ErrStatusConflict is returned by a Store when the expected status guard
	// on Update no longer matches the row.
	ErrStatusConflict = errors.New("calls: status changed concurrently")
	ErrConcurrencyLimit = errors.New("calls: too many active calls")
	// ErrAlreadyAnswered is returned to every answerer after the first.
	ErrAlreadyAnswered = errors.New("calls: already answered by another party")
)
