package wizard

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an event has no transition from the current state.
	ErrInvalidState = errors.New("wizard: not available in current state")
	// ErrInvalidSelection wraps catalog.ErrUnknownCategory or catalog.ErrUnknownSubcategory.
	ErrInvalidSelection = errors.New("wizard: invalid selection")
	ErrEmptyInput       = errors.New("wizard: empty input")
	ErrInvalidPrice     = errors.New("wizard: invalid price")
	// ErrSessionStorage wraps session repository failures returned by Engine.Handle.
	ErrSessionStorage = errors.New("wizard: session storage")
	// ErrBusy is returned when the user's previous event is still being handled
	// and the caller's context ended while waiting.
	ErrBusy = errors.New("wizard: user busy")
)

// ExtractionFailure reports a failed attribute extraction. The session stays
// on the product step either way.
type ExtractionFailure struct {
	Retryable bool
	Err       error
}

func (e *ExtractionFailure) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("wizard: extraction failed (%s): %v", kind, e.Err)
}

func (e *ExtractionFailure) Unwrap() error { return e.Err }

// StoreFailure reports a listing store fault.
type StoreFailure struct {
	Op  string
	Err error
}

func (e *StoreFailure) Error() string {
	return fmt.Sprintf("wizard: store %s: %v", e.Op, e.Err)
}

func (e *StoreFailure) Unwrap() error { return e.Err }

// ErrorCode maps err to a short code for logs.
func ErrorCode(err error) string {
	var (
		ef *ExtractionFailure
		sf *StoreFailure
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionStorage):
		return "session_storage"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidSelection):
		return "invalid_selection"
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, ErrInvalidPrice):
		return "invalid_price"
	case errors.As(err, &ef):
		if ef.Retryable {
			return "extraction_retryable"
		}
		return "extraction_failed"
	case errors.As(err, &sf):
		return "store_failed"
	}
	return "internal"
}
