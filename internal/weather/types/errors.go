package types

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrInvalidRequest marks a caller-side contract violation (empty city, oversized batch).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound means the provider confirmed the city does not exist.
	ErrNotFound = errors.New("city not found")

	// ErrUnauthorized means the provider rejected the credential.
	ErrUnauthorized = errors.New("invalid API key")

	// ErrProvider covers any other upstream rejection.
	ErrProvider = errors.New("weather provider error")

	// ErrTransient covers connection failures, timeouts and 5xx responses.
	ErrTransient = errors.New("transient provider error")
)

// Error is a classified failure from the weather pipeline.
type Error struct {
	Kind       error
	StatusCode int
	City       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// InvalidRequest builds an ErrInvalidRequest error.
func InvalidRequest(format string, args ...any) *Error {
	return &Error{Kind: ErrInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds an ErrNotFound error for city.
func NotFound(city string) *Error {
	return &Error{
		Kind:       ErrNotFound,
		StatusCode: 404,
		City:       city,
		Message:    fmt.Sprintf("city '%s' not found", city),
	}
}
