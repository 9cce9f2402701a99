package upstream

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned without contacting the backend while the breaker is open.
	ErrCircuitOpen = errors.New("upstream circuit open")
	// ErrNotFound is wrapped by StatusError for 404 responses.
	ErrNotFound = errors.New("upstream resource not found")
)

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: upstream returned %d", e.Op, e.Status)
}

// Unwrap lets callers match 404s with errors.Is(err, ErrNotFound).
func (e *StatusError) Unwrap() error {
	if e.Status == 404 {
		return ErrNotFound
	}
	return nil
}

// StatusCode extracts the HTTP status from err, or 0 when there is none
// (transport errors, timeouts, open circuit).
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
