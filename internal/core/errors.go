package core

import (
	"errors"
	"fmt"
)

// ErrorKind groups error codes by how the client is expected to react.
type ErrorKind string

const (
	KindAuth          ErrorKind = "auth_error"
	KindValidation    ErrorKind = "validation_error"
	KindRateLimit     ErrorKind = "rate_limit_error"
	KindAuthorization ErrorKind = "authorization_error"
	KindUpstream      ErrorKind = "upstream_error"
	KindInternal      ErrorKind = "internal_error"
)

// Error codes for domain errors.
const (
	ErrCodeMissingFields   = "missing_fields"
	ErrCodeTooLong         = "too_long"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeForbiddenRoom   = "forbidden_room"
	ErrCodeMissingRoomID   = "missing_room_id"
	ErrCodeRoomNotFound    = "room_not_found"
	ErrCodeRoomUnavailable = "room_unavailable"
	ErrCodeBackendFailed   = "backend_failed"
	ErrCodeBadRequest      = "bad_request"
	ErrCodeUnknownType     = "unknown_type"
	ErrCodeTooManyEvents   = "too_many_events"
	ErrCodeInternal        = "internal_error"
)

// ErrClientClosed is returned when submitting to a disconnected client.
var ErrClientClosed = errors.New("client closed")

// CoreError wraps a code and human-readable message. Max and Status are
// carried into acknowledgments when set.
type CoreError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Details string
	Max     int
	Status  int
}

func (e *CoreError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return e.Code + ": " + e.Message
}

func coreError(kind ErrorKind, code, msg string) *CoreError {
	return &CoreError{Kind: kind, Code: code, Message: msg}
}

// AsCoreError converts any error into a CoreError, defaulting to internal_error.
func AsCoreError(err error) *CoreError {
	if err == nil {
		return nil
	}
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce
	}
	return coreError(KindInternal, ErrCodeInternal, "internal error")
}
