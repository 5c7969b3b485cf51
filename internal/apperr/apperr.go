// Package apperr defines the error taxonomy shared by the lifecycle engine,
// the message store and the transports that report failures to clients.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	KindValidation Kind = "validation"
	KindState      Kind = "state"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindConnection Kind = "connection"
	KindInternal   Kind = "internal"
)

// Error carries a Kind, a user-facing message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same kind and message, so package-level
// values like ErrMatchNotFound work with errors.Is after wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// Wrap attaches kind and msg to cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func Validation(msg string, cause error) *Error { return Wrap(KindValidation, msg, cause) }
func NotFound(msg string) *Error                { return New(KindNotFound, msg) }
func State(msg string) *Error                   { return New(KindState, msg) }
func Conflict(msg string) *Error                { return New(KindConflict, msg) }
func Connection(msg string, cause error) *Error { return Wrap(KindConnection, msg, cause) }

// Lifecycle errors.
var (
	ErrMatchNotFound       = NotFound("Match not found")
	ErrMessageNotFound     = NotFound("Message not found")
	ErrUserNotFound        = NotFound("User not found")
	ErrInvalidTransition   = State("Invalid status for transition")
	ErrSelfResponse        = State("Self-response forbidden")
	ErrMilestoneNotReached = State("Milestone not reached")
	ErrNotParticipant      = State("Not a participant of this match")
	ErrMatchClosed         = State("Match is not open for chat")
	ErrNotFriends          = State("Users are not friends")
	ErrConcurrentUpdate    = Conflict("Concurrent update, please retry")
)

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code returned by REST handlers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindState, KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindConnection:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Message returns the text safe to show to a client.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return "Internal server error"
}
