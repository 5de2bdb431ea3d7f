// Package errs defines the failure taxonomy shared by the client, the rule
// checks and the circuit backend.
//
// Authentication, Authorization, NotFound and State failures are surfaced to
// callers unrecovered. Transient failures are retried locally and only
// surface when bootstrap retries are exhausted.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindState
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation that failed, Msg is
// the human readable reason and Err an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels can be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

var (
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrAuthorization  = &Error{Kind: KindAuthorization}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrState          = &Error{Kind: KindState}
	ErrTransient      = &Error{Kind: KindTransient}
)

func Authentication(msg string) *Error { return &Error{Kind: KindAuthentication, Msg: msg} }
func Authorization(msg string) *Error  { return &Error{Kind: KindAuthorization, Msg: msg} }
func NotFound(msg string) *Error       { return &Error{Kind: KindNotFound, Msg: msg} }
func State(msg string) *Error          { return &Error{Kind: KindState, Msg: msg} }

// Transient wraps a recoverable cause.
func Transient(msg string, cause error) *Error {
	return &Error{Kind: KindTransient, Msg: msg, Err: cause}
}

// WithOp returns a copy of e attributed to op.
func (e *Error) WithOp(op string) *Error {
	out := *e
	out.Op = op
	return &out
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
