// Package errs defines the failure kinds shared by every authazure package
// and the classification/logging half of the error handling policy.
//
// Every failure is an *Error carrying a Kind (one of the sentinel errors
// below) and an explicit Fatal flag. Fatal errors abort the login flow; the
// caller that owns the response decides how to respond. Non-fatal errors are
// logged where they occur and the caller continues with degraded data.
package errs

import (
	"errors"
	"strings"
)

var (
	// ErrConfig is a missing or invalid required setting.
	ErrConfig = errors.New("configuration error")

	// ErrCsrf is a state or nonce mismatch.
	ErrCsrf = errors.New("csrf check failed")

	// ErrProtocol is a missing authorization code or id_token.
	ErrProtocol = errors.New("protocol error")

	// ErrProvider is a failed call to the identity provider.
	ErrProvider = errors.New("identity provider error")

	// ErrReconciliation is a failed local user store operation.
	ErrReconciliation = errors.New("user reconciliation error")

	// ErrExpiredToken is an expired token with no way to refresh it.
	ErrExpiredToken = errors.New("token expired")

	// ErrStorage is a failed cache or database call.
	ErrStorage = errors.New("storage error")

	// ErrNotFound is a missing token or record.
	ErrNotFound = errors.New("not found")

	// ErrInvalidParameter is a programming error: a bad argument.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Error is the error type returned by authazure operations.
type Error struct {
	// Kind is one of the sentinel errors of this package.
	Kind error

	// Op is the operation that raised the error.
	Op string

	// Msg is a human readable description.
	Msg string

	// Fatal reports whether the error must abort the login flow.
	Fatal bool

	// Wrapped is the underlying cause, if any.
	Wrapped error
}

// New creates an *Error of the given kind.
// Supported options: WithOp, WithMsg, WithWrap, WithFatal.
func New(kind error, opt ...Option) *Error {
	opts := getOpts(opt...)
	return &Error{
		Kind:    kind,
		Op:      opts.withOp,
		Msg:     opts.withMsg,
		Fatal:   opts.withFatal,
		Wrapped: opts.withWrap,
	}
}

// Error satisfies the error interface. The format is
// "op: msg: kind: wrapped" with empty parts omitted.
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Msg != "" {
		parts = append(parts, e.Msg)
	}
	if e.Kind != nil {
		parts = append(parts, e.Kind.Error())
	}
	if e.Wrapped != nil {
		parts = append(parts, e.Wrapped.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap returns both the kind and the wrapped cause, so errors.Is matches
// either of them.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Wrapped != nil {
		errs = append(errs, e.Wrapped)
	}
	return errs
}

// IsFatal reports whether err, or any *Error it wraps, is flagged fatal.
func IsFatal(err error) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Fatal {
			return true
		}
		err = e.Wrapped
	}
	return false
}

// Wrap returns err as the cause of a new *Error of the given kind. A fatal
// flag on an *Error being wrapped is carried over.
func Wrap(err error, kind error, opt ...Option) *Error {
	if err == nil {
		return nil
	}
	e := New(kind, opt...)
	e.Wrapped = err
	if IsFatal(err) {
		e.Fatal = true
	}
	return e
}
