// Package errkind models the discriminated error kinds the auth core
// surfaces at its boundaries (spec §7). Callers pattern-match with
// errors.Is against the sentinels, the same way the teacher's
// auth.ErrInvalidCredentials / auth.ErrUserNotFound are checked.
package errkind

import "errors"

// Kind identifies one of the nine discriminated error classes.
type Kind string

const (
	InvalidInput     Kind = "invalid_input"
	Unauthenticated  Kind = "unauthenticated"
	Revoked          Kind = "revoked"
	RateLimited      Kind = "rate_limited"
	SecurityBreach   Kind = "security_breach"
	Conflict         Kind = "conflict"
	NotFound         Kind = "not_found"
	Transient        Kind = "transient"
	Fatal            Kind = "fatal"
)

// Error wraps an underlying cause with a discriminated kind, a stable
// machine-readable code, and an optional generic message safe to
// return to a caller at the edge.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, errkind.RevokedSentinel) style checks by
// comparing kinds rather than identity.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New builds an *Error of the given kind with a generic message and no cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// sentinel returns a zero-cause *Error usable with errors.Is as a
// pure kind marker, e.g. errors.Is(err, errkind.RevokedSentinel).
func sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// Sentinels for errors.Is comparisons against bare kinds.
var (
	InvalidInputSentinel    = sentinel(InvalidInput)
	UnauthenticatedSentinel = sentinel(Unauthenticated)
	RevokedSentinel         = sentinel(Revoked)
	RateLimitedSentinel     = sentinel(RateLimited)
	SecurityBreachSentinel  = sentinel(SecurityBreach)
	ConflictSentinel        = sentinel(Conflict)
	NotFoundSentinel        = sentinel(NotFound)
	TransientSentinel       = sentinel(Transient)
	FatalSentinel           = sentinel(Fatal)
)

// Of reports the Kind of err if it is (or wraps) an *Error, and ok=false otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
