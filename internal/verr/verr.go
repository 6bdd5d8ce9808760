// Package verr defines the View Syncer's error taxonomy: a small set of
// kinds (not types) that determine how a failure propagates — to the
// offending client only, to the current poke, or to the whole group.
package verr

import "errors"

// Kind classifies a failure for propagation purposes.
type Kind int

const (
	// BadRequest is a malformed patch, bad cookie, or unknown op.
	// Surfaced to the offending client only.
	BadRequest Kind = iota
	// BadQuery is an AST referencing missing columns. Surfaced to the
	// client that sent it; the CVR is not mutated.
	BadQuery
	// StaleConnection is a message for a wsID that no longer matches.
	// Silently dropped by the caller.
	StaleConnection
	// Internal is an invariant violation. Fails the current poke with
	// a connection close; CVR state stays consistent.
	Internal
	// Unavailable is a CVR storage error. Retried by the caller after
	// service restart.
	Unavailable
	// Fatal means the pipeline cannot advance. The service stops.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "BadRequest"
	case BadQuery:
		return "BadQuery"
	case StaleConnection:
		return "StaleConnection"
	case Internal:
		return "Internal"
	case Unavailable:
		return "Unavailable"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error is a kinded error that wraps an optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a kinded error with no cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a kinded error around an existing cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Internal for errors
// that were never classified — an unclassified failure inside the core
// is always treated as the most conservative (connection-killing) kind.
func KindOf(err error) Kind {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return Internal
}
