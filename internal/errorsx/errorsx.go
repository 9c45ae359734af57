// Package errorsx wraps github.com/pkg/errors with the Kind() tagging
// spec §7 requires ("always include... a kind tag") and the propagation
// rule ("only internal_error escapes the event loop"). Grounded on the
// tracker package's *tracker.Error shape, generalized into a shared
// helper so peer-connection, delegator-blacklist, and chunk-list errors
// carry the same taxonomy without each package redefining it.
package errorsx

import (
	"github.com/pkg/errors"
)

// Kind classifies a failure per spec §7.
type Kind int

const (
	Internal Kind = iota
	Communication
	Network
	Storage
	TrackerFailure
	Input
)

func (k Kind) String() string {
	switch k {
	case Internal:
		return "internal_error"
	case Communication:
		return "communication_error"
	case Network:
		return "network_error"
	case Storage:
		return "storage_error"
	case TrackerFailure:
		return "tracker_error"
	case Input:
		return "input_error"
	default:
		return "unknown_error"
	}
}

// Disposition is the handling spec §7's table prescribes for a Kind.
type Disposition int

const (
	AbortSwarm Disposition = iota
	DropPeerBlacklist
	DropPeerSilent
	DropPeerSurface
	Backoff
	ReturnSync
)

// DispositionFor returns the table-prescribed handling for k.
func DispositionFor(k Kind) Disposition {
	switch k {
	case Internal:
		return AbortSwarm
	case Communication:
		return DropPeerBlacklist
	case Network:
		return DropPeerSilent
	case Storage:
		return DropPeerSurface
	case TrackerFailure:
		return Backoff
	case Input:
		return ReturnSync
	default:
		return AbortSwarm
	}
}

// Error is a host-visible failure carrying a Kind, an endpoint
// (originating URL or peer address per spec §7), and the wrapped cause.
type Error struct {
	kind     Kind
	endpoint string
	msg      string
	cause    error
}

// New constructs an Error with a stack trace attached to cause (or, if
// cause is nil, to the message itself) via pkg/errors, so host-visible
// failures retain their origin for logging.
func New(kind Kind, endpoint, msg string, cause error) *Error {
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrap(cause, msg)
	} else {
		wrapped = errors.New(msg)
	}
	return &Error{kind: kind, endpoint: endpoint, msg: msg, cause: wrapped}
}

func (e *Error) Error() string {
	if e.endpoint != "" {
		return e.endpoint + ": " + e.msg
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// Kind reports the error's taxonomy tag.
func (e *Error) Kind() Kind { return e.kind }

// Endpoint reports the originating URL or peer address.
func (e *Error) Endpoint() string { return e.endpoint }

// As is a thin wrapper over errors.As for callers that don't want to
// import both errorsx and pkg/errors.
func As(err error, target interface{}) bool { return errors.As(err, target) }
