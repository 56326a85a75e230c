package coordinator

import "errors"

// Kind classifies coordinator-level failures per spec §7's enumerated
// error kinds. InvalidPath and SerializationError are modeled as their
// own sentinel-wrapping types upstream (epath.Error, serialize's Err*)
// and pass through unchanged; Kind exists for the two error conditions
// that are native to orchestration rather than any one component.
type Kind int

const (
	KindUnknownService Kind = iota
	KindCapacity
)

func (k Kind) String() string {
	switch k {
	case KindCapacity:
		return "Capacity"
	default:
		return "UnknownService"
	}
}

// Error is the coordinator's typed error, carrying the spec §7 Kind plus
// the service and path that triggered it where applicable.
type Error struct {
	Kind      Kind
	ServiceID string
	Path      string
	Reason    string
}

func (e *Error) Error() string {
	msg := e.Kind.String() + ": " + e.Reason
	if e.ServiceID != "" {
		msg += " (service=" + e.ServiceID + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e.Kind == KindCapacity {
		return ErrCapacity
	}
	return ErrUnknownService
}

// ErrUnknownService and ErrCapacity are the sentinels every *Error wraps,
// for errors.Is matching without caring about the message text.
var (
	ErrUnknownService = errors.New("coordinator: unknown service")
	ErrCapacity       = errors.New("coordinator: capacity exceeded")
)
