package guard

import "fmt"

// Kind classifies guard errors. Budget and constraint violations are not
// errors; they surface as Decisions with allowed=false.
type Kind string

const (
	// KindConfigInvalid means the guard configuration cannot be used.
	KindConfigInvalid Kind = "config_invalid"

	// KindContextUnknown means a hook referenced an untracked run ID.
	KindContextUnknown Kind = "context_unknown"

	// KindBackendUnavailable means the persistence backend is unreachable.
	KindBackendUnavailable Kind = "backend_unavailable"

	// KindInternalInvariant means a hook panicked; the failure mode decides
	// the resulting decision.
	KindInternalInvariant Kind = "internal_invariant"
)

// Error is the typed error returned by guard construction and lifecycle
// methods.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("guard: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("guard: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
