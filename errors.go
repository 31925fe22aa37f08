package concache

import "github.com/pkg/errors"

// ErrAbsent is the sentinel a ComputeFunc returns to signal "there is no
// value for this key," as distinct from a transport/backend failure. Both
// surface identically to the caller as a ComputationFailureError, but a
// caller that wants to tell the two apart can errors.Is(err, ErrAbsent)
// against the wrapped cause.
var ErrAbsent = errors.New("concache: no value for key")

// Error kinds per spec §7. Each is a distinct type so callers can recover
// the kind with errors.As; all are built on github.com/pkg/errors so a
// wrapped cause keeps its original stack/chain.
type (
	// InvalidArgumentError reports a negative/zero value where the builder
	// forbids it, or a nil key/value passed to a cache operation.
	InvalidArgumentError struct{ msg string }

	// InvalidStateError reports builder misuse: a knob set twice, or two
	// knobs that conflict (e.g. both the legacy TTL alias and an explicit
	// expireAfterWrite/expireAfterAccess).
	InvalidStateError struct{ msg string }

	// CapacityImpossibleError reports that a requested sizing parameter
	// cannot be represented. The core cache never raises this itself; it
	// exists for auxiliary sizing add-ons (e.g. a Bloom-filter-backed
	// admission filter) layered on top, per spec §7.
	CapacityImpossibleError struct{ msg string }

	// ComputationFailureError wraps a compute function's error or reports
	// that it returned no value.
	ComputationFailureError struct {
		msg   string
		cause error
	}

	// CancelledError reports that a waiter on a pending computation was
	// cancelled before the computation published its outcome.
	CancelledError struct{ cause error }
)

func (e *InvalidArgumentError) Error() string     { return "concache: invalid argument: " + e.msg }
func (e *InvalidStateError) Error() string        { return "concache: invalid state: " + e.msg }
func (e *CapacityImpossibleError) Error() string  { return "concache: capacity impossible: " + e.msg }
func (e *ComputationFailureError) Error() string  { return "concache: computation failed: " + e.msg }
func (e *ComputationFailureError) Cause() error    { return e.cause }
func (e *ComputationFailureError) Unwrap() error   { return e.cause }
func (e *CancelledError) Error() string           { return "concache: computation wait cancelled: " + e.cause.Error() }
func (e *CancelledError) Cause() error            { return e.cause }
func (e *CancelledError) Unwrap() error           { return e.cause }

func newInvalidArgument(msg string) error    { return &InvalidArgumentError{msg: msg} }
func newInvalidState(msg string) error       { return &InvalidStateError{msg: msg} }
func newCapacityImpossible(msg string) error { return &CapacityImpossibleError{msg: msg} }

// newComputationFailure wraps cause as a ComputationFailureError, avoiding a
// double-wrap if cause is already one (spec §7: "re-wrapping is avoided if
// the underlying cause is already of the same kind").
func newComputationFailure(msg string, cause error) error {
	var already *ComputationFailureError
	if errors.As(cause, &already) {
		return cause
	}
	return &ComputationFailureError{msg: msg, cause: cause}
}

func newCancelled(cause error) error { return &CancelledError{cause: cause} }
