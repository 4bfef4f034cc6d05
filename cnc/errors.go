package cnc

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a controller error. Use Is(err, kind) or
// errors.As with *Error for typed assertions rather than string matching.
type ErrorKind string

const (
	// KindCommError indicates a transport failure communicating with the device.
	KindCommError ErrorKind = "comm_error"

	// KindParseError indicates a malformed message received from the device.
	KindParseError ErrorKind = "parse_error"

	// KindMachineError indicates the device reported a generic error.
	KindMachineError ErrorKind = "machine_error"

	// KindCancelled indicates the operation was aborted by Cancel, Reset,
	// or stream-error fan-out.
	KindCancelled ErrorKind = "cancelled"

	// KindProbeEnd indicates a probe reached the commanded endpoint without tripping.
	KindProbeEnd ErrorKind = "probe_end"

	// KindProbeNotTripped indicates the device refused a probe operation
	// because tripping did not occur.
	KindProbeNotTripped ErrorKind = "probe_not_tripped"

	// KindProbeInitialState indicates the probe was already tripped on entry.
	KindProbeInitialState ErrorKind = "probe_initial_state"

	// KindSafetyInterlock indicates a safety door or interlock disengaged.
	KindSafetyInterlock ErrorKind = "safety_interlock"

	// KindLimitHit indicates a limit switch engaged unexpectedly.
	KindLimitHit ErrorKind = "limit_hit"

	// KindUnsupported indicates the backend does not implement the requested verb.
	KindUnsupported ErrorKind = "unsupported"
)

// Error is a structured controller error carrying a kind, a message, and an
// optional wrapped cause. The original error stays in the chain for
// errors.Is/errors.As.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

// Unwrap returns the underlying error for chain traversal.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError creates an error of the given kind wrapping an underlying cause.
// Returns nil if err is nil.
func WrapError(kind ErrorKind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// Cancelled returns a fresh cancellation error.
func Cancelled() *Error { return &Error{Kind: KindCancelled} }

// ErrUnsupported is returned by backends for contract verbs they do not implement.
var ErrUnsupported = &Error{Kind: KindUnsupported, Message: "not supported by this controller"}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind ErrorKind) bool {
	var cerr *Error
	for errors.As(err, &cerr) {
		if cerr.Kind == kind {
			return true
		}
		if cerr.Err == nil {
			break
		}
		err = cerr.Err
	}
	return false
}

// KindOf returns the kind of the outermost *Error in the chain, or "" if none.
func KindOf(err error) ErrorKind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return ""
}
