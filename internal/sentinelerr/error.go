// Package sentinelerr defines the error kinds the supervisor propagates and
// the bounded-retry policy attached to each one.
package sentinelerr

import (
	"errors"
	"fmt"
)

// Kind classifies a supervisor error for propagation-policy dispatch.
type Kind string

// Error kinds, mirroring the propagation table in the design document.
const (
	KindConfig             Kind = "config"
	KindPrerequisiteMissing Kind = "prerequisite_missing"
	KindBusTransient       Kind = "bus_transient"
	KindBusFatal           Kind = "bus_fatal"
	KindStateTransient     Kind = "state_transient"
	KindStateFatal         Kind = "state_fatal"
	KindCASConflict        Kind = "cas_conflict"
	KindOverlayIO          Kind = "overlay_io"
	KindNetworkSetup       Kind = "network_setup"
	KindHypervisorLaunch   Kind = "hypervisor_launch"
	KindHypervisorCrash    Kind = "hypervisor_crash"
	KindGuestProtocol      Kind = "guest_protocol"
	KindGuestTimeout       Kind = "guest_timeout"
	KindToolDenied         Kind = "tool_denied"
	KindToolExec           Kind = "tool_exec"
	KindCancelled          Kind = "cancelled"
)

// Error is a supervisor error carrying a propagation Kind and an optional cause.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

// New creates an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Wrap creates an Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{kind: kind, msg: msg, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's propagation kind.
func (e *Error) Kind() Kind { return e.kind }

// KindOf extracts the Kind from err if it (or something it wraps) is a *Error.
// Returns ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.kind, true
	}
	return "", false
}

// Retryable reports whether the propagation policy calls for bounded retry
// rather than immediate terminal failure or silent recovery.
func Retryable(kind Kind) bool {
	switch kind {
	case KindBusTransient, KindStateTransient:
		return true
	default:
		return false
	}
}
