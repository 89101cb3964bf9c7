package flow

import (
	"errors"
	"fmt"
)

// Kind classifies terminal login-flow failures. Callers switch on the kind
// instead of catching a generic failure.
type Kind string

const (
	// KindAlreadyAuthorized: the external account already holds a valid
	// session; terminal, no retry.
	KindAlreadyAuthorized Kind = "ALREADY_AUTHORIZED"
	// KindCodeRequestFailed: the service rejected or failed the code request.
	KindCodeRequestFailed Kind = "CODE_REQUEST_FAILED"
	// KindInvalidCode: the submitted code was rejected; the attempt is over.
	KindInvalidCode Kind = "INVALID_CODE"
	// KindSecondFactorFailed: the password was rejected or the call failed.
	KindSecondFactorFailed Kind = "SECOND_FACTOR_FAILED"
	// KindNoActiveSession: an event arrived with no matching login flow.
	KindNoActiveSession Kind = "NO_ACTIVE_SESSION"
	// KindRegistryConflict: a second live handle was about to be created for
	// one user. Must not happen under per-user serialization.
	KindRegistryConflict Kind = "REGISTRY_CONFLICT"
	// KindArtifactFailed: the credential artifact could not be exported or
	// persisted after an otherwise successful sign-in.
	KindArtifactFailed Kind = "ARTIFACT_SAVE_FAILED"
)

// FlowError carries the failure kind alongside the underlying cause.
type FlowError struct {
	kind Kind
	err  error
}

func newFlowError(kind Kind, err error) *FlowError {
	return &FlowError{kind: kind, err: err}
}

func (e *FlowError) Error() string {
	if e.err == nil {
		return string(e.kind)
	}
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

// Kind returns the failure classification.
func (e *FlowError) Kind() Kind { return e.kind }

// Code returns a stable identifier used as err_code in handler summary logs.
func (e *FlowError) Code() string { return string(e.kind) }

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *FlowError) Unwrap() error { return e.err }

// KindOf extracts the flow failure kind from an error chain, or "" when the
// error did not originate from the flow.
func KindOf(err error) Kind {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.kind
	}
	return ""
}

// IsKind reports whether err carries the given flow failure kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
