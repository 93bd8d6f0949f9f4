// Package core defines the shared error model for the conveyor engine.
// Every component reports failures as a *Error carrying a stable code so
// the engine and the CLI can map failures to retry policy and exit codes
// without inspecting message text.
package core

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a failure class.
type ErrorCode string

// Spec errors. A spec error means no run starts; CLI exit code 2.
const (
	ErrCodeSpecInvalid        ErrorCode = "spec_invalid"
	ErrCodeSpecCycle          ErrorCode = "spec_cyclic_dependency"
	ErrCodeSpecUnknownDep     ErrorCode = "spec_unknown_dependency"
	ErrCodeSpecUnknownStage   ErrorCode = "spec_unknown_stage_type"
	ErrCodeSpecDuplicateStage ErrorCode = "spec_duplicate_stage"
)

// Stage execution errors. Retried per stage policy, otherwise contained to
// dependent-stage skipping.
const (
	ErrCodeStageTimeout   ErrorCode = "stage_timeout"
	ErrCodeStageExecution ErrorCode = "stage_execution"
)

// Artifact errors. Fatal to the producing/consuming stage, never retried.
const (
	ErrCodeArtifactConflict ErrorCode = "artifact_conflict"
	ErrCodeArtifactNotFound ErrorCode = "artifact_not_found"
)

// Deployment errors. DeploymentFailed aborts the run and is never retried
// automatically; TargetBusy is caller-visible and retryable by the caller.
const (
	ErrCodeImageNotFound    ErrorCode = "image_not_found"
	ErrCodeDeploymentFailed ErrorCode = "deployment_failed"
	ErrCodeTargetBusy       ErrorCode = "target_busy"
)

// Engine bookkeeping errors.
const (
	ErrCodeRunNotFound  ErrorCode = "run_not_found"
	ErrCodeRunCancelled ErrorCode = "run_cancelled"
	ErrCodeInternal     ErrorCode = "internal"
)

// Error is the structured error type used across the engine.
type Error struct {
	Code    ErrorCode
	Domain  string
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on code so sentinel comparisons survive wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails attaches a key/value pair for diagnostics.
func (e *Error) WithDetails(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// New creates an error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Details: make(map[string]any)}
}

// NewDomain creates an error attributed to a component domain
// (pipeline, artifact, deploy).
func NewDomain(domain string, code ErrorCode, message string) *Error {
	return &Error{Code: code, Domain: domain, Message: message, Details: make(map[string]any)}
}

// Wrap wraps err with a code and message.
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err, Details: make(map[string]any)}
}

// Wrapf wraps err with a code and a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err, Details: make(map[string]any)}
}

// As extracts a *Error from an error chain.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf returns the code of err, or ErrCodeInternal for uncoded errors.
func CodeOf(err error) ErrorCode {
	if ce, ok := As(err); ok {
		return ce.Code
	}
	return ErrCodeInternal
}

// IsSpecError reports whether err belongs to the spec-error class.
// Spec errors are fatal before any stage runs.
func IsSpecError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeSpecInvalid, ErrCodeSpecCycle, ErrCodeSpecUnknownDep,
		ErrCodeSpecUnknownStage, ErrCodeSpecDuplicateStage:
		return true
	}
	return false
}

// IsRetryable reports whether err may be retried under a stage retry policy.
// Artifact conflicts, missing artifacts and deployment failures are final:
// retrying them would either mask a published-build overwrite or repeat a
// non-idempotent rollout.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeStageTimeout, ErrCodeStageExecution:
		return true
	}
	return false
}

// IsNotFound reports whether err is any not-found class.
func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case ErrCodeArtifactNotFound, ErrCodeImageNotFound, ErrCodeRunNotFound:
		return true
	}
	return false
}

// Common sentinels.
var (
	ErrArtifactConflict = New(ErrCodeArtifactConflict, "artifact exists with different content")
	ErrArtifactNotFound = New(ErrCodeArtifactNotFound, "artifact not found")
	ErrImageNotFound    = New(ErrCodeImageNotFound, "image not found")
	ErrTargetBusy       = New(ErrCodeTargetBusy, "deployment target busy")
	ErrRunNotFound      = New(ErrCodeRunNotFound, "run not found")
	ErrRunCancelled     = New(ErrCodeRunCancelled, "run cancelled")
)
