// Package flow implements a workflow orchestration engine: a step-graph
// executor with sequential, parallel and conditional composition, typed
// per-run context, retry with backoff, suspend/resume checkpointing and
// an ordered, backpressure-aware lifecycle event stream.
package flow

import (
	"errors"
	"fmt"
)

// ErrRunNotFound indicates the run ID is not present in the engine's
// run arena.
var ErrRunNotFound = errors.New("run not found")

// ErrSuspendInParallel indicates a step attempted to suspend while
// executing inside a parallel branch. A run may hold at most one
// outstanding suspension, and sibling branch outputs cannot be carried
// across one, so the run fails instead.
var ErrSuspendInParallel = errors.New("suspension inside a parallel branch is not supported")

// ErrRunNotTerminal indicates an operation that requires a finished run
// (Remove) was called while the run was still pending, running or
// suspended.
var ErrRunNotTerminal = errors.New("run has not reached a terminal status")

// ErrStepTimeout indicates a step attempt exceeded its configured
// timeout. Only that step's context is cancelled; sibling branches keep
// running. Retry classifiers may treat it as retryable via errors.Is.
var ErrStepTimeout = errors.New("step timed out")

// errSkipped marks a step that was never started because a sibling
// parallel branch had already failed terminally. Internal only; it never
// reaches a caller or the event stream.
var errSkipped = errors.New("step skipped: sibling branch failed")

// EngineError reports a configuration or registration problem: duplicate
// step names, unknown graph IDs, invalid graph shapes.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ValidationError indicates a step's input, output or resume payload
// failed its declared shape. Always terminal: the step is not retried.
type ValidationError struct {
	// StepName is the step whose contract was violated.
	StepName string

	// Contract identifies which contract failed: "input", "output" or
	// "resume".
	Contract string

	// Detail lists the schema violations.
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("step %s: %s failed validation: %s", e.StepName, e.Contract, e.Detail)
}

// ProviderError wraps a failure from an external collaborator (search
// provider, language model, content fetch) with a retryability
// classification. The default retry classifier consults Retryable; a
// step's own Classify function may override it.
type ProviderError struct {
	// Provider names the collaborator that failed.
	Provider string

	// Retryable marks transient failures (timeouts, rate limits) that
	// may succeed on another attempt. Non-retryable failures (bad
	// credentials, malformed requests) are terminal.
	Retryable bool

	// Err is the underlying failure.
	Err error
}

func (e *ProviderError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s provider error: %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable ProviderError.
func Transient(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Retryable: true, Err: err}
}

// Terminal wraps err as a non-retryable ProviderError.
func Terminal(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Retryable: false, Err: err}
}

// SuspensionConflictError is returned synchronously from Resume when the
// run has no matching outstanding suspension (never suspended, already
// resumed, lost a concurrent resume race) or when the resume data fails
// the stored resume shape. It never mutates run state.
type SuspensionConflictError struct {
	RunID  string
	Reason string
}

func (e *SuspensionConflictError) Error() string {
	return fmt.Sprintf("run %s: suspension conflict: %s", e.RunID, e.Reason)
}
