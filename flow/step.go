package flow

import (
	"context"
	"encoding/json"
	"time"
)

// Result is the outcome of one step execution attempt: exactly one of
// success (Output), suspension (Signal) or failure (Err). Construct with
// Success, Suspended or Fail.
type Result struct {
	// Output is the step's output on success. Consumed by the next step
	// in a sequence, collected per-branch by a parallel join, or
	// evaluated by a branch predicate.
	Output any

	// Signal, when non-nil, parks the run pending externally supplied
	// resume data.
	Signal *SuspendSignal

	// Err, when non-nil, fails the attempt. The step's retry policy
	// classifies it as retryable or terminal.
	Err error
}

// Success returns a Result carrying the step's output.
func Success(output any) Result {
	return Result{Output: output}
}

// Suspended returns a Result that parks the run. The engine persists the
// signal via the checkpoint store and halts scheduling until Resume is
// called with data satisfying the signal's resume schema.
func Suspended(sig SuspendSignal) Result {
	return Result{Signal: &sig}
}

// Fail returns a Result carrying a failure.
func Fail(err error) Result {
	return Result{Err: err}
}

// SuspendSignal is emitted by a step instead of a normal output to park
// the run until a caller supplies resume data.
type SuspendSignal struct {
	// Reason describes why the run is parked, e.g. "awaiting review".
	Reason string

	// ResumeSchema is a JSON schema the resume data must satisfy.
	// Empty accepts any payload.
	ResumeSchema string

	// State is opaque step state persisted with the checkpoint. The
	// engine never interprets it.
	State json.RawMessage
}

// ResumeInput is what a previously suspended step receives when the run
// resumes: its original input combined with the caller-supplied resume
// data.
type ResumeInput struct {
	// Original is the input the step was invoked with before suspending.
	Original any

	// Resume is the caller-supplied data, already validated against the
	// suspension's resume schema.
	Resume json.RawMessage
}

// StepFunc is a step body. It receives the step's input, the run's
// shared context, and a cancellation context; it must return promptly
// once ctx is done. After a resume, input is a ResumeInput.
type StepFunc func(ctx context.Context, input any, rc *RunContext) Result

// StepDefinition declares one named, independently retryable unit of
// work. Definitions are registered once at process start and never
// mutated.
type StepDefinition struct {
	// Name is the step's identity, unique within the engine.
	Name string

	// InputShape, when non-nil, validates the step's input before each
	// run of the step. A violation is a terminal ValidationError.
	InputShape *Shape

	// OutputShape, when non-nil, validates the step's output after a
	// successful attempt. A violation is a terminal ValidationError.
	OutputShape *Shape

	// Timeout bounds one execution attempt. Zero falls back to the
	// engine's DefaultStepTimeout; both zero means no limit. A timeout
	// cancels only this step's context, not sibling branches.
	Timeout time.Duration

	// Retry configures the attempt loop. Nil means one attempt, no
	// retries.
	Retry *RetryPolicy

	// Execute is the step body. Required.
	Execute StepFunc
}
