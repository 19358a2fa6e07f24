// Package stream delivers workflow lifecycle events to an external
// consumer as an ordered, backpressure-aware sequence.
package stream

// Kind identifies the lifecycle transition an event describes.
//
// For any single step within a run, the observed order is always:
//
//	started -> progress* -> exactly one of completed | failed | suspended
//
// A run ends with exactly one run_completed event whose payload carries
// the terminal status (completed, failed or cancelled).
type Kind string

const (
	// KindStarted is emitted once when a step begins executing.
	KindStarted Kind = "started"

	// KindProgress is emitted for intermediate step activity. The engine
	// emits one progress event per execution attempt (payload carries the
	// attempt number); step bodies may emit additional progress events
	// through their run context.
	KindProgress Kind = "progress"

	// KindCompleted is emitted once when a step settles successfully.
	KindCompleted Kind = "completed"

	// KindFailed is emitted once when a step settles with a terminal error.
	KindFailed Kind = "failed"

	// KindSuspended is emitted once when a step parks the run pending
	// externally supplied resume data.
	KindSuspended Kind = "suspended"

	// KindRunCompleted is the final event of every run, regardless of
	// whether the run completed, failed or was cancelled.
	KindRunCompleted Kind = "run_completed"
)

// Event is one discrete lifecycle message for a run.
//
// Sequence is strictly increasing per run and reflects true settlement
// order: when parallel branches settle concurrently, the branch that
// settles first gets the lower sequence number, regardless of where it
// sits in the declared graph.
//
// The wire format (see JSONLSink) is one JSON object per line with the
// fields runId, stepName, sequenceNumber, kind and payload.
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string `json:"runId"`

	// StepName identifies the step, or is empty for run-level events.
	StepName string `json:"stepName,omitempty"`

	// Sequence is the per-run, strictly increasing sequence number.
	// Assigned by the Multiplexer at emission time.
	Sequence uint64 `json:"sequenceNumber"`

	// Kind is the lifecycle transition this event describes.
	Kind Kind `json:"kind"`

	// Payload carries kind-specific data: the attempt number for
	// engine-emitted progress events, the step output for completed
	// events, the error text for failed events, the suspension reason and
	// resume schema for suspended events, and the terminal run status for
	// run_completed events.
	Payload any `json:"payload,omitempty"`
}
