package flow

import "github.com/searchflow/searchflow-go/flow/stream"

// RunContext carries cross-cutting, read-mostly data to every step of a
// run: credentials, identifiers and a bound progress-emission function.
//
// One RunContext is built per run and shared by reference across all
// steps, including deeply nested and parallel ones, so cross-cutting
// data never needs to be threaded through step input shapes. Steps must
// treat it as read-only.
type RunContext struct {
	// RunID identifies the run.
	RunID string

	// CallerID identifies the caller that submitted the run.
	CallerID string

	credentials map[string]string
	emit        func(event stream.Event) error
}

// Credential returns the named caller-supplied credential, e.g. a
// provider API key. Returns "" when absent.
func (rc *RunContext) Credential(name string) string {
	if rc == nil {
		return ""
	}
	return rc.credentials[name]
}

// Progress emits a progress-kind stream event for the named step. Step
// bodies use it to surface intermediate activity (pages fetched, tokens
// consumed) between their started and settled events.
//
// Returns an error only when the event stream has failed fatally
// (backpressure beyond configured bounds); the run is already being
// cancelled at that point and the step should return promptly.
func (rc *RunContext) Progress(stepName string, payload any) error {
	if rc == nil || rc.emit == nil {
		// Running outside an engine (unit tests, direct invocation):
		// progress has nowhere to go.
		return nil
	}
	return rc.emit(stream.Event{
		RunID:    rc.RunID,
		StepName: stepName,
		Kind:     stream.KindProgress,
		Payload:  payload,
	})
}
