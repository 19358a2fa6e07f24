package flow

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/searchflow/searchflow-go/flow/stream"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepRecord is one settled step attempt in a run's history.
type StepRecord struct {
	// StepName identifies the step.
	StepName string `json:"step_name"`

	// Attempt is the 1-based attempt number.
	Attempt int `json:"attempt"`

	// Outcome is "completed", "failed", "suspended" or "retrying".
	Outcome string `json:"outcome"`

	// Timestamp is when the attempt settled.
	Timestamp time.Time `json:"timestamp"`
}

// RunState is a read-only snapshot of one run, for polling callers that
// are not attached as a stream sink.
type RunState struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// GraphID names the workflow template the run executes.
	GraphID string `json:"graph_id"`

	// Status is the run's lifecycle state at snapshot time.
	Status Status `json:"status"`

	// Cursor lists the steps currently eligible to run or running,
	// sorted by name.
	Cursor []string `json:"cursor,omitempty"`

	// History is the ordered list of settled step attempts.
	History []StepRecord `json:"history"`

	// Error is the terminal failure, if Status is failed.
	Error string `json:"error,omitempty"`
}

// RunHandle is returned by Start. It identifies the run and signals when
// the run reaches a terminal status.
type RunHandle struct {
	// RunID identifies the run for Resume, Cancel and Status calls.
	RunID string

	r *run
}

// Done returns a channel closed when the run reaches a terminal status
// (completed, failed or cancelled). A suspension does not close it; the
// run is still expected to resume.
func (h *RunHandle) Done() <-chan struct{} {
	return h.r.done
}

// suspension is the arena-held copy of an outstanding suspension. The
// checkpoint store holds the durable copy; this copy carries the data
// needed to rebuild the suspended step's invocation without re-reading
// the graph.
type suspension struct {
	stepName string
	path     []int
	original any
	schema   string
}

// run is one execution instance, owned by the engine's arena and mutated
// only by the engine through explicit transitions.
type run struct {
	id      string
	graphID string
	graph   *Graph
	rc      *RunContext
	mux     *stream.Multiplexer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// finishOnce guards terminal finalization: a run can be finalized by
	// its own goroutine or by Cancel on a suspended run, but only once.
	finishOnce sync.Once

	mu              sync.Mutex
	status          Status
	history         []StepRecord
	cursor          map[string]struct{}
	susp            *suspension
	finalErr        error
	cancelRequested bool
	streamFatal     bool
}

func (r *run) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *run) currentStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *run) cursorAdd(step string) {
	r.mu.Lock()
	r.cursor[step] = struct{}{}
	r.mu.Unlock()
}

func (r *run) cursorRemove(step string) {
	r.mu.Lock()
	delete(r.cursor, step)
	r.mu.Unlock()
}

func (r *run) record(step string, attempt int, outcome string) {
	r.mu.Lock()
	r.history = append(r.history, StepRecord{
		StepName:  step,
		Attempt:   attempt,
		Outcome:   outcome,
		Timestamp: time.Now(),
	})
	r.mu.Unlock()
}

func (r *run) snapshot() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()

	cursor := make([]string, 0, len(r.cursor))
	for name := range r.cursor {
		cursor = append(cursor, name)
	}
	sort.Strings(cursor)

	history := make([]StepRecord, len(r.history))
	copy(history, r.history)

	state := RunState{
		RunID:   r.id,
		GraphID: r.graphID,
		Status:  r.status,
		Cursor:  cursor,
		History: history,
	}
	if r.status == StatusFailed && r.finalErr != nil {
		state.Error = r.finalErr.Error()
	}
	return state
}

// marshalOriginal serializes a suspended step's original input for the
// durable checkpoint record. Unserializable inputs degrade to null; the
// arena copy remains authoritative for the resumed invocation.
func marshalOriginal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
