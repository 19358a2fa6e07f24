// Package checkpoint persists suspended-run state outside the engine's
// in-memory arena.
//
// A run has at most one outstanding checkpoint. The store's atomic
// LoadAndClear is the mechanism that prevents a double-resume race: of
// two concurrent resume attempts, exactly one receives the record and the
// other receives ErrNotFound.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by LoadAndClear when the run has no outstanding
// checkpoint, either because it never suspended or because another caller
// already claimed it.
var ErrNotFound = errors.New("checkpoint not found")

// Record is the persisted state of one suspension.
type Record struct {
	// RunID identifies the suspended run. One record per run at most.
	RunID string `json:"run_id"`

	// StepName is the step that emitted the suspend signal.
	StepName string `json:"step_name"`

	// Path locates the suspended step within the graph's composition
	// tree, as child indexes from the root.
	Path []int `json:"path"`

	// OriginalInput is the input the step was invoked with, retained so
	// the resumed invocation receives {original input, resume data}.
	OriginalInput json.RawMessage `json:"original_input,omitempty"`

	// OpaqueState is step-supplied state carried across the suspension.
	// The engine never interprets it.
	OpaqueState json.RawMessage `json:"opaque_state,omitempty"`

	// ResumeSchema is the JSON schema resume data must satisfy.
	// Empty means any payload is accepted.
	ResumeSchema string `json:"resume_schema,omitempty"`

	// Reason is the step's human-readable suspension reason.
	Reason string `json:"reason,omitempty"`

	// CreatedAt records when the suspension was persisted.
	CreatedAt time.Time `json:"created_at"`
}

// Store persists suspension records.
//
// Implementations must make LoadAndClear atomic: the lookup and the
// removal happen under one logical transaction, so a record can be
// claimed exactly once.
//
// Shipped implementations: MemStore (testing, single process),
// SQLiteStore (single-node persistence), MySQLStore (shared database).
type Store interface {
	// Save persists the record, replacing any previous record for the
	// same run. The engine guarantees a run has at most one outstanding
	// suspension, so a replace only happens after a resume re-suspends.
	Save(ctx context.Context, rec Record) error

	// LoadAndClear atomically retrieves and removes the record for runID.
	// Returns ErrNotFound if no record exists.
	LoadAndClear(ctx context.Context, runID string) (Record, error)
}
