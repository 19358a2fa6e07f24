package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/searchflow/searchflow-go/flow/checkpoint"
	"github.com/searchflow/searchflow-go/flow/stream"
)

const approvalSchema = `{
	"type": "object",
	"properties": {"approve": {"type": "boolean"}},
	"required": ["approve"]
}`

// gateStep suspends on first invocation and succeeds on resume, echoing
// the original input and the resume data.
func gateStep(name string) StepDefinition {
	return StepDefinition{
		Name: name,
		Execute: func(ctx context.Context, input any, rc *RunContext) Result {
			ri, resumed := input.(ResumeInput)
			if !resumed {
				return Suspended(SuspendSignal{
					Reason:       "awaiting approval",
					ResumeSchema: approvalSchema,
					State:        json.RawMessage(`{"phase":"gate"}`),
				})
			}
			return Success(map[string]any{
				"original": ri.Original,
				"resume":   json.RawMessage(ri.Resume),
			})
		},
	}
}

// startSuspended runs a prepare→gate→finish graph up to the suspension.
func startSuspended(t *testing.T, store checkpoint.Store, sink stream.Sink) (*Engine, *RunHandle) {
	t.Helper()
	e := New(store, Options{})

	mustRegister(t, e, StepDefinition{
		Name: "prepare",
		Execute: func(ctx context.Context, input any, rc *RunContext) Result {
			return Success(map[string]any{"prepared": input})
		},
	})
	mustRegister(t, e, gateStep("gate"))
	mustRegister(t, e, StepDefinition{
		Name: "finish",
		Execute: func(ctx context.Context, input any, rc *RunContext) Result {
			return Success(input)
		},
	})
	mustRegisterGraph(t, e, "g", Sequence(Step("prepare"), Step("gate"), Step("finish")))

	handle, err := e.Start(context.Background(), StartRequest{GraphID: "g", Input: "payload", Sink: sink})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, e, handle.RunID, StatusSuspended)
	return e, handle
}

func waitForStatus(t *testing.T, e *Engine, runID string, want Status) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		state, err := e.Status(runID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if state.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	state, _ := e.Status(runID)
	t.Fatalf("run never reached %s (currently %s)", want, state.Status)
}

func TestSuspendResume(t *testing.T) {
	store := checkpoint.NewMemStore()
	sink := stream.NewBufferSink()
	e, handle := startSuspended(t, store, sink)

	// Suspended: checkpoint persisted, handle still open.
	if store.Len() != 1 {
		t.Fatalf("store holds %d records, want 1", store.Len())
	}
	select {
	case <-handle.Done():
		t.Fatal("Done must not close on suspension")
	default:
	}

	if err := e.Resume(context.Background(), handle.RunID, json.RawMessage(`{"approve":true}`)); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("resumed run did not settle")
	}

	state, _ := e.Status(handle.RunID)
	if state.Status != StatusCompleted {
		t.Fatalf("status = %s (error: %s)", state.Status, state.Error)
	}
	if store.Len() != 0 {
		t.Fatalf("store holds %d records after resume, want 0", store.Len())
	}

	// The gate saw {original input, resume data} and downstream steps ran.
	// Each invocation of the gate is a full step execution, so the resumed
	// invocation re-emits its own started and progress before completing.
	events := sink.Events()
	var kinds []string
	for _, ev := range stepEvents(events, "gate") {
		kinds = append(kinds, string(ev.Kind))
	}
	joined := strings.Join(kinds, ",")
	if joined != "started,progress,suspended,started,progress,completed" {
		t.Fatalf("gate events = %v", kinds)
	}
	if evs := stepEvents(events, "finish"); len(evs) == 0 {
		t.Fatal("finish never ran after resume")
	}
	final := lastEvent(t, events)
	if final.Kind != stream.KindRunCompleted {
		t.Fatalf("last event = %s, want run_completed", final.Kind)
	}
}

func TestResumeValidationKeepsCheckpoint(t *testing.T) {
	store := checkpoint.NewMemStore()
	e, handle := startSuspended(t, store, stream.NewNullSink())

	err := e.Resume(context.Background(), handle.RunID, json.RawMessage(`{"approve":"yes"}`))
	var conflict *SuspensionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("got %v, want SuspensionConflictError", err)
	}

	// The failed validation consumed nothing: still suspended, still
	// resumable.
	if store.Len() != 1 {
		t.Fatalf("store holds %d records, want 1", store.Len())
	}
	if state, _ := e.Status(handle.RunID); state.Status != StatusSuspended {
		t.Fatalf("status = %s, want suspended", state.Status)
	}

	if err := e.Resume(context.Background(), handle.RunID, json.RawMessage(`{"approve":false}`)); err != nil {
		t.Fatalf("Resume with valid data: %v", err)
	}
	<-handle.Done()
}

func TestDoubleResumeConcurrent(t *testing.T) {
	e, handle := startSuspended(t, checkpoint.NewMemStore(), stream.NewNullSink())

	data := json.RawMessage(`{"approve":true}`)
	results := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Resume(context.Background(), handle.RunID, data)
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		default:
			var conflict *SuspensionConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("unexpected error: %v", err)
			}
			conflicts++
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("ok=%d conflicts=%d, want exactly one winner", ok, conflicts)
	}

	<-handle.Done()
	if state, _ := e.Status(handle.RunID); state.Status != StatusCompleted {
		t.Fatalf("status = %s (error: %s)", state.Status, state.Error)
	}
}

func TestResumeWithoutSuspension(t *testing.T) {
	e := New(checkpoint.NewMemStore(), Options{})
	mustRegister(t, e, noopStep("a"))
	mustRegisterGraph(t, e, "g", Step("a"))

	handle, err := e.Start(context.Background(), StartRequest{GraphID: "g"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-handle.Done()

	var conflict *SuspensionConflictError
	if err := e.Resume(context.Background(), handle.RunID, json.RawMessage(`{}`)); !errors.As(err, &conflict) {
		t.Fatalf("got %v, want SuspensionConflictError", err)
	}

	if err := e.Resume(context.Background(), "ghost", nil); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("got %v, want ErrRunNotFound", err)
	}
}

func TestSuspendInsideParallelFails(t *testing.T) {
	store := checkpoint.NewMemStore()
	e := New(store, Options{})

	mustRegister(t, e, gateStep("gate"))
	mustRegister(t, e, noopStep("other"))
	mustRegisterGraph(t, e, "g", Parallel(Step("gate"), Step("other")))

	handle := runToDone(t, e, "g", nil, stream.NewNullSink())

	state, _ := e.Status(handle.RunID)
	if state.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", state.Status)
	}
	if !strings.Contains(state.Error, ErrSuspendInParallel.Error()) {
		t.Fatalf("error = %q", state.Error)
	}
	if store.Len() != 0 {
		t.Fatal("no checkpoint may be persisted for a rejected suspension")
	}
}

func TestCancelWhileStepSuspending(t *testing.T) {
	store := checkpoint.NewMemStore()
	e := New(store, Options{})

	entered := make(chan struct{})
	mustRegister(t, e, StepDefinition{
		Name: "late-gate",
		Execute: func(ctx context.Context, input any, rc *RunContext) Result {
			close(entered)
			<-ctx.Done()
			return Suspended(SuspendSignal{Reason: "too late", ResumeSchema: approvalSchema})
		},
	})
	mustRegisterGraph(t, e, "g", Step("late-gate"))

	handle, err := e.Start(context.Background(), StartRequest{GraphID: "g", Sink: stream.NewNullSink()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered

	if err := e.Cancel(handle.RunID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// A suspension that settles after Cancel must not park the run: the
	// handle closes, the status is cancelled, and nothing resumable is
	// left behind.
	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run whose step suspended after Cancel never settled")
	}

	state, _ := e.Status(handle.RunID)
	if state.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", state.Status)
	}
	if store.Len() != 0 {
		t.Fatalf("store holds %d records after cancellation, want 0", store.Len())
	}

	var conflict *SuspensionConflictError
	if err := e.Resume(context.Background(), handle.RunID, json.RawMessage(`{"approve":true}`)); !errors.As(err, &conflict) {
		t.Fatalf("Resume after cancel: got %v, want SuspensionConflictError", err)
	}
}

func TestCancelSuspendedRun(t *testing.T) {
	store := checkpoint.NewMemStore()
	e, handle := startSuspended(t, store, stream.NewNullSink())

	if err := e.Cancel(handle.RunID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled suspended run did not settle")
	}

	state, _ := e.Status(handle.RunID)
	if state.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", state.Status)
	}
	if store.Len() != 0 {
		t.Fatal("cancelling a suspended run must discard its checkpoint")
	}
}
