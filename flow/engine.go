package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/searchflow/searchflow-go/flow/checkpoint"
	"github.com/searchflow/searchflow-go/flow/stream"
)

// Engine registers step definitions and workflow graphs, executes runs,
// and arbitrates suspend/resume transitions.
//
// Typical usage:
//
//	engine := flow.New(checkpoint.NewMemStore(), flow.Options{})
//	engine.RegisterStep(planStep)
//	engine.RegisterGraph("research", root)
//
//	handle, err := engine.Start(ctx, flow.StartRequest{
//	    GraphID: "research",
//	    Input:   map[string]any{"query": "go concurrency"},
//	    Sink:    stream.NewJSONLSink(os.Stdout),
//	})
//	<-handle.Done()
type Engine struct {
	steps *Registry
	store checkpoint.Store
	opts  Options

	mu     sync.RWMutex
	graphs map[string]*Graph
	runs   map[string]*run
}

// New creates an Engine backed by the given checkpoint store. The store
// may be nil only for workflows that never suspend; a suspend signal
// with no store fails the run.
func New(store checkpoint.Store, opts Options) *Engine {
	return &Engine{
		steps:  NewRegistry(),
		store:  store,
		opts:   opts,
		graphs: make(map[string]*Graph),
		runs:   make(map[string]*run),
	}
}

// RegisterStep adds a step definition to the engine's registry.
func (e *Engine) RegisterStep(def StepDefinition) error {
	return e.steps.Register(def)
}

// RegisterGraph validates and stores a workflow template under id. Every
// step the tree references must already be registered.
func (e *Engine) RegisterGraph(id string, root Node) error {
	if id == "" {
		return &EngineError{Message: "graph ID cannot be empty", Code: "INVALID_GRAPH"}
	}
	if err := validateNode(root, e.steps); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.graphs[id]; exists {
		return &EngineError{Message: "duplicate graph ID: " + id, Code: "DUPLICATE_GRAPH"}
	}
	e.graphs[id] = &Graph{id: id, root: root}
	return nil
}

// StartRequest describes one run submission.
type StartRequest struct {
	// GraphID names a registered workflow template.
	GraphID string

	// RunID, when set, is the caller-chosen run identity. Empty generates
	// a UUID.
	RunID string

	// CallerID identifies the submitting caller; steps read it from the
	// run context.
	CallerID string

	// Credentials are caller-supplied secrets (provider API keys) exposed
	// to steps via RunContext.Credential.
	Credentials map[string]string

	// Input is the root node's input.
	Input any

	// Sink receives the run's ordered event stream. Nil discards events;
	// the caller can still poll Status.
	Sink stream.Sink
}

// Start launches a run of the named graph and returns immediately with a
// handle. Execution proceeds on the engine's goroutines; the handle's
// Done channel closes at a terminal status.
//
// The run's context is detached from ctx: cancelling the submission call
// does not cancel the run. Use Cancel or Options.RunTimeout for that.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*RunHandle, error) {
	e.mu.RLock()
	g, ok := e.graphs[req.GraphID]
	e.mu.RUnlock()
	if !ok {
		return nil, &EngineError{Message: "unknown graph: " + req.GraphID, Code: "GRAPH_NOT_FOUND"}
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	sink := req.Sink
	if sink == nil {
		sink = stream.NewNullSink()
	}

	base := context.WithoutCancel(ctx)
	var runCtx context.Context
	var cancel context.CancelFunc
	if e.opts.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(base, e.opts.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(base)
	}

	creds := make(map[string]string, len(req.Credentials))
	for k, v := range req.Credentials {
		creds[k] = v
	}

	r := &run{
		id:      runID,
		graphID: req.GraphID,
		graph:   g,
		mux: stream.NewMultiplexer(sink, stream.MuxOptions{
			QueueDepth:     e.opts.QueueDepth,
			EnqueueTimeout: e.opts.EnqueueTimeout,
		}),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		status: StatusPending,
		cursor: make(map[string]struct{}),
	}
	r.rc = &RunContext{
		RunID:       runID,
		CallerID:    req.CallerID,
		credentials: creds,
		emit: func(ev stream.Event) error {
			return e.emit(r, ev)
		},
	}

	e.mu.Lock()
	if _, exists := e.runs[runID]; exists {
		e.mu.Unlock()
		cancel()
		_ = r.mux.Close()
		return nil, &EngineError{Message: "duplicate run ID: " + runID, Code: "DUPLICATE_RUN"}
	}
	e.runs[runID] = r
	e.mu.Unlock()

	go e.runGraph(r, req.Input)
	return &RunHandle{RunID: runID, r: r}, nil
}

// Status returns a snapshot of the run's state.
func (e *Engine) Status(runID string) (RunState, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return RunState{}, err
	}
	return r.snapshot(), nil
}

// Cancel requests cancellation of a run. In-flight steps see their
// context cancelled and are expected to return promptly; the run then
// settles as cancelled. Cancelling a suspended run finalizes it
// immediately and discards its checkpoint. Cancelling a run that is
// already terminal is a no-op.
func (e *Engine) Cancel(runID string) error {
	r, err := e.lookup(runID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.status.Terminal() {
		r.mu.Unlock()
		return nil
	}
	r.cancelRequested = true
	parked := r.status == StatusSuspended && r.susp != nil
	r.mu.Unlock()

	r.cancel()

	if parked {
		// No goroutine owns a suspended run, so finalize it here. The
		// checkpoint is discarded best-effort; a concurrent Resume that
		// already claimed it loses to finishOnce below.
		if e.store != nil {
			_, _ = e.store.LoadAndClear(context.Background(), runID)
		}
		e.finishRun(r, nil, context.Canceled)
	}
	return nil
}

// Remove deletes a terminal run from the engine's arena, releasing its
// history and event machinery. Returns ErrRunNotTerminal for a run that
// is still pending, running or suspended.
func (e *Engine) Remove(runID string) error {
	r, err := e.lookup(runID)
	if err != nil {
		return err
	}
	if !r.currentStatus().Terminal() {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotTerminal)
	}

	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
	return nil
}

// Resume supplies resume data to a suspended run and restarts execution
// at the suspended step. The data is validated against the suspension's
// resume schema before the checkpoint is claimed, so a validation
// failure never consumes the checkpoint and the run stays resumable.
//
// Exactly one of several concurrent Resume calls wins: the checkpoint
// store's atomic LoadAndClear arbitrates, and losers receive a
// SuspensionConflictError.
func (e *Engine) Resume(ctx context.Context, runID string, resumeData json.RawMessage) error {
	r, err := e.lookup(runID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	susp := r.susp
	status := r.status
	r.mu.Unlock()

	if status != StatusSuspended || susp == nil {
		return &SuspensionConflictError{RunID: runID, Reason: "run has no outstanding suspension"}
	}

	if verr := validateResumeData(susp.schema, resumeData); verr != nil {
		return &SuspensionConflictError{RunID: runID, Reason: "resume data rejected: " + verr.Error()}
	}

	if e.store == nil {
		return &EngineError{Message: "engine has no checkpoint store", Code: "MISSING_STORE"}
	}
	if _, err := e.store.LoadAndClear(ctx, runID); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return &SuspensionConflictError{RunID: runID, Reason: "checkpoint already claimed"}
		}
		return fmt.Errorf("claim checkpoint: %w", err)
	}

	r.mu.Lock()
	r.susp = nil
	r.status = StatusRunning
	r.mu.Unlock()

	go e.resumeGraph(r, susp, resumeData)
	return nil
}

func (e *Engine) lookup(runID string) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return r, nil
}

// emit stamps the run ID onto the event and queues it. A backpressure
// failure is fatal: it marks the run, counts the failure, and cancels the
// run's context so in-flight steps unwind.
func (e *Engine) emit(r *run, ev stream.Event) error {
	ev.RunID = r.id
	err := r.mux.Emit(ev)
	if err == nil {
		return nil
	}

	r.mu.Lock()
	first := !r.streamFatal
	r.streamFatal = true
	if r.finalErr == nil {
		r.finalErr = err
	}
	r.mu.Unlock()

	if first {
		e.opts.Metrics.backpressureFailure()
		r.cancel()
	}
	return err
}

func (e *Engine) runGraph(r *run, input any) {
	r.setStatus(StatusRunning)
	out, err := e.exec(r.ctx, r, r.graph.root, input, nil, nil)
	e.finishRun(r, out, err)
}

func (e *Engine) resumeGraph(r *run, susp *suspension, data json.RawMessage) {
	out, err := e.execResume(r.ctx, r, r.graph.root, susp.path, nil, susp.original, data)
	e.finishRun(r, out, err)
}

// finishRun settles a run after its executing goroutine returns. A
// suspension parks the run without finalizing; every other outcome is
// terminal and runs exactly once.
func (e *Engine) finishRun(r *run, out any, err error) {
	var sErr *suspendError
	if err != nil && errors.As(err, &sErr) {
		r.mu.Lock()
		cancelled := r.cancelRequested
		if cancelled {
			r.susp = nil
		} else {
			r.status = StatusSuspended
		}
		r.mu.Unlock()

		if !cancelled {
			return
		}
		// Cancel landed while the step was settling its suspension. A
		// parked run would have no owner left to finalize it, so discard
		// the checkpoint and settle as cancelled instead.
		if e.store != nil {
			_, _ = e.store.LoadAndClear(context.Background(), r.id)
		}
		err = context.Canceled
	}

	r.finishOnce.Do(func() {
		r.mu.Lock()
		var status Status
		switch {
		case r.streamFatal:
			status = StatusFailed
		case r.cancelRequested:
			status = StatusCancelled
		case err == nil:
			status = StatusCompleted
		default:
			status = StatusFailed
			r.finalErr = err
		}
		r.status = status
		finalErr := r.finalErr
		r.mu.Unlock()

		e.opts.Metrics.runFinished(status)

		payload := map[string]any{"status": string(status)}
		if status == StatusCompleted && out != nil {
			payload["output"] = out
		}
		if finalErr != nil {
			payload["error"] = finalErr.Error()
		}
		_ = e.emit(r, stream.Event{Kind: stream.KindRunCompleted, Payload: payload})

		_ = r.mux.Close()
		r.cancel()
		close(r.done)
	})
}

// suspendError carries a suspend signal up the composition tree to
// finishRun. Internal only.
type suspendError struct {
	stepName string
}

func (s *suspendError) Error() string {
	return "run suspended at step " + s.stepName
}

// parGate propagates terminal branch failure across a parallel fan-out:
// once any branch fails, no sibling starts a new step. Gates nest, so a
// failure in an outer parallel also stops work in inner ones.
type parGate struct {
	parent  *parGate
	tripped bool
	mu      sync.Mutex
}

func (g *parGate) trip() {
	g.mu.Lock()
	g.tripped = true
	g.mu.Unlock()
}

func (g *parGate) isTripped() bool {
	for p := g; p != nil; p = p.parent {
		p.mu.Lock()
		t := p.tripped
		p.mu.Unlock()
		if t {
			return true
		}
	}
	return false
}

// exec walks the composition tree. path locates the node for checkpoint
// records; gate is non-nil inside a parallel fan-out.
func (e *Engine) exec(ctx context.Context, r *run, n Node, input any, path []int, gate *parGate) (any, error) {
	switch v := n.(type) {
	case *stepNode:
		return e.execStep(ctx, r, v.name, input, path, gate, nil)

	case *seqNode:
		cur := input
		for i, child := range v.children {
			out, err := e.exec(ctx, r, child, cur, childPath(path, i), gate)
			if err != nil {
				return nil, err
			}
			cur = out
		}
		return cur, nil

	case *parNode:
		return e.execParallel(ctx, r, v, input, path, gate)

	case *branchNode:
		side := 0
		child := v.ifTrue
		if !v.pred(input) {
			side = 1
			child = v.ifFalse
		}
		return e.exec(ctx, r, child, input, childPath(path, side), gate)

	default:
		return nil, &EngineError{Message: fmt.Sprintf("unknown node type %T", n), Code: "INVALID_GRAPH"}
	}
}

// execParallel fans input out to every branch and joins the outputs into
// an ordered list keyed by branch index. The first terminal branch
// failure trips the gate: running siblings finish their current step,
// no new steps start, and the failure propagates; the join never fires.
func (e *Engine) execParallel(ctx context.Context, r *run, n *parNode, input any, path []int, gate *parGate) (any, error) {
	results := make([]any, len(n.branches))
	inner := &parGate{parent: gate}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	sawSkip := false

	for i, b := range n.branches {
		wg.Add(1)
		go func(i int, b Node) {
			defer wg.Done()
			out, err := e.exec(ctx, r, b, input, childPath(path, i), inner)
			if err != nil {
				inner.trip()
				mu.Lock()
				if errors.Is(err, errSkipped) {
					sawSkip = true
				} else if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			results[i] = out
		}(i, b)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if sawSkip {
		// Every failing branch here was itself skipped by an outer gate;
		// let the outer fan-out report its own failure.
		return nil, errSkipped
	}
	return results, nil
}

// execStep runs one step through its attempt loop: input validation,
// per-attempt events, retry classification and backoff, suspension
// persistence, output validation.
func (e *Engine) execStep(ctx context.Context, r *run, name string, input any, path []int, gate *parGate, resume *ResumeInput) (any, error) {
	if gate != nil && gate.isTripped() {
		return nil, errSkipped
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	def, ok := e.steps.Lookup(name)
	if !ok {
		// Graph validation makes this unreachable; belt and suspenders.
		return nil, &EngineError{Message: "step not registered: " + name, Code: "STEP_NOT_FOUND"}
	}

	r.cursorAdd(name)
	defer r.cursorRemove(name)

	e.opts.Metrics.stepStarted()
	startedAt := time.Now()
	outcome := "failed"
	defer func() {
		e.opts.Metrics.stepSettled(name, outcome, startedAt)
	}()

	if err := e.emit(r, stream.Event{StepName: name, Kind: stream.KindStarted}); err != nil {
		return nil, err
	}

	callInput := input
	if resume != nil {
		callInput = *resume
	}

	if resume == nil && def.InputShape != nil {
		if verr := def.InputShape.Validate(input); verr != nil {
			vErr := &ValidationError{StepName: name, Contract: "input", Detail: verr.Error()}
			return nil, e.failStep(r, name, 1, vErr)
		}
	}

	max := def.Retry.attempts()
	for attempt := 1; attempt <= max; attempt++ {
		if err := e.emit(r, stream.Event{
			StepName: name,
			Kind:     stream.KindProgress,
			Payload:  map[string]any{"attempt": attempt},
		}); err != nil {
			return nil, err
		}

		res := e.invoke(ctx, def, callInput, r.rc)

		switch {
		case res.Signal != nil:
			err := e.suspendStep(ctx, r, name, input, path, gate, attempt, res.Signal)
			var sErr *suspendError
			if errors.As(err, &sErr) {
				outcome = "suspended"
			}
			return nil, err

		case res.Err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, e.failStep(r, name, attempt, ctxErr)
			}
			if def.Retry.classify(res.Err) == ClassRetryable && attempt < max {
				r.record(name, attempt, "retrying")
				e.opts.Metrics.retryScheduled(name)
				if err := waitRetry(ctx, def.Retry, attempt); err != nil {
					return nil, e.failStep(r, name, attempt, err)
				}
				continue
			}
			err := res.Err
			if attempt == max && max > 1 {
				err = fmt.Errorf("step %s: %w: %w", name, ErrAttemptsExhausted, res.Err)
			}
			return nil, e.failStep(r, name, attempt, err)

		default:
			if def.OutputShape != nil {
				if verr := def.OutputShape.Validate(res.Output); verr != nil {
					vErr := &ValidationError{StepName: name, Contract: "output", Detail: verr.Error()}
					return nil, e.failStep(r, name, attempt, vErr)
				}
			}
			r.record(name, attempt, "completed")
			outcome = "completed"
			if err := e.emit(r, stream.Event{
				StepName: name,
				Kind:     stream.KindCompleted,
				Payload:  res.Output,
			}); err != nil {
				return nil, err
			}
			return res.Output, nil
		}
	}

	// Unreachable: every attempt path returns above.
	return nil, e.failStep(r, name, max, ErrAttemptsExhausted)
}

// invoke runs the step body under its per-attempt timeout. A timeout
// cancels only this attempt's context; the run and sibling branches keep
// their own contexts.
func (e *Engine) invoke(ctx context.Context, def StepDefinition, input any, rc *RunContext) Result {
	timeout := def.Timeout
	if timeout == 0 {
		timeout = e.opts.DefaultStepTimeout
	}
	if timeout <= 0 {
		return def.Execute(ctx, input, rc)
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := def.Execute(stepCtx, input, rc)
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return Fail(fmt.Errorf("step %s: %w after %v", def.Name, ErrStepTimeout, timeout))
	}
	return res
}

// suspendStep persists the checkpoint and parks the run. Inside a
// parallel branch a suspension is rejected: sibling outputs cannot be
// carried across one, so the step fails terminally instead.
func (e *Engine) suspendStep(ctx context.Context, r *run, name string, input any, path []int, gate *parGate, attempt int, sig *SuspendSignal) error {
	if gate != nil {
		return e.failStep(r, name, attempt, fmt.Errorf("step %s: %w", name, ErrSuspendInParallel))
	}
	if err := ctx.Err(); err != nil {
		// Cancellation raced the suspension: the run is going down, so
		// there is nothing to park or resume.
		return e.failStep(r, name, attempt, err)
	}
	if e.store == nil {
		return e.failStep(r, name, attempt, &EngineError{Message: "step " + name + " suspended but engine has no checkpoint store", Code: "MISSING_STORE"})
	}

	rec := checkpoint.Record{
		RunID:         r.id,
		StepName:      name,
		Path:          path,
		OriginalInput: marshalOriginal(input),
		OpaqueState:   sig.State,
		ResumeSchema:  sig.ResumeSchema,
		Reason:        sig.Reason,
		CreatedAt:     time.Now(),
	}
	if err := e.store.Save(ctx, rec); err != nil {
		return e.failStep(r, name, attempt, fmt.Errorf("persist checkpoint: %w", err))
	}

	r.mu.Lock()
	r.susp = &suspension{
		stepName: name,
		path:     append([]int(nil), path...),
		original: input,
		schema:   sig.ResumeSchema,
	}
	r.mu.Unlock()

	r.record(name, attempt, "suspended")
	e.opts.Metrics.suspended()
	_ = e.emit(r, stream.Event{
		StepName: name,
		Kind:     stream.KindSuspended,
		Payload: map[string]any{
			"reason":       sig.Reason,
			"resumeSchema": sig.ResumeSchema,
		},
	})
	return &suspendError{stepName: name}
}

// failStep records and emits a terminal step failure, returning err for
// propagation.
func (e *Engine) failStep(r *run, name string, attempt int, err error) error {
	r.record(name, attempt, "failed")
	_ = e.emit(r, stream.Event{
		StepName: name,
		Kind:     stream.KindFailed,
		Payload:  map[string]any{"error": err.Error(), "attempt": attempt},
	})
	return err
}

// execResume descends the stored checkpoint path to the suspended step,
// re-invokes it with {original input, resume data}, then continues the
// remainder of every enclosing sequence as usual.
func (e *Engine) execResume(ctx context.Context, r *run, n Node, rel, abs []int, original any, data json.RawMessage) (any, error) {
	switch v := n.(type) {
	case *stepNode:
		if len(rel) != 0 {
			return nil, resumePathError(r.id)
		}
		return e.execStep(ctx, r, v.name, original, abs, nil, &ResumeInput{Original: original, Resume: data})

	case *seqNode:
		if len(rel) == 0 || rel[0] < 0 || rel[0] >= len(v.children) {
			return nil, resumePathError(r.id)
		}
		i := rel[0]
		cur, err := e.execResume(ctx, r, v.children[i], rel[1:], childPath(abs, i), original, data)
		if err != nil {
			return nil, err
		}
		for j := i + 1; j < len(v.children); j++ {
			cur, err = e.exec(ctx, r, v.children[j], cur, childPath(abs, j), nil)
			if err != nil {
				return nil, err
			}
		}
		return cur, nil

	case *branchNode:
		if len(rel) == 0 || (rel[0] != 0 && rel[0] != 1) {
			return nil, resumePathError(r.id)
		}
		child := v.ifTrue
		if rel[0] == 1 {
			child = v.ifFalse
		}
		return e.execResume(ctx, r, child, rel[1:], childPath(abs, rel[0]), original, data)

	default:
		// A parallel node cannot appear on a checkpoint path: suspension
		// inside a parallel branch is rejected at the step site.
		return nil, resumePathError(r.id)
	}
}

func resumePathError(runID string) error {
	return &EngineError{Message: "run " + runID + ": checkpoint path does not match graph", Code: "INVALID_RESUME_PATH"}
}
