package flow_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/searchflow/searchflow-go/flow"
	"github.com/searchflow/searchflow-go/flow/checkpoint"
	"github.com/searchflow/searchflow-go/flow/model"
	"github.com/searchflow/searchflow-go/flow/steps"
	"github.com/searchflow/searchflow-go/flow/stream"
)

// TestResearchPipeline drives the full pipeline end to end:
// plan → parallel(searchA, searchB) → dedup → review → synthesize,
// including the suspension at review and the resume with a selection.
func TestResearchPipeline(t *testing.T) {
	store := checkpoint.NewMemStore()
	engine := flow.New(store, flow.Options{})

	planner := &model.MockModel{Out: model.ChatOut{Text: "go schedulers\ngo channels", InputTokens: 10, OutputTokens: 8}}
	writer := &model.MockModel{Out: model.ChatOut{Text: "Go schedules goroutines over OS threads.", InputTokens: 200, OutputTokens: 40}}

	searchA := func(ctx context.Context, query string, rc *flow.RunContext) ([]steps.SearchResult, error) {
		return []steps.SearchResult{
			{URL: "https://example.com/x", Title: "X from A", Highlights: []string{"h1", "h2", "h3", "h4", "h5", "h6"}},
			{URL: "https://example.com/y", Title: "Y"},
		}, nil
	}
	searchB := func(ctx context.Context, query string, rc *flow.RunContext) ([]steps.SearchResult, error) {
		return []steps.SearchResult{
			{URL: "https://example.com/x", Title: "X from B"},
			{URL: "https://example.com/z", Title: "Z"},
		}, nil
	}

	for _, def := range []flow.StepDefinition{
		steps.NewPlanStep(planner, steps.LLMOptions{Name: "plan"}),
		steps.NewSearchStep(searchA, steps.SearchOptions{Name: "searchA", Provider: "A"}),
		steps.NewSearchStep(searchB, steps.SearchOptions{Name: "searchB", Provider: "B"}),
		steps.NewDedupStep(steps.DedupOptions{Name: "dedup", ProviderOrder: []string{"A", "B"}}),
		steps.NewReviewStep(steps.ReviewOptions{Name: "review"}),
		steps.NewSynthesizeStep(writer, steps.LLMOptions{Name: "synthesize"}),
	} {
		if err := engine.RegisterStep(def); err != nil {
			t.Fatalf("RegisterStep(%s): %v", def.Name, err)
		}
	}

	root := flow.Sequence(
		flow.Step("plan"),
		flow.Parallel(flow.Step("searchA"), flow.Step("searchB")),
		flow.Step("dedup"),
		flow.Step("review"),
		flow.Step("synthesize"),
	)
	if err := engine.RegisterGraph("research", root); err != nil {
		t.Fatalf("RegisterGraph: %v", err)
	}

	sink := stream.NewBufferSink()
	handle, err := engine.Start(context.Background(), flow.StartRequest{
		GraphID:     "research",
		CallerID:    "tester",
		Credentials: map[string]string{"search_api_key": "sk-test"},
		Input:       map[string]any{"query": "x"},
		Sink:        sink,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, engine, handle.RunID, flow.StatusSuspended)
	if store.Len() != 1 {
		t.Fatalf("store holds %d checkpoints, want 1", store.Len())
	}

	if err := engine.Resume(context.Background(), handle.RunID, json.RawMessage(`{"selected":[0,1]}`)); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not settle after resume")
	}

	state, err := engine.Status(handle.RunID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state.Status != flow.StatusCompleted {
		t.Fatalf("status = %s (error: %s)", state.Status, state.Error)
	}

	events := sink.Events()

	// The final event is run_completed carrying the synthesis.
	final := events[len(events)-1]
	if final.Kind != stream.KindRunCompleted {
		t.Fatalf("last event = %s, want run_completed", final.Kind)
	}
	output, ok := final.Payload.(map[string]any)["output"].(steps.Synthesis)
	if !ok {
		t.Fatalf("run output = %#v", final.Payload)
	}
	if output.SourceCount != 2 {
		t.Fatalf("SourceCount = %d, want the two selected results", output.SourceCount)
	}
	if !strings.Contains(output.Answer, "goroutines") {
		t.Fatalf("Answer = %q", output.Answer)
	}

	// Dedup merged [x(from A), y, z] before review narrowed it.
	var merged []steps.SearchResult
	for _, ev := range events {
		if ev.StepName == "dedup" && ev.Kind == stream.KindCompleted {
			merged = ev.Payload.([]steps.SearchResult)
		}
	}
	if len(merged) != 3 {
		t.Fatalf("dedup output = %v", merged)
	}
	if merged[0].Title != "X from A" || merged[0].Provider != "A" {
		t.Fatalf("first-provider-wins violated: %+v", merged[0])
	}
	if merged[1].URL != "https://example.com/y" || merged[2].URL != "https://example.com/z" {
		t.Fatalf("merge order wrong: %+v", merged)
	}
	if len(merged[0].Highlights) != steps.MaxHighlights {
		t.Fatalf("highlights = %d, want cap of %d", len(merged[0].Highlights), steps.MaxHighlights)
	}

	// Scenario event order. Parallel branch order is unspecified, so the
	// two search starts are normalized.
	var trace []string
	for _, ev := range events {
		switch ev.Kind {
		case stream.KindStarted, stream.KindCompleted, stream.KindFailed, stream.KindSuspended:
			trace = append(trace, fmt.Sprintf("%s(%s)", ev.Kind, ev.StepName))
		case stream.KindRunCompleted:
			trace = append(trace, string(ev.Kind))
		}
	}
	assertSubsequence(t, trace, []string{
		"started(plan)", "completed(plan)",
		"started(dedup)", "completed(dedup)",
		"started(review)", "suspended(review)",
		"completed(review)",
		"started(synthesize)", "completed(synthesize)",
		"run_completed",
	})
	for _, search := range []string{"searchA", "searchB"} {
		assertSubsequence(t, trace, []string{
			"completed(plan)",
			"started(" + search + ")", "completed(" + search + ")",
			"started(dedup)",
		})
	}

	// Both models were exercised exactly once.
	if planner.CallCount() != 1 || writer.CallCount() != 1 {
		t.Fatalf("model calls: planner=%d writer=%d", planner.CallCount(), writer.CallCount())
	}
}

func waitFor(t *testing.T, e *flow.Engine, runID string, want flow.Status) {
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
	t.Fatalf("run never reached %s (currently %s, error: %s)", want, state.Status, state.Error)
}

// assertSubsequence checks that want appears within got in order, not
// necessarily contiguously.
func assertSubsequence(t *testing.T, got, want []string) {
	t.Helper()
	i := 0
	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("missing %q in order within:\n%s", want[i], strings.Join(got, "\n"))
	}
}
