package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/searchflow/searchflow-go/flow"
	"github.com/searchflow/searchflow-go/flow/model"
)

const (
	planSystemPrompt = "You are a research planner. Given a query, list up to 4 short search " +
		"queries that together cover it, one per line. Output only the queries."

	synthesizeSystemPrompt = "You are a research writer. Given a query and a set of sources, " +
		"write a concise, well-grounded answer. Cite sources by URL."
)

// LLMOptions configures a language-model-backed step.
type LLMOptions struct {
	// Name overrides the step's default name.
	Name string

	// Provider labels failures for retry classification and logging,
	// e.g. "anthropic". Default "llm".
	Provider string

	// System overrides the step's default system prompt.
	System string

	// Retry configures the attempt loop. Nil applies a default of three
	// attempts with linear backoff, suitable for transient provider
	// failures.
	Retry *flow.RetryPolicy
}

func (o LLMOptions) withDefaults(name, system string) LLMOptions {
	if o.Name == "" {
		o.Name = name
	}
	if o.Provider == "" {
		o.Provider = "llm"
	}
	if o.System == "" {
		o.System = system
	}
	if o.Retry == nil {
		o.Retry = &flow.RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
	}
	return o
}

// Plan is the plan step's output: the original query plus the model's
// sub-queries, one per parallel search branch.
type Plan struct {
	Query      string   `json:"query"`
	Subqueries []string `json:"subqueries"`
}

// SynthesisInput is the synthesize step's expected input shape.
type SynthesisInput struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// Synthesis is the synthesize step's output.
type Synthesis struct {
	Answer       string `json:"answer"`
	SourceCount  int    `json:"source_count"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// NewPlanStep builds a step that expands the run's query into search
// sub-queries using m. Input: {"query": string}. Output: Plan.
func NewPlanStep(m model.ChatModel, opts LLMOptions) flow.StepDefinition {
	opts = opts.withDefaults("plan", planSystemPrompt)
	return flow.StepDefinition{
		Name:        opts.Name,
		InputShape:  flow.MustShape(`{"type":"object","properties":{"query":{"type":"string","minLength":1}},"required":["query"]}`),
		OutputShape: flow.MustShape(`{"type":"object","properties":{"query":{"type":"string"},"subqueries":{"type":"array","items":{"type":"string"}}},"required":["query","subqueries"]}`),
		Retry:       opts.Retry,
		Execute: func(ctx context.Context, input any, rc *flow.RunContext) flow.Result {
			var in struct {
				Query string `json:"query"`
			}
			if err := decodeInput(input, &in); err != nil {
				return flow.Fail(err)
			}

			out, err := m.Chat(ctx, []model.Message{
				{Role: model.RoleSystem, Content: opts.System},
				{Role: model.RoleUser, Content: in.Query},
			})
			if err != nil {
				return flow.Fail(classifyModelErr(opts.Provider, err))
			}
			_ = rc.Progress(opts.Name, map[string]any{
				"input_tokens":  out.InputTokens,
				"output_tokens": out.OutputTokens,
			})

			return flow.Success(Plan{
				Query:      in.Query,
				Subqueries: splitLines(out.Text),
			})
		},
	}
}

// NewSynthesizeStep builds a step that writes the final answer over the
// selected sources using m. Input: SynthesisInput, or a flow.ResumeInput
// whose resume data is {"selected": [indexes]} picking from the original
// input's results.
func NewSynthesizeStep(m model.ChatModel, opts LLMOptions) flow.StepDefinition {
	opts = opts.withDefaults("synthesize", synthesizeSystemPrompt)
	return flow.StepDefinition{
		Name:  opts.Name,
		Retry: opts.Retry,
		Execute: func(ctx context.Context, input any, rc *flow.RunContext) flow.Result {
			in, err := synthesisInput(input)
			if err != nil {
				return flow.Fail(err)
			}

			out, err := m.Chat(ctx, []model.Message{
				{Role: model.RoleSystem, Content: opts.System},
				{Role: model.RoleUser, Content: synthesisPrompt(in)},
			})
			if err != nil {
				return flow.Fail(classifyModelErr(opts.Provider, err))
			}
			_ = rc.Progress(opts.Name, map[string]any{
				"input_tokens":  out.InputTokens,
				"output_tokens": out.OutputTokens,
			})

			return flow.Success(Synthesis{
				Answer:       out.Text,
				SourceCount:  len(in.Results),
				InputTokens:  out.InputTokens,
				OutputTokens: out.OutputTokens,
			})
		},
	}
}

// synthesisInput decodes the step's input, unwrapping a resume
// invocation: resume data {"selected": [i, ...]} narrows the original
// results to the chosen indexes.
func synthesisInput(input any) (SynthesisInput, error) {
	if ri, ok := input.(flow.ResumeInput); ok {
		in, err := synthesisInput(ri.Original)
		if err != nil {
			return SynthesisInput{}, err
		}

		var sel struct {
			Selected []int `json:"selected"`
		}
		if len(ri.Resume) > 0 {
			if err := json.Unmarshal(ri.Resume, &sel); err != nil {
				return SynthesisInput{}, fmt.Errorf("decode resume data: %w", err)
			}
		}
		if sel.Selected == nil {
			return in, nil
		}

		picked := make([]SearchResult, 0, len(sel.Selected))
		for _, i := range sel.Selected {
			if i < 0 || i >= len(in.Results) {
				return SynthesisInput{}, fmt.Errorf("selected index %d out of range (%d results)", i, len(in.Results))
			}
			picked = append(picked, in.Results[i])
		}
		in.Results = picked
		return in, nil
	}

	var in SynthesisInput
	if err := decodeInput(input, &in); err == nil {
		return in, nil
	}

	// A bare result list, as the review step emits.
	var results []SearchResult
	if err := decodeInput(input, &results); err != nil {
		return SynthesisInput{}, fmt.Errorf("synthesize input must be an object or a result list: %w", err)
	}
	return SynthesisInput{Results: results}, nil
}

// synthesisPrompt renders the user turn. The query is omitted when the
// caller has none (a bare result list, as the review step emits) rather
// than rendering a dangling label.
func synthesisPrompt(in SynthesisInput) string {
	var b strings.Builder
	if in.Query != "" {
		fmt.Fprintf(&b, "Query: %s\n\n", in.Query)
	}
	b.WriteString("Sources:\n")
	for i, r := range in.Results {
		fmt.Fprintf(&b, "%d. %s — %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
	}
	return b.String()
}

// classifyModelErr wraps a model failure for retry classification.
// Cancellation is surfaced as-is so the engine sees the run's own
// cancellation rather than a provider error; everything else from a
// remote model is worth a retry.
func classifyModelErr(provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return flow.Transient(provider, err)
}

// decodeInput converts a step input to the expected shape via its JSON
// form, which is what crosses step boundaries.
func decodeInput(input any, dst any) error {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("input is not serializable: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return nil
}

// splitLines breaks model output into trimmed, non-empty lines, dropping
// common list markers.
func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789. ")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
