package steps

import (
	"context"
	"errors"
	"time"

	"github.com/searchflow/searchflow-go/flow"
)

// SearchFunc calls one search backend. Provider clients live outside
// this package; a SearchFunc adapts one to the step contract.
type SearchFunc func(ctx context.Context, query string, rc *flow.RunContext) ([]SearchResult, error)

// SearchOptions configures NewSearchStep.
type SearchOptions struct {
	// Name is the step name. Default "search-" + Provider.
	Name string

	// Provider labels the backend; it becomes the provider key on the
	// step's output and on wrapped failures. Required.
	Provider string

	// Retry configures the attempt loop. Nil applies three attempts with
	// linear backoff.
	Retry *flow.RetryPolicy
}

// NewSearchStep wraps a provider call as a step. Input: {"query": string}
// (extra fields such as a plan's subqueries are ignored). Output:
// ProviderResults, the shape the dedup step consumes from a parallel
// join.
//
// Failures from fn that are not already classified are wrapped as
// transient provider errors, so the default policy retries them.
func NewSearchStep(fn SearchFunc, opts SearchOptions) flow.StepDefinition {
	name := opts.Name
	if name == "" {
		name = "search-" + opts.Provider
	}
	retry := opts.Retry
	if retry == nil {
		retry = &flow.RetryPolicy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond}
	}
	return flow.StepDefinition{
		Name:  name,
		Retry: retry,
		Execute: func(ctx context.Context, input any, rc *flow.RunContext) flow.Result {
			var in struct {
				Query string `json:"query"`
			}
			if err := decodeInput(input, &in); err != nil {
				return flow.Fail(err)
			}
			if in.Query == "" {
				return flow.Fail(&flow.ValidationError{StepName: name, Contract: "input", Detail: "query is required"})
			}

			results, err := fn(ctx, in.Query, rc)
			if err != nil {
				var pErr *flow.ProviderError
				if errors.As(err, &pErr) {
					return flow.Fail(err)
				}
				return flow.Fail(classifyModelErr(opts.Provider, err))
			}
			_ = rc.Progress(name, map[string]any{"results": len(results)})

			return flow.Success(ProviderResults{Provider: opts.Provider, Results: results})
		},
	}
}
