package steps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/searchflow/searchflow-go/flow"
)

// selectionSchema is the resume contract for a review suspension: the
// caller supplies the indexes of the results to keep.
const selectionSchema = `{
	"type": "object",
	"properties": {
		"selected": {
			"type": "array",
			"items": {"type": "integer", "minimum": 0}
		}
	},
	"required": ["selected"]
}`

// ReviewOptions configures NewReviewStep.
type ReviewOptions struct {
	// Name is the step name. Default "review".
	Name string

	// Reason describes the suspension to stream consumers. Default
	// "awaiting review".
	Reason string
}

// NewReviewStep builds a human-in-the-loop gate. On its first invocation
// it suspends the run, publishing a resume schema that asks for
// {"selected": [indexes]}. When the run resumes, the step returns the
// original result list narrowed to the selected indexes.
//
// Input: a list of SearchResult (the dedup step's output). Output: the
// selected subset, order following the selection.
func NewReviewStep(opts ReviewOptions) flow.StepDefinition {
	name := opts.Name
	if name == "" {
		name = "review"
	}
	reason := opts.Reason
	if reason == "" {
		reason = "awaiting review"
	}
	return flow.StepDefinition{
		Name: name,
		Execute: func(ctx context.Context, input any, rc *flow.RunContext) flow.Result {
			ri, resumed := input.(flow.ResumeInput)
			if !resumed {
				return flow.Suspended(flow.SuspendSignal{
					Reason:       reason,
					ResumeSchema: selectionSchema,
				})
			}

			var results []SearchResult
			if err := decodeInput(ri.Original, &results); err != nil {
				return flow.Fail(err)
			}

			var sel struct {
				Selected []int `json:"selected"`
			}
			if err := json.Unmarshal(ri.Resume, &sel); err != nil {
				return flow.Fail(fmt.Errorf("decode resume data: %w", err))
			}

			picked := make([]SearchResult, 0, len(sel.Selected))
			for _, i := range sel.Selected {
				if i < 0 || i >= len(results) {
					return flow.Fail(fmt.Errorf("selected index %d out of range (%d results)", i, len(results)))
				}
				picked = append(picked, results[i])
			}
			return flow.Success(picked)
		},
	}
}
