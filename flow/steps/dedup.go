// Package steps provides ready-made step definitions for the research
// pipeline: multi-provider result aggregation and language-model calls.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/searchflow/searchflow-go/flow"
)

// MaxHighlights is the per-item highlight cap applied by the dedup step.
const MaxHighlights = 5

// SearchResult is one item returned by a search provider.
type SearchResult struct {
	// URL is the item's resource locator and the basis of its dedup key.
	URL string `json:"url"`

	// Provider names the backend that returned the item. The dedup step
	// fills it in from the provider key when the item leaves it blank.
	Provider string `json:"provider,omitempty"`

	Title   string  `json:"title,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`

	// Highlights are short matched-text excerpts. The dedup step caps
	// them at MaxHighlights, preserving order.
	Highlights []string `json:"highlights,omitempty"`
}

// ProviderResults is one provider's labeled result list, the natural
// output shape for a search step running inside a parallel fan-out.
type ProviderResults struct {
	Provider string         `json:"provider"`
	Results  []SearchResult `json:"results"`
}

// DedupOptions configures NewDedupStep.
type DedupOptions struct {
	// Name is the step name. Default "dedup".
	Name string

	// ProviderOrder fixes the provider iteration order, which decides
	// which copy of a duplicate wins. Providers not listed are appended
	// lexicographically. Default: all providers lexicographically.
	ProviderOrder []string

	// Retry configures the step's attempt loop. Dedup is pure and cheap,
	// so the default is a single attempt.
	Retry *flow.RetryPolicy
}

// NewDedupStep builds the aggregation/deduplication step definition.
//
// Input is either a map of provider name to result list or, as produced
// by a parallel fan-out of search steps, a list of ProviderResults. A
// provider whose list is null, absent or empty contributes nothing and
// is never an error.
//
// Providers are iterated in a fixed, deterministic order; within each
// provider, item order is preserved. Each item's dedup key is its
// normalized URL; the first occurrence wins and later duplicates are
// discarded. Kept items have their highlight lists truncated to
// MaxHighlights, order preserved.
func NewDedupStep(opts DedupOptions) flow.StepDefinition {
	name := opts.Name
	if name == "" {
		name = "dedup"
	}
	return flow.StepDefinition{
		Name:  name,
		Retry: opts.Retry,
		Execute: func(ctx context.Context, input any, rc *flow.RunContext) flow.Result {
			byProvider, err := decodeProviderLists(input)
			if err != nil {
				return flow.Fail(err)
			}
			return flow.Success(Merge(byProvider, opts.ProviderOrder))
		},
	}
}

// Merge deduplicates provider result lists into one order-preserving
// list. Exported for callers that aggregate outside a workflow run.
func Merge(byProvider map[string][]SearchResult, providerOrder []string) []SearchResult {
	merged := make([]SearchResult, 0)
	seen := make(map[string]struct{})

	for _, provider := range orderProviders(byProvider, providerOrder) {
		for _, item := range byProvider[provider] {
			key := normalizeURL(item.URL)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			if item.Provider == "" {
				item.Provider = provider
			}
			if len(item.Highlights) > MaxHighlights {
				item.Highlights = item.Highlights[:MaxHighlights]
			}
			merged = append(merged, item)
		}
	}
	return merged
}

// orderProviders returns the deterministic iteration order: the
// configured order first (skipping providers with no entry), then any
// remaining providers lexicographically.
func orderProviders(byProvider map[string][]SearchResult, providerOrder []string) []string {
	ordered := make([]string, 0, len(byProvider))
	taken := make(map[string]struct{}, len(byProvider))

	for _, p := range providerOrder {
		if _, ok := byProvider[p]; !ok {
			continue
		}
		if _, dup := taken[p]; dup {
			continue
		}
		taken[p] = struct{}{}
		ordered = append(ordered, p)
	}

	rest := make([]string, 0, len(byProvider))
	for p := range byProvider {
		if _, ok := taken[p]; !ok {
			rest = append(rest, p)
		}
	}
	sort.Strings(rest)
	return append(ordered, rest...)
}

// normalizeURL computes an item's dedup key: lowercased scheme and host,
// default port and fragment stripped, trailing slash removed. Unparsable
// locators fall back to the trimmed raw string so they still dedup
// exactly.
func normalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(trimmed, "/")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// decodeProviderLists accepts the step's input in either supported
// shape. Values cross step boundaries as their JSON form, so decoding
// goes through a round-trip rather than type switches on concrete
// structs.
func decodeProviderLists(input any) (map[string][]SearchResult, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("dedup input is not serializable: %w", err)
	}

	var byProvider map[string][]SearchResult
	if err := json.Unmarshal(data, &byProvider); err == nil {
		if byProvider == nil {
			byProvider = map[string][]SearchResult{}
		}
		return byProvider, nil
	}

	var branches []ProviderResults
	if err := json.Unmarshal(data, &branches); err == nil {
		byProvider = make(map[string][]SearchResult, len(branches))
		for i, b := range branches {
			provider := b.Provider
			if provider == "" {
				provider = fmt.Sprintf("branch-%d", i)
			}
			byProvider[provider] = append(byProvider[provider], b.Results...)
		}
		return byProvider, nil
	}

	return nil, fmt.Errorf("dedup input must be a provider map or a list of provider results, got %T", input)
}
