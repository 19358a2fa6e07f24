package steps

import (
	"context"
	"encoding/json"
	"testing"
)

func runDedup(t *testing.T, input any, opts DedupOptions) []SearchResult {
	t.Helper()
	def := NewDedupStep(opts)
	res := def.Execute(context.Background(), input, nil)
	if res.Err != nil {
		t.Fatalf("dedup failed: %v", res.Err)
	}
	out, ok := res.Output.([]SearchResult)
	if !ok {
		t.Fatalf("output = %T, want []SearchResult", res.Output)
	}
	return out
}

func TestDedupFirstProviderWins(t *testing.T) {
	input := map[string][]SearchResult{
		"A": {{URL: "x", Title: "x from A"}, {URL: "y"}},
		"B": {{URL: "x", Title: "x from B"}, {URL: "z"}},
	}
	out := runDedup(t, input, DedupOptions{ProviderOrder: []string{"A", "B"}})

	if len(out) != 3 {
		t.Fatalf("got %d items, want 3: %+v", len(out), out)
	}
	if out[0].URL != "x" || out[0].Title != "x from A" || out[0].Provider != "A" {
		t.Fatalf("A's copy of x must win: %+v", out[0])
	}
	if out[1].URL != "y" || out[2].URL != "z" {
		t.Fatalf("order wrong: %+v", out)
	}
}

func TestDedupDefaultOrderIsLexicographic(t *testing.T) {
	input := map[string][]SearchResult{
		"bravo": {{URL: "x", Title: "from bravo"}},
		"alpha": {{URL: "x", Title: "from alpha"}},
	}
	out := runDedup(t, input, DedupOptions{})
	if len(out) != 1 || out[0].Title != "from alpha" {
		t.Fatalf("got %+v, want alpha's copy", out)
	}
}

func TestDedupToleratesMissingProviders(t *testing.T) {
	t.Run("absent provider", func(t *testing.T) {
		input := map[string][]SearchResult{"A": {{URL: "x"}}}
		out := runDedup(t, input, DedupOptions{ProviderOrder: []string{"A", "B"}})
		if len(out) != 1 || out[0].URL != "x" {
			t.Fatalf("got %+v, want [x]", out)
		}
	})

	t.Run("null provider list", func(t *testing.T) {
		input := json.RawMessage(`{"A":[{"url":"x"}],"B":null}`)
		var decoded map[string][]SearchResult
		if err := json.Unmarshal(input, &decoded); err != nil {
			t.Fatal(err)
		}
		out := runDedup(t, decoded, DedupOptions{})
		if len(out) != 1 || out[0].URL != "x" {
			t.Fatalf("got %+v, want [x]", out)
		}
	})

	t.Run("empty provider list", func(t *testing.T) {
		input := map[string][]SearchResult{"A": {{URL: "x"}}, "B": {}}
		out := runDedup(t, input, DedupOptions{})
		if len(out) != 1 {
			t.Fatalf("got %+v, want [x]", out)
		}
	})

	t.Run("no providers at all", func(t *testing.T) {
		out := runDedup(t, map[string][]SearchResult{}, DedupOptions{})
		if len(out) != 0 {
			t.Fatalf("got %+v, want empty", out)
		}
	})
}

func TestDedupHighlightTruncation(t *testing.T) {
	input := map[string][]SearchResult{
		"A": {
			{URL: "six", Highlights: []string{"1", "2", "3", "4", "5", "6"}},
			{URL: "none"},
		},
	}
	out := runDedup(t, input, DedupOptions{})

	if len(out[0].Highlights) != MaxHighlights {
		t.Fatalf("highlights = %d, want %d", len(out[0].Highlights), MaxHighlights)
	}
	for i, h := range out[0].Highlights {
		if want := string(rune('1' + i)); h != want {
			t.Fatalf("highlight order changed: %v", out[0].Highlights)
		}
	}
	if len(out[1].Highlights) != 0 {
		t.Fatalf("zero highlights must stay zero: %+v", out[1])
	}
}

func TestDedupAcceptsParallelJoinOutput(t *testing.T) {
	input := []any{
		ProviderResults{Provider: "A", Results: []SearchResult{{URL: "x"}}},
		ProviderResults{Provider: "B", Results: []SearchResult{{URL: "x"}, {URL: "y"}}},
	}
	out := runDedup(t, input, DedupOptions{ProviderOrder: []string{"A", "B"}})
	if len(out) != 2 || out[0].Provider != "A" || out[1].URL != "y" {
		t.Fatalf("got %+v", out)
	}
}

func TestDedupRejectsMalformedInput(t *testing.T) {
	def := NewDedupStep(DedupOptions{})
	res := def.Execute(context.Background(), "not a provider map", nil)
	if res.Err == nil {
		t.Fatal("expected an error for malformed input")
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		name string
		a, b string
		same bool
	}{
		{"scheme and host case", "HTTPS://Example.COM/path", "https://example.com/path", true},
		{"default https port", "https://example.com:443/p", "https://example.com/p", true},
		{"default http port", "http://example.com:80/p", "http://example.com/p", true},
		{"trailing slash", "https://example.com/p/", "https://example.com/p", true},
		{"fragment", "https://example.com/p#sec", "https://example.com/p", true},
		{"different path case", "https://example.com/Path", "https://example.com/path", false},
		{"different query", "https://example.com/p?a=1", "https://example.com/p?a=2", false},
		{"unparsable locators", "not a url ", "not a url", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := normalizeURL(tc.a) == normalizeURL(tc.b)
			if got != tc.same {
				t.Fatalf("normalize(%q)=%q normalize(%q)=%q, same=%v want %v",
					tc.a, normalizeURL(tc.a), tc.b, normalizeURL(tc.b), got, tc.same)
			}
		})
	}
}

func TestDedupStepDefaults(t *testing.T) {
	def := NewDedupStep(DedupOptions{})
	if def.Name != "dedup" {
		t.Fatalf("Name = %q, want dedup", def.Name)
	}
	if def.Retry != nil {
		t.Fatal("dedup is pure; no retry policy by default")
	}
}
