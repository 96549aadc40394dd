package normalize

import "testing"

// P8: Provider-T {results:[{title,url,content}]} maps to
// [{title,url,description:content}] with the same length and order.
func TestTavilyToBravePreservesLengthAndOrder(t *testing.T) {
	in := []map[string]any{
		{"title": "a", "url": "u1", "content": "c1"},
		{"title": "b", "url": "u2", "content": "c2"},
		{"title": "c", "url": "u3", "content": ""},
	}
	out := TavilyToBrave(in)
	if len(out) != len(in) {
		t.Fatalf("expected length %d, got %d", len(in), len(out))
	}
	for i, row := range out {
		if row.Title != in[i]["title"] || row.URL != in[i]["url"] {
			t.Fatalf("row %d mismatch: %+v vs %+v", i, row, in[i])
		}
	}
	if out[2].Description != "" {
		t.Fatalf("expected empty description for empty content, got %q", out[2].Description)
	}
}

// Scenario 6: Provider-B web body maps to v0100 shape; a row with neither
// title nor url is dropped.
func TestWebResultsDropsRowsWithNeitherTitleNorURL(t *testing.T) {
	body := map[string]any{
		"web": map[string]any{
			"results": []any{
				map[string]any{"title": "t", "url": "u", "description": "d"},
				map[string]any{"description": "orphan, no title or url"},
			},
		},
	}
	out := WebResults(body)
	if len(out) != 1 {
		t.Fatalf("expected 1 row after drop, got %d: %+v", len(out), out)
	}
	if out[0] != (Result{Title: "t", URL: "u", Description: "d"}) {
		t.Fatalf("unexpected row: %+v", out[0])
	}
}

func TestWebResultsPrefersTopLevelResults(t *testing.T) {
	body := map[string]any{
		"results": []any{map[string]any{"title": "top", "url": "u"}},
		"web":     map[string]any{"results": []any{map[string]any{"title": "nested", "url": "u2"}}},
	}
	out := WebResults(body)
	if len(out) != 1 || out[0].Title != "top" {
		t.Fatalf("expected top-level results to win, got %+v", out)
	}
}

func TestLocalResultsAcceptsNameAndWebsiteFallbacks(t *testing.T) {
	body := map[string]any{
		"local": map[string]any{
			"results": []any{
				map[string]any{"name": "Cafe", "website": "https://cafe.example", "snippet": "good coffee"},
			},
		},
	}
	out := LocalResults(body)
	if len(out) != 1 {
		t.Fatalf("expected 1 result, got %d", len(out))
	}
	want := Result{Title: "Cafe", URL: "https://cafe.example", Description: "good coffee"}
	if out[0] != want {
		t.Fatalf("got %+v, want %+v", out[0], want)
	}
}

func TestSafeStringCoercesNonStrings(t *testing.T) {
	if got := safeString(42); got != "" {
		t.Fatalf("expected empty string for non-string input, got %q", got)
	}
	if got := safeString("ok"); got != "ok" {
		t.Fatalf("expected passthrough, got %q", got)
	}
	if got := safeString(nil); got != "" {
		t.Fatalf("expected empty string for nil, got %q", got)
	}
}
