// Package normalize unifies Provider-T and Provider-B response shapes into
// a single "v0100" result array: {title, url, description?}. Pure
// functions, no I/O.
package normalize

import "encoding/json"

// Result is one normalized search result row.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// WebResults normalizes a Provider-B web-search response body.
func WebResults(body map[string]any) []Result {
	rows := listAt(body, "results")
	if rows == nil {
		rows = listAt(nestedMap(body, "web"), "results")
	}
	return mapRows(rows, false)
}

// LocalResults normalizes a Provider-B local-search response body.
func LocalResults(body map[string]any) []Result {
	rows := listAt(nestedMap(body, "local"), "results")
	if rows == nil {
		rows = listAt(body, "results")
	}
	if rows == nil {
		rows = listAt(nestedMap(body, "web"), "results")
	}
	return mapRows(rows, true)
}

// TavilyToBrave maps a Provider-T result array {title,url,content} into
// the v0100 shape, with no row filtering (P8).
func TavilyToBrave(results []map[string]any) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		out = append(out, Result{
			Title:       safeString(r["title"]),
			URL:         safeString(r["url"]),
			Description: safeString(r["content"]),
		})
	}
	return out
}

func mapRows(rows []any, acceptLocalFallbacks bool) []Result {
	out := make([]Result, 0, len(rows))
	for _, raw := range rows {
		row, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		title := safeString(row["title"])
		if title == "" && acceptLocalFallbacks {
			title = safeString(row["name"])
		}
		url := safeString(row["url"])
		if url == "" && acceptLocalFallbacks {
			url = safeString(row["website"])
		}
		if title == "" && url == "" {
			continue
		}

		desc := safeString(row["description"])
		if desc == "" {
			desc = safeString(row["snippet"])
		}
		if desc == "" {
			desc = safeString(row["content"])
		}

		out = append(out, Result{Title: title, URL: url, Description: desc})
	}
	return out
}

func listAt(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	v, ok := m[key]
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	return list
}

func nestedMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, ok := m[key]
	if !ok {
		return nil
	}
	nested, _ := v.(map[string]any)
	return nested
}

// safeString coerces a non-string value to "".
func safeString(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// PrettyJSON renders results as 2-space-indented JSON for the MCP text
// content block.
func PrettyJSON(results []Result) (string, error) {
	b, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
