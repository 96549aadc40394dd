package mcpproxy

import (
	"encoding/json"
	"strings"
)

const (
	tavilyToolPrefix = "tavily_"
	braveToolPrefix  = "brave_"
)

// hasTavilyToolsCallRequest reports whether body is a "tools/call" request
// naming a tavily_* tool, or a batch containing at least one such element.
// Used to gate the Tavily pool's preflight credit check before any per-item
// work in the batch begins.
func hasTavilyToolsCallRequest(body []byte) bool {
	reqs, _, err := parseBody(body)
	if err != nil {
		return false
	}
	for _, r := range reqs {
		if r.Method != "tools/call" {
			continue
		}
		var p toolCallParams
		if err := json.Unmarshal(r.Params, &p); err != nil {
			continue
		}
		if strings.HasPrefix(p.Name, tavilyToolPrefix) {
			return true
		}
	}
	return false
}

// toolCatalog is returned verbatim by "tools/list". Only the tool names and
// descriptions matter for dispatch; input schemas are permissive.
var toolCatalog = []map[string]any{
	{
		"name":        "tavily_search",
		"description": "Search the web via Tavily.",
		"inputSchema": map[string]any{"type": "object"},
	},
	{
		"name":        "tavily_extract",
		"description": "Extract content from a URL via Tavily.",
		"inputSchema": map[string]any{"type": "object"},
	},
	{
		"name":        "tavily_crawl",
		"description": "Crawl a site starting at a URL via Tavily.",
		"inputSchema": map[string]any{"type": "object"},
	},
	{
		"name":        "tavily_map",
		"description": "Map a site's structure via Tavily.",
		"inputSchema": map[string]any{"type": "object"},
	},
	{
		"name":        "brave_web_search",
		"description": "Search the web via Brave, subject to the configured routing mode.",
		"inputSchema": map[string]any{"type": "object"},
	},
	{
		"name":        "brave_local_search",
		"description": "Search for local businesses/places via Brave, subject to the configured routing mode.",
		"inputSchema": map[string]any{"type": "object"},
	},
}

// tavilyPathForTool maps a tavily_* tool name to its REST path.
func tavilyPathForTool(name string) string {
	switch name {
	case "tavily_search":
		return "/search"
	case "tavily_extract":
		return "/extract"
	case "tavily_crawl":
		return "/crawl"
	case "tavily_map":
		return "/map"
	default:
		return ""
	}
}
