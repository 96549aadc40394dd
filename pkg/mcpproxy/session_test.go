package mcpproxy

import "testing"

func TestIsSessionInvalidDetectsMarkers(t *testing.T) {
	cases := []struct {
		message string
		want    bool
	}{
		{"Bad Request: No valid session ID provided", true},
		{"Invalid or missing session ID", true},
		{"Session not found", true},
		{"Some other error", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsSessionInvalid(c.message); got != c.want {
			t.Errorf("IsSessionInvalid(%q) = %v, want %v", c.message, got, c.want)
		}
	}
}

func TestSessionStoreValidatesIssuedIDs(t *testing.T) {
	s := newSessionStore()
	if s.Valid("unknown") {
		t.Fatal("unissued session id reported valid")
	}
	id := s.New()
	if !s.Valid(id) {
		t.Fatal("freshly issued session id reported invalid")
	}
}

func TestHasTavilyToolsCallRequestBatch(t *testing.T) {
	body := []byte(`[{"method":"tools/call","params":{"name":"brave_web_search"}},{"method":"tools/call","params":{"name":"tavily_extract"}}]`)
	if !hasTavilyToolsCallRequest(body) {
		t.Fatal("expected hasTavilyToolsCallRequest to detect the tavily_extract element")
	}
}

func TestHasTavilyToolsCallRequestNoTavily(t *testing.T) {
	body := []byte(`[{"method":"tools/call","params":{"name":"brave_web_search"}}]`)
	if hasTavilyToolsCallRequest(body) {
		t.Fatal("expected hasTavilyToolsCallRequest to be false with no tavily_ tool")
	}
}

func TestHasTavilyToolsCallRequestSingle(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"tavily_search"}}`)
	if !hasTavilyToolsCallRequest(body) {
		t.Fatal("expected hasTavilyToolsCallRequest true for a single tavily_search request")
	}
}

func TestHasTavilyToolsCallRequestWrongMethod(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if hasTavilyToolsCallRequest(body) {
		t.Fatal("expected hasTavilyToolsCallRequest false for a non tools/call method")
	}
}
