package brave

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/wisbric/tavilybridge/pkg/bridgeerr"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	return srv, srv.Close
}

func TestWebSearchClassifiesUnauthorized(t *testing.T) {
	srv, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer closeFn()

	c := New(time.Second)
	swapEndpointForTest(t, srv.URL)

	_, err := c.WebSearch(t.Context(), "bad-key", WebSearchRequest{Query: "golang"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !bridgeerr.Is(err, bridgeerr.KindInvalidKey) {
		t.Fatalf("expected InvalidKey for a 401, got %v", err)
	}
}

func TestWebSearchRetryAfterParsing(t *testing.T) {
	srv, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer closeFn()

	c := New(time.Second)
	swapEndpointForTest(t, srv.URL)

	_, err := c.WebSearch(t.Context(), "key", WebSearchRequest{Query: "golang"})
	if err == nil {
		t.Fatal("expected rate limited error")
	}
	var berr *bridgeerr.Error
	if !errors.As(err, &berr) || berr.Kind != bridgeerr.KindRateLimited {
		t.Fatalf("expected RateLimited error, got %v", err)
	}
	if berr.RetryAfterMs() != 2000 {
		t.Fatalf("expected RetryAfterMs 2000 from Retry-After: 2, got %d", berr.RetryAfterMs())
	}
}

func TestMarshalExtraParams(t *testing.T) {
	cases := []struct {
		in       any
		wantOK   bool
		wantStr  string
	}{
		{in: "hello", wantOK: true, wantStr: "hello"},
		{in: "", wantOK: false},
		{in: true, wantOK: true, wantStr: "true"},
		{in: false, wantOK: true, wantStr: "false"},
		{in: nil, wantOK: false},
		{in: []any{"a", "b"}, wantOK: true, wantStr: "a,b"},
		{in: []any{}, wantOK: false},
	}
	for _, tt := range cases {
		got, ok := marshalExtra(tt.in)
		if ok != tt.wantOK {
			t.Errorf("marshalExtra(%v) ok = %v, want %v", tt.in, ok, tt.wantOK)
			continue
		}
		if ok && got != tt.wantStr {
			t.Errorf("marshalExtra(%v) = %q, want %q", tt.in, got, tt.wantStr)
		}
	}
}

func TestCountOffsetClamping(t *testing.T) {
	var gotQuery url.Values
	srv, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"web":{"results":[]}}`))
	})
	defer closeFn()

	c := New(time.Second)
	swapEndpointForTest(t, srv.URL)

	_, err := c.WebSearch(t.Context(), "key", WebSearchRequest{Query: "q", Count: 99, Offset: -5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotQuery.Get("count") != "20" {
		t.Errorf("expected count clamped to 20, got %s", gotQuery.Get("count"))
	}
	if gotQuery.Get("offset") != "0" {
		t.Errorf("expected offset clamped to 0, got %s", gotQuery.Get("offset"))
	}
}

// swapEndpointForTest is a small test seam: since searchEndpoint is a
// package constant, tests instead construct a Client pointed at httptest
// servers via this helper which temporarily overrides the package-level
// variable used for the base URL.
func swapEndpointForTest(t *testing.T, base string) {
	t.Helper()
	old := testBaseURL
	testBaseURL = base
	t.Cleanup(func() { testBaseURL = old })
}
