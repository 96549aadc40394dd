// Package brave implements the Provider-B HTTP client: request marshaling
// for Brave's web-search API and response-status classification, in the
// same net/http do()-helper shape (marshal -> set headers -> execute ->
// classify status -> decode) the domain stack uses for its other outbound
// integrations.
package brave

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wisbric/tavilybridge/pkg/bridgeerr"
	"github.com/wisbric/tavilybridge/pkg/upstreamkey"
)

const searchEndpoint = "https://api.search.brave.com/res/v1/web/search"

// testBaseURL overrides searchEndpoint in tests via swapEndpointForTest.
var testBaseURL = searchEndpoint

// WebSearchRequest is the bridge's canonical Brave web-search parameter
// set. Additional holds any pass-through parameters beyond query/count/offset.
type WebSearchRequest struct {
	Query      string
	Count      int // [1,20], default 10
	Offset     int // [0,9], default 0
	Additional map[string]any
}

// Client calls the Brave web-search endpoint.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// New constructs a Client with the given per-request timeout.
func New(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{}, timeout: timeout}
}

// WebSearch performs a web search with apiKey and returns the raw decoded
// JSON body, or a classified bridgeerr.Error.
func (c *Client) WebSearch(ctx context.Context, apiKey string, req WebSearchRequest) (map[string]any, error) {
	return c.do(ctx, apiKey, req)
}

// LocalSearch delegates to WebSearch: Brave has no separate local-search
// endpoint, matching the spec's "providers commonly lack a separate local
// endpoint" note.
func (c *Client) LocalSearch(ctx context.Context, apiKey string, req WebSearchRequest) (map[string]any, error) {
	return c.do(ctx, apiKey, req)
}

func (c *Client) do(ctx context.Context, apiKey string, req WebSearchRequest) (map[string]any, error) {
	count := req.Count
	if count <= 0 {
		count = 10
	}
	if count > 20 {
		count = 20
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > 9 {
		offset = 9
	}

	q := url.Values{}
	q.Set("q", req.Query)
	q.Set("count", strconv.Itoa(count))
	q.Set("offset", strconv.Itoa(offset))
	for k, v := range req.Additional {
		if s, ok := marshalExtra(v); ok {
			q.Set(k, s)
		}
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, testBaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, bridgeerr.Internal("building brave request", err)
	}
	httpReq.Header.Set("X-Subscription-Token", apiKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, bridgeerr.Transient("brave request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, bridgeerr.Transient("reading brave response body", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, bridgeerr.InvalidKey("brave rejected api key", nil)

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfterMs := 0
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil {
				retryAfterMs = secs * 1000
			}
		}
		return nil, bridgeerr.RateLimited("brave rate limited", nil, retryAfterMs)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed map[string]any
		if err := json.Unmarshal(body, &parsed); err != nil {
			return map[string]any{"message": string(body)}, nil
		}
		return parsed, nil

	case resp.StatusCode >= 500:
		return nil, bridgeerr.Transient(fmt.Sprintf("brave upstream error: %d", resp.StatusCode), nil)

	default:
		return nil, bridgeerr.Wrap(bridgeerr.KindInternal, fmt.Sprintf("brave upstream error %d: %s", resp.StatusCode, string(body)), nil)
	}
}

func marshalExtra(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		if t == "" {
			return "", false
		}
		return t, true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	case []any:
		if len(t) == 0 {
			return "", false
		}
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := marshalExtra(item); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, ","), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

// CreditFetcher implements creditsnapshot.Fetcher for Brave: Brave's plan
// endpoint reports remaining monthly quota rather than per-key credits, so
// the snapshot carries that one figure as both Remaining and
// AccountRemaining, with the other breakdown fields left unset.
type CreditFetcher struct {
	PlanEndpoint string // overridable for tests
}

func (f *CreditFetcher) Fetch(ctx context.Context, httpClient *http.Client, apiKey string) (upstreamkey.CreditSnapshot, error) {
	endpoint := f.PlanEndpoint
	if endpoint == "" {
		endpoint = "https://api.search.brave.com/res/v1/plan"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return upstreamkey.CreditSnapshot{}, bridgeerr.Internal("building brave plan request", err)
	}
	req.Header.Set("X-Subscription-Token", apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return upstreamkey.CreditSnapshot{}, bridgeerr.Transient("brave plan request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return upstreamkey.CreditSnapshot{}, bridgeerr.InvalidKey("brave rejected api key", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return upstreamkey.CreditSnapshot{}, bridgeerr.Transient(fmt.Sprintf("brave plan error: %d", resp.StatusCode), nil)
	}

	var body struct {
		Remaining float64 `json:"remaining"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return upstreamkey.CreditSnapshot{}, bridgeerr.Transient("decoding brave plan response", err)
	}
	return upstreamkey.CreditSnapshot{Remaining: body.Remaining, AccountRemaining: &body.Remaining}, nil
}
