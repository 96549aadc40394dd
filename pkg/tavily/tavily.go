// Package tavily implements the Provider-T upstream client: the handful
// of tavily_* tool calls (search, extract, crawl, map) proxied straight
// through, with the same do()-helper error-classification shape used by
// the Brave client.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wisbric/tavilybridge/pkg/bridgeerr"
	"github.com/wisbric/tavilybridge/pkg/upstreamkey"
)

const baseURL = "https://api.tavily.com"

// Request is a generic Tavily tool-call payload: method-specific JSON
// fields arrive as Params and are merged with the API key before sending.
type Request struct {
	Path   string // e.g. "/search", "/extract", "/crawl", "/map"
	Params map[string]any
}

// Client calls Tavily's REST API.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// New constructs a Client with the given per-request timeout.
func New(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{}, timeout: timeout}
}

// Call performs a Tavily API request with apiKey and returns the raw
// decoded JSON body, or a classified bridgeerr.Error.
func (c *Client) Call(ctx context.Context, apiKey string, req Request) (map[string]any, error) {
	payload := map[string]any{"api_key": apiKey}
	for k, v := range req.Params {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, bridgeerr.Internal("marshaling tavily request", err)
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, baseURL+req.Path, bytes.NewReader(body))
	if err != nil {
		return nil, bridgeerr.Internal("building tavily request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, bridgeerr.Transient("tavily request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, bridgeerr.Transient("reading tavily response body", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, bridgeerr.InvalidKey("tavily rejected api key", nil)

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, bridgeerr.RateLimited("tavily rate limited", nil, 0)

	case resp.StatusCode == http.StatusPaymentRequired:
		return nil, bridgeerr.QuotaExceeded("tavily out of credits")

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed map[string]any
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return map[string]any{"message": string(respBody)}, nil
		}
		return parsed, nil

	case resp.StatusCode >= 500:
		return nil, bridgeerr.Transient(fmt.Sprintf("tavily upstream error: %d", resp.StatusCode), nil)

	default:
		return nil, bridgeerr.Wrap(bridgeerr.KindInternal, fmt.Sprintf("tavily upstream error %d: %s", resp.StatusCode, string(respBody)), nil)
	}
}

// CreditFetcher implements creditsnapshot.Fetcher for Tavily's /usage
// endpoint, which reports both key-level and account-level quota.
type CreditFetcher struct{}

func (f *CreditFetcher) Fetch(ctx context.Context, httpClient *http.Client, apiKey string) (upstreamkey.CreditSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/usage?api_key="+apiKey, nil)
	if err != nil {
		return upstreamkey.CreditSnapshot{}, bridgeerr.Internal("building tavily usage request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return upstreamkey.CreditSnapshot{}, bridgeerr.Transient("tavily usage request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return upstreamkey.CreditSnapshot{}, bridgeerr.InvalidKey("tavily rejected api key", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return upstreamkey.CreditSnapshot{}, bridgeerr.Transient(fmt.Sprintf("tavily usage error: %d", resp.StatusCode), nil)
	}

	var body struct {
		KeyUsage         *float64 `json:"key_usage"`
		KeyLimit         *float64 `json:"key_limit"`
		AccountPlanUsage *float64 `json:"account_plan_usage"`
		AccountPlanLimit *float64 `json:"account_plan_limit"`
		AccountRemaining *float64 `json:"account_remaining"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return upstreamkey.CreditSnapshot{}, bridgeerr.Transient("decoding tavily usage response", err)
	}

	remaining := 0.0
	if body.KeyLimit != nil && body.KeyUsage != nil {
		remaining = *body.KeyLimit - *body.KeyUsage
	} else if body.AccountRemaining != nil {
		remaining = *body.AccountRemaining
	}

	return upstreamkey.CreditSnapshot{
		Remaining:        remaining,
		KeyUsage:         body.KeyUsage,
		KeyLimit:         body.KeyLimit,
		AccountPlanUsage: body.AccountPlanUsage,
		AccountPlanLimit: body.AccountPlanLimit,
		AccountRemaining: body.AccountRemaining,
	}, nil
}
