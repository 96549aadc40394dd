// Package creditsnapshot fetches remote credit state for an upstream API
// key, with the bounded timeout/retry/backoff shape the domain stack uses
// for its other outbound REST integrations: one timeout-bounded attempt,
// classify the failure, retry only on transient transport errors.
package creditsnapshot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wisbric/tavilybridge/pkg/bridgeerr"
	"github.com/wisbric/tavilybridge/pkg/upstreamkey"
)

// Fetcher fetches a provider's remote credit endpoint for a single API key.
// Implementations are provider-specific (Tavily and Brave each expose a
// different credit/usage endpoint); Client below drives any Fetcher through
// the shared retry policy.
type Fetcher interface {
	Fetch(ctx context.Context, httpClient *http.Client, apiKey string) (upstreamkey.CreditSnapshot, error)
}

// Options bounds a single FetchCredits call.
type Options struct {
	TimeoutMs    int
	MaxRetries   int
	RetryDelayMs int
}

// Client drives a Fetcher through the bridge's retry policy: retry only on
// transient transport errors, never on InvalidKey or QuotaExceeded.
type Client struct {
	httpClient *http.Client
	fetcher    Fetcher
}

// New constructs a Client for the given Fetcher.
func New(fetcher Fetcher) *Client {
	return &Client{
		httpClient: &http.Client{},
		fetcher:    fetcher,
	}
}

// FetchCredits fetches the current credit snapshot for apiKey. Total wall
// time is bounded by opts.MaxRetries * (opts.TimeoutMs + opts.RetryDelayMs).
func (c *Client) FetchCredits(ctx context.Context, apiKey string, opts Options) (upstreamkey.CreditSnapshot, error) {
	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		snap, err := c.attempt(ctx, apiKey, opts.TimeoutMs)
		if err == nil {
			return snap, nil
		}

		if bridgeerr.Is(err, bridgeerr.KindInvalidKey) || bridgeerr.Is(err, bridgeerr.KindQuotaExceeded) {
			return upstreamkey.CreditSnapshot{}, err
		}

		lastErr = err
		if attempt < maxRetries-1 && opts.RetryDelayMs > 0 {
			select {
			case <-time.After(time.Duration(opts.RetryDelayMs) * time.Millisecond):
			case <-ctx.Done():
				return upstreamkey.CreditSnapshot{}, ctx.Err()
			}
		}
	}
	return upstreamkey.CreditSnapshot{}, bridgeerr.Transient("credit snapshot fetch exhausted retries", lastErr)
}

func (c *Client) attempt(ctx context.Context, apiKey string, timeoutMs int) (upstreamkey.CreditSnapshot, error) {
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	snap, err := c.fetcher.Fetch(attemptCtx, c.httpClient, apiKey)
	if err != nil {
		var bridgeErr *bridgeerr.Error
		if errors.As(err, &bridgeErr) {
			return upstreamkey.CreditSnapshot{}, err
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return upstreamkey.CreditSnapshot{}, bridgeerr.Transient("credit snapshot request timed out", err)
		}
		return upstreamkey.CreditSnapshot{}, bridgeerr.Transient(fmt.Sprintf("credit snapshot request failed: %v", err), err)
	}
	return snap, nil
}
