// Package rotatingclient wraps a Key Pool with a generic attempt loop so
// both upstream providers share one error-classification table instead of
// duplicating retry logic.
package rotatingclient

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wisbric/tavilybridge/internal/telemetry"
	"github.com/wisbric/tavilybridge/pkg/bridgeerr"
	"github.com/wisbric/tavilybridge/pkg/keypool"
	"github.com/wisbric/tavilybridge/pkg/reqcontext"
)

// Caller performs the provider-specific upstream call using a decrypted
// API key, returning a result of type Resp or a classified bridgeerr.Error.
type Caller[Req any, Resp any] func(ctx context.Context, apiKey string, req Req) (Resp, error)

// Config bounds the attempt loop.
type Config struct {
	MaxRetries  int
	CooldownDur time.Duration
}

// Client drives a Caller through the Key Pool's selection, invalidation,
// and cooldown bookkeeping.
type Client[Req any, Resp any] struct {
	pool   *keypool.Pool
	call   Caller[Req, Resp]
	logger *slog.Logger
	cfg    Config

	// Provider labels this client's metrics. Callers set it after
	// construction; an empty value reports as "unknown".
	Provider string
}

// New constructs a rotating Client for the given provider call.
func New[Req any, Resp any](pool *keypool.Pool, call Caller[Req, Resp], logger *slog.Logger, cfg Config) *Client[Req, Resp] {
	return &Client[Req, Resp]{pool: pool, call: call, logger: logger, cfg: cfg}
}

func (c *Client[Req, Resp]) providerLabel() string {
	if c.Provider == "" {
		return "unknown"
	}
	return c.Provider
}

// Do runs the attempt loop: select a key, invoke the call, classify any
// error, and either retry or surface UpstreamUnavailable. Invalid-key,
// quota, and rate-limit failures rotate to a freshly selected key since
// the failure is attributable to the key; a Transient failure retries the
// same key, since a network/5xx blip isn't the key's fault.
func (c *Client[Req, Resp]) Do(ctx context.Context, req Req) (Resp, error) {
	var zero Resp
	attempts := 0
	start := time.Now()

	sel, err := c.pool.Selection(ctx)
	if err != nil {
		return zero, err
	}
	reqcontext.SetUpstreamKeyID(ctx, sel.ID)

	for {
		resp, callErr := c.call(ctx, sel.KeyMaterial, req)
		if callErr == nil {
			telemetry.UpstreamCallDuration.WithLabelValues(c.providerLabel(), "success").Observe(time.Since(start).Seconds())
			return resp, nil
		}

		switch {
		case bridgeerr.Is(callErr, bridgeerr.KindInvalidKey):
			telemetry.UpstreamRetryTotal.WithLabelValues(c.providerLabel(), "invalid_key").Inc()
			if err := c.pool.MarkInvalid(ctx, sel.ID); err != nil {
				c.logger.Warn("marking key invalid", "key_id", sel.ID, "error", err)
			}
			sel, err = c.pool.Selection(ctx)
			if err != nil {
				telemetry.UpstreamCallDuration.WithLabelValues(c.providerLabel(), "error").Observe(time.Since(start).Seconds())
				return zero, err
			}
			reqcontext.SetUpstreamKeyID(ctx, sel.ID)
			continue // does not consume a retry slot

		case bridgeerr.Is(callErr, bridgeerr.KindQuotaExceeded):
			attempts++
			telemetry.UpstreamRetryTotal.WithLabelValues(c.providerLabel(), "quota_exceeded").Inc()
			if err := c.pool.MarkCooldown(ctx, sel.ID, time.Now().Add(c.cfg.CooldownDur)); err != nil {
				c.logger.Warn("marking key cooldown", "key_id", sel.ID, "error", err)
			}
			if attempts > c.cfg.MaxRetries {
				telemetry.UpstreamCallDuration.WithLabelValues(c.providerLabel(), "error").Observe(time.Since(start).Seconds())
				return zero, bridgeerr.UpstreamUnavailable("quota exhausted across all attempts")
			}
			sel, err = c.pool.Selection(ctx)
			if err != nil {
				telemetry.UpstreamCallDuration.WithLabelValues(c.providerLabel(), "error").Observe(time.Since(start).Seconds())
				return zero, err
			}
			reqcontext.SetUpstreamKeyID(ctx, sel.ID)
			continue

		case bridgeerr.Is(callErr, bridgeerr.KindRateLimited):
			attempts++
			telemetry.UpstreamRetryTotal.WithLabelValues(c.providerLabel(), "rate_limited").Inc()
			retryAfter := retryAfterFrom(callErr, c.cfg.CooldownDur)
			if err := c.pool.MarkCooldown(ctx, sel.ID, time.Now().Add(retryAfter)); err != nil {
				c.logger.Warn("marking key cooldown", "key_id", sel.ID, "error", err)
			}
			if attempts > c.cfg.MaxRetries {
				telemetry.UpstreamCallDuration.WithLabelValues(c.providerLabel(), "error").Observe(time.Since(start).Seconds())
				return zero, bridgeerr.UpstreamUnavailable("rate limited across all attempts")
			}
			sel, err = c.pool.Selection(ctx)
			if err != nil {
				telemetry.UpstreamCallDuration.WithLabelValues(c.providerLabel(), "error").Observe(time.Since(start).Seconds())
				return zero, err
			}
			reqcontext.SetUpstreamKeyID(ctx, sel.ID)
			continue

		case bridgeerr.Is(callErr, bridgeerr.KindTransient):
			attempts++
			telemetry.UpstreamRetryTotal.WithLabelValues(c.providerLabel(), "transient").Inc()
			if attempts > c.cfg.MaxRetries {
				telemetry.UpstreamCallDuration.WithLabelValues(c.providerLabel(), "error").Observe(time.Since(start).Seconds())
				return zero, bridgeerr.UpstreamUnavailable("transient errors across all attempts")
			}
			continue // retains the same key; the failure isn't key-attributable

		default:
			telemetry.UpstreamCallDuration.WithLabelValues(c.providerLabel(), "error").Observe(time.Since(start).Seconds())
			return zero, callErr
		}
	}
}

func retryAfterFrom(err error, fallback time.Duration) time.Duration {
	var bridgeErr *bridgeerr.Error
	if errors.As(err, &bridgeErr) && bridgeErr.RetryAfterMs() > 0 {
		return time.Duration(bridgeErr.RetryAfterMs()) * time.Millisecond
	}
	return fallback
}
