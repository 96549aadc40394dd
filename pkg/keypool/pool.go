// Package keypool owns upstream key selection, credit-aware refresh, and
// cooldown/invalidation bookkeeping. The pool-wide selection mutex and the
// selector-interface strategy are grounded on the keypool/selector design
// seen in the broader multi-key-relay corpus; the distributed per-key
// refresh lock (lock.go) follows the domain stack's Redis SET NX PX
// short-lived-coordination pattern.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wisbric/tavilybridge/internal/keycrypt"
	"github.com/wisbric/tavilybridge/internal/telemetry"
	"github.com/wisbric/tavilybridge/pkg/bridgeerr"
	"github.com/wisbric/tavilybridge/pkg/creditsnapshot"
	"github.com/wisbric/tavilybridge/pkg/upstreamkey"
)

// Config holds the Key Pool's environment-overridable tunables (§4.3).
type Config struct {
	SelectionStrategy   string
	CreditsTTL          time.Duration
	StaleGrace          time.Duration
	MinRemaining        float64
	Cooldown            time.Duration
	RefreshLockTTL      time.Duration
	RefreshTimeout      time.Duration
	RefreshMaxRetries   int
	RefreshRetryDelayMs time.Duration
}

// Locker is the per-key distributed refresh lock contract. RedisLock is the
// concrete production implementation; tests substitute a fake.
type Locker interface {
	TryAcquire(ctx context.Context, keyID string, ttl time.Duration) (string, error)
	Release(ctx context.Context, keyID, token string) error
}

// PreflightResult is the outcome of a preflight credit check.
type PreflightResult struct {
	OK            bool
	Status        int
	Error         string
	RetryAfterMs  int
}

// Pool selects, refreshes, and retires UpstreamKey records for a single
// provider.
type Pool struct {
	provider upstreamkey.Provider
	store    upstreamkey.Store
	cipher   *keycrypt.Cipher
	credits  *creditsnapshot.Client
	lock     Locker
	logger   *slog.Logger
	cfg      Config

	strategies *registry

	// selMu serializes selection across concurrent requests in this
	// process so two callers never race on picking and touching the same
	// stalest key.
	selMu sync.Mutex
}

// New constructs a Pool for provider.
func New(provider upstreamkey.Provider, store upstreamkey.Store, cipher *keycrypt.Cipher, credits *creditsnapshot.Client, lock Locker, logger *slog.Logger, cfg Config) *Pool {
	return &Pool{
		provider:   provider,
		store:      store,
		cipher:     cipher,
		credits:    credits,
		lock:       lock,
		logger:     logger,
		cfg:        cfg,
		strategies: newRegistry(NewStrategy(cfg.SelectionStrategy)),
	}
}

// SetStrategy swaps the active selection strategy at runtime.
func (p *Pool) SetStrategy(s Strategy) {
	p.strategies.set(s)
}

// Preflight reports whether the pool has at least one key with usable
// credits right now, force-refreshing the stalest candidate if necessary.
func (p *Pool) Preflight(ctx context.Context) PreflightResult {
	now := time.Now()

	candidates, err := p.store.EligibleCandidates(ctx, p.provider, now, 10)
	if err == nil {
		for _, c := range candidates {
			if c.CreditsExpiresAt != nil && c.CreditsExpiresAt.After(now) &&
				c.CreditsRemaining != nil && *c.CreditsRemaining > p.cfg.MinRemaining {
				return PreflightResult{OK: true}
			}
		}
	}

	stalest, err := p.store.StalestCandidate(ctx, p.provider, now)
	if err != nil || stalest == nil {
		return PreflightResult{OK: false, Status: 503, Error: "No keys configured"}
	}

	refreshed, err := p.refreshCredits(ctx, stalest, now, true)
	if err != nil {
		p.logger.Warn("preflight refresh failed", "provider", p.provider, "key_id", stalest.ID, "error", err)
		return PreflightResult{OK: false, Status: 503, RetryAfterMs: 10_000}
	}

	if refreshed.CreditsRemaining == nil || *refreshed.CreditsRemaining <= p.cfg.MinRemaining {
		return PreflightResult{
			OK:           false,
			Status:       429,
			Error:        "Upstream quota exhausted",
			RetryAfterMs: int(p.cfg.Cooldown / time.Millisecond),
		}
	}
	return PreflightResult{OK: true}
}

// SelectedKey is the result of a successful Selection call: the decrypted
// material ready to use as an upstream credential, plus the record id for
// attribution and later cooldown/invalidation.
type SelectedKey struct {
	ID          string
	KeyMaterial string
}

// Selection picks the next usable key for this provider, refreshing credit
// state as needed and decrypting the key material only at the very end.
// Returns bridgeerr.UpstreamUnavailable if no candidate yields a usable key.
func (p *Pool) Selection(ctx context.Context) (*SelectedKey, error) {
	p.selMu.Lock()
	defer p.selMu.Unlock()

	now := time.Now()
	candidates, err := p.store.EligibleCandidates(ctx, p.provider, now, 10)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindInternal, "loading eligible candidates", err)
	}
	telemetry.KeyPoolEligibleKeys.WithLabelValues(string(p.provider)).Set(float64(len(candidates)))

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].LastUsedAt.Equal(candidates[j].LastUsedAt) {
			return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	candidates = p.strategies.get().Reorder(candidates)

	for _, candidate := range candidates {
		refreshed, err := p.refreshCredits(ctx, candidate, now, false)
		if err != nil {
			continue
		}

		if refreshed.CreditsRemaining != nil && *refreshed.CreditsRemaining <= p.cfg.MinRemaining {
			p.markCooldownLocked(ctx, refreshed, now.Add(p.cfg.Cooldown))
			continue
		}

		if refreshed.CreditsRemaining != nil && *refreshed.CreditsRemaining > 0 {
			refreshed.LastUsedAt = now
			if refreshed.CooldownUntil != nil && !refreshed.CooldownUntil.After(now) {
				refreshed.Status = upstreamkey.StatusActive
				refreshed.CooldownUntil = nil
			}
			if err := p.store.Update(ctx, refreshed); err != nil {
				continue
			}
			material, err := p.cipher.Decrypt(refreshed.EncryptedKeyMaterial)
			if err != nil {
				p.logger.Error("decrypting key material", "key_id", refreshed.ID, "error", err)
				continue
			}
			telemetry.KeyPoolSelectionTotal.WithLabelValues(string(p.provider), "selected").Inc()
			return &SelectedKey{ID: refreshed.ID, KeyMaterial: material}, nil
		}
	}

	telemetry.KeyPoolSelectionTotal.WithLabelValues(string(p.provider), "exhausted").Inc()
	return nil, bridgeerr.UpstreamUnavailable("no eligible keys")
}

// refreshCredits implements the Key Pool's RefreshCredits operation.
func (p *Pool) refreshCredits(ctx context.Context, k *upstreamkey.Key, now time.Time, force bool) (*upstreamkey.Key, error) {
	if !force && k.FreshCredits(now) {
		return k, nil
	}

	token, err := p.lock.TryAcquire(ctx, k.ID, p.cfg.RefreshLockTTL)
	if err != nil {
		p.logger.Warn("refresh lock acquire error", "key_id", k.ID, "error", err)
	}
	if token == "" {
		if k.CreditsCheckedAt != nil && now.Sub(*k.CreditsCheckedAt) <= p.cfg.StaleGrace &&
			k.CreditsRemaining != nil && *k.CreditsRemaining > p.cfg.MinRemaining {
			telemetry.KeyPoolRefreshTotal.WithLabelValues(string(p.provider), "stale_grace").Inc()
			return k, nil
		}
		telemetry.KeyPoolRefreshTotal.WithLabelValues(string(p.provider), "lock_unavailable").Inc()
		return nil, errors.New("keypool: refresh lock unavailable and stale-grace expired")
	}
	defer func() {
		if err := p.lock.Release(ctx, k.ID, token); err != nil {
			p.logger.Warn("releasing refresh lock", "key_id", k.ID, "error", err)
		}
	}()

	material, err := p.cipher.Decrypt(k.EncryptedKeyMaterial)
	if err != nil {
		telemetry.KeyPoolRefreshTotal.WithLabelValues(string(p.provider), "error").Inc()
		return nil, fmt.Errorf("keypool: decrypting key material: %w", err)
	}

	snap, err := p.credits.FetchCredits(ctx, material, creditsnapshot.Options{
		TimeoutMs:    int(p.cfg.RefreshTimeout / time.Millisecond),
		MaxRetries:   p.cfg.RefreshMaxRetries,
		RetryDelayMs: int(p.cfg.RefreshRetryDelayMs / time.Millisecond),
	})
	if err != nil {
		if bridgeerr.Is(err, bridgeerr.KindInvalidKey) {
			k.Status = upstreamkey.StatusInvalid
			_ = p.store.Update(ctx, k)
			telemetry.KeyPoolRefreshTotal.WithLabelValues(string(p.provider), "invalid").Inc()
		} else if bridgeerr.Is(err, bridgeerr.KindQuotaExceeded) {
			until := now.Add(p.cfg.Cooldown)
			k.Status = upstreamkey.StatusCooldown
			k.CooldownUntil = &until
			_ = p.store.Update(ctx, k)
			telemetry.KeyPoolRefreshTotal.WithLabelValues(string(p.provider), "quota_exceeded").Inc()
		} else {
			telemetry.KeyPoolRefreshTotal.WithLabelValues(string(p.provider), "error").Inc()
		}
		return nil, err
	}

	remaining := snap.Remaining
	expires := now.Add(maxDuration(time.Millisecond, p.cfg.CreditsTTL))
	k.CreditsRemaining = &remaining
	k.CreditsCheckedAt = &now
	k.CreditsExpiresAt = &expires
	k.KeyUsage = snap.KeyUsage
	k.KeyLimit = snap.KeyLimit
	k.AccountPlanUsage = snap.AccountPlanUsage
	k.AccountPlanLimit = snap.AccountPlanLimit
	k.AccountRemaining = snap.AccountRemaining

	if remaining <= p.cfg.MinRemaining {
		until := now.Add(p.cfg.Cooldown)
		k.Status = upstreamkey.StatusCooldown
		k.CooldownUntil = &until
	} else if k.Status == upstreamkey.StatusCooldown && k.CooldownUntil != nil && !k.CooldownUntil.After(now) {
		k.Status = upstreamkey.StatusActive
		k.CooldownUntil = nil
	}

	if err := p.store.Update(ctx, k); err != nil {
		telemetry.KeyPoolRefreshTotal.WithLabelValues(string(p.provider), "error").Inc()
		return nil, fmt.Errorf("keypool: persisting refreshed credits: %w", err)
	}
	telemetry.KeyPoolRefreshTotal.WithLabelValues(string(p.provider), "success").Inc()
	return k, nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func (p *Pool) markCooldownLocked(ctx context.Context, k *upstreamkey.Key, until time.Time) {
	k.Status = upstreamkey.StatusCooldown
	k.CooldownUntil = &until
	if err := p.store.Update(ctx, k); err != nil {
		p.logger.Warn("marking key cooldown", "key_id", k.ID, "error", err)
	}
}

// MarkCooldown puts key id into cooldown until the given instant.
func (p *Pool) MarkCooldown(ctx context.Context, id string, until time.Time) error {
	k, err := p.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("keypool: loading key %s: %w", id, err)
	}
	k.Status = upstreamkey.StatusCooldown
	k.CooldownUntil = &until
	return p.store.Update(ctx, k)
}

// MarkInvalid permanently retires key id. Status=invalid is terminal
// unless externally reset.
func (p *Pool) MarkInvalid(ctx context.Context, id string) error {
	k, err := p.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("keypool: loading key %s: %w", id, err)
	}
	k.Status = upstreamkey.StatusInvalid
	return p.store.Update(ctx, k)
}

// MarkActiveIfCooldownExpired idempotently reactivates key id if its
// cooldown has passed.
func (p *Pool) MarkActiveIfCooldownExpired(ctx context.Context, id string) error {
	k, err := p.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("keypool: loading key %s: %w", id, err)
	}
	if k.Status != upstreamkey.StatusCooldown {
		return nil
	}
	if k.CooldownUntil != nil && k.CooldownUntil.After(time.Now()) {
		return nil
	}
	k.Status = upstreamkey.StatusActive
	k.CooldownUntil = nil
	return p.store.Update(ctx, k)
}
