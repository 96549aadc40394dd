// Package upstreamkey defines the UpstreamKey record the Key Pool rotates
// across, plus the persistence contract a store must satisfy.
package upstreamkey

import (
	"context"
	"time"
)

// Provider identifies which upstream search provider a key belongs to.
type Provider string

const (
	ProviderTavily Provider = "T"
	ProviderBrave  Provider = "B"
)

// Status is the lifecycle state of an UpstreamKey.
type Status string

const (
	StatusActive   Status = "active"
	StatusCooldown Status = "cooldown"
	StatusInvalid  Status = "invalid"
)

// Key is one registered upstream API key and its cached credit state.
//
// Invariants: Status=invalid is terminal unless externally reset.
// Status=cooldown implies CooldownUntil is set. A key is "eligible" iff
// Status is active or cooldown AND (CooldownUntil is nil or has passed).
type Key struct {
	ID                  string
	Provider            Provider
	EncryptedKeyMaterial string
	Status              Status
	CooldownUntil       *time.Time
	LastUsedAt          time.Time
	CreatedAt           time.Time

	CreditsRemaining  *float64
	CreditsCheckedAt  *time.Time
	CreditsExpiresAt  *time.Time

	// Provider-specific credit breakdown, all optional.
	KeyUsage          *float64
	KeyLimit          *float64
	AccountPlanUsage  *float64
	AccountPlanLimit  *float64
	AccountRemaining  *float64
}

// Eligible reports whether k may be considered for selection at instant now.
func (k *Key) Eligible(now time.Time) bool {
	if k.Status != StatusActive && k.Status != StatusCooldown {
		return false
	}
	if k.CooldownUntil != nil && k.CooldownUntil.After(now) {
		return false
	}
	return true
}

// FreshCredits reports whether the cached credit snapshot is still within
// its TTL and carries a finite remaining count.
func (k *Key) FreshCredits(now time.Time) bool {
	return k.CreditsExpiresAt != nil && k.CreditsExpiresAt.After(now) && k.CreditsRemaining != nil
}

// CreditSnapshot is the read-only result of a Credit Snapshot Client fetch.
type CreditSnapshot struct {
	Remaining        float64
	KeyUsage         *float64
	KeyLimit         *float64
	AccountPlanUsage *float64
	AccountPlanLimit *float64
	AccountRemaining *float64
}

// Store is the persistence contract for UpstreamKey records (§6 of the
// bridge's external interfaces: atomic updates by id, filtered/ordered
// reads, and the per-key refresh lock).
type Store interface {
	// Get returns the key with the given id.
	Get(ctx context.Context, id string) (*Key, error)

	// EligibleCandidates returns up to limit eligible keys for provider,
	// ordered by (lastUsedAt asc, createdAt asc).
	EligibleCandidates(ctx context.Context, provider Provider, now time.Time, limit int) ([]*Key, error)

	// StalestCandidate returns the single stalest eligible key for
	// provider, or nil if none exist.
	StalestCandidate(ctx context.Context, provider Provider, now time.Time) (*Key, error)

	// HasAnyConfigured reports whether any key (regardless of eligibility)
	// is registered for provider.
	HasAnyConfigured(ctx context.Context, provider Provider) (bool, error)

	// Update persists the full current state of k.
	Update(ctx context.Context, k *Key) error

	// Insert registers a new key.
	Insert(ctx context.Context, k *Key) error

	// TryAcquireRefreshLock attempts the per-key distributed refresh lock
	// for ttl. Returns a non-empty lock token on success, "" on lock-miss.
	TryAcquireRefreshLock(ctx context.Context, keyID string, ttl time.Duration) (string, error)

	// ReleaseRefreshLock releases a lock acquired with the given token.
	// Failures are swallowed by callers per the bridge's error-handling
	// design; implementations should still report them for logging.
	ReleaseRefreshLock(ctx context.Context, keyID, lockToken string) error
}
