// Package store provides pgx-backed implementations of the persistence
// contracts declared in pkg/upstreamkey, pkg/clienttoken, and pkg/usagelog,
// using the same scanRows/pgx.Row idiom as the domain stack's apikey store.
// The schema is a single flat public namespace: this system has no
// multi-tenant schema concept, unlike the stack it was adapted from.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/tavilybridge/pkg/keypool"
	"github.com/wisbric/tavilybridge/pkg/upstreamkey"
)

const upstreamKeyColumns = `id, provider, encrypted_key_material, status, cooldown_until, last_used_at, created_at,
	credits_remaining, credits_checked_at, credits_expires_at,
	key_usage, key_limit, account_plan_usage, account_plan_limit, account_remaining`

// UpstreamKeyStore implements upstreamkey.Store against Postgres, with its
// advisory lock operations delegated to Redis rather than Postgres advisory
// locks (consistent with the domain stack's use of Redis for short-lived
// coordination).
type UpstreamKeyStore struct {
	pool *pgxpool.Pool
	lock *keypool.RedisLock
}

// NewUpstreamKeyStore creates an UpstreamKeyStore backed by pool, with its
// refresh lock backed by lock.
func NewUpstreamKeyStore(pool *pgxpool.Pool, lock *keypool.RedisLock) *UpstreamKeyStore {
	return &UpstreamKeyStore{pool: pool, lock: lock}
}

func scanUpstreamKeyRow(row pgx.Row) (*upstreamkey.Key, error) {
	var k upstreamkey.Key
	err := row.Scan(
		&k.ID, &k.Provider, &k.EncryptedKeyMaterial, &k.Status, &k.CooldownUntil, &k.LastUsedAt, &k.CreatedAt,
		&k.CreditsRemaining, &k.CreditsCheckedAt, &k.CreditsExpiresAt,
		&k.KeyUsage, &k.KeyLimit, &k.AccountPlanUsage, &k.AccountPlanLimit, &k.AccountRemaining,
	)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func scanUpstreamKeyRows(rows pgx.Rows) ([]*upstreamkey.Key, error) {
	defer rows.Close()
	var items []*upstreamkey.Key
	for rows.Next() {
		var k upstreamkey.Key
		if err := rows.Scan(
			&k.ID, &k.Provider, &k.EncryptedKeyMaterial, &k.Status, &k.CooldownUntil, &k.LastUsedAt, &k.CreatedAt,
			&k.CreditsRemaining, &k.CreditsCheckedAt, &k.CreditsExpiresAt,
			&k.KeyUsage, &k.KeyLimit, &k.AccountPlanUsage, &k.AccountPlanLimit, &k.AccountRemaining,
		); err != nil {
			return nil, fmt.Errorf("scanning upstream key row: %w", err)
		}
		items = append(items, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating upstream key rows: %w", err)
	}
	return items, nil
}

// Get returns the key with the given id.
func (s *UpstreamKeyStore) Get(ctx context.Context, id string) (*upstreamkey.Key, error) {
	query := `SELECT ` + upstreamKeyColumns + ` FROM public.upstream_keys WHERE id = $1`
	return scanUpstreamKeyRow(s.pool.QueryRow(ctx, query, id))
}

// EligibleCandidates returns up to limit eligible keys for provider, ordered
// by (last_used_at asc, created_at asc).
func (s *UpstreamKeyStore) EligibleCandidates(ctx context.Context, provider upstreamkey.Provider, now time.Time, limit int) ([]*upstreamkey.Key, error) {
	query := `SELECT ` + upstreamKeyColumns + ` FROM public.upstream_keys
		WHERE provider = $1 AND status IN ('active', 'cooldown') AND (cooldown_until IS NULL OR cooldown_until <= $2)
		ORDER BY last_used_at ASC, created_at ASC
		LIMIT $3`
	rows, err := s.pool.Query(ctx, query, provider, now, limit)
	if err != nil {
		return nil, fmt.Errorf("loading eligible upstream keys: %w", err)
	}
	return scanUpstreamKeyRows(rows)
}

// StalestCandidate returns the single stalest eligible key for provider, or
// nil if none exist.
func (s *UpstreamKeyStore) StalestCandidate(ctx context.Context, provider upstreamkey.Provider, now time.Time) (*upstreamkey.Key, error) {
	query := `SELECT ` + upstreamKeyColumns + ` FROM public.upstream_keys
		WHERE provider = $1 AND status IN ('active', 'cooldown') AND (cooldown_until IS NULL OR cooldown_until <= $2)
		ORDER BY last_used_at ASC, created_at ASC
		LIMIT 1`
	k, err := scanUpstreamKeyRow(s.pool.QueryRow(ctx, query, provider, now))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return k, nil
}

// HasAnyConfigured reports whether any key (regardless of eligibility) is
// registered for provider.
func (s *UpstreamKeyStore) HasAnyConfigured(ctx context.Context, provider upstreamkey.Provider) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM public.upstream_keys WHERE provider = $1)`
	if err := s.pool.QueryRow(ctx, query, provider).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking configured upstream keys: %w", err)
	}
	return exists, nil
}

// Update persists the full current state of k.
func (s *UpstreamKeyStore) Update(ctx context.Context, k *upstreamkey.Key) error {
	query := `UPDATE public.upstream_keys SET
		status = $2, cooldown_until = $3, last_used_at = $4,
		credits_remaining = $5, credits_checked_at = $6, credits_expires_at = $7,
		key_usage = $8, key_limit = $9, account_plan_usage = $10, account_plan_limit = $11, account_remaining = $12
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		k.ID, k.Status, k.CooldownUntil, k.LastUsedAt,
		k.CreditsRemaining, k.CreditsCheckedAt, k.CreditsExpiresAt,
		k.KeyUsage, k.KeyLimit, k.AccountPlanUsage, k.AccountPlanLimit, k.AccountRemaining,
	)
	if err != nil {
		return fmt.Errorf("updating upstream key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Insert registers a new key.
func (s *UpstreamKeyStore) Insert(ctx context.Context, k *upstreamkey.Key) error {
	query := `INSERT INTO public.upstream_keys (id, provider, encrypted_key_material, status, cooldown_until, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query, k.ID, k.Provider, k.EncryptedKeyMaterial, k.Status, k.CooldownUntil, k.LastUsedAt)
	if err != nil {
		return fmt.Errorf("inserting upstream key: %w", err)
	}
	return nil
}

// TryAcquireRefreshLock delegates to the Redis-backed distributed lock; the
// bridge coordinates per-key credit refreshes across the whole deployment
// through Redis rather than Postgres advisory locks.
func (s *UpstreamKeyStore) TryAcquireRefreshLock(ctx context.Context, keyID string, ttl time.Duration) (string, error) {
	return s.lock.TryAcquire(ctx, keyID, ttl)
}

// ReleaseRefreshLock releases a lock acquired with the given token.
func (s *UpstreamKeyStore) ReleaseRefreshLock(ctx context.Context, keyID, lockToken string) error {
	return s.lock.Release(ctx, keyID, lockToken)
}
