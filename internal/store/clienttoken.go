package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/tavilybridge/pkg/clienttoken"
)

const clientTokenColumns = `id, token_prefix, token_hash, revoked_at, expires_at, allowed_tools, rate_limit, created_at`

// ClientTokenStore implements clienttoken.Store against Postgres.
type ClientTokenStore struct {
	pool *pgxpool.Pool
}

// NewClientTokenStore creates a ClientTokenStore backed by pool.
func NewClientTokenStore(pool *pgxpool.Pool) *ClientTokenStore {
	return &ClientTokenStore{pool: pool}
}

func scanClientTokenRow(row pgx.Row) (*clienttoken.Token, error) {
	var t clienttoken.Token
	err := row.Scan(
		&t.ID, &t.Prefix, &t.SecretHash, &t.RevokedAt, &t.ExpiresAt, &t.AllowedTools, &t.RateLimit, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetByPrefix looks up a Token by its display prefix.
func (s *ClientTokenStore) GetByPrefix(ctx context.Context, prefix string) (*clienttoken.Token, error) {
	query := `SELECT ` + clientTokenColumns + ` FROM public.client_tokens WHERE token_prefix = $1`
	t, err := scanClientTokenRow(s.pool.QueryRow(ctx, query, prefix))
	if err != nil {
		return nil, fmt.Errorf("loading client token by prefix: %w", err)
	}
	return t, nil
}

// Insert registers a new client token record. secretHash is the SHA-256
// hash of the raw secret; the raw secret itself is never persisted.
func (s *ClientTokenStore) Insert(ctx context.Context, t *clienttoken.Token, secretHash string) error {
	query := `INSERT INTO public.client_tokens (id, token_prefix, token_hash, expires_at, allowed_tools, rate_limit)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query, t.ID, t.Prefix, secretHash, t.ExpiresAt, t.AllowedTools, t.RateLimit)
	if err != nil {
		return fmt.Errorf("inserting client token: %w", err)
	}
	return nil
}
