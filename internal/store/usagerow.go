package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/tavilybridge/pkg/usagelog"
)

// UsageRowStore implements usagelog.Store against Postgres.
type UsageRowStore struct {
	pool *pgxpool.Pool
}

// NewUsageRowStore creates a UsageRowStore backed by pool.
func NewUsageRowStore(pool *pgxpool.Pool) *UsageRowStore {
	return &UsageRowStore{pool: pool}
}

// InsertRows appends a batch of usage rows in one round trip.
func (s *UsageRowStore) InsertRows(ctx context.Context, rows []usagelog.Row) error {
	if len(rows) == 0 {
		return nil
	}

	const stmt = `INSERT INTO public.usage_rows
		(tool_name, outcome, latency_ms, client_token_id, client_token_prefix, upstream_key_id, query_hash, query_preview, args_json, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning usage row insert: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range rows {
		var upstreamKeyID *string
		if r.UpstreamKeyID != "" {
			upstreamKeyID = &r.UpstreamKeyID
		}
		if _, err := tx.Exec(ctx, stmt,
			r.ToolName, r.Outcome, r.LatencyMs, r.ClientTokenID, r.ClientTokenPrefix, upstreamKeyID,
			nullableString(r.QueryHash), nullableString(r.QueryPreview), r.ArgsJSON, nullableString(r.ErrorMessage), r.Timestamp,
		); err != nil {
			return fmt.Errorf("inserting usage row: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// DeleteOlderThan removes usage rows created before cutoff, for the Usage
// Logger's probabilistic retention cleanup.
func (s *UsageRowStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM public.usage_rows WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting stale usage rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
