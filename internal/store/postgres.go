package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replikv/sinkrepl/internal/domain"
)

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore returns a Store backed by PostgreSQL. The replicated_objects
// table is created by the migrations in migrations/.
func NewPgStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

// Apply upserts the replicated value under its key. A tombstone is recorded
// as a marker row with a NULL value rather than a DELETE, preserving the
// modification time for conflict inspection.
func (s *pgStore) Apply(ctx context.Context, obj *domain.ReplObject) (int64, error) {
	now := time.Now().UTC()

	value := obj.Value
	if obj.Tombstone {
		value = nil
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO replicated_objects
			(key, value, tombstone, source_modified_ms, modified_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			tombstone = EXCLUDED.tombstone,
			source_modified_ms = EXCLUDED.source_modified_ms,
			modified_at = EXCLUDED.modified_at`,
		obj.Key, value, obj.Tombstone, obj.LastModifiedMs, now,
	)
	if err != nil {
		return 0, fmt.Errorf("apply replicated object: %w", err)
	}
	return now.UnixMilli(), nil
}

var _ Store = (*pgStore)(nil)
