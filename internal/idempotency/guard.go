// Package idempotency answers "has this operation key been seen" for sync
// batches and withdrawal requests. A Redis fast path with TTL absorbs the
// common retry window; the idempotency_keys table is the durable source of
// truth, so a Redis flush or outage never re-admits a processed key.
package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Guard struct {
	redis *redis.Client
	db    *sql.DB
	ttl   time.Duration
}

// NewGuard builds a guard. rdb may be nil; the durable store then carries
// every check.
func NewGuard(db *sql.DB, rdb *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{redis: rdb, db: db, ttl: ttl}
}

// Seen reports whether Mark was previously called for (scope, key).
func (g *Guard) Seen(ctx context.Context, scope, key string) (bool, error) {
	if g.redis != nil {
		n, err := g.redis.Exists(ctx, g.cacheKey(scope, key)).Result()
		if err == nil && n > 0 {
			return true, nil
		}
		// Cache miss or cache error falls through to the durable store.
	}

	var exists bool
	err := g.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM idempotency_keys WHERE scope = $1 AND key = $2)`,
		scope, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("idempotency lookup: %w", err)
	}

	if exists && g.redis != nil {
		g.redis.Set(ctx, g.cacheKey(scope, key), 1, g.ttl)
	}
	return exists, nil
}

// Mark records (scope, key) as processed. Safe to call more than once.
func (g *Guard) Mark(ctx context.Context, scope, key string) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (scope, key) VALUES ($1, $2)
		 ON CONFLICT (scope, key) DO NOTHING`,
		scope, key)
	if err != nil {
		return fmt.Errorf("idempotency mark: %w", err)
	}

	if g.redis != nil {
		g.redis.Set(ctx, g.cacheKey(scope, key), 1, g.ttl)
	}
	return nil
}

// MarkTx records the key inside an open transaction so the mark commits or
// rolls back with the guarded work.
func (g *Guard) MarkTx(ctx context.Context, tx *sql.Tx, scope, key string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (scope, key) VALUES ($1, $2)
		 ON CONFLICT (scope, key) DO NOTHING`,
		scope, key)
	if err != nil {
		return fmt.Errorf("idempotency mark: %w", err)
	}
	return nil
}

// CacheAfterCommit refreshes the fast path once the transaction holding a
// MarkTx has committed.
func (g *Guard) CacheAfterCommit(ctx context.Context, scope, key string) {
	if g.redis != nil {
		g.redis.Set(ctx, g.cacheKey(scope, key), 1, g.ttl)
	}
}

func (g *Guard) cacheKey(scope, key string) string {
	return "idem:" + scope + ":" + key
}
