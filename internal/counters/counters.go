// Package counters keeps the real-time per-streamer tip counters in Redis
// and flushes them to the streamer_stats table in the background. The Redis
// values are deltas since the last flush; losing them loses display data
// only, and the reconciliation sweep rebuilds the table from ledger_tips.
package counters

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/tipstream/backend/internal/models"
)

const (
	dirtySetKey      = "stats:dirty"
	countKeyPrefix   = "stats:count:"
	earnedKeyPrefix  = "stats:earned:"
	balanceKeyPrefix = "balance:"
)

type Cache struct {
	redis      *redis.Client
	db         *sql.DB
	dirtyLimit int64
}

// NewCache builds the counter cache. rdb may be nil, in which case counters
// are written straight through to the database.
func NewCache(db *sql.DB, rdb *redis.Client, dirtyLimit int64) *Cache {
	if dirtyLimit <= 0 {
		dirtyLimit = 500
	}
	return &Cache{redis: rdb, db: db, dirtyLimit: dirtyLimit}
}

// RecordTip accumulates one accepted tip. With Redis present this is two
// counter increments and a dirty-set add; flushing happens later. An early
// flush fires when the dirty set outgrows the configured limit.
func (c *Cache) RecordTip(ctx context.Context, streamerID string, amount decimal.Decimal) {
	if c.redis == nil {
		if err := c.applyDelta(ctx, streamerID, 1, amount); err != nil {
			log.Printf("[COUNTERS] direct write for %s failed: %v", streamerID, err)
		}
		return
	}

	pipe := c.redis.Pipeline()
	pipe.Incr(ctx, countKeyPrefix+streamerID)
	pipe.IncrByFloat(ctx, earnedKeyPrefix+streamerID, amount.InexactFloat64())
	pipe.SAdd(ctx, dirtySetKey, streamerID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[COUNTERS] increment for %s failed: %v", streamerID, err)
		return
	}

	if n, err := c.redis.SCard(ctx, dirtySetKey).Result(); err == nil && n >= c.dirtyLimit {
		if err := c.Flush(ctx); err != nil {
			log.Printf("[COUNTERS] threshold flush failed: %v", err)
		}
	}
}

// Flush drains the dirty set and folds the accumulated deltas into
// streamer_stats.
func (c *Cache) Flush(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}

	streamers, err := c.redis.SPopN(ctx, dirtySetKey, c.dirtyLimit).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("pop dirty set: %w", err)
	}

	for _, streamerID := range streamers {
		count, err := c.takeInt(ctx, countKeyPrefix+streamerID)
		if err != nil {
			log.Printf("[COUNTERS] read count for %s failed: %v", streamerID, err)
			continue
		}
		earned, err := c.takeDecimal(ctx, earnedKeyPrefix+streamerID)
		if err != nil {
			log.Printf("[COUNTERS] read earned for %s failed: %v", streamerID, err)
			continue
		}
		if count == 0 && earned.IsZero() {
			continue
		}
		if err := c.applyDelta(ctx, streamerID, count, earned); err != nil {
			// Put the deltas back so the next flush retries them.
			c.redis.IncrBy(ctx, countKeyPrefix+streamerID, count)
			c.redis.IncrByFloat(ctx, earnedKeyPrefix+streamerID, earned.InexactFloat64())
			c.redis.SAdd(ctx, dirtySetKey, streamerID)
			return fmt.Errorf("flush %s: %w", streamerID, err)
		}
	}
	return nil
}

// Reconcile recomputes streamer_stats from the ledger tip records, replacing
// whatever drift the write-behind path accumulated.
func (c *Cache) Reconcile(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO streamer_stats (streamer_id, tip_count, total_earned, updated_at)
		SELECT streamer_id, COUNT(*), COALESCE(SUM(amount), 0), NOW()
		FROM ledger_tips
		GROUP BY streamer_id
		ON CONFLICT (streamer_id) DO UPDATE SET
			tip_count = EXCLUDED.tip_count,
			total_earned = EXCLUDED.total_earned,
			updated_at = NOW()`)
	if err != nil {
		return fmt.Errorf("reconcile stats: %w", err)
	}
	return nil
}

// Stats returns the flushed counter row for one streamer. Deltas still
// sitting in Redis are not included; this is display data.
func (c *Cache) Stats(ctx context.Context, streamerID string) (*models.StreamerStats, error) {
	stats := &models.StreamerStats{}
	err := c.db.QueryRowContext(ctx, `
		SELECT streamer_id, tip_count, total_earned, updated_at
		FROM streamer_stats WHERE streamer_id = $1`,
		streamerID).Scan(&stats.StreamerID, &stats.TipCount, &stats.TotalEarned, &stats.UpdatedAt)
	if err == sql.ErrNoRows {
		return &models.StreamerStats{StreamerID: streamerID, TotalEarned: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stats lookup: %w", err)
	}
	return stats, nil
}

// InvalidateBalance drops the cached balance snapshot for a streamer after a
// settlement or withdrawal changes the ledger.
func (c *Cache) InvalidateBalance(ctx context.Context, streamerID string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, balanceKeyPrefix+streamerID).Err(); err != nil {
		log.Printf("[COUNTERS] balance invalidate for %s failed: %v", streamerID, err)
	}
}

func (c *Cache) applyDelta(ctx context.Context, streamerID string, count int64, earned decimal.Decimal) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO streamer_stats (streamer_id, tip_count, total_earned, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (streamer_id) DO UPDATE SET
			tip_count = streamer_stats.tip_count + EXCLUDED.tip_count,
			total_earned = streamer_stats.total_earned + EXCLUDED.total_earned,
			updated_at = NOW()`,
		streamerID, count, earned)
	return err
}

func (c *Cache) takeInt(ctx context.Context, key string) (int64, error) {
	v, err := c.redis.GetDel(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (c *Cache) takeDecimal(ctx context.Context, key string) (decimal.Decimal, error) {
	v, err := c.redis.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, err
	}
	return d.Round(2), nil
}
