package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StreamerStats is the periodically flushed copy of the real-time tip
// counters kept in Redis. It is advisory display data, not a ledger; the
// reconciliation sweep recomputes it from the ledger tip records.
type StreamerStats struct {
	StreamerID  string          `json:"streamer_id" db:"streamer_id"`
	TipCount    int64           `json:"tip_count" db:"tip_count"`
	TotalEarned decimal.Decimal `json:"total_earned" db:"total_earned"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}
