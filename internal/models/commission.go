package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Commission rate status values. At most one ACTIVE row exists per streamer
// at any instant; creating a new rate expires the previous ACTIVE row in the
// same transaction.
const (
	RateStatusPending = "PENDING"
	RateStatusActive  = "ACTIVE"
	RateStatusExpired = "EXPIRED"
)

// CommissionRate is a versioned, time-ranged commission percentage for one
// streamer. EffectiveUntil is nil for the open-ended current row.
type CommissionRate struct {
	ID             int64           `json:"id" db:"id"`
	StreamerID     string          `json:"streamer_id" db:"streamer_id"`
	RatePercent    decimal.Decimal `json:"rate_percent" db:"rate_percent"`
	EffectiveFrom  time.Time       `json:"effective_from" db:"effective_from"`
	EffectiveUntil *time.Time      `json:"effective_until,omitempty" db:"effective_until"`
	Status         string          `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}
