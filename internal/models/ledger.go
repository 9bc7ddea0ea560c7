package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger status values.
const (
	LedgerStatusNormal             = "NORMAL"
	LedgerStatusFrozen             = "FROZEN"
	LedgerStatusWithdrawalDisabled = "WITHDRAWAL_DISABLED"
)

// Ledger is the per-streamer balance row. Invariant at all times:
// AvailableAmount == SettledAmount - WithdrawnAmount, and AvailableAmount >= 0.
type Ledger struct {
	StreamerID      string          `json:"streamer_id" db:"streamer_id"`
	SettledAmount   decimal.Decimal `json:"settled_amount" db:"settled_amount"`
	WithdrawnAmount decimal.Decimal `json:"withdrawn_amount" db:"withdrawn_amount"`
	AvailableAmount decimal.Decimal `json:"available_amount" db:"available_amount"`
	Status          string          `json:"status" db:"status"`
	LastSettledAt   *time.Time      `json:"last_settled_at,omitempty" db:"last_settled_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// SettlementDetail is the append-only audit row written by each settlement
// run. It must reconcile against the ledger totals and is never mutated.
type SettlementDetail struct {
	SettlementID     string          `json:"settlement_id" db:"settlement_id"`
	StreamerID       string          `json:"streamer_id" db:"streamer_id"`
	TotalTipAmount   decimal.Decimal `json:"total_tip_amount" db:"total_tip_amount"`
	CommissionRate   decimal.Decimal `json:"commission_rate" db:"commission_rate"`
	SettlementAmount decimal.Decimal `json:"settlement_amount" db:"settlement_amount"`
	PeriodStart      time.Time       `json:"period_start" db:"period_start"`
	PeriodEnd        time.Time       `json:"period_end" db:"period_end"`
	TipCount         int             `json:"tip_count" db:"tip_count"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}
