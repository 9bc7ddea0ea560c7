package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Withdrawal request status values. Transitions only move forward:
// APPLYING -> PROCESSING -> COMPLETED, or APPLYING/PROCESSING -> REJECTED.
const (
	WithdrawalStatusApplying   = "APPLYING"
	WithdrawalStatusProcessing = "PROCESSING"
	WithdrawalStatusCompleted  = "COMPLETED"
	WithdrawalStatusRejected   = "REJECTED"
)

// WithdrawalRequest records one payout authorization against a streamer's
// available balance. The deduction happens when the request is created; a
// rejection credits the amount back.
type WithdrawalRequest struct {
	ID           int64           `json:"id" db:"id"`
	TraceKey     string          `json:"trace_key" db:"trace_key"`
	StreamerID   string          `json:"streamer_id" db:"streamer_id"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	PayoutMethod string          `json:"payout_method" db:"payout_method"`
	AccountInfo  string          `json:"account_info" db:"account_info"`
	Status       string          `json:"status" db:"status"`
	RejectReason string          `json:"reject_reason,omitempty" db:"reject_reason"`
	AppliedAt    time.Time       `json:"applied_at" db:"applied_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
}
