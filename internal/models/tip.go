package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sync states for a locally persisted tip.
const (
	SyncStatePending = "PENDING"
	SyncStateSynced  = "SYNCED"
)

// Settlement states shared by TipRecord and LedgerTipRecord.
const (
	SettlementStateUnsettled = "UNSETTLED"
	SettlementStateSettled   = "SETTLED"
)

// TipRecord is the tip as accepted by the ingesting service. It is owned by
// the tip side until it is synced to the ledger service.
type TipRecord struct {
	ID              int64           `json:"id" db:"id"`
	TraceKey        string          `json:"trace_key" db:"trace_key"`
	LiveRoomID      string          `json:"live_room_id" db:"live_room_id"`
	StreamerID      string          `json:"streamer_id" db:"streamer_id"`
	ViewerID        string          `json:"viewer_id" db:"viewer_id"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	SyncState       string          `json:"sync_state" db:"sync_state"`
	SettlementState string          `json:"settlement_state" db:"settlement_state"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// LedgerTipRecord is the durable ledger-side copy of a tip, keyed by the same
// trace key. Created exactly once per trace key no matter how many times the
// batch carrying it is delivered.
type LedgerTipRecord struct {
	ID                    int64           `json:"id" db:"id"`
	TipID                 int64           `json:"tip_id" db:"tip_id"`
	TraceKey              string          `json:"trace_key" db:"trace_key"`
	SourceService         string          `json:"source_service" db:"source_service"`
	SyncBatchID           string          `json:"sync_batch_id" db:"sync_batch_id"`
	LiveRoomID            string          `json:"live_room_id" db:"live_room_id"`
	StreamerID            string          `json:"streamer_id" db:"streamer_id"`
	ViewerID              string          `json:"viewer_id" db:"viewer_id"`
	Amount                decimal.Decimal `json:"amount" db:"amount"`
	TipTime               time.Time       `json:"tip_time" db:"tip_time"`
	SettlementState       string          `json:"settlement_state" db:"settlement_state"`
	SettlementID          string          `json:"settlement_id,omitempty" db:"settlement_id"`
	AppliedCommissionRate decimal.Decimal `json:"applied_commission_rate" db:"applied_commission_rate"`
	SettlementAmount      decimal.Decimal `json:"settlement_amount" db:"settlement_amount"`
	SettledAt             *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
}
