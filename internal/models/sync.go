package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SyncItem is one tip inside a sync batch.
type SyncItem struct {
	TipID      int64           `json:"tipId" validate:"required"`
	TraceKey   string          `json:"traceKey" validate:"required"`
	LiveRoomID string          `json:"liveRoomId"`
	StreamerID string          `json:"streamerId" validate:"required"`
	ViewerID   string          `json:"viewerId" validate:"required"`
	Amount     decimal.Decimal `json:"amount" validate:"required"`
	TipTime    time.Time       `json:"tipTimestamp" validate:"required"`
}

// SyncBatch is one unit of delivery from the tip service to the ledger
// service. The batch key identifies a single delivery attempt; exactly-once
// application is enforced per item trace key on the receiving side.
type SyncBatch struct {
	BatchID        string          `json:"batchId" validate:"required"`
	SourceService  string          `json:"sourceService" validate:"required"`
	BatchTimestamp time.Time       `json:"batchTimestamp"`
	Items          []SyncItem      `json:"items" validate:"required,min=1,dive"`
	TotalCount     int             `json:"totalCount"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
}

// SyncAck is the receiver's response to a batch delivery.
type SyncAck struct {
	BatchID        string `json:"batchId"`
	Accepted       int    `json:"accepted"`
	Duplicates     int    `json:"duplicates"`
	AlreadyApplied bool   `json:"alreadyApplied"`
}

// SyncProgress is the cumulative, resumable sync history for one
// (source, target) service pair.
type SyncProgress struct {
	SourceService    string          `json:"source_service" db:"source_service"`
	TargetService    string          `json:"target_service" db:"target_service"`
	LastSyncedID     int64           `json:"last_synced_id" db:"last_synced_id"`
	TotalSyncedCount int64           `json:"total_synced_count" db:"total_synced_count"`
	TotalSyncedAmt   decimal.Decimal `json:"total_synced_amount" db:"total_synced_amount"`
	LastSyncTime     time.Time       `json:"last_sync_time" db:"last_sync_time"`
	Status           string          `json:"status" db:"status"`
}
