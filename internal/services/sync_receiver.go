package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tipstream/backend/internal/apperr"
	"github.com/tipstream/backend/internal/counters"
	"github.com/tipstream/backend/internal/idempotency"
	"github.com/tipstream/backend/internal/lock"
	"github.com/tipstream/backend/internal/models"
)

const batchIdempotencyScope = "sync_batch"

// SettlementScheduler is the receiver's hook into the settlement engine.
type SettlementScheduler interface {
	ScheduleSettlement(streamerID string)
}

// SyncReceiverService is the ledger-side ingestion endpoint for tip sync
// batches. Batch-key idempotency short-circuits exact resends; per-record
// trace-key checks make any replay, reorder or partial retry safe.
type SyncReceiverService struct {
	db        *sql.DB
	guard     *idempotency.Guard
	locks     *lock.Manager
	settler   SettlementScheduler
	counters  *counters.Cache
	validator *ValidationHelper
	target    string
}

func NewSyncReceiverService(db *sql.DB, guard *idempotency.Guard, locks *lock.Manager, settler SettlementScheduler, stats *counters.Cache) *SyncReceiverService {
	return &SyncReceiverService{
		db:        db,
		guard:     guard,
		locks:     locks,
		settler:   settler,
		counters:  stats,
		validator: NewValidationHelper(),
		target:    "ledger-service",
	}
}

// ReceiveBatch applies one sync batch. Any persistence failure aborts the
// whole batch; it is then not marked processed and the dispatcher's retry
// re-attempts it safely.
func (s *SyncReceiverService) ReceiveBatch(ctx context.Context, batch *models.SyncBatch) (*models.SyncAck, error) {
	if err := s.validator.ValidateStruct(batch); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeValidation, "invalid sync batch")
	}

	seen, err := s.guard.Seen(ctx, batchIdempotencyScope, batch.BatchID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "batch idempotency check failed")
	}
	if seen {
		log.Printf("[RECEIVER] batch %s already processed, acking", batch.BatchID)
		return &models.SyncAck{BatchID: batch.BatchID, AlreadyApplied: true}, nil
	}

	// Serialize concurrent deliveries of the same batch; defense in depth
	// beyond the idempotency check above.
	lease, err := s.locks.Acquire(ctx, "sync-batch:"+batch.BatchID)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)

	// Re-check under the lock: the delivery we raced against may have just
	// finished.
	seen, err = s.guard.Seen(ctx, batchIdempotencyScope, batch.BatchID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "batch idempotency check failed")
	}
	if seen {
		return &models.SyncAck{BatchID: batch.BatchID, AlreadyApplied: true}, nil
	}

	applied, err := s.applyBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	s.guard.CacheAfterCommit(ctx, batchIdempotencyScope, batch.BatchID)

	streamers := make(map[string]struct{})
	for _, it := range applied {
		s.counters.RecordTip(ctx, it.StreamerID, it.Amount)
		streamers[it.StreamerID] = struct{}{}
	}
	for streamerID := range streamers {
		s.settler.ScheduleSettlement(streamerID)
	}

	log.Printf("[RECEIVER] batch %s applied: %d new, %d duplicates",
		batch.BatchID, len(applied), len(batch.Items)-len(applied))

	return &models.SyncAck{
		BatchID:    batch.BatchID,
		Accepted:   len(applied),
		Duplicates: len(batch.Items) - len(applied),
	}, nil
}

// applyBatch persists the batch's new records, advances sync progress and
// marks the batch processed in one transaction. The trace_key unique index
// absorbs records another delivery already landed: those inserts affect zero
// rows and count as duplicates instead of failing the whole batch.
func (s *SyncReceiverService) applyBatch(ctx context.Context, batch *models.SyncBatch) ([]models.SyncItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to begin batch transaction")
	}
	defer tx.Rollback()

	var applied []models.SyncItem
	newTotal := decimal.Zero
	maxTipID := int64(0)
	for _, it := range batch.Items {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_tips
			(tip_id, trace_key, source_service, sync_batch_id, live_room_id, streamer_id, viewer_id, amount, tip_time, settlement_state)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (trace_key) DO NOTHING`,
			it.TipID, it.TraceKey, batch.SourceService, batch.BatchID, it.LiveRoomID,
			it.StreamerID, it.ViewerID, it.Amount, it.TipTime, models.SettlementStateUnsettled)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to persist ledger tip")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		applied = append(applied, it)
		newTotal = newTotal.Add(it.Amount)
		if it.TipID > maxTipID {
			maxTipID = it.TipID
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_progress (source_service, target_service, last_synced_id, total_synced_count, total_synced_amount, last_sync_time)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (source_service, target_service) DO UPDATE SET
			last_synced_id = GREATEST(sync_progress.last_synced_id, EXCLUDED.last_synced_id),
			total_synced_count = sync_progress.total_synced_count + EXCLUDED.total_synced_count,
			total_synced_amount = sync_progress.total_synced_amount + EXCLUDED.total_synced_amount,
			last_sync_time = NOW()`,
		batch.SourceService, s.target, maxTipID, len(applied), newTotal)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to record sync progress")
	}

	if err := s.guard.MarkTx(ctx, tx, batchIdempotencyScope, batch.BatchID); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to mark batch processed")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to commit batch")
	}
	return applied, nil
}

// Progress returns the sync history row for one source service.
func (s *SyncReceiverService) Progress(ctx context.Context, sourceService string) (*models.SyncProgress, error) {
	p := &models.SyncProgress{}
	err := s.db.QueryRowContext(ctx, `
		SELECT source_service, target_service, last_synced_id, total_synced_count, total_synced_amount, last_sync_time, status
		FROM sync_progress
		WHERE source_service = $1 AND target_service = $2`,
		sourceService, s.target).Scan(
		&p.SourceService, &p.TargetService, &p.LastSyncedID,
		&p.TotalSyncedCount, &p.TotalSyncedAmt, &p.LastSyncTime, &p.Status)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeNotFound, "no sync history for %s", sourceService)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "sync progress lookup failed")
	}
	return p, nil
}

// HandleReceiveBatch ingests a tip sync batch
// @Summary Receive a sync batch
// @Description Apply a batch of tips from the tip service, exactly once per trace key
// @Tags sync
// @Accept json
// @Produce json
// @Param batch body models.SyncBatch true "Sync batch"
// @Success 200 {object} models.SyncAck
// @Failure 400 {object} ErrorResponse
// @Router /sync/tips [post]
func (s *SyncReceiverService) HandleReceiveBatch(w http.ResponseWriter, r *http.Request) {
	maxBytes := 4_194_304 // 4 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var batch models.SyncBatch
	if err := dec.Decode(&batch); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	ack, err := s.ReceiveBatch(r.Context(), &batch)
	if err != nil {
		SendAppError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, ack)
}

// HandleGetProgress reports sync progress for a source service
// @Summary Get sync progress
// @Tags sync
// @Produce json
// @Param sourceService path string true "Source service name"
// @Success 200 {object} models.SyncProgress
// @Failure 404 {object} ErrorResponse
// @Router /sync/progress/{sourceService} [get]
func (s *SyncReceiverService) HandleGetProgress(w http.ResponseWriter, r *http.Request) {
	sourceService := chi.URLParam(r, "sourceService")

	p, err := s.Progress(r.Context(), sourceService)
	if err != nil {
		SendAppError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, p)
}
