package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tipstream/backend/internal/apperr"
	"github.com/tipstream/backend/internal/collab"
	"github.com/tipstream/backend/internal/genid"
	"github.com/tipstream/backend/internal/models"
)

var maxTipAmount = decimal.RequireFromString("99999.99")

// TipService accepts viewer tips, persists them locally and queues them for
// outbound sync. A tip is acknowledged as soon as it is durable here; the
// downstream ledger copy happens asynchronously.
type TipService struct {
	db        *sql.DB
	validator *ValidationHelper
	queue     chan int64
	viewer    collab.ViewerCountNotifier
	analytics collab.AnalyticsEmitter
}

type SubmitTipRequest struct {
	LiveRoomID string          `json:"liveRoomId" validate:"required"`
	StreamerID string          `json:"streamerId" validate:"required"`
	ViewerID   string          `json:"viewerId" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
	TraceKey   string          `json:"traceKey"`
}

func NewTipService(db *sql.DB, queueCapacity int, viewer collab.ViewerCountNotifier, analytics collab.AnalyticsEmitter) *TipService {
	if queueCapacity <= 0 {
		queueCapacity = 4096
	}
	return &TipService{
		db:        db,
		validator: NewValidationHelper(),
		queue:     make(chan int64, queueCapacity),
		viewer:    viewer,
		analytics: analytics,
	}
}

// Queue exposes the outbound sync queue to the dispatcher.
func (s *TipService) Queue() <-chan int64 {
	return s.queue
}

// SubmitTip validates, persists and enqueues one tip. A repeated trace key
// returns the already persisted record without re-enqueueing it.
func (s *TipService) SubmitTip(ctx context.Context, req *SubmitTipRequest) (*models.TipRecord, error) {
	if err := s.validator.ValidateStruct(req); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeValidation, "missing required tip fields")
	}
	if err := validateTipAmount(req.Amount); err != nil {
		return nil, err
	}

	traceKey := req.TraceKey
	if traceKey == "" {
		k, err := genid.TraceKey("TIP")
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeSystem, "trace key generation failed")
		}
		traceKey = k
	}

	// Idempotency: an existing trace key means this logical tip was already
	// accepted.
	if existing, err := s.findByTraceKey(ctx, traceKey); err != nil {
		return nil, err
	} else if existing != nil {
		log.Printf("[TIP] duplicate submission for trace key %s", traceKey)
		return existing, nil
	}

	id, err := genid.NextID()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "tip id generation failed")
	}

	rec := &models.TipRecord{
		ID:              id,
		TraceKey:        traceKey,
		LiveRoomID:      req.LiveRoomID,
		StreamerID:      req.StreamerID,
		ViewerID:        req.ViewerID,
		Amount:          req.Amount.Round(2),
		SyncState:       models.SyncStatePending,
		SettlementState: models.SettlementStateUnsettled,
		CreatedAt:       time.Now(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tips (id, trace_key, live_room_id, streamer_id, viewer_id, amount, sync_state, settlement_state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.TraceKey, rec.LiveRoomID, rec.StreamerID, rec.ViewerID,
		rec.Amount, rec.SyncState, rec.SettlementState, rec.CreatedAt)
	if err != nil {
		// Two concurrent submissions with the same trace key race on the
		// unique index; the loser returns the winner's record.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			if existing, lookupErr := s.findByTraceKey(ctx, traceKey); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to persist tip")
	}

	// Enqueue for outbound sync. A full queue is not an error: the row stays
	// PENDING and the sweep re-enqueues it.
	if !s.Enqueue(rec.ID) {
		log.Printf("[TIP] outbound queue full, tip %d deferred to sweep", rec.ID)
	}

	go s.notifyTip(rec)

	return rec, nil
}

// RequeuePending pushes PENDING tips older than minAge back onto the
// outbound queue. Runs on startup and on a timer so a crash or queue
// overflow never strands an accepted tip; re-sending an already delivered
// tip is absorbed by record-level idempotency on the receiver.
func (s *TipService) RequeuePending(ctx context.Context, minAge time.Duration) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tips
		WHERE sync_state = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT 1000`,
		models.SyncStatePending, time.Now().Add(-minAge))
	if err != nil {
		return 0, apperr.Wrap(err, apperr.CodeSystem, "pending sweep query failed")
	}
	defer rows.Close()

	requeued := 0
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return requeued, apperr.Wrap(err, apperr.CodeSystem, "pending sweep scan failed")
		}
		if s.Enqueue(id) {
			requeued++
		}
	}
	if requeued > 0 {
		log.Printf("[TIP] sweep re-enqueued %d pending tips", requeued)
	}
	return requeued, rows.Err()
}

// Enqueue offers a tip ID to the outbound queue without blocking.
func (s *TipService) Enqueue(id int64) bool {
	select {
	case s.queue <- id:
		return true
	default:
		return false
	}
}

func (s *TipService) findByTraceKey(ctx context.Context, traceKey string) (*models.TipRecord, error) {
	rec := &models.TipRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, trace_key, live_room_id, streamer_id, viewer_id, amount, sync_state, settlement_state, created_at
		FROM tips WHERE trace_key = $1`,
		traceKey).Scan(
		&rec.ID, &rec.TraceKey, &rec.LiveRoomID, &rec.StreamerID, &rec.ViewerID,
		&rec.Amount, &rec.SyncState, &rec.SettlementState, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "tip lookup failed")
	}
	return rec, nil
}

func (s *TipService) notifyTip(rec *models.TipRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.viewer != nil {
		s.viewer.TipReceived(ctx, rec.LiveRoomID, rec.StreamerID, rec.Amount)
	}
	if s.analytics != nil {
		s.analytics.Emit(ctx, "tip_accepted", map[string]any{
			"tipId":      rec.ID,
			"streamerId": rec.StreamerID,
			"viewerId":   rec.ViewerID,
			"amount":     rec.Amount,
		})
	}
}

func validateTipAmount(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return apperr.New(apperr.CodeValidation, "amount must be positive")
	}
	if amount.GreaterThan(maxTipAmount) {
		return apperr.Newf(apperr.CodeValidation, "amount exceeds maximum %s", maxTipAmount)
	}
	if !amount.Equal(amount.Round(2)) {
		return apperr.New(apperr.CodeValidation, "amount supports at most 2 decimal places")
	}
	return nil
}

// HandleSubmitTip accepts a tip from a viewer
// @Summary Submit a tip
// @Description Accept a viewer tip; durable locally before any downstream sync
// @Tags tips
// @Accept json
// @Produce json
// @Param tip body SubmitTipRequest true "Tip data"
// @Success 201 {object} models.TipRecord
// @Failure 400 {object} ErrorResponse
// @Router /tips [post]
func (s *TipService) HandleSubmitTip(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req SubmitTipRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	rec, err := s.SubmitTip(r.Context(), &req)
	if err != nil {
		SendAppError(w, err)
		return
	}

	SendJSON(w, http.StatusCreated, map[string]any{
		"id":        rec.ID,
		"traceKey":  rec.TraceKey,
		"syncState": rec.SyncState,
	})
}

// HandleGetTip fetches a tip by trace key
// @Summary Get tip by trace key
// @Tags tips
// @Produce json
// @Param traceKey path string true "Trace key"
// @Success 200 {object} models.TipRecord
// @Failure 404 {object} ErrorResponse
// @Router /tips/{traceKey} [get]
func (s *TipService) HandleGetTip(w http.ResponseWriter, r *http.Request) {
	traceKey := chi.URLParam(r, "traceKey")

	rec, err := s.findByTraceKey(r.Context(), traceKey)
	if err != nil {
		SendAppError(w, err)
		return
	}
	if rec == nil {
		SendAppError(w, apperr.New(apperr.CodeNotFound, "tip not found"))
		return
	}

	SendJSON(w, http.StatusOK, rec)
}
