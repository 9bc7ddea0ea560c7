package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tipstream/backend/internal/apperr"
	"github.com/tipstream/backend/internal/audit"
	"github.com/tipstream/backend/internal/collab"
	"github.com/tipstream/backend/internal/counters"
	"github.com/tipstream/backend/internal/genid"
	"github.com/tipstream/backend/internal/lock"
	"github.com/tipstream/backend/internal/models"
)

// WithdrawalService authorizes payouts against a streamer's available
// balance. The deduction is made atomically with the request row, under a
// per-streamer lock and a FOR UPDATE on the ledger, so concurrent requests
// can never overdraw.
type WithdrawalService struct {
	db        *sql.DB
	locks     *lock.Manager
	counters  *counters.Cache
	audit     *audit.Logger
	profiles  collab.ProfileClient
	validator *ValidationHelper
	minAmount decimal.Decimal
	maxAmount decimal.Decimal
}

type ApplyWithdrawalRequest struct {
	StreamerID   string          `json:"streamerId" validate:"required"`
	Amount       decimal.Decimal `json:"amount"`
	PayoutMethod string          `json:"payoutMethod" validate:"required"`
	AccountInfo  string          `json:"accountInfo" validate:"required"`
	TraceKey     string          `json:"traceKey"`
}

func NewWithdrawalService(db *sql.DB, locks *lock.Manager, stats *counters.Cache, auditLog *audit.Logger, profiles collab.ProfileClient, minAmount, maxAmount string) *WithdrawalService {
	min, err := decimal.NewFromString(minAmount)
	if err != nil || min.IsNegative() {
		min = decimal.RequireFromString("1.00")
	}
	max, err := decimal.NewFromString(maxAmount)
	if err != nil || max.LessThanOrEqual(min) {
		max = decimal.RequireFromString("50000.00")
	}
	return &WithdrawalService{
		db:        db,
		locks:     locks,
		counters:  stats,
		audit:     auditLog,
		profiles:  profiles,
		validator: NewValidationHelper(),
		minAmount: min,
		maxAmount: max,
	}
}

// ApplyWithdrawal creates a withdrawal request and deducts the amount from
// the available balance in one transaction. A repeated trace key returns the
// original request without deducting again.
func (s *WithdrawalService) ApplyWithdrawal(ctx context.Context, req *ApplyWithdrawalRequest) (*models.WithdrawalRequest, error) {
	if err := s.validator.ValidateStruct(req); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeValidation, "missing required withdrawal fields")
	}
	if err := s.validateAmount(req.Amount); err != nil {
		return nil, err
	}

	traceKey := req.TraceKey
	if traceKey == "" {
		k, err := genid.TraceKey("WD")
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeSystem, "trace key generation failed")
		}
		traceKey = k
	}

	if existing, err := s.GetByTraceKey(ctx, traceKey); err == nil {
		log.Printf("[WITHDRAWAL] duplicate application for trace key %s", traceKey)
		return existing, nil
	} else if !apperr.Is(err, apperr.CodeNotFound) {
		return nil, err
	}

	lease, err := s.locks.Acquire(ctx, "withdraw:"+req.StreamerID)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to begin withdrawal transaction")
	}
	defer tx.Rollback()

	var available decimal.Decimal
	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT available_amount, status FROM ledgers
		WHERE streamer_id = $1
		FOR UPDATE`,
		req.StreamerID).Scan(&available, &status)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.CodeInsufficientBalance, "no settled balance to withdraw")
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "ledger lookup failed")
	}

	if status != models.LedgerStatusNormal {
		return nil, apperr.Newf(apperr.CodeValidation, "withdrawals are not allowed while the ledger is %s", status)
	}
	if available.LessThan(req.Amount) {
		return nil, apperr.Newf(apperr.CodeInsufficientBalance,
			"available balance %s is less than requested %s", available, req.Amount)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE ledgers
		SET withdrawn_amount = withdrawn_amount + $1,
		    available_amount = available_amount - $1,
		    updated_at = NOW()
		WHERE streamer_id = $2`,
		req.Amount, req.StreamerID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to deduct balance")
	}

	id, err := genid.NextID()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "withdrawal id generation failed")
	}

	wr := &models.WithdrawalRequest{
		ID:           id,
		TraceKey:     traceKey,
		StreamerID:   req.StreamerID,
		Amount:       req.Amount.Round(2),
		PayoutMethod: req.PayoutMethod,
		AccountInfo:  req.AccountInfo,
		Status:       models.WithdrawalStatusApplying,
		AppliedAt:    time.Now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO withdrawal_requests (id, trace_key, streamer_id, amount, payout_method, account_info, status, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		wr.ID, wr.TraceKey, wr.StreamerID, wr.Amount, wr.PayoutMethod, wr.AccountInfo, wr.Status, wr.AppliedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Lost the trace-key race to a concurrent application; the rollback
			// undoes our deduction and the winner's request stands.
			if existing, lookupErr := s.GetByTraceKey(ctx, traceKey); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to persist withdrawal request")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to commit withdrawal")
	}

	s.counters.InvalidateBalance(ctx, req.StreamerID)
	s.audit.LogWithdrawal(wr.TraceKey, wr.StreamerID, s.displayName(ctx, wr.StreamerID), wr.Amount, wr.Status)
	log.Printf("[WITHDRAWAL] %s applied: streamer %s, amount %s", wr.TraceKey, wr.StreamerID, wr.Amount)

	return wr, nil
}

// Approve moves an APPLYING request to PROCESSING for payout execution.
func (s *WithdrawalService) Approve(ctx context.Context, id int64) (*models.WithdrawalRequest, error) {
	return s.transition(ctx, id, models.WithdrawalStatusApplying, models.WithdrawalStatusProcessing, false)
}

// Complete marks a PROCESSING request paid out.
func (s *WithdrawalService) Complete(ctx context.Context, id int64) (*models.WithdrawalRequest, error) {
	return s.transition(ctx, id, models.WithdrawalStatusProcessing, models.WithdrawalStatusCompleted, true)
}

func (s *WithdrawalService) transition(ctx context.Context, id int64, from, to string, stampProcessed bool) (*models.WithdrawalRequest, error) {
	query := `UPDATE withdrawal_requests SET status = $1 WHERE id = $2 AND status = $3`
	if stampProcessed {
		query = `UPDATE withdrawal_requests SET status = $1, processed_at = NOW() WHERE id = $2 AND status = $3`
	}
	res, err := s.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "withdrawal status update failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.Newf(apperr.CodeValidation, "withdrawal %d is not in %s state", id, from)
	}

	wr, err := s.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.audit.LogWithdrawal(wr.TraceKey, wr.StreamerID, s.displayName(ctx, wr.StreamerID), wr.Amount, wr.Status)
	return wr, nil
}

// Reject cancels an APPLYING or PROCESSING request and credits the amount
// back to the available balance in the same transaction.
func (s *WithdrawalService) Reject(ctx context.Context, id int64, reason string) (*models.WithdrawalRequest, error) {
	wr, err := s.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if wr.Status != models.WithdrawalStatusApplying && wr.Status != models.WithdrawalStatusProcessing {
		return nil, apperr.Newf(apperr.CodeValidation, "withdrawal %d is already %s", id, wr.Status)
	}

	lease, err := s.locks.Acquire(ctx, "withdraw:"+wr.StreamerID)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to begin rejection transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE withdrawal_requests
		SET status = $1, reject_reason = $2, processed_at = NOW()
		WHERE id = $3 AND status IN ($4, $5)`,
		models.WithdrawalStatusRejected, reason, id,
		models.WithdrawalStatusApplying, models.WithdrawalStatusProcessing)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to reject withdrawal")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Raced with another transition since the read above.
		return nil, apperr.Newf(apperr.CodeValidation, "withdrawal %d is no longer rejectable", id)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE ledgers
		SET withdrawn_amount = withdrawn_amount - $1,
		    available_amount = available_amount + $1,
		    updated_at = NOW()
		WHERE streamer_id = $2`,
		wr.Amount, wr.StreamerID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to restore balance")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to commit rejection")
	}

	s.counters.InvalidateBalance(ctx, wr.StreamerID)
	s.audit.LogWithdrawal(wr.TraceKey, wr.StreamerID, s.displayName(ctx, wr.StreamerID), wr.Amount, models.WithdrawalStatusRejected)
	log.Printf("[WITHDRAWAL] %s rejected: %s", wr.TraceKey, reason)

	return s.getByID(ctx, id)
}

// GetByTraceKey looks up one withdrawal request by its trace key.
func (s *WithdrawalService) GetByTraceKey(ctx context.Context, traceKey string) (*models.WithdrawalRequest, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT id, trace_key, streamer_id, amount, payout_method, account_info, status, COALESCE(reject_reason, ''), applied_at, processed_at
		FROM withdrawal_requests WHERE trace_key = $1`,
		traceKey))
}

func (s *WithdrawalService) getByID(ctx context.Context, id int64) (*models.WithdrawalRequest, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT id, trace_key, streamer_id, amount, payout_method, account_info, status, COALESCE(reject_reason, ''), applied_at, processed_at
		FROM withdrawal_requests WHERE id = $1`,
		id))
}

func (s *WithdrawalService) scanOne(row *sql.Row) (*models.WithdrawalRequest, error) {
	wr := &models.WithdrawalRequest{}
	err := row.Scan(&wr.ID, &wr.TraceKey, &wr.StreamerID, &wr.Amount, &wr.PayoutMethod,
		&wr.AccountInfo, &wr.Status, &wr.RejectReason, &wr.AppliedAt, &wr.ProcessedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.CodeNotFound, "withdrawal request not found")
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "withdrawal lookup failed")
	}
	return wr, nil
}

// displayName resolves the streamer's profile name for the audit trail.
// Best effort: a profile outage never blocks a payout.
func (s *WithdrawalService) displayName(ctx context.Context, streamerID string) string {
	if s.profiles == nil {
		return ""
	}
	name, err := s.profiles.DisplayName(ctx, streamerID)
	if err != nil {
		log.Printf("[WITHDRAWAL] display name lookup for %s failed: %v", streamerID, err)
		return ""
	}
	return name
}

func (s *WithdrawalService) validateAmount(amount decimal.Decimal) error {
	if !amount.Equal(amount.Round(2)) {
		return apperr.New(apperr.CodeValidation, "amount supports at most 2 decimal places")
	}
	if amount.LessThan(s.minAmount) {
		return apperr.Newf(apperr.CodeValidation, "amount is below the minimum %s", s.minAmount)
	}
	if amount.GreaterThan(s.maxAmount) {
		return apperr.Newf(apperr.CodeValidation, "amount exceeds the maximum %s", s.maxAmount)
	}
	return nil
}

// HandleApplyWithdrawal creates a withdrawal request
// @Summary Apply for a withdrawal
// @Description Deduct from available balance and create a payout request, idempotent by trace key
// @Tags withdrawals
// @Accept json
// @Produce json
// @Param withdrawal body ApplyWithdrawalRequest true "Withdrawal data"
// @Success 201 {object} models.WithdrawalRequest
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /withdrawals [post]
func (s *WithdrawalService) HandleApplyWithdrawal(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req ApplyWithdrawalRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	wr, err := s.ApplyWithdrawal(r.Context(), &req)
	if err != nil {
		SendAppError(w, err)
		return
	}

	SendJSON(w, http.StatusCreated, wr)
}

// HandleGetWithdrawal fetches a withdrawal by trace key
// @Summary Get withdrawal by trace key
// @Tags withdrawals
// @Produce json
// @Param traceKey path string true "Trace key"
// @Success 200 {object} models.WithdrawalRequest
// @Failure 404 {object} ErrorResponse
// @Router /withdrawals/{traceKey} [get]
func (s *WithdrawalService) HandleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	traceKey := chi.URLParam(r, "traceKey")

	wr, err := s.GetByTraceKey(r.Context(), traceKey)
	if err != nil {
		SendAppError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, wr)
}

// HandleApproveWithdrawal moves a request to PROCESSING
// @Summary Approve a withdrawal
// @Tags withdrawals
// @Produce json
// @Param id path int true "Withdrawal ID"
// @Success 200 {object} models.WithdrawalRequest
// @Failure 400 {object} ErrorResponse
// @Router /withdrawals/{id}/approve [post]
func (s *WithdrawalService) HandleApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.Approve)
}

// HandleCompleteWithdrawal marks a request paid out
// @Summary Complete a withdrawal
// @Tags withdrawals
// @Produce json
// @Param id path int true "Withdrawal ID"
// @Success 200 {object} models.WithdrawalRequest
// @Failure 400 {object} ErrorResponse
// @Router /withdrawals/{id}/complete [post]
func (s *WithdrawalService) HandleCompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.Complete)
}

func (s *WithdrawalService) handleTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) (*models.WithdrawalRequest, error)) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid withdrawal ID", http.StatusBadRequest, nil)
		return
	}

	wr, err := fn(r.Context(), id)
	if err != nil {
		SendAppError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, wr)
}

type rejectWithdrawalRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// HandleRejectWithdrawal rejects a request and restores the balance
// @Summary Reject a withdrawal
// @Tags withdrawals
// @Accept json
// @Produce json
// @Param id path int true "Withdrawal ID"
// @Param rejection body rejectWithdrawalRequest true "Rejection reason"
// @Success 200 {object} models.WithdrawalRequest
// @Failure 400 {object} ErrorResponse
// @Router /withdrawals/{id}/reject [post]
func (s *WithdrawalService) HandleRejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid withdrawal ID", http.StatusBadRequest, nil)
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req rejectWithdrawalRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	wr, err := s.Reject(r.Context(), id, req.Reason)
	if err != nil {
		SendAppError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, wr)
}
