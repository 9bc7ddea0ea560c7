package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tipstream/backend/internal/apperr"
	"github.com/tipstream/backend/internal/audit"
	"github.com/tipstream/backend/internal/counters"
	"github.com/tipstream/backend/internal/genid"
	"github.com/tipstream/backend/internal/lock"
	"github.com/tipstream/backend/internal/models"
)

// rateProvider is the settlement engine's view of the commission store.
type rateProvider interface {
	CurrentRate(ctx context.Context, streamerID string) (decimal.Decimal, error)
}

// SettlementService turns a streamer's UNSETTLED ledger tips into available
// balance. Each run settles everything outstanding in one transaction, under
// a per-streamer lock, and leaves an append-only SettlementDetail behind.
type SettlementService struct {
	db         *sql.DB
	redis      *redis.Client
	rates      rateProvider
	locks      *lock.Manager
	counters   *counters.Cache
	audit      *audit.Logger
	balanceTTL time.Duration
}

func NewSettlementService(db *sql.DB, rdb *redis.Client, rates rateProvider, locks *lock.Manager, stats *counters.Cache, auditLog *audit.Logger) *SettlementService {
	return &SettlementService{
		db:         db,
		redis:      rdb,
		rates:      rates,
		locks:      locks,
		counters:   stats,
		audit:      auditLog,
		balanceTTL: 10 * time.Second,
	}
}

// ScheduleSettlement requests an asynchronous settlement run for one
// streamer. A busy lock means another run is already in flight; the sweep
// catches anything it missed.
func (s *SettlementService) ScheduleSettlement(streamerID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := s.SettleStreamer(ctx, streamerID); err != nil {
			if apperr.Is(err, apperr.CodeTransient) {
				return
			}
			log.Printf("[SETTLEMENT] scheduled run for %s failed: %v", streamerID, err)
		}
	}()
}

// SettleStreamer settles all currently UNSETTLED ledger tips for one
// streamer. Returns nil with no error when there is nothing to settle.
func (s *SettlementService) SettleStreamer(ctx context.Context, streamerID string) (*models.SettlementDetail, error) {
	if streamerID == "" {
		return nil, apperr.New(apperr.CodeValidation, "streamerId is required")
	}

	lease, err := s.locks.Acquire(ctx, "settle:"+streamerID)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)

	rate, err := s.rates.CurrentRate(ctx, streamerID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to begin settlement transaction")
	}
	defer tx.Rollback()

	ids, total, periodStart, periodEnd, err := s.lockUnsettled(ctx, tx, streamerID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// Half-up to 2 decimal places. The streamer keeps rate percent of the
	// gross; the platform keeps the remainder.
	settled := total.Mul(rate).Div(hundred).Round(2)

	settlementID, err := genid.TraceKey("SETL")
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "settlement id generation failed")
	}

	// Per-row amounts round independently of the aggregate; the detail row
	// records the aggregate, which is what moves the ledger.
	_, err = tx.ExecContext(ctx, `
		UPDATE ledger_tips
		SET settlement_state = $1,
		    settlement_id = $2,
		    applied_commission_rate = $3,
		    settlement_amount = ROUND(amount * $3 / 100, 2),
		    settled_at = NOW()
		WHERE id = ANY($4)`,
		models.SettlementStateSettled, settlementID, rate, pq.Array(ids))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to mark tips settled")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledgers (streamer_id, settled_amount, withdrawn_amount, available_amount, status, last_settled_at, updated_at)
		VALUES ($1, $2, 0, $2, $3, NOW(), NOW())
		ON CONFLICT (streamer_id) DO UPDATE SET
			settled_amount = ledgers.settled_amount + EXCLUDED.settled_amount,
			available_amount = ledgers.available_amount + EXCLUDED.available_amount,
			last_settled_at = NOW(),
			updated_at = NOW()`,
		streamerID, settled, models.LedgerStatusNormal)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to credit ledger")
	}

	detail := &models.SettlementDetail{
		SettlementID:     settlementID,
		StreamerID:       streamerID,
		TotalTipAmount:   total,
		CommissionRate:   rate,
		SettlementAmount: settled,
		PeriodStart:      periodStart,
		PeriodEnd:        periodEnd,
		TipCount:         len(ids),
		CreatedAt:        time.Now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO settlement_details
		(settlement_id, streamer_id, total_tip_amount, commission_rate, settlement_amount, period_start, period_end, tip_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		detail.SettlementID, detail.StreamerID, detail.TotalTipAmount, detail.CommissionRate,
		detail.SettlementAmount, detail.PeriodStart, detail.PeriodEnd, detail.TipCount, detail.CreatedAt)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to record settlement detail")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to commit settlement")
	}

	s.counters.InvalidateBalance(ctx, streamerID)
	s.audit.LogSettlement(settlementID, streamerID, total, settled, len(ids))
	log.Printf("[SETTLEMENT] %s: %d tips, gross %s, rate %s%%, settled %s",
		streamerID, len(ids), total, rate, settled)

	return detail, nil
}

// lockUnsettled selects and row-locks the streamer's UNSETTLED tips so a
// concurrent incoming batch cannot be half-claimed by this run.
func (s *SettlementService) lockUnsettled(ctx context.Context, tx *sql.Tx, streamerID string) (ids []int64, total decimal.Decimal, periodStart, periodEnd time.Time, err error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, amount, tip_time FROM ledger_tips
		WHERE streamer_id = $1 AND settlement_state = $2
		FOR UPDATE`,
		streamerID, models.SettlementStateUnsettled)
	if err != nil {
		return nil, decimal.Zero, time.Time{}, time.Time{}, apperr.Wrap(err, apperr.CodeSystem, "unsettled tip query failed")
	}
	defer rows.Close()

	total = decimal.Zero
	for rows.Next() {
		var id int64
		var amount decimal.Decimal
		var tipTime time.Time
		if err := rows.Scan(&id, &amount, &tipTime); err != nil {
			return nil, decimal.Zero, time.Time{}, time.Time{}, apperr.Wrap(err, apperr.CodeSystem, "unsettled tip scan failed")
		}
		ids = append(ids, id)
		total = total.Add(amount)
		if periodStart.IsZero() || tipTime.Before(periodStart) {
			periodStart = tipTime
		}
		if tipTime.After(periodEnd) {
			periodEnd = tipTime
		}
	}
	return ids, total, periodStart, periodEnd, rows.Err()
}

// SweepUnsettled settles every streamer with outstanding UNSETTLED tips.
// Backstop for scheduled runs lost to crashes or busy locks.
func (s *SettlementService) SweepUnsettled(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT streamer_id FROM ledger_tips WHERE settlement_state = $1`,
		models.SettlementStateUnsettled)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeSystem, "unsettled streamer query failed")
	}
	defer rows.Close()

	var streamers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return apperr.Wrap(err, apperr.CodeSystem, "unsettled streamer scan failed")
		}
		streamers = append(streamers, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, streamerID := range streamers {
		if _, err := s.SettleStreamer(ctx, streamerID); err != nil {
			if apperr.Is(err, apperr.CodeTransient) {
				continue
			}
			log.Printf("[SETTLEMENT] sweep for %s failed: %v", streamerID, err)
		}
	}
	return nil
}

// Balance returns the streamer's ledger row, via a short-lived cache. A
// streamer with no settlements yet gets a zero ledger, not an error.
func (s *SettlementService) Balance(ctx context.Context, streamerID string) (*models.Ledger, error) {
	cacheKey := "balance:" + streamerID
	if s.redis != nil {
		if v, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
			ledger := &models.Ledger{}
			if json.Unmarshal([]byte(v), ledger) == nil {
				return ledger, nil
			}
		}
	}

	ledger := &models.Ledger{}
	err := s.db.QueryRowContext(ctx, `
		SELECT streamer_id, settled_amount, withdrawn_amount, available_amount, status, last_settled_at, updated_at
		FROM ledgers WHERE streamer_id = $1`,
		streamerID).Scan(
		&ledger.StreamerID, &ledger.SettledAmount, &ledger.WithdrawnAmount,
		&ledger.AvailableAmount, &ledger.Status, &ledger.LastSettledAt, &ledger.UpdatedAt)
	if err == sql.ErrNoRows {
		ledger = &models.Ledger{
			StreamerID:      streamerID,
			SettledAmount:   decimal.Zero,
			WithdrawnAmount: decimal.Zero,
			AvailableAmount: decimal.Zero,
			Status:          models.LedgerStatusNormal,
			UpdatedAt:       time.Now(),
		}
	} else if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "ledger lookup failed")
	}

	if s.redis != nil {
		if data, marshalErr := json.Marshal(ledger); marshalErr == nil {
			s.redis.Set(ctx, cacheKey, data, s.balanceTTL)
		}
	}
	return ledger, nil
}

// History lists a streamer's settlement runs, newest first.
func (s *SettlementService) History(ctx context.Context, streamerID string, limit int) ([]models.SettlementDetail, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT settlement_id, streamer_id, total_tip_amount, commission_rate, settlement_amount, period_start, period_end, tip_count, created_at
		FROM settlement_details
		WHERE streamer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		streamerID, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "settlement history query failed")
	}
	defer rows.Close()

	var details []models.SettlementDetail
	for rows.Next() {
		var d models.SettlementDetail
		if err := rows.Scan(&d.SettlementID, &d.StreamerID, &d.TotalTipAmount, &d.CommissionRate,
			&d.SettlementAmount, &d.PeriodStart, &d.PeriodEnd, &d.TipCount, &d.CreatedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeSystem, "settlement history scan failed")
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// HandleSettleStreamer triggers a settlement run
// @Summary Settle a streamer's outstanding tips
// @Tags settlement
// @Produce json
// @Param streamerId path string true "Streamer ID"
// @Success 200 {object} models.SettlementDetail
// @Failure 503 {object} ErrorResponse
// @Router /settlements/{streamerId} [post]
func (s *SettlementService) HandleSettleStreamer(w http.ResponseWriter, r *http.Request) {
	streamerID := chi.URLParam(r, "streamerId")

	detail, err := s.SettleStreamer(r.Context(), streamerID)
	if err != nil {
		SendAppError(w, err)
		return
	}
	if detail == nil {
		SendJSON(w, http.StatusOK, map[string]any{
			"streamerId": streamerID,
			"settled":    false,
			"message":    "no unsettled tips",
		})
		return
	}

	SendJSON(w, http.StatusOK, detail)
}

// HandleGetBalance returns a streamer's ledger balance
// @Summary Get ledger balance
// @Tags ledger
// @Produce json
// @Param streamerId path string true "Streamer ID"
// @Success 200 {object} models.Ledger
// @Router /ledgers/{streamerId} [get]
func (s *SettlementService) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	streamerID := chi.URLParam(r, "streamerId")

	ledger, err := s.Balance(r.Context(), streamerID)
	if err != nil {
		SendAppError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, ledger)
}

// HandleListSettlements lists a streamer's settlement history
// @Summary List settlement runs
// @Tags settlement
// @Produce json
// @Param streamerId path string true "Streamer ID"
// @Success 200 {array} models.SettlementDetail
// @Router /settlements/{streamerId} [get]
func (s *SettlementService) HandleListSettlements(w http.ResponseWriter, r *http.Request) {
	streamerID := chi.URLParam(r, "streamerId")

	details, err := s.History(r.Context(), streamerID, 50)
	if err != nil {
		SendAppError(w, err)
		return
	}
	if details == nil {
		details = []models.SettlementDetail{}
	}

	SendJSON(w, http.StatusOK, details)
}
