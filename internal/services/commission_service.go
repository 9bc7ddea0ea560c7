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
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/tipstream/backend/internal/apperr"
	"github.com/tipstream/backend/internal/models"
)

var hundred = decimal.NewFromInt(100)

// CommissionService keeps the versioned, time-ranged commission rate per
// streamer. At most one ACTIVE row exists per streamer, with an optional
// PENDING row scheduled after it; the effective windows never overlap.
type CommissionService struct {
	db          *sql.DB
	redis       *redis.Client
	cacheTTL    time.Duration
	defaultRate decimal.Decimal
	validator   *ValidationHelper
}

func NewCommissionService(db *sql.DB, rdb *redis.Client, cacheTTL time.Duration, defaultRatePercent string) *CommissionService {
	defaultRate, err := decimal.NewFromString(defaultRatePercent)
	if err != nil || defaultRate.IsNegative() || defaultRate.GreaterThan(hundred) {
		log.Printf("[COMMISSION] invalid default rate %q, using 70", defaultRatePercent)
		defaultRate = decimal.NewFromInt(70)
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &CommissionService{
		db:          db,
		redis:       rdb,
		cacheTTL:    cacheTTL,
		defaultRate: defaultRate,
		validator:   NewValidationHelper(),
	}
}

// SetRate installs a new commission rate for a streamer. An immediate change
// expires the current schedule and activates the new rate in one transaction.
// A future effectiveFrom bounds the rate currently in force at the switchover
// instant and stores the new rate as PENDING, so the interim window keeps
// pricing at the configured old rate rather than falling back to the default.
func (s *CommissionService) SetRate(ctx context.Context, streamerID string, ratePercent decimal.Decimal, effectiveFrom *time.Time) (*models.CommissionRate, error) {
	if streamerID == "" {
		return nil, apperr.New(apperr.CodeValidation, "streamerId is required")
	}
	if ratePercent.IsNegative() || ratePercent.GreaterThan(hundred) {
		return nil, apperr.New(apperr.CodeValidation, "ratePercent must be between 0 and 100")
	}

	now := time.Now()
	from := now
	if effectiveFrom != nil && !effectiveFrom.IsZero() {
		from = *effectiveFrom
	}
	scheduled := from.After(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to begin rate transaction")
	}
	defer tx.Rollback()

	if scheduled {
		// The rate in force keeps applying until the switchover instant.
		_, err = tx.ExecContext(ctx, `
			UPDATE commission_rates
			SET effective_until = $1
			WHERE streamer_id = $2 AND status IN ($3, $4)
			  AND effective_from <= NOW()
			  AND (effective_until IS NULL OR effective_until > NOW())`,
			from, streamerID, models.RateStatusActive, models.RateStatusPending)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to bound current rate")
		}
		// A previously scheduled rate that never took effect is replaced.
		_, err = tx.ExecContext(ctx, `
			UPDATE commission_rates
			SET status = $1, effective_until = $2
			WHERE streamer_id = $3 AND status = $4 AND effective_from > NOW()`,
			models.RateStatusExpired, from, streamerID, models.RateStatusPending)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE commission_rates
			SET status = $1, effective_until = $2
			WHERE streamer_id = $3 AND status IN ($4, $5)
			  AND (effective_until IS NULL OR effective_until > $2)`,
			models.RateStatusExpired, from, streamerID, models.RateStatusActive, models.RateStatusPending)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to expire previous rate")
	}

	status := models.RateStatusActive
	if scheduled {
		status = models.RateStatusPending
	}
	rate := &models.CommissionRate{
		StreamerID:    streamerID,
		RatePercent:   ratePercent.Round(2),
		EffectiveFrom: from,
		Status:        status,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO commission_rates (streamer_id, rate_percent, effective_from, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		rate.StreamerID, rate.RatePercent, rate.EffectiveFrom, rate.Status).
		Scan(&rate.ID, &rate.CreatedAt)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to insert new rate")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "failed to commit rate change")
	}

	s.invalidate(ctx, streamerID)
	log.Printf("[COMMISSION] streamer %s rate set to %s%% effective %s", streamerID, rate.RatePercent, from.Format(time.RFC3339))
	return rate, nil
}

// CurrentRate returns the rate to apply right now. A missing row falls back
// to the platform default; settlement never fails on a rate lookup.
func (s *CommissionService) CurrentRate(ctx context.Context, streamerID string) (decimal.Decimal, error) {
	cacheKey := "rate:" + streamerID
	if s.redis != nil {
		if v, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
			if rate, parseErr := decimal.NewFromString(v); parseErr == nil {
				return rate, nil
			}
		}
	}

	// The time window, not the status flag, decides which row is in force:
	// a scheduled PENDING row takes over the moment its window opens, with
	// no status flip needed. The cache TTL bounds staleness at switchover.
	var rate decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT rate_percent FROM commission_rates
		WHERE streamer_id = $1 AND status IN ($2, $3)
		  AND effective_from <= NOW()
		  AND (effective_until IS NULL OR effective_until > NOW())
		ORDER BY effective_from DESC
		LIMIT 1`,
		streamerID, models.RateStatusActive, models.RateStatusPending).Scan(&rate)
	if err == sql.ErrNoRows {
		rate = s.defaultRate
	} else if err != nil {
		return decimal.Zero, apperr.Wrap(err, apperr.CodeSystem, "rate lookup failed")
	}

	if s.redis != nil {
		s.redis.Set(ctx, cacheKey, rate.String(), s.cacheTTL)
	}
	return rate, nil
}

// ActiveRate returns the full row currently in force for display.
func (s *CommissionService) ActiveRate(ctx context.Context, streamerID string) (*models.CommissionRate, error) {
	rate := &models.CommissionRate{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, streamer_id, rate_percent, effective_from, effective_until, status, created_at
		FROM commission_rates
		WHERE streamer_id = $1 AND status IN ($2, $3)
		  AND effective_from <= NOW()
		  AND (effective_until IS NULL OR effective_until > NOW())
		ORDER BY effective_from DESC
		LIMIT 1`,
		streamerID, models.RateStatusActive, models.RateStatusPending).Scan(
		&rate.ID, &rate.StreamerID, &rate.RatePercent, &rate.EffectiveFrom,
		&rate.EffectiveUntil, &rate.Status, &rate.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeNotFound, "no active rate for streamer %s", streamerID)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSystem, "rate lookup failed")
	}
	return rate, nil
}

func (s *CommissionService) invalidate(ctx context.Context, streamerID string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, "rate:"+streamerID).Err(); err != nil {
		log.Printf("[COMMISSION] cache invalidate for %s failed: %v", streamerID, err)
	}
}

type setRateRequest struct {
	StreamerID    string          `json:"streamerId" validate:"required"`
	RatePercent   decimal.Decimal `json:"ratePercent"`
	EffectiveFrom *time.Time      `json:"effectiveFrom"`
}

// HandleSetRate sets a streamer's commission rate
// @Summary Set commission rate
// @Tags commission
// @Accept json
// @Produce json
// @Param rate body setRateRequest true "Rate data"
// @Success 200 {object} models.CommissionRate
// @Failure 400 {object} ErrorResponse
// @Router /commission-rates [post]
func (s *CommissionService) HandleSetRate(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req setRateRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	rate, err := s.SetRate(r.Context(), req.StreamerID, req.RatePercent, req.EffectiveFrom)
	if err != nil {
		SendAppError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, rate)
}

// HandleGetRate returns the active commission rate for a streamer
// @Summary Get commission rate
// @Tags commission
// @Produce json
// @Param streamerId path string true "Streamer ID"
// @Success 200 {object} models.CommissionRate
// @Failure 404 {object} ErrorResponse
// @Router /commission-rates/{streamerId} [get]
func (s *CommissionService) HandleGetRate(w http.ResponseWriter, r *http.Request) {
	streamerID := chi.URLParam(r, "streamerId")

	rate, err := s.ActiveRate(r.Context(), streamerID)
	if err != nil {
		SendAppError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"streamerId":     rate.StreamerID,
		"ratePercent":    rate.RatePercent,
		"effectiveFrom":  rate.EffectiveFrom,
		"effectiveUntil": rate.EffectiveUntil,
	})
}
