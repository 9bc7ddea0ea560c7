package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/tipstream/backend/internal/apperr"
	"github.com/tipstream/backend/internal/audit"
	"github.com/tipstream/backend/internal/counters"
	"github.com/tipstream/backend/internal/lock"
	"github.com/tipstream/backend/internal/models"
)

type fixedRate struct {
	rate decimal.Decimal
}

func (f fixedRate) CurrentRate(ctx context.Context, streamerID string) (decimal.Decimal, error) {
	return f.rate, nil
}

func newSettlementForTest(t *testing.T, ratePercent string) (*SettlementService, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	locks := lock.NewManager(nil, 10*time.Second)
	stats := counters.NewCache(db, nil, 100)
	service := NewSettlementService(db, nil, fixedRate{decimal.RequireFromString(ratePercent)},
		locks, stats, audit.NewLogger())
	return service, mock
}

func unsettledRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "amount", "tip_time"})
}

func expectSettlementWrites(mock sqlmock.Sqlmock, streamerID string, settled decimal.Decimal) {
	mock.ExpectExec("UPDATE ledger_tips").
		WithArgs(models.SettlementStateSettled, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledgers").
		WithArgs(streamerID, settled, models.LedgerStatusNormal).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO settlement_details").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestSettlementService_SettleStreamer(t *testing.T) {
	t.Run("25.50 at 70 percent settles 17.85", func(t *testing.T) {
		service, mock := newSettlementForTest(t, "70")

		earlier := time.Now().Add(-time.Hour)
		later := time.Now()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, amount, tip_time FROM ledger_tips").
			WithArgs("streamer-1", models.SettlementStateUnsettled).
			WillReturnRows(unsettledRows().AddRow(int64(1), "20.00", earlier).AddRow(int64(2), "5.50", later))
		expectSettlementWrites(mock, "streamer-1", decimal.RequireFromString("17.85"))
		mock.ExpectCommit()

		detail, err := service.SettleStreamer(context.Background(), "streamer-1")
		assert.NoError(t, err)
		assert.True(t, detail.TotalTipAmount.Equal(decimal.RequireFromString("25.50")))
		assert.True(t, detail.SettlementAmount.Equal(decimal.RequireFromString("17.85")))
		assert.True(t, detail.CommissionRate.Equal(decimal.RequireFromString("70")))
		assert.Equal(t, 2, detail.TipCount)
		assert.Equal(t, earlier.Unix(), detail.PeriodStart.Unix())
		assert.Equal(t, later.Unix(), detail.PeriodEnd.Unix())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("half cent rounds up", func(t *testing.T) {
		service, mock := newSettlementForTest(t, "50")

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, amount, tip_time FROM ledger_tips").
			WithArgs("streamer-1", models.SettlementStateUnsettled).
			WillReturnRows(unsettledRows().AddRow(int64(1), "0.05", time.Now()))
		// 0.05 * 50% = 0.025, half-up to 0.03
		expectSettlementWrites(mock, "streamer-1", decimal.RequireFromString("0.03"))
		mock.ExpectCommit()

		detail, err := service.SettleStreamer(context.Background(), "streamer-1")
		assert.NoError(t, err)
		assert.True(t, detail.SettlementAmount.Equal(decimal.RequireFromString("0.03")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing to settle is a no-op", func(t *testing.T) {
		service, mock := newSettlementForTest(t, "70")

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, amount, tip_time FROM ledger_tips").
			WithArgs("streamer-1", models.SettlementStateUnsettled).
			WillReturnRows(unsettledRows())
		mock.ExpectRollback()

		detail, err := service.SettleStreamer(context.Background(), "streamer-1")
		assert.NoError(t, err)
		assert.Nil(t, detail)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ledger credit failure aborts the run", func(t *testing.T) {
		service, mock := newSettlementForTest(t, "70")

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, amount, tip_time FROM ledger_tips").
			WillReturnRows(unsettledRows().AddRow(int64(1), "25.50", time.Now()))
		mock.ExpectExec("UPDATE ledger_tips").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO ledgers").
			WillReturnError(assert.AnError)
		mock.ExpectRollback()

		_, err := service.SettleStreamer(context.Background(), "streamer-1")
		assert.Error(t, err)
		assert.Equal(t, apperr.CodeSystem, apperr.CodeOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent run is refused as busy", func(t *testing.T) {
		service, _ := newSettlementForTest(t, "70")

		lease, err := service.locks.Acquire(context.Background(), "settle:streamer-1")
		assert.NoError(t, err)
		defer lease.Release(context.Background())

		_, err = service.SettleStreamer(context.Background(), "streamer-1")
		assert.Equal(t, apperr.CodeTransient, apperr.CodeOf(err))
	})
}

func TestSettlementService_SweepUnsettled(t *testing.T) {
	service, mock := newSettlementForTest(t, "70")

	t.Run("no outstanding streamers", func(t *testing.T) {
		mock.ExpectQuery("SELECT DISTINCT streamer_id FROM ledger_tips").
			WithArgs(models.SettlementStateUnsettled).
			WillReturnRows(sqlmock.NewRows([]string{"streamer_id"}))

		err := service.SweepUnsettled(context.Background())
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSettlementService_Balance(t *testing.T) {
	t.Run("cache hit", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		locks := lock.NewManager(nil, 10*time.Second)
		stats := counters.NewCache(db, nil, 100)
		service := NewSettlementService(db, redisClient, fixedRate{decimal.RequireFromString("70")},
			locks, stats, audit.NewLogger())

		cached, _ := json.Marshal(&models.Ledger{
			StreamerID:      "streamer-1",
			SettledAmount:   decimal.RequireFromString("100.00"),
			WithdrawnAmount: decimal.RequireFromString("30.00"),
			AvailableAmount: decimal.RequireFromString("70.00"),
			Status:          models.LedgerStatusNormal,
		})
		redisMock.ExpectGet("balance:streamer-1").SetVal(string(cached))

		ledger, err := service.Balance(context.Background(), "streamer-1")
		assert.NoError(t, err)
		assert.True(t, ledger.AvailableAmount.Equal(decimal.RequireFromString("70.00")))
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("database fallback", func(t *testing.T) {
		service, mock := newSettlementForTest(t, "70")

		mock.ExpectQuery("SELECT streamer_id, settled_amount, withdrawn_amount, available_amount").
			WithArgs("streamer-1").
			WillReturnRows(sqlmock.NewRows([]string{
				"streamer_id", "settled_amount", "withdrawn_amount", "available_amount",
				"status", "last_settled_at", "updated_at",
			}).AddRow("streamer-1", "100.00", "30.00", "70.00", models.LedgerStatusNormal, time.Now(), time.Now()))

		ledger, err := service.Balance(context.Background(), "streamer-1")
		assert.NoError(t, err)
		assert.True(t, ledger.AvailableAmount.Equal(decimal.RequireFromString("70.00")))
		// Invariant: available == settled - withdrawn.
		assert.True(t, ledger.AvailableAmount.Equal(ledger.SettledAmount.Sub(ledger.WithdrawnAmount)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown streamer gets a zero ledger", func(t *testing.T) {
		service, mock := newSettlementForTest(t, "70")

		mock.ExpectQuery("SELECT streamer_id, settled_amount").
			WithArgs("streamer-new").
			WillReturnError(sql.ErrNoRows)

		ledger, err := service.Balance(context.Background(), "streamer-new")
		assert.NoError(t, err)
		assert.True(t, ledger.AvailableAmount.IsZero())
		assert.Equal(t, models.LedgerStatusNormal, ledger.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
