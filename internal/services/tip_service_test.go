package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/tipstream/backend/internal/apperr"
	"github.com/tipstream/backend/internal/models"
)

func tipRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "trace_key", "live_room_id", "streamer_id", "viewer_id",
		"amount", "sync_state", "settlement_state", "created_at",
	})
}

func TestTipService_SubmitTip(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTipService(db, 16, nil, nil)

	t.Run("successful submission", func(t *testing.T) {
		req := &SubmitTipRequest{
			LiveRoomID: "room-1",
			StreamerID: "streamer-1",
			ViewerID:   "viewer-1",
			Amount:     decimal.RequireFromString("25.50"),
			TraceKey:   "TIP-1001",
		}

		mock.ExpectQuery("SELECT id, trace_key, live_room_id, streamer_id, viewer_id, amount, sync_state, settlement_state, created_at").
			WithArgs("TIP-1001").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectExec("INSERT INTO tips").
			WithArgs(sqlmock.AnyArg(), "TIP-1001", "room-1", "streamer-1", "viewer-1",
				sqlmock.AnyArg(), models.SyncStatePending, models.SettlementStateUnsettled, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		rec, err := service.SubmitTip(context.Background(), req)
		assert.NoError(t, err)
		assert.Equal(t, "TIP-1001", rec.TraceKey)
		assert.Equal(t, models.SyncStatePending, rec.SyncState)
		assert.True(t, rec.Amount.Equal(decimal.RequireFromString("25.50")))

		// The accepted tip must be on the outbound queue.
		select {
		case id := <-service.Queue():
			assert.Equal(t, rec.ID, id)
		default:
			t.Fatal("tip was not enqueued")
		}

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate trace key returns existing record", func(t *testing.T) {
		req := &SubmitTipRequest{
			LiveRoomID: "room-1",
			StreamerID: "streamer-1",
			ViewerID:   "viewer-1",
			Amount:     decimal.RequireFromString("25.50"),
			TraceKey:   "TIP-1001",
		}

		mock.ExpectQuery("SELECT id, trace_key").
			WithArgs("TIP-1001").
			WillReturnRows(tipRows().AddRow(
				int64(42), "TIP-1001", "room-1", "streamer-1", "viewer-1",
				"25.50", models.SyncStateSynced, models.SettlementStateUnsettled, time.Now()))

		rec, err := service.SubmitTip(context.Background(), req)
		assert.NoError(t, err)
		assert.Equal(t, int64(42), rec.ID)
		assert.Equal(t, models.SyncStateSynced, rec.SyncState)

		// No second enqueue for a replay.
		select {
		case <-service.Queue():
			t.Fatal("duplicate submission must not be enqueued")
		default:
		}

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert race on trace key returns winner's record", func(t *testing.T) {
		req := &SubmitTipRequest{
			LiveRoomID: "room-1",
			StreamerID: "streamer-1",
			ViewerID:   "viewer-1",
			Amount:     decimal.RequireFromString("10.00"),
			TraceKey:   "TIP-2002",
		}

		mock.ExpectQuery("SELECT id, trace_key").
			WithArgs("TIP-2002").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectExec("INSERT INTO tips").
			WillReturnError(&pq.Error{Code: "23505"})

		mock.ExpectQuery("SELECT id, trace_key").
			WithArgs("TIP-2002").
			WillReturnRows(tipRows().AddRow(
				int64(77), "TIP-2002", "room-1", "streamer-1", "viewer-1",
				"10.00", models.SyncStatePending, models.SettlementStateUnsettled, time.Now()))

		rec, err := service.SubmitTip(context.Background(), req)
		assert.NoError(t, err)
		assert.Equal(t, int64(77), rec.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing required fields", func(t *testing.T) {
		req := &SubmitTipRequest{
			LiveRoomID: "room-1",
			Amount:     decimal.RequireFromString("5.00"),
		}

		_, err := service.SubmitTip(context.Background(), req)
		assert.Error(t, err)
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	})
}

func TestValidateTipAmount(t *testing.T) {
	t.Run("zero amount", func(t *testing.T) {
		err := validateTipAmount(decimal.Zero)
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	})

	t.Run("negative amount", func(t *testing.T) {
		err := validateTipAmount(decimal.RequireFromString("-1.00"))
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	})

	t.Run("too many decimal places", func(t *testing.T) {
		err := validateTipAmount(decimal.RequireFromString("1.005"))
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	})

	t.Run("above maximum", func(t *testing.T) {
		err := validateTipAmount(decimal.RequireFromString("100000.00"))
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	})

	t.Run("valid amounts", func(t *testing.T) {
		assert.NoError(t, validateTipAmount(decimal.RequireFromString("0.01")))
		assert.NoError(t, validateTipAmount(decimal.RequireFromString("25.50")))
		assert.NoError(t, validateTipAmount(decimal.RequireFromString("99999.99")))
	})

	t.Run("trailing zeros beyond two places are still valid", func(t *testing.T) {
		assert.NoError(t, validateTipAmount(decimal.RequireFromString("25.5000")))
		assert.NoError(t, validateTipAmount(decimal.RequireFromString("10.0")))
	})
}

func TestTipService_RequeuePending(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTipService(db, 16, nil, nil)

	t.Run("requeues stale pending tips", func(t *testing.T) {
		mock.ExpectQuery("SELECT id FROM tips").
			WithArgs(models.SyncStatePending, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))

		n, err := service.RequeuePending(context.Background(), 30*time.Second)
		assert.NoError(t, err)
		assert.Equal(t, 2, n)

		assert.Equal(t, int64(1), <-service.Queue())
		assert.Equal(t, int64(2), <-service.Queue())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("full queue stops requeueing without error", func(t *testing.T) {
		small := NewTipService(db, 1, nil, nil)

		mock.ExpectQuery("SELECT id FROM tips").
			WithArgs(models.SyncStatePending, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))

		n, err := small.RequeuePending(context.Background(), 30*time.Second)
		assert.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTipService_HandleSubmitTip(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTipService(db, 16, nil, nil)

	t.Run("invalid request body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/tips", bytes.NewBufferString("not json"))
		w := httptest.NewRecorder()

		service.HandleSubmitTip(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/tips", bytes.NewBufferString(`{"liveRoomId":"r","bogus":1}`))
		w := httptest.NewRecorder()

		service.HandleSubmitTip(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("successful submission returns 201", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, trace_key").
			WithArgs("TIP-3003").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO tips").
			WillReturnResult(sqlmock.NewResult(1, 1))

		body := `{"liveRoomId":"room-1","streamerId":"streamer-1","viewerId":"viewer-1","amount":"25.50","traceKey":"TIP-3003"}`
		r := httptest.NewRequest("POST", "/tips", bytes.NewBufferString(body))
		w := httptest.NewRecorder()

		service.HandleSubmitTip(w, r)

		assert.Equal(t, http.StatusCreated, w.Code)

		var response map[string]any
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "TIP-3003", response["traceKey"])
		assert.Equal(t, models.SyncStatePending, response["syncState"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTipService_HandleGetTip(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTipService(db, 16, nil, nil)

	r := chi.NewRouter()
	r.Get("/tips/{traceKey}", service.HandleGetTip)

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, trace_key").
			WithArgs("TIP-1001").
			WillReturnRows(tipRows().AddRow(
				int64(42), "TIP-1001", "room-1", "streamer-1", "viewer-1",
				"25.50", models.SyncStateSynced, models.SettlementStateUnsettled, time.Now()))

		req := httptest.NewRequest("GET", "/tips/TIP-1001", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, trace_key").
			WithArgs("TIP-9999").
			WillReturnError(sql.ErrNoRows)

		req := httptest.NewRequest("GET", "/tips/TIP-9999", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
