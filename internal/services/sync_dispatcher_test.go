package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/tipstream/backend/internal/models"
)

type fakeOutbox struct {
	ch chan int64
}

func newFakeOutbox(capacity int) *fakeOutbox {
	return &fakeOutbox{ch: make(chan int64, capacity)}
}

func (f *fakeOutbox) Queue() <-chan int64 { return f.ch }

func (f *fakeOutbox) Enqueue(id int64) bool {
	select {
	case f.ch <- id:
		return true
	default:
		return false
	}
}

func syncItems() []models.SyncItem {
	now := time.Now()
	return []models.SyncItem{
		{TipID: 1, TraceKey: "TIP-1", LiveRoomID: "room-1", StreamerID: "streamer-1", ViewerID: "viewer-1", Amount: decimal.RequireFromString("25.50"), TipTime: now},
		{TipID: 2, TraceKey: "TIP-2", LiveRoomID: "room-1", StreamerID: "streamer-1", ViewerID: "viewer-2", Amount: decimal.RequireFromString("10.00"), TipTime: now},
	}
}

func TestSyncDispatcher_BuildBatch(t *testing.T) {
	outbox := newFakeOutbox(8)
	d := NewSyncDispatcher(nil, outbox, "http://localhost:8081", "tip-service", 100, time.Second, time.Second)

	batch := d.buildBatch(syncItems())

	assert.True(t, strings.HasPrefix(batch.BatchID, "B-"))
	assert.Equal(t, "tip-service", batch.SourceService)
	assert.Equal(t, 2, batch.TotalCount)
	assert.True(t, batch.TotalAmount.Equal(decimal.RequireFromString("35.50")))
	assert.Len(t, batch.Items, 2)
}

func TestSyncDispatcher_EachAttemptGetsFreshBatchID(t *testing.T) {
	outbox := newFakeOutbox(8)
	d := NewSyncDispatcher(nil, outbox, "http://localhost:8081", "tip-service", 100, time.Second, time.Second)

	first := d.buildBatch(syncItems())
	second := d.buildBatch(syncItems())

	assert.NotEqual(t, first.BatchID, second.BatchID)
}

func pendingTipRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "trace_key", "live_room_id", "streamer_id", "viewer_id", "amount", "created_at",
	})
}

func TestSyncDispatcher_Dispatch(t *testing.T) {
	t.Run("successful delivery marks tips synced", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		var delivered int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&delivered, 1)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"batchId":"x","accepted":2,"duplicates":0}`))
		}))
		defer server.Close()

		outbox := newFakeOutbox(8)
		d := NewSyncDispatcher(db, outbox, server.URL, "tip-service", 100, time.Second, time.Second)

		mock.ExpectQuery("SELECT id, trace_key, live_room_id, streamer_id, viewer_id, amount, created_at").
			WithArgs(sqlmock.AnyArg(), models.SyncStatePending).
			WillReturnRows(pendingTipRows().
				AddRow(int64(1), "TIP-1", "room-1", "streamer-1", "viewer-1", "25.50", time.Now()).
				AddRow(int64(2), "TIP-2", "room-1", "streamer-1", "viewer-2", "10.00", time.Now()))

		mock.ExpectExec("UPDATE tips SET sync_state").
			WithArgs(models.SyncStateSynced, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 2))

		d.dispatch(context.Background(), []int64{1, 2})

		assert.Equal(t, int32(1), atomic.LoadInt32(&delivered))
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.Empty(t, outbox.ch)
	})

	t.Run("failed delivery requeues the batch", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		outbox := newFakeOutbox(8)
		d := NewSyncDispatcher(db, outbox, server.URL, "tip-service", 100, time.Second, time.Second)

		mock.ExpectQuery("SELECT id, trace_key").
			WithArgs(sqlmock.AnyArg(), models.SyncStatePending).
			WillReturnRows(pendingTipRows().
				AddRow(int64(1), "TIP-1", "room-1", "streamer-1", "viewer-1", "25.50", time.Now()))

		d.dispatch(context.Background(), []int64{1})

		assert.Equal(t, int64(1), <-outbox.ch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already synced tips are skipped without a call", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		var delivered int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&delivered, 1)
		}))
		defer server.Close()

		outbox := newFakeOutbox(8)
		d := NewSyncDispatcher(db, outbox, server.URL, "tip-service", 100, time.Second, time.Second)

		mock.ExpectQuery("SELECT id, trace_key").
			WithArgs(sqlmock.AnyArg(), models.SyncStatePending).
			WillReturnRows(pendingTipRows())

		d.dispatch(context.Background(), []int64{1})

		assert.Equal(t, int32(0), atomic.LoadInt32(&delivered))
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.Empty(t, outbox.ch)
	})
}

func TestSyncDispatcher_Run(t *testing.T) {
	t.Run("size threshold triggers a flush before the ticker", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		received := make(chan models.SyncBatch, 1)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var batch models.SyncBatch
			json.NewDecoder(r.Body).Decode(&batch)
			received <- batch
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		outbox := newFakeOutbox(8)
		// Long interval so only the size threshold can fire.
		d := NewSyncDispatcher(db, outbox, server.URL, "tip-service", 2, time.Hour, time.Second)

		mock.ExpectQuery("SELECT id, trace_key").
			WillReturnRows(pendingTipRows().
				AddRow(int64(1), "TIP-1", "room-1", "streamer-1", "viewer-1", "25.50", time.Now()).
				AddRow(int64(2), "TIP-2", "room-1", "streamer-1", "viewer-2", "10.00", time.Now()))
		mock.ExpectExec("UPDATE tips SET sync_state").
			WillReturnResult(sqlmock.NewResult(0, 2))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			d.Run(ctx)
			close(done)
		}()

		outbox.ch <- 1
		outbox.ch <- 2

		select {
		case batch := <-received:
			assert.Equal(t, 2, batch.TotalCount)
		case <-time.After(3 * time.Second):
			t.Fatal("batch was not dispatched on size threshold")
		}

		// Let the dispatcher finish the HTTP round trip and the synced-state
		// update before tearing down its context.
		assert.Eventually(t, func() bool { return mock.ExpectationsWereMet() == nil },
			3*time.Second, 10*time.Millisecond)

		cancel()
		<-done
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
