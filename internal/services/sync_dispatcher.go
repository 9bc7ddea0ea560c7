package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tipstream/backend/internal/models"
)

// tipOutbox is the dispatcher's view of the tip service queue.
type tipOutbox interface {
	Queue() <-chan int64
	Enqueue(id int64) bool
}

// SyncDispatcher drains the outbound tip queue in bounded batches and pushes
// them to the ledger service. Each delivery attempt carries a fresh batch
// key; exactly-once application is guaranteed by the receiver's per-record
// trace-key check, so retrying after a failed call is always safe.
type SyncDispatcher struct {
	db        *sql.DB
	outbox    tipOutbox
	client    *resty.Client
	endpoint  string
	source    string
	batchSize int
	interval  time.Duration
}

func NewSyncDispatcher(db *sql.DB, outbox tipOutbox, endpoint, sourceService string, batchSize int, interval, requestTimeout time.Duration) *SyncDispatcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &SyncDispatcher{
		db:        db,
		outbox:    outbox,
		client:    resty.New().SetTimeout(requestTimeout),
		endpoint:  endpoint,
		source:    sourceService,
		batchSize: batchSize,
		interval:  interval,
	}
}

// Run processes the queue until ctx is cancelled. A batch goes out when
// either the size threshold is reached or the interval elapses with items
// waiting, whichever fires first; that bounds both batch size and sync
// latency.
func (d *SyncDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	pending := make([]int64, 0, d.batchSize)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		d.dispatch(ctx, pending)
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Leave the rest PENDING; the startup sweep picks them up.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			d.dispatchFinal(flushCtx, pending)
			cancel()
			return
		case id := <-d.outbox.Queue():
			pending = append(pending, id)
			if len(pending) >= d.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *SyncDispatcher) dispatchFinal(ctx context.Context, ids []int64) {
	if len(ids) > 0 {
		d.dispatch(ctx, ids)
	}
}

// dispatch delivers one batch. On any failure the IDs go back on the queue
// and the next attempt uses a new batch key.
func (d *SyncDispatcher) dispatch(ctx context.Context, ids []int64) {
	items, err := d.loadPending(ctx, ids)
	if err != nil {
		log.Printf("[SYNC] load batch failed: %v", err)
		d.requeue(ids)
		return
	}
	if len(items) == 0 {
		// Everything in this batch was already synced by a prior attempt.
		return
	}

	batch := d.buildBatch(items)
	if err := d.send(ctx, batch); err != nil {
		log.Printf("[SYNC] batch %s delivery failed: %v", batch.BatchID, err)
		d.requeue(ids)
		return
	}

	if err := d.markSynced(ctx, items); err != nil {
		// Delivery succeeded but the local mark failed. The sweep will retry
		// delivery; the receiver absorbs the duplicates by trace key.
		log.Printf("[SYNC] batch %s delivered but local mark failed: %v", batch.BatchID, err)
		return
	}

	log.Printf("[SYNC] batch %s delivered: %d tips, total %s", batch.BatchID, batch.TotalCount, batch.TotalAmount)
}

func (d *SyncDispatcher) loadPending(ctx context.Context, ids []int64) ([]models.SyncItem, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, trace_key, live_room_id, streamer_id, viewer_id, amount, created_at
		FROM tips
		WHERE id = ANY($1) AND sync_state = $2`,
		pq.Array(ids), models.SyncStatePending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.SyncItem
	for rows.Next() {
		var it models.SyncItem
		if err := rows.Scan(&it.TipID, &it.TraceKey, &it.LiveRoomID, &it.StreamerID,
			&it.ViewerID, &it.Amount, &it.TipTime); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (d *SyncDispatcher) buildBatch(items []models.SyncItem) *models.SyncBatch {
	now := time.Now()
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Amount)
	}
	return &models.SyncBatch{
		BatchID:        fmt.Sprintf("B-%s-%s", now.Format("20060102150405"), uuid.NewString()[:8]),
		SourceService:  d.source,
		BatchTimestamp: now,
		Items:          items,
		TotalCount:     len(items),
		TotalAmount:    total,
	}
}

func (d *SyncDispatcher) send(ctx context.Context, batch *models.SyncBatch) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(batch).
		Post(d.endpoint)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("ledger service returned status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (d *SyncDispatcher) markSynced(ctx context.Context, items []models.SyncItem) error {
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.TipID
	}
	_, err := d.db.ExecContext(ctx,
		`UPDATE tips SET sync_state = $1 WHERE id = ANY($2)`,
		models.SyncStateSynced, pq.Array(ids))
	return err
}

func (d *SyncDispatcher) requeue(ids []int64) {
	for _, id := range ids {
		if !d.outbox.Enqueue(id) {
			// Queue full; the pending sweep recovers it.
			return
		}
	}
}
