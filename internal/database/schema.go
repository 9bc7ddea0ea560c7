package database

import (
	"database/sql"
	"fmt"
)

// EnsureSchema creates all tables and indexes if they do not exist. Both
// the tip service and the ledger service call this on startup; statements
// are idempotent so concurrent startup is safe.
func EnsureSchema(db *sql.DB) error {
	stmts := []string{
		// Tip-side local records. sync_state drives the outbound sweep.
		`CREATE TABLE IF NOT EXISTS tips (
			id BIGINT PRIMARY KEY,
			trace_key TEXT UNIQUE NOT NULL,
			live_room_id TEXT NOT NULL,
			streamer_id TEXT NOT NULL,
			viewer_id TEXT NOT NULL,
			amount NUMERIC(12,2) NOT NULL,
			sync_state TEXT NOT NULL DEFAULT 'PENDING',
			settlement_state TEXT NOT NULL DEFAULT 'UNSETTLED',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tips_sync_state ON tips(sync_state)`,
		`CREATE INDEX IF NOT EXISTS idx_tips_streamer ON tips(streamer_id)`,

		// Ledger-side durable copy, keyed by the same trace key.
		`CREATE TABLE IF NOT EXISTS ledger_tips (
			id BIGSERIAL PRIMARY KEY,
			tip_id BIGINT NOT NULL,
			trace_key TEXT UNIQUE NOT NULL,
			source_service TEXT NOT NULL,
			sync_batch_id TEXT NOT NULL,
			live_room_id TEXT NOT NULL,
			streamer_id TEXT NOT NULL,
			viewer_id TEXT NOT NULL,
			amount NUMERIC(12,2) NOT NULL,
			tip_time TIMESTAMPTZ NOT NULL,
			settlement_state TEXT NOT NULL DEFAULT 'UNSETTLED',
			settlement_id TEXT,
			applied_commission_rate NUMERIC(5,2),
			settlement_amount NUMERIC(12,2),
			settled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_tips_unsettled
			ON ledger_tips(streamer_id) WHERE settlement_state = 'UNSETTLED'`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_tips_batch ON ledger_tips(sync_batch_id)`,

		`CREATE TABLE IF NOT EXISTS commission_rates (
			id BIGSERIAL PRIMARY KEY,
			streamer_id TEXT NOT NULL,
			rate_percent NUMERIC(5,2) NOT NULL,
			effective_from TIMESTAMPTZ NOT NULL,
			effective_until TIMESTAMPTZ,
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_commission_rates_one_active
			ON commission_rates(streamer_id) WHERE status = 'ACTIVE'`,

		`CREATE TABLE IF NOT EXISTS ledgers (
			streamer_id TEXT PRIMARY KEY,
			settled_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
			withdrawn_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
			available_amount NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (available_amount >= 0),
			status TEXT NOT NULL DEFAULT 'NORMAL',
			last_settled_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS settlement_details (
			settlement_id TEXT PRIMARY KEY,
			streamer_id TEXT NOT NULL,
			total_tip_amount NUMERIC(14,2) NOT NULL,
			commission_rate NUMERIC(5,2) NOT NULL,
			settlement_amount NUMERIC(14,2) NOT NULL,
			period_start TIMESTAMPTZ NOT NULL,
			period_end TIMESTAMPTZ NOT NULL,
			tip_count INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_settlement_details_streamer
			ON settlement_details(streamer_id)`,

		`CREATE TABLE IF NOT EXISTS withdrawal_requests (
			id BIGINT PRIMARY KEY,
			trace_key TEXT UNIQUE NOT NULL,
			streamer_id TEXT NOT NULL,
			amount NUMERIC(12,2) NOT NULL,
			payout_method TEXT NOT NULL,
			account_info TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'APPLYING',
			reject_reason TEXT,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_withdrawal_requests_streamer
			ON withdrawal_requests(streamer_id)`,

		`CREATE TABLE IF NOT EXISTS sync_progress (
			source_service TEXT NOT NULL,
			target_service TEXT NOT NULL,
			last_synced_id BIGINT NOT NULL DEFAULT 0,
			total_synced_count BIGINT NOT NULL DEFAULT 0,
			total_synced_amount NUMERIC(16,2) NOT NULL DEFAULT 0,
			last_sync_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			PRIMARY KEY (source_service, target_service)
		)`,

		// Durable fallback for the idempotency guard.
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (scope, key)
		)`,

		// Write-behind counter flush target.
		`CREATE TABLE IF NOT EXISTS streamer_stats (
			streamer_id TEXT PRIMARY KEY,
			tip_count BIGINT NOT NULL DEFAULT 0,
			total_earned NUMERIC(16,2) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	return nil
}
