package config

import (
	"time"

	"github.com/spf13/viper"
)

// SyncConfig tunes the tip-side outbound queue and dispatcher.
type SyncConfig struct {
	SourceService  string
	LedgerEndpoint string
	QueueCapacity  int
	BatchSize      int
	FlushInterval  time.Duration
	RequestTimeout time.Duration
	SweepInterval  time.Duration
	SweepMinAge    time.Duration
}

func LoadSyncConfig() *SyncConfig {
	viper.SetDefault("sync.source_service", "tip-service")
	viper.SetDefault("sync.ledger_endpoint", "http://localhost:8081/api/v1/sync/tips")
	viper.SetDefault("sync.queue_capacity", 4096)
	viper.SetDefault("sync.batch_size", 100)
	viper.SetDefault("sync.flush_interval", 2*time.Second)
	viper.SetDefault("sync.request_timeout", 5*time.Second)
	viper.SetDefault("sync.sweep_interval", time.Minute)
	viper.SetDefault("sync.sweep_min_age", 30*time.Second)

	return &SyncConfig{
		SourceService:  viper.GetString("sync.source_service"),
		LedgerEndpoint: viper.GetString("sync.ledger_endpoint"),
		QueueCapacity:  viper.GetInt("sync.queue_capacity"),
		BatchSize:      viper.GetInt("sync.batch_size"),
		FlushInterval:  viper.GetDuration("sync.flush_interval"),
		RequestTimeout: viper.GetDuration("sync.request_timeout"),
		SweepInterval:  viper.GetDuration("sync.sweep_interval"),
		SweepMinAge:    viper.GetDuration("sync.sweep_min_age"),
	}
}

// SettlementConfig tunes the ledger-side settlement engine.
type SettlementConfig struct {
	DefaultRatePercent string
	RateCacheTTL       time.Duration
	SweepInterval      time.Duration
}

func LoadSettlementConfig() *SettlementConfig {
	viper.SetDefault("settlement.default_rate_percent", "70")
	viper.SetDefault("settlement.rate_cache_ttl", 30*time.Second)
	viper.SetDefault("settlement.sweep_interval", 5*time.Minute)

	return &SettlementConfig{
		DefaultRatePercent: viper.GetString("settlement.default_rate_percent"),
		RateCacheTTL:       viper.GetDuration("settlement.rate_cache_ttl"),
		SweepInterval:      viper.GetDuration("settlement.sweep_interval"),
	}
}

// WithdrawalConfig tunes withdrawal limits and lock leases.
type WithdrawalConfig struct {
	MinAmount string
	MaxAmount string
	LockLease time.Duration
}

func LoadWithdrawalConfig() *WithdrawalConfig {
	viper.SetDefault("withdrawal.min_amount", "1.00")
	viper.SetDefault("withdrawal.max_amount", "50000.00")
	viper.SetDefault("withdrawal.lock_lease", 30*time.Second)

	return &WithdrawalConfig{
		MinAmount: viper.GetString("withdrawal.min_amount"),
		MaxAmount: viper.GetString("withdrawal.max_amount"),
		LockLease: viper.GetDuration("withdrawal.lock_lease"),
	}
}

// CountersConfig tunes the write-behind stats cache.
type CountersConfig struct {
	FlushInterval     time.Duration
	FlushDirtyLimit   int64
	ReconcileInterval time.Duration
}

func LoadCountersConfig() *CountersConfig {
	viper.SetDefault("counters.flush_interval", 15*time.Second)
	viper.SetDefault("counters.flush_dirty_limit", 500)
	viper.SetDefault("counters.reconcile_interval", time.Hour)

	return &CountersConfig{
		FlushInterval:     viper.GetDuration("counters.flush_interval"),
		FlushDirtyLimit:   viper.GetInt64("counters.flush_dirty_limit"),
		ReconcileInterval: viper.GetDuration("counters.reconcile_interval"),
	}
}
