// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/pavelkorolev/go-offsync/retrykit"
)

// Config shapes the manager and engine. Zero values fall back to
// DefaultConfig numbers at construction; UpdateConfig swaps the active
// values at runtime and takes effect on the next sync pass.
type Config struct {
	// BatchSize bounds how many operations one sync batch carries.
	BatchSize int `yaml:"batch_size"`
	// FlushInterval is the debounce window for coalesced store writes.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// CacheSweepSchedule is a cron expression driving the expired-entry
	// sweep.
	CacheSweepSchedule string `yaml:"cache_sweep_schedule"`
	// BackupRetention bounds context-backup age before GC.
	BackupRetention time.Duration `yaml:"backup_retention"`
	// AutoSyncSchedule optionally triggers a periodic sync while online
	// (cron expression, empty disables).
	AutoSyncSchedule string `yaml:"auto_sync_schedule"`
	// StorageLimit is the advisory ceiling for cached bytes, surfaced
	// through OfflineState.
	StorageLimit int64 `yaml:"storage_limit"`
	// DefaultTTL applies to cache entries stored without an explicit
	// expiry (0 keeps them forever).
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// DefaultConflictStrategy applies to operations without their own
	// conflict policy.
	DefaultConflictStrategy ConflictStrategy `yaml:"default_conflict_strategy"`
	// LWWTimestampField names the payload field last_write_wins compares.
	LWWTimestampField string `yaml:"lww_timestamp_field"`
	// Retry is the policy for remote calls during sync.
	Retry retrykit.Policy `yaml:"-"`
	// RemoteDependency names the breaker protecting the remote system.
	RemoteDependency string `yaml:"remote_dependency"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:               25,
		FlushInterval:           2 * time.Second,
		CacheSweepSchedule:      "@every 1m",
		BackupRetention:         24 * time.Hour,
		StorageLimit:            16 << 20, // 16 MiB advisory
		DefaultConflictStrategy: StrategyLastWriteWins,
		LWWTimestampField:       "updated_at",
		RemoteDependency:        "remote",
		Retry: retrykit.Policy{
			Strategy:          retrykit.StrategyExponential,
			MaxAttempts:       3,
			InitialDelay:      time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
			TimeoutPerAttempt: 30 * time.Second,
			Condition:         retrykit.ConditionAlways,
			ExcludeErrors:     []string{CategoryConflict, "validation"},
			Breaker: &retrykit.BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          60 * time.Second,
				MonitoringWindow: 2 * time.Minute,
			},
		},
	}
}

// normalize fills unset fields from the defaults.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.CacheSweepSchedule == "" {
		c.CacheSweepSchedule = def.CacheSweepSchedule
	}
	if c.BackupRetention <= 0 {
		c.BackupRetention = def.BackupRetention
	}
	if c.StorageLimit <= 0 {
		c.StorageLimit = def.StorageLimit
	}
	if c.DefaultConflictStrategy == "" {
		c.DefaultConflictStrategy = def.DefaultConflictStrategy
	}
	if c.LWWTimestampField == "" {
		c.LWWTimestampField = def.LWWTimestampField
	}
	if c.RemoteDependency == "" {
		c.RemoteDependency = def.RemoteDependency
	}
	if c.Retry.Strategy == "" && c.Retry.MaxAttempts == 0 {
		c.Retry = def.Retry
	}
	return c
}

// LoadConfig reads a YAML config file, expanding ${ENV_VAR} references,
// and fills unset fields with defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg.normalize(), nil
}
