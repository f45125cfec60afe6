// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// maintenanceJobTimeout bounds one housekeeping tick.
const maintenanceJobTimeout = time.Minute

// Maintenance runs the periodic housekeeping jobs: expired cache sweeps,
// context backup GC and the optional scheduled sync trigger. Construct it
// after Manager and Engine, Start it once, Stop it before closing them.
type Maintenance struct {
	logger *slog.Logger
	mgr    *Manager
	engine *Engine
	cron   *cron.Cron
}

// NewMaintenance schedules housekeeping per the manager's configuration.
// engine may be nil; the scheduled sync trigger and backup GC are then
// skipped.
func NewMaintenance(mgr *Manager, engine *Engine, logger *slog.Logger) (*Maintenance, error) {
	if mgr == nil {
		return nil, errors.New("manager is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Maintenance{
		logger: logger,
		mgr:    mgr,
		engine: engine,
		cron:   cron.New(),
	}

	cfg := mgr.config()
	if cfg.CacheSweepSchedule != "" {
		if _, err := m.cron.AddFunc(cfg.CacheSweepSchedule, m.sweep); err != nil {
			return nil, fmt.Errorf("schedule cache sweep: %w", err)
		}
	}
	if cfg.AutoSyncSchedule != "" && engine != nil {
		if _, err := m.cron.AddFunc(cfg.AutoSyncSchedule, m.scheduledSync); err != nil {
			return nil, fmt.Errorf("schedule periodic sync: %w", err)
		}
	}
	return m, nil
}

// Start launches the scheduler.
func (m *Maintenance) Start() {
	m.cron.Start()
	m.logger.Info("maintenance scheduler started")
}

// Stop halts the scheduler and waits for any running job to finish.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.logger.Info("maintenance scheduler stopped")
}

func (m *Maintenance) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceJobTimeout)
	defer cancel()

	removed := m.mgr.sweepExpiredCache(ctx)
	if removed > 0 {
		m.logger.Info("expired cache entries swept", "removed", removed)
	}
	if m.engine != nil && m.engine.backups != nil {
		n, err := m.engine.backups.Sweep(ctx)
		if err != nil {
			m.logger.Warn("backup sweep failed", "error", err)
		} else if n > 0 {
			m.logger.Info("expired context backups swept", "removed", n)
		}
	}
}

func (m *Maintenance) scheduledSync() {
	if m.mgr.IsOffline() {
		return
	}
	if m.mgr.State().QueuedOperations == 0 {
		return
	}
	if err := m.engine.TriggerSync(); err != nil && !errors.Is(err, ErrEngineBusy) {
		m.logger.Debug("scheduled sync not started", "error", err)
	}
}
