// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// offsync-sim walks the sync stack through a full offline round trip
// against an in-process scripted remote: drop the network, queue work,
// reconnect, sync, then settle the provoked conflict. It exits non-zero
// when any step diverges from the expected state.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/pavelkorolev/go-offsync/connectivity"
	"github.com/pavelkorolev/go-offsync/internal/remotefake"
	"github.com/pavelkorolev/go-offsync/kvstore"
	"github.com/pavelkorolev/go-offsync/offsync"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file (defaults apply when empty)")
	isDebug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found")
	}

	slogLevel := slog.LevelInfo
	if *isDebug {
		slogLevel = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	}))
	slog.SetDefault(logger)

	cfg := offsync.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = offsync.LoadConfig(*configPath)
		if err != nil {
			logger.Error("Failed to load config", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runScenario(ctx, logger, cfg); err != nil {
		logger.Error("Simulation failed", "error", err)
		fmt.Println("❌ Offline sync simulation failed")
		os.Exit(1)
	}
	fmt.Println("🎉 Offline sync simulation completed successfully!")
}

// healthEndpoint is the probe target; flipping online simulates the
// device losing and regaining its network.
type healthEndpoint struct {
	online atomic.Bool
}

func (h *healthEndpoint) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	if h.online.Load() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

func runScenario(ctx context.Context, logger *slog.Logger, cfg offsync.Config) error {
	// Local health endpoint so the prober exercises a real HTTP probe.
	health := &healthEndpoint{}
	health.online.Store(true)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to start health endpoint: %w", err)
	}
	server := &http.Server{Handler: health}
	go func() { _ = server.Serve(ln) }()
	defer server.Close()
	healthURL := "http://" + ln.Addr().String() + "/healthz"

	prober, err := connectivity.NewProber([]string{healthURL}, logger)
	if err != nil {
		return fmt.Errorf("failed to create prober: %w", err)
	}
	if _, err := prober.Refresh(ctx); err != nil {
		return fmt.Errorf("initial connectivity check: %w", err)
	}

	// Scripted server side, seeded with a task another device already
	// bumped to version 2 so the local edit below must collide.
	remote := synctest.NewRemote()
	remote.Seed(offsync.RemoteRecord{
		ID: "t-1", Target: "tasks", Version: 2,
		Data:      json.RawMessage(`{"id":"t-1","title":"server copy","updated_at":"2025-06-01T10:00:00Z"}`),
		UpdatedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	})

	store := kvstore.NewMemoryStore()
	mgr, err := offsync.NewManager(store, prober, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	defer mgr.Close()

	// The scenario drives sync passes by hand, so the reconnect trigger
	// stays off.
	engine, err := offsync.NewEngine(mgr, remote, logger, offsync.WithAutoSync(false))
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer engine.Close()

	stateSub := mgr.AddListener("sim", func(st offsync.OfflineState) {
		logger.Info("state changed",
			"offline", st.IsOffline, "queued", st.QueuedOperations,
			"cached_entries", st.CachedEntries, "storage_used", st.StorageUsed)
	})
	defer stateSub.Unsubscribe()
	progressSub := engine.AddProgressListener("sim", func(p offsync.SyncProgress) {
		logger.Info("sync progress",
			"status", p.Status, "total", p.TotalOperations,
			"completed", p.CompletedOperations, "failed", p.FailedOperations,
			"percentage", fmt.Sprintf("%.0f%%", p.Percentage))
	})
	defer progressSub.Unsubscribe()
	conflictSub := engine.AddConflictListener("sim", func(c offsync.SyncConflict) {
		logger.Warn("conflict detected",
			"conflict", c.ID, "target", c.Target, "record", c.RecordID, "type", c.Type)
	})
	defer conflictSub.Unsubscribe()

	fmt.Println("📡 Step 1: network drops")
	health.online.Store(false)
	if _, err := prober.Refresh(ctx); err != nil {
		return fmt.Errorf("connectivity refresh: %w", err)
	}
	if !mgr.IsOffline() {
		return errors.New("expected offline state after losing the health endpoint")
	}

	fmt.Println("📝 Step 2: queue work while offline")
	noteID, err := mgr.QueueOperation(ctx, offsync.OfflineOperation{
		Kind:    offsync.OpCreate,
		Target:  "notes",
		Payload: json.RawMessage(`{"id":"n-1","body":"written on the train","updated_at":"2025-06-01T10:05:00Z"}`),
	})
	if err != nil {
		return fmt.Errorf("queue note create: %w", err)
	}
	if _, err := mgr.QueueOperation(ctx, offsync.OfflineOperation{
		Kind:           offsync.OpUpdate,
		Target:         "tasks",
		RecordID:       "t-1",
		BaseVersion:    1,
		Priority:       offsync.PriorityCritical,
		ConflictPolicy: offsync.StrategyUserIntervention,
		Payload:        json.RawMessage(`{"id":"t-1","title":"local edit","updated_at":"2025-06-01T10:06:00Z"}`),
	}); err != nil {
		return fmt.Errorf("queue task update: %w", err)
	}
	if _, err := mgr.QueueOperation(ctx, offsync.OfflineOperation{
		Kind:      offsync.OpCreate,
		Target:    "notes",
		Priority:  offsync.PriorityLow,
		DependsOn: []string{noteID},
		Payload:   json.RawMessage(`{"id":"n-2","body":"follow-up","updated_at":"2025-06-01T10:07:00Z"}`),
	}); err != nil {
		return fmt.Errorf("queue dependent note: %w", err)
	}
	if got := mgr.State().QueuedOperations; got != 3 {
		return fmt.Errorf("expected 3 queued operations, got %d", got)
	}

	// Cached reads keep working without the network.
	if err := mgr.CacheData(ctx, "profile/u-1", json.RawMessage(`{"name":"Ada"}`), time.Hour); err != nil {
		return fmt.Errorf("cache profile: %w", err)
	}
	if _, err := mgr.CachedData(ctx, "profile/u-1"); err != nil {
		return fmt.Errorf("read cached profile while offline: %w", err)
	}

	fmt.Println("🚫 Step 3: sync refused while offline")
	err = engine.TriggerSync()
	if err == nil {
		return errors.New("expected TriggerSync to fail while offline")
	}
	logger.Info("sync correctly refused", "error", err)

	fmt.Println("📶 Step 4: network returns")
	health.online.Store(true)
	if _, err := prober.Refresh(ctx); err != nil {
		return fmt.Errorf("connectivity refresh: %w", err)
	}
	if mgr.IsOffline() {
		return errors.New("expected online state after the health endpoint recovered")
	}

	fmt.Println("🔄 Step 5: sync the queued work")
	if err := engine.Sync(ctx); err != nil {
		return fmt.Errorf("sync pass: %w", err)
	}
	if calls := remote.Calls(); len(calls) == 0 || calls[0] != "update tasks/t-1" {
		return fmt.Errorf("expected the critical task update to run first, journal: %v", remote.Calls())
	}
	if _, ok := remote.Record("notes", "n-1"); !ok {
		return errors.New("note n-1 did not reach the remote")
	}
	if _, ok := remote.Record("notes", "n-2"); !ok {
		return errors.New("dependent note n-2 did not reach the remote")
	}

	conflicts := mgr.PendingConflicts()
	if len(conflicts) != 1 {
		return fmt.Errorf("expected exactly one pending conflict, got %d", len(conflicts))
	}
	c := conflicts[0]
	if got := mgr.State().QueuedOperations; got != 1 {
		return fmt.Errorf("expected the conflicted update to stay queued, got %d operations", got)
	}

	fmt.Println("⚖️  Step 6: settle the conflict by hand")
	err = mgr.ResolveConflict(ctx, c.ID, offsync.ConflictResolution{
		ResolvedData: json.RawMessage(`{"id":"t-1","title":"local edit (kept)","updated_at":"2025-06-01T10:08:00Z"}`),
	})
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if err := engine.Sync(ctx); err != nil {
		return fmt.Errorf("push resolved data: %w", err)
	}

	if got := mgr.State().QueuedOperations; got != 0 {
		return fmt.Errorf("queue should drain after resolution, %d operations left", got)
	}
	if remaining := mgr.PendingConflicts(); len(remaining) != 0 {
		return fmt.Errorf("conflict still pending after resolution: %d", len(remaining))
	}
	task, ok := remote.Record("tasks", "t-1")
	if !ok || task.Version != 3 {
		return fmt.Errorf("expected task t-1 at version 3 on the remote, got %+v", task)
	}

	logger.Info("scenario finished",
		"remote_calls", len(remote.Calls()), "task_version", task.Version)
	return nil
}
