// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelkorolev/go-offsync/kvstore"
)

// ErrNoBackup is returned when no usable backup exists for an operation.
var ErrNoBackup = errors.New("recovery: no context backup found")

const backupKeyPrefix = "offsync:backup:"

// ContextBackup snapshots in-flight application context (form data,
// navigation state, auth state) before a risky operation so a rollback can
// put the user back where they were.
type ContextBackup struct {
	ID          string          `json:"id"`
	OperationID string          `json:"operationId"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
	Version     int             `json:"version"`
	Checksum    string          `json:"checksum"`
}

// RestoreFunc applies a verified backup back onto the host application.
type RestoreFunc func(ctx context.Context, backup ContextBackup) error

// BackupStore persists context backups in the durable store and
// garbage-collects them after a retention period.
type BackupStore struct {
	store     kvstore.Store
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewBackupStore(store kvstore.Store, retention time.Duration, logger *slog.Logger) *BackupStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BackupStore{
		store:     store,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Save snapshots data for operationID. The version counts up per
// operation; the checksum covers the data payload.
func (s *BackupStore) Save(ctx context.Context, operationID string, data json.RawMessage) (ContextBackup, error) {
	latest, err := s.Latest(ctx, operationID)
	version := 1
	if err == nil {
		version = latest.Version + 1
	} else if !errors.Is(err, ErrNoBackup) {
		return ContextBackup{}, err
	}

	backup := ContextBackup{
		ID:          uuid.New().String(),
		OperationID: operationID,
		Timestamp:   s.now(),
		Data:        data,
		Version:     version,
		Checksum:    checksum(data),
	}
	raw, err := json.Marshal(backup)
	if err != nil {
		return ContextBackup{}, fmt.Errorf("failed to marshal context backup: %w", err)
	}
	if err := s.store.Set(ctx, backupKey(operationID, backup.ID), raw); err != nil {
		return ContextBackup{}, fmt.Errorf("failed to persist context backup: %w", err)
	}
	return backup, nil
}

// Latest returns the newest intact backup for operationID. Corrupt
// records (checksum mismatch, bad JSON) are skipped with a warning, same
// as the queue-load policy: availability over suspect state.
func (s *BackupStore) Latest(ctx context.Context, operationID string) (ContextBackup, error) {
	keys, err := s.store.GetAllKeys(ctx)
	if err != nil {
		return ContextBackup{}, fmt.Errorf("failed to list backup keys: %w", err)
	}

	prefix := backupKeyPrefix + operationID + ":"
	var best ContextBackup
	found := false
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		raw, err := s.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var backup ContextBackup
		if err := json.Unmarshal(raw, &backup); err != nil {
			s.logger.Warn("discarding unreadable context backup", "key", key, "error", err)
			continue
		}
		if checksum(backup.Data) != backup.Checksum {
			s.logger.Warn("discarding corrupt context backup", "key", key, "operation", operationID)
			continue
		}
		if !found || backup.Version > best.Version {
			best = backup
			found = true
		}
	}
	if !found {
		return ContextBackup{}, ErrNoBackup
	}
	return best, nil
}

// Sweep removes backups older than the retention period and returns how
// many were dropped.
func (s *BackupStore) Sweep(ctx context.Context) (int, error) {
	keys, err := s.store.GetAllKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list backup keys: %w", err)
	}

	cutoff := s.now().Add(-s.retention)
	var stale []string
	for _, key := range keys {
		if !strings.HasPrefix(key, backupKeyPrefix) {
			continue
		}
		raw, err := s.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var backup ContextBackup
		if err := json.Unmarshal(raw, &backup); err != nil {
			// Unreadable entries go out with the sweep.
			stale = append(stale, key)
			continue
		}
		if backup.Timestamp.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.store.MultiRemove(ctx, stale); err != nil {
		return 0, fmt.Errorf("failed to remove stale backups: %w", err)
	}
	return len(stale), nil
}

func backupKey(operationID, backupID string) string {
	return backupKeyPrefix + operationID + ":" + backupID
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
