// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package pgremote implements offsync.RemoteExecutor directly against
// PostgreSQL. Each target maps to one table holding the record payload
// next to its version marker; writes are guarded by the caller's base
// version and lost races come back as *offsync.RemoteConflictError with
// the current row attached. Deletes are soft so recreated records can
// continue the version line.
package pgremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pavelkorolev/go-offsync/offsync"
)

// Executor is a Postgres-backed remote executor. The pool is owned by
// the caller.
type Executor struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewExecutor creates an executor on top of pool.
func NewExecutor(pool *pgxpool.Pool, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{pool: pool, logger: logger}
}

// EnsureTargets creates the record table for each target when missing.
func (e *Executor) EnsureTargets(ctx context.Context, targets ...string) error {
	for _, target := range targets {
		/*language=postgresql*/
		ddl := `CREATE TABLE IF NOT EXISTS ` + tableFor(target) + ` (
			id             TEXT        PRIMARY KEY,
			payload        JSONB,
			server_version BIGINT      NOT NULL DEFAULT 1,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted        BOOLEAN     NOT NULL DEFAULT FALSE
		)`
		if _, err := e.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table for target %q: %w", target, err)
		}
		e.logger.Debug("ensured target table", "target", target)
	}
	return nil
}

// Create inserts a record at version 1. Inserting over a live row is a
// conflict; inserting over a tombstone resurrects it one version up.
func (e *Executor) Create(ctx context.Context, target string, payload json.RawMessage) (offsync.RemoteRecord, error) {
	id := recordIDFromPayload(payload)
	tbl := tableFor(target)

	rec := offsync.RemoteRecord{ID: id, Target: target, Data: payload}
	err := e.pool.QueryRow(ctx, `
		INSERT INTO `+tbl+` (id, payload, server_version, updated_at, deleted)
		VALUES ($1, $2, 1, now(), FALSE)
		ON CONFLICT (id) DO UPDATE
		SET payload = EXCLUDED.payload,
		    server_version = `+tbl+`.server_version + 1,
		    updated_at = now(),
		    deleted = FALSE
		WHERE `+tbl+`.deleted
		RETURNING server_version, updated_at
	`, id, payload).Scan(&rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		current, ok, fetchErr := e.fetchCurrent(ctx, target, id)
		if fetchErr != nil {
			return offsync.RemoteRecord{}, fetchErr
		}
		if !ok {
			return offsync.RemoteRecord{}, fmt.Errorf("create conflict without current row for %s/%s", target, id)
		}
		return offsync.RemoteRecord{}, &offsync.RemoteConflictError{Remote: current}
	}
	if err != nil {
		return offsync.RemoteRecord{}, retryableDB("failed to create record", err)
	}
	return rec, nil
}

// Update replaces the payload when baseVersion still matches the stored
// version; otherwise the current row (or a tombstone for a vanished
// record) comes back as a conflict.
func (e *Executor) Update(ctx context.Context, target, recordID string, payload json.RawMessage, baseVersion int64) (offsync.RemoteRecord, error) {
	tbl := tableFor(target)

	rec := offsync.RemoteRecord{ID: recordID, Target: target, Data: payload}
	err := e.pool.QueryRow(ctx, `
		UPDATE `+tbl+`
		SET payload = $2, server_version = server_version + 1, updated_at = now()
		WHERE id = $1 AND NOT deleted AND server_version = $3
		RETURNING server_version, updated_at
	`, recordID, payload, baseVersion).Scan(&rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		current, ok, fetchErr := e.fetchCurrent(ctx, target, recordID)
		if fetchErr != nil {
			return offsync.RemoteRecord{}, fetchErr
		}
		if !ok {
			current = offsync.RemoteRecord{ID: recordID, Target: target, Deleted: true}
		}
		return offsync.RemoteRecord{}, &offsync.RemoteConflictError{Remote: current}
	}
	if err != nil {
		return offsync.RemoteRecord{}, retryableDB("failed to update record", err)
	}
	return rec, nil
}

// Delete tombstones the record when baseVersion matches. Deleting a
// missing or already-deleted record succeeds so retried deletes stay
// idempotent.
func (e *Executor) Delete(ctx context.Context, target, recordID string, baseVersion int64) error {
	tbl := tableFor(target)

	tag, err := e.pool.Exec(ctx, `
		UPDATE `+tbl+`
		SET deleted = TRUE, payload = NULL, server_version = server_version + 1, updated_at = now()
		WHERE id = $1 AND NOT deleted AND server_version = $2
	`, recordID, baseVersion)
	if err != nil {
		return retryableDB("failed to delete record", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	current, ok, fetchErr := e.fetchCurrent(ctx, target, recordID)
	if fetchErr != nil {
		return fetchErr
	}
	if !ok || current.Deleted {
		return nil
	}
	return &offsync.RemoteConflictError{Remote: current}
}

// Query lists live records whose payload contains params (jsonb @>).
// Nil params list everything.
func (e *Executor) Query(ctx context.Context, target string, params json.RawMessage) ([]offsync.RemoteRecord, error) {
	tbl := tableFor(target)

	var filter any
	if len(params) > 0 {
		filter = []byte(params)
	}
	rows, err := e.pool.Query(ctx, `
		SELECT id, payload, server_version, updated_at
		FROM `+tbl+`
		WHERE NOT deleted AND ($1::jsonb IS NULL OR payload @> $1::jsonb)
		ORDER BY id
	`, filter)
	if err != nil {
		return nil, retryableDB("failed to query records", err)
	}
	defer rows.Close()

	var out []offsync.RemoteRecord
	for rows.Next() {
		rec := offsync.RemoteRecord{Target: target}
		var payload []byte
		if err := rows.Scan(&rec.ID, &payload, &rec.Version, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Data = payload
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, retryableDB("failed to query records", err)
	}
	return out, nil
}

func (e *Executor) fetchCurrent(ctx context.Context, target, id string) (offsync.RemoteRecord, bool, error) {
	rec := offsync.RemoteRecord{Target: target}
	var payload []byte
	err := e.pool.QueryRow(ctx, `
		SELECT id, payload, server_version, updated_at, deleted
		FROM `+tableFor(target)+`
		WHERE id = $1
	`, id).Scan(&rec.ID, &payload, &rec.Version, &rec.UpdatedAt, &rec.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return offsync.RemoteRecord{}, false, nil
	}
	if err != nil {
		return offsync.RemoteRecord{}, false, retryableDB("failed to fetch current row", err)
	}
	rec.Data = payload
	return rec, true, nil
}

// tableFor maps a target onto its quoted table name.
func tableFor(target string) string {
	return pgx.Identifier{"offsync_" + target}.Sanitize()
}

// recordIDFromPayload pulls the record id out of the payload, minting
// one for payloads created without an explicit id.
func recordIDFromPayload(payload json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if len(payload) > 0 && json.Unmarshal(payload, &probe) == nil && probe.ID != "" {
		return probe.ID
	}
	return uuid.NewString()
}

// retryableDB wraps a database failure, tagging transient conditions
// (serialization failures, deadlocks, connection and resource errors)
// so retry policies match them.
func retryableDB(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		state := pgErr.SQLState()
		if state == "40001" || state == "40P01" ||
			strings.HasPrefix(state, "08") ||
			strings.HasPrefix(state, "53") ||
			strings.HasPrefix(state, "57") {
			return &offsync.RetryableError{Err: wrapped}
		}
		return wrapped
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapped
	}
	// No SQLSTATE at all means the failure happened on the wire.
	return &offsync.RetryableError{Err: wrapped}
}
