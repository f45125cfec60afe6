// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"errors"
	"fmt"
)

// Error categories. Every typed error below reports one of these through
// its Category method so recovery triggers can match broad classes.
const (
	CategoryConnectivity = "connectivity"
	CategoryStore        = "store"
	CategorySync         = "sync"
	CategoryConflict     = "conflict"
	CategoryAuth         = "auth"
)

// ErrBatchTooLarge signals the remote rejected a batch for size; the
// engine reacts by splitting the batch and retrying the halves.
var ErrBatchTooLarge = errors.New("offsync: sync batch too large")

// ErrEngineBusy is returned by TriggerSync while a sync is running.
var ErrEngineBusy = errors.New("offsync: sync already in progress")

// ErrNotFound is returned for lookups of unknown operations or conflicts.
var ErrNotFound = errors.New("offsync: not found")

// ErrClosed is returned by operations on a closed Manager or Engine.
var ErrClosed = errors.New("offsync: closed")

// StoreError wraps a durable-store failure.
type StoreError struct {
	Op  string // "load", "save", "remove"
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed for %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error    { return e.Err }
func (e *StoreError) Code() string     { return "store_" + e.Op }
func (e *StoreError) Category() string { return CategoryStore }

// ConnectivityError wraps a monitor refresh/validation failure.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity %s failed: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error    { return e.Err }
func (e *ConnectivityError) Code() string     { return CategoryConnectivity }
func (e *ConnectivityError) Category() string { return CategoryConnectivity }

// SyncStage locates where inside a sync pass a failure happened.
type SyncStage string

const (
	StageConnectivityCheck  SyncStage = "connectivity_check"
	StageDataPull           SyncStage = "data_pull"
	StageDataPush           SyncStage = "data_push"
	StageConflictResolution SyncStage = "conflict_resolution"
	StageCleanup            SyncStage = "cleanup"
	StageBackup             SyncStage = "backup"
)

// SyncError wraps a failure inside a sync pass with its stage and the
// operation involved, when any.
type SyncError struct {
	Stage       SyncStage
	OperationID string
	Err         error
}

func (e *SyncError) Error() string {
	if e.OperationID == "" {
		return fmt.Sprintf("sync %s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("sync %s failed for operation %s: %v", e.Stage, e.OperationID, e.Err)
}

func (e *SyncError) Unwrap() error    { return e.Err }
func (e *SyncError) Code() string     { return "sync_" + string(e.Stage) }
func (e *SyncError) Category() string { return CategorySync }

// RemoteConflictError is returned by RemoteExecutor implementations when
// a version check fails. Remote carries the current server-side row so
// the engine can build a SyncConflict without another round trip.
type RemoteConflictError struct {
	Remote RemoteRecord
}

func (e *RemoteConflictError) Error() string {
	return fmt.Sprintf("remote version conflict on %s/%s (remote version %d)",
		e.Remote.Target, e.Remote.ID, e.Remote.Version)
}

func (e *RemoteConflictError) Code() string     { return CategoryConflict }
func (e *RemoteConflictError) Category() string { return CategoryConflict }

// AuthError marks a remote rejection for missing or expired credentials.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string    { return fmt.Sprintf("authentication failed: %v", e.Err) }
func (e *AuthError) Unwrap() error    { return e.Err }
func (e *AuthError) Code() string     { return CategoryAuth }
func (e *AuthError) Category() string { return CategoryAuth }

// RetryableError tags a transport-level failure as safe to retry. Remote
// executors wrap 5xx and connection errors with it so retry policies can
// match on the code.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string    { return e.Err.Error() }
func (e *RetryableError) Unwrap() error    { return e.Err }
func (e *RetryableError) Code() string     { return "transient" }
func (e *RetryableError) Category() string { return CategoryConnectivity }
