// Package kvstore defines the durable key-value store the sync engine
// persists its state into, plus the provided backends (SQLite for devices,
// in-memory for tests and simulations).
//
// Values are opaque byte slices; callers store JSON documents. All
// operations are safe for concurrent use.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the durable storage contract. Implementations must tolerate
// concurrent calls and must not retain the value slices passed to Set.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// GetAllKeys lists every key currently present.
	GetAllKeys(ctx context.Context) ([]string, error)

	// MultiRemove deletes all listed keys in one call.
	MultiRemove(ctx context.Context, keys []string) error
}
