// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelkorolev/go-offsync/kvstore"
)

// persistWriter coalesces high-churn store writes (retry counters, sync
// bookkeeping) into one write per key per flush interval. Marshal
// closures run at flush time so the newest state wins. Close flushes
// whatever is pending; nothing is lost on shutdown.
type persistWriter struct {
	store    kvstore.Store
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]func() ([]byte, error)

	wake     chan struct{}
	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
}

func newPersistWriter(store kvstore.Store, interval time.Duration, logger *slog.Logger) *persistWriter {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &persistWriter{
		store:    store,
		interval: interval,
		logger:   logger,
		pending:  make(map[string]func() ([]byte, error)),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go w.loop()
	return w
}

// markDirty schedules key for the next flush. marshal is evaluated when
// the flush runs, not when the mark is made.
func (w *persistWriter) markDirty(key string, marshal func() ([]byte, error)) {
	w.mu.Lock()
	w.pending[key] = marshal
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *persistWriter) loop() {
	defer close(w.finished)
	for {
		select {
		case <-w.done:
			w.flush(context.Background())
			return
		case <-w.wake:
			timer := time.NewTimer(w.interval)
			select {
			case <-timer.C:
				w.flush(context.Background())
			case <-w.done:
				timer.Stop()
				w.flush(context.Background())
				return
			}
		}
	}
}

// flush writes all pending keys. Failed writes are re-queued for the next
// interval so transient store errors do not lose state.
func (w *persistWriter) flush(ctx context.Context) {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]func() ([]byte, error))
	w.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	for key, marshal := range pending {
		raw, err := marshal()
		if err != nil {
			w.logger.Warn("failed to serialize pending write", "key", key, "error", err)
			continue
		}
		if err := w.store.Set(ctx, key, raw); err != nil {
			w.logger.Warn("deferred store write failed, requeueing", "key", key, "error", err)
			w.mu.Lock()
			if _, overwritten := w.pending[key]; !overwritten {
				w.pending[key] = marshal
			}
			w.mu.Unlock()
			select {
			case w.wake <- struct{}{}:
			default:
			}
		}
	}
}

// Flush forces everything pending to disk now.
func (w *persistWriter) Flush(ctx context.Context) {
	w.flush(ctx)
}

// Close flushes pending writes and stops the background goroutine.
func (w *persistWriter) Close() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.finished
}
