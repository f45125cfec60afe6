// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// metricQueuedOperations tracks the current pending-queue depth
	metricQueuedOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offsync_queued_operations",
			Help: "Current number of queued offline operations",
		},
	)

	// metricOperationsEnqueued counts enqueued operations per kind
	metricOperationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_operations_enqueued_total",
			Help: "Total number of operations enqueued",
		},
		[]string{"kind"},
	)

	// metricSyncOperations counts executed operations per result
	metricSyncOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_sync_operations_total",
			Help: "Total number of sync operation executions",
		},
		[]string{"result"},
	)

	// metricSyncPasses counts whole sync passes per terminal status
	metricSyncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_sync_passes_total",
			Help: "Total number of sync passes",
		},
		[]string{"status"},
	)

	// metricConflicts counts detected conflicts per type
	metricConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_conflicts_total",
			Help: "Total number of detected sync conflicts",
		},
		[]string{"type"},
	)

	// metricConflictResolutions counts resolutions per strategy
	metricConflictResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_conflict_resolutions_total",
			Help: "Total number of resolved conflicts",
		},
		[]string{"strategy"},
	)

	// metricCacheEntries tracks live cache entries
	metricCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offsync_cache_entries",
			Help: "Current number of live cache entries",
		},
	)

	// metricCacheBytes tracks approximate cached payload size
	metricCacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offsync_cache_bytes",
			Help: "Approximate size of cached values in bytes",
		},
	)

	// metricSyncDuration tracks end-to-end sync pass latency
	metricSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "offsync_sync_duration_seconds",
			Help:    "Sync pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// metricOffline reports 1 while the engine considers itself offline
	metricOffline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offsync_offline",
			Help: "1 when the engine is offline, 0 when online",
		},
	)
)
