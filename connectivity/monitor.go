// Package connectivity reports whether the device can reach the network
// and how good the path is. The sync engine consumes it through the
// Monitor interface; hosts can plug in their own implementation (mobile
// shells usually bridge a platform reachability API through Manual) or use
// the HTTP Prober.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"context"
	"time"
)

// NetworkType identifies the transport the device is currently on.
type NetworkType string

const (
	TypeUnknown  NetworkType = "unknown"
	TypeNone     NetworkType = "none"
	TypeWifi     NetworkType = "wifi"
	TypeCellular NetworkType = "cellular"
	TypeEthernet NetworkType = "ethernet"
)

// Quality buckets round-trip latency into coarse health classes.
type Quality int

const (
	QualityUnknown Quality = iota
	QualityExcellent
	QualityGood
	QualityFair
	QualityPoor
)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// NetworkState is a point-in-time connectivity snapshot.
type NetworkState struct {
	Connected         bool
	InternetReachable bool
	Type              NetworkType
	Quality           Quality
	Latency           time.Duration
	CheckedAt         time.Time
}

// Online reports whether traffic can actually leave the device. Being
// associated to a network without internet reachability counts as offline.
func (s NetworkState) Online() bool {
	return s.Connected && s.InternetReachable
}

// Listener receives state snapshots. Called sequentially per listener, in
// registration order, only when the state changed.
type Listener func(NetworkState)

// Monitor is the connectivity contract the engine depends on.
type Monitor interface {
	// Current returns the last known state without touching the network.
	Current() NetworkState

	// Refresh re-validates connectivity now and returns the fresh state.
	Refresh(ctx context.Context) (NetworkState, error)

	// AddListener registers fn under id, replacing any previous listener
	// with the same id.
	AddListener(id string, fn Listener)

	// RemoveListener drops the listener registered under id.
	RemoveListener(id string)
}

func qualityForLatency(latency time.Duration) Quality {
	switch {
	case latency < 150*time.Millisecond:
		return QualityExcellent
	case latency < 400*time.Millisecond:
		return QualityGood
	case latency < time.Second:
		return QualityFair
	default:
		return QualityPoor
	}
}
