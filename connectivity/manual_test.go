package connectivity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualStampsCheckedAt(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	manual := NewManual()
	manual.now = func() time.Time { return fixed }

	manual.Set(NetworkState{Connected: true, InternetReachable: true, Type: TypeWifi})
	require.Equal(t, fixed, manual.Current().CheckedAt)

	explicit := fixed.Add(time.Hour)
	manual.Set(NetworkState{Connected: true, InternetReachable: true, Type: TypeEthernet, CheckedAt: explicit})
	require.Equal(t, explicit, manual.Current().CheckedAt)
}

func TestManualNotifiesOnMeaningfulChangesOnly(t *testing.T) {
	manual := NewManual()

	var events []NetworkState
	manual.AddListener("t", func(s NetworkState) { events = append(events, s) })

	base := NetworkState{
		Connected:         true,
		InternetReachable: true,
		Type:              TypeWifi,
		Quality:           QualityGood,
	}
	manual.Set(base) // offline -> online

	quality := base
	quality.Quality = QualityPoor
	manual.Set(quality)

	transport := quality
	transport.Type = TypeCellular
	manual.Set(transport)

	// Latency and timestamp changes alone are not worth waking listeners.
	cosmetic := transport
	cosmetic.Latency = 250 * time.Millisecond
	cosmetic.CheckedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	manual.Set(cosmetic)

	require.Len(t, events, 3)
	require.Equal(t, QualityPoor, events[1].Quality)
	require.Equal(t, TypeCellular, events[2].Type)
	require.Equal(t, cosmetic, manual.Current())
}

func TestManualNotifiesListenersInStableOrder(t *testing.T) {
	manual := NewManual()

	var order []string
	manual.AddListener("engine", func(NetworkState) { order = append(order, "engine") })
	manual.AddListener("app", func(NetworkState) { order = append(order, "app") })

	manual.SetOnline(true)
	require.Equal(t, []string{"app", "engine"}, order)
}

func TestManualReplacesAndRemovesListeners(t *testing.T) {
	manual := NewManual()

	var first, second int
	manual.AddListener("t", func(NetworkState) { first++ })
	manual.AddListener("t", func(NetworkState) { second++ })

	manual.SetOnline(true)
	require.Zero(t, first)
	require.Equal(t, 1, second)

	manual.RemoveListener("t")
	manual.SetOnline(false)
	require.Equal(t, 1, second)

	manual.RemoveListener("t") // absent id is a no-op
}

func TestManualListenersMayReadCurrent(t *testing.T) {
	manual := NewManual()

	called := false
	manual.AddListener("t", func(s NetworkState) {
		called = true
		require.Equal(t, s, manual.Current())
	})

	manual.SetOnline(true)
	require.True(t, called)
}
