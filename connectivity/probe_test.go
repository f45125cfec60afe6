package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProberClassifiesQuality(t *testing.T) {
	tests := []struct {
		name    string
		latency time.Duration
		want    Quality
	}{
		{"excellent", 50 * time.Millisecond, QualityExcellent},
		{"good", 200 * time.Millisecond, QualityGood},
		{"fair", 700 * time.Millisecond, QualityFair},
		{"poor", 2 * time.Second, QualityPoor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, qualityForLatency(tt.latency))
		})
	}
}

func TestProberRefreshOnlineAndOffline(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	prober, err := NewProber([]string{server.URL}, nil)
	require.NoError(t, err)

	state, err := prober.Refresh(context.Background())
	require.NoError(t, err)
	require.True(t, state.Online())
	require.True(t, state.InternetReachable)
	require.NotEqual(t, QualityUnknown, state.Quality)

	healthy.Store(false)
	state, err = prober.Refresh(context.Background())
	require.NoError(t, err)
	require.False(t, state.Online())
	require.Equal(t, TypeNone, state.Type)
}

func TestProberNotifiesListenersOnChangeOnly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	// Frozen clock keeps measured latency at zero so repeated refreshes
	// produce identical states.
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	prober, err := NewProber([]string{server.URL}, nil, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	var calls int32
	prober.AddListener("engine", func(NetworkState) { atomic.AddInt32(&calls, 1) })

	_, err = prober.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, err = prober.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	prober.RemoveListener("engine")
}

func TestManualMonitorScriptsStates(t *testing.T) {
	manual := NewManual()

	var got []bool
	manual.AddListener("t", func(s NetworkState) { got = append(got, s.Online()) })

	manual.SetOnline(true)
	manual.SetOnline(true) // no change, no event
	manual.SetOnline(false)

	require.Equal(t, []bool{true, false}, got)
	require.False(t, manual.Current().Online())

	state, err := manual.Refresh(context.Background())
	require.NoError(t, err)
	require.False(t, state.Online())
}
