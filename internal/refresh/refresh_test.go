package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	appconfig "dhanoi/config"
	"dhanoi/internal/store"
	"dhanoi/internal/tracker"
	"dhanoi/models"
)

type recordingTracker struct {
	mu      sync.Mutex
	calls   []string
	windows [][]time.Duration
	missing map[string]bool
}

func (r *recordingTracker) Changes(symbol string, windows []time.Duration) (tracker.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, symbol)
	r.windows = append(r.windows, windows)
	if r.missing[symbol] {
		return tracker.Result{Symbol: symbol}, errors.New("no fresh open interest")
	}
	return tracker.Result{Symbol: symbol, Current: 1}, nil
}

func (r *recordingTracker) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func instruments(t *testing.T, symbols ...string) *models.InstrumentSet {
	t.Helper()
	items := make([]models.Instrument, 0, len(symbols))
	for i, s := range symbols {
		items = append(items, models.Instrument{Symbol: s, ExchangeSegment: "NSE_FNO", SecurityID: models.SecurityID(int64(1000 + i))})
	}
	set, err := models.NewInstrumentSet(items)
	require.NoError(t, err)
	return set
}

func TestRefreshOnceWalksEveryInstrument(t *testing.T) {
	tr := &recordingTracker{missing: map[string]bool{"BANKNIFTY": true}}
	windows := []time.Duration{15 * time.Minute, 45 * time.Minute}
	r := New(appconfig.RefreshConfig{Interval: time.Minute}, tr, instruments(t, "NIFTY", "BANKNIFTY", "FINNIFTY"), windows)

	sum := r.RefreshOnce()
	assert.Equal(t, 2, sum.Refreshed)
	assert.Equal(t, []string{"BANKNIFTY"}, sum.Missing)
	assert.ElementsMatch(t, []string{"NIFTY", "BANKNIFTY", "FINNIFTY"}, tr.calls)
	for _, w := range tr.windows {
		assert.Equal(t, windows, w)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	r := New(appconfig.RefreshConfig{}, &recordingTracker{}, instruments(t, "NIFTY"), nil)
	assert.Equal(t, time.Minute, r.interval)
	assert.Equal(t, tracker.DefaultWindows, r.windows)
}

func TestStartRefreshesUntilStopped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tr := &recordingTracker{}
	r := New(appconfig.RefreshConfig{Interval: 10 * time.Millisecond}, tr, instruments(t, "NIFTY"), nil)

	r.Start(context.Background())
	r.Start(context.Background())
	require.Eventually(t, func() bool { return tr.callCount() >= 2 }, 2*time.Second, 5*time.Millisecond)

	r.Stop()
	after := tr.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, tr.callCount())
	r.Stop()
}

func TestStartStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	r := New(appconfig.RefreshConfig{Interval: 5 * time.Millisecond}, &recordingTracker{}, instruments(t, "NIFTY"), nil)
	r.Start(ctx)
	cancel()
	r.Stop()
}

func TestRefreshRollsAnchorsWithoutRequests(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	oi := store.New(store.WithClock(clock), store.WithFreshness(time.Hour))
	tr := tracker.New(oi, tracker.WithClock(clock))
	windows := []time.Duration{15 * time.Minute}
	r := New(appconfig.RefreshConfig{Interval: time.Minute}, tr, instruments(t, "NIFTY"), windows)

	oi.Set("NIFTY", 1000)
	r.RefreshOnce()

	now = now.Add(15 * time.Minute)
	oi.Set("NIFTY", 1200)
	r.RefreshOnce()

	anchors := tr.Anchors("NIFTY")
	require.Len(t, anchors, 1)
	assert.EqualValues(t, 1200, anchors[0].Value)
	assert.Equal(t, now, anchors[0].At)
}
