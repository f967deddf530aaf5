package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGetNoData(t *testing.T) {
	s := New()

	r := s.Get("NIFTY")
	assert.Equal(t, StatusNoData, r.Status)
	assert.False(t, r.Available())

	_, err := s.Value("NIFTY")
	require.ErrorIs(t, err, ErrNoData)
	assert.False(t, errors.Is(err, ErrStale))

	_, ok := s.Age("NIFTY")
	assert.False(t, ok)
}

func TestSetThenStale(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	s.Set("NIFTY", 1500)

	v, err := s.Value("NIFTY")
	require.NoError(t, err)
	assert.Equal(t, uint32(1500), v)

	clock.Advance(60 * time.Second)
	r := s.Get("NIFTY")
	assert.Equal(t, StatusOK, r.Status, "age equal to the threshold is still fresh")

	clock.Advance(time.Second)
	r = s.Get("NIFTY")
	assert.Equal(t, StatusStale, r.Status)
	assert.Equal(t, uint32(1500), r.Value)
	assert.Equal(t, 61*time.Second, r.Age)

	_, err = s.Value("NIFTY")
	require.ErrorIs(t, err, ErrStale)
	assert.False(t, errors.Is(err, ErrNoData))

	var stale *StaleError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, 61*time.Second, stale.Age)
}

func TestSetOverwritesAndRefreshes(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	s.Set("NIFTY", 1)
	clock.Advance(2 * time.Minute)
	require.Equal(t, StatusStale, s.Get("NIFTY").Status)

	s.Set("NIFTY", 2)
	r := s.Get("NIFTY")
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, uint32(2), r.Value)
	assert.Zero(t, r.Age)
}

func TestAgeIgnoresThreshold(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now), WithFreshness(10*time.Second))

	s.Set("BANKNIFTY", 10)
	clock.Advance(time.Hour)

	age, ok := s.Age("BANKNIFTY")
	require.True(t, ok)
	assert.Equal(t, time.Hour, age)
	assert.Equal(t, StatusStale, s.Get("BANKNIFTY").Status)
}

func TestAgeMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := newFakeClock()
		s := New(WithClock(clock.Now))
		s.Set("NIFTY", rapid.Uint32().Draw(t, "value"))

		prev, _ := s.Age("NIFTY")
		steps := rapid.SliceOfN(rapid.Int64Range(0, int64(10*time.Minute)), 1, 20).Draw(t, "steps")
		for _, step := range steps {
			clock.Advance(time.Duration(step))
			age, ok := s.Age("NIFTY")
			if !ok {
				t.Fatalf("entry disappeared")
			}
			if age < prev {
				t.Fatalf("age went backwards: %v < %v", age, prev)
			}
			prev = age
		}
	})
}

func TestFreshnessProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := newFakeClock()
		s := New(WithClock(clock.Now))
		value := rapid.Uint32().Draw(t, "value")
		elapsed := time.Duration(rapid.Int64Range(0, int64(5*time.Minute)).Draw(t, "elapsed"))

		s.Set("SYM", value)
		clock.Advance(elapsed)

		got, err := s.Value("SYM")
		if elapsed <= DefaultFreshness {
			if err != nil || got != value {
				t.Fatalf("expected fresh %d after %v, got %d, %v", value, elapsed, got, err)
			}
		} else if !errors.Is(err, ErrStale) {
			t.Fatalf("expected stale after %v, got %v", elapsed, err)
		}
	})
}

func TestSnapshot(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	s.Set("NIFTY", 1)
	clock.Advance(2 * time.Minute)
	s.Set("BANKNIFTY", 2)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "BANKNIFTY", snap[0].Symbol)
	assert.Equal(t, "ok", snap[0].Status)
	assert.Equal(t, "NIFTY", snap[1].Symbol)
	assert.Equal(t, "stale", snap[1].Status)
}

func TestConcurrentSetAndGet(t *testing.T) {
	s := New()
	var wg sync.WaitGroup

	// Writers always store value == index*2 so a torn read would be odd.
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s.Set("NIFTY", uint32((w*1000+i)*2))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				reading := s.Get("NIFTY")
				if reading.Status == StatusOK && reading.Value%2 != 0 {
					t.Errorf("observed torn value %d", reading.Value)
					return
				}
			}
		}()
	}
	wg.Wait()
}
