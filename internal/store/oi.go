// Package store keeps the latest open-interest value per symbol and answers
// freshness-aware reads. Entries are never evicted; staleness is decided at
// read time against the freshness threshold.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"dhanoi/models"
)

// DefaultFreshness is the maximum age of a value that is still served.
const DefaultFreshness = 60 * time.Second

var (
	ErrNoData = errors.New("no data recorded")
	ErrStale  = errors.New("data is stale")
)

// StaleError is returned by Value when an entry exists but has aged past the
// freshness threshold. It matches ErrStale with errors.Is.
type StaleError struct {
	Symbol string
	Age    time.Duration
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("open interest for %s is stale (%d sec)", e.Symbol, int(e.Age.Seconds()))
}

func (e *StaleError) Is(target error) bool {
	return target == ErrStale
}

// Status classifies the outcome of a read.
type Status int

const (
	StatusNoData Status = iota
	StatusOK
	StatusStale
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusStale:
		return "stale"
	default:
		return "no_data"
	}
}

// Reading is the result of Get. Value and Age are only meaningful when an
// entry exists (Status is StatusOK or StatusStale).
type Reading struct {
	Value  uint32
	Age    time.Duration
	Status Status
}

func (r Reading) Available() bool {
	return r.Status == StatusOK
}

// Option configures a Store.
type Option func(*Store)

func WithFreshness(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.freshness = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is safe for concurrent use by the feed writer and request readers.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]models.CacheEntry
	freshness time.Duration
	now       func() time.Time
}

func New(opts ...Option) *Store {
	s := &Store{
		entries:   make(map[string]models.CacheEntry),
		freshness: DefaultFreshness,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Freshness() time.Duration {
	return s.freshness
}

// Set overwrites the entry for symbol and stamps it with the current time.
func (s *Store) Set(symbol string, value uint32) {
	entry := models.CacheEntry{Value: value, ObservedAt: s.now()}
	s.mu.Lock()
	s.entries[symbol] = entry
	s.mu.Unlock()
}

// Get returns the freshness-classified reading for symbol.
func (s *Store) Get(symbol string) Reading {
	s.mu.RLock()
	entry, ok := s.entries[symbol]
	s.mu.RUnlock()
	if !ok {
		return Reading{Status: StatusNoData}
	}

	age := s.now().Sub(entry.ObservedAt)
	if age > s.freshness {
		return Reading{Value: entry.Value, Age: age, Status: StatusStale}
	}
	return Reading{Value: entry.Value, Age: age, Status: StatusOK}
}

// Value returns the fresh value for symbol, ErrNoData, or a *StaleError.
func (s *Store) Value(symbol string) (uint32, error) {
	r := s.Get(symbol)
	switch r.Status {
	case StatusOK:
		return r.Value, nil
	case StatusStale:
		return 0, &StaleError{Symbol: symbol, Age: r.Age}
	default:
		return 0, fmt.Errorf("open interest for %s: %w", symbol, ErrNoData)
	}
}

// Age returns the raw time since the last write, regardless of freshness.
func (s *Store) Age(symbol string) (time.Duration, bool) {
	s.mu.RLock()
	entry, ok := s.entries[symbol]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return s.now().Sub(entry.ObservedAt), true
}

// SymbolSnapshot is one row of Snapshot.
type SymbolSnapshot struct {
	Symbol     string    `json:"symbol"`
	Value      uint32    `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
	AgeSeconds float64   `json:"age_seconds"`
	Status     string    `json:"status"`
}

// Snapshot returns every entry sorted by symbol.
func (s *Store) Snapshot() []SymbolSnapshot {
	now := s.now()
	s.mu.RLock()
	out := make([]SymbolSnapshot, 0, len(s.entries))
	for sym, entry := range s.entries {
		age := now.Sub(entry.ObservedAt)
		status := StatusOK
		if age > s.freshness {
			status = StatusStale
		}
		out = append(out, SymbolSnapshot{
			Symbol:     sym,
			Value:      entry.Value,
			ObservedAt: entry.ObservedAt,
			AgeSeconds: age.Seconds(),
			Status:     status.String(),
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
