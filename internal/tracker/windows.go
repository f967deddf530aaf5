// Package tracker computes open-interest drift over rolling windows. Each
// symbol/window pair keeps an anchor that is seeded on first read and rolled
// forward once the window has elapsed.
package tracker

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dhanoi/logger"
	"dhanoi/models"
)

var (
	ErrNoData         = errors.New("no fresh open interest")
	errInvalidWindow  = errors.New("window out of range")
	errAnchorInFuture = errors.New("anchor time is ahead of the clock")
	errTooManyWindows = errors.New("window limit reached for symbol")
)

const (
	// MaxWindowMinutes is the longest window accepted, one week.
	MaxWindowMinutes = 7 * 24 * 60
	// MaxRequestWindows bounds the distinct windows in one ParseWindows call.
	MaxRequestWindows = 16
	// DefaultMaxWindowsPerSymbol bounds the anchors a single symbol can hold.
	DefaultMaxWindowsPerSymbol = 32
)

// DefaultWindows mirrors the timeframes of the TradingView indicator.
var DefaultWindows = []time.Duration{
	15 * time.Minute,
	45 * time.Minute,
	75 * time.Minute,
	120 * time.Minute,
	240 * time.Minute,
}

var hundred = decimal.NewFromInt(100)

// ValueSource yields the freshness-checked current value of a symbol.
type ValueSource interface {
	Value(symbol string) (uint32, error)
}

// WindowChange is the drift of one window for one read.
type WindowChange struct {
	Window    time.Duration `json:"-"`
	ChangePct float64       `json:"oiChange"`
	Current   uint32        `json:"currentOI"`
	Anchor    uint32        `json:"anchorOI"`
	AnchorAt  time.Time     `json:"anchorTime"`
	Rolled    bool          `json:"rolled"`
	Failed    bool          `json:"-"`
}

// Result holds the changes for one symbol in the order the windows were requested.
type Result struct {
	Symbol  string
	Current uint32
	Changes []WindowChange
}

// ByMinutes keys the changes by their window length in minutes, e.g. "15".
func (r Result) ByMinutes() map[string]WindowChange {
	out := make(map[string]WindowChange, len(r.Changes))
	for _, c := range r.Changes {
		out[WindowKey(c.Window)] = c
	}
	return out
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithMaxWindows caps the number of distinct windows tracked per symbol.
// Windows requested past the cap are reported as failed.
func WithMaxWindows(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxWindows = n
		}
	}
}

// Tracker is safe for concurrent use. A read for a symbol updates all of its
// windows under one lock, so no reader sees a partially rolled set.
type Tracker struct {
	source     ValueSource
	now        func() time.Time
	log        *logger.Log
	maxWindows int
	mu         sync.Mutex
	anchors    map[string]map[time.Duration]*models.WindowAnchor
}

func New(source ValueSource, opts ...Option) *Tracker {
	t := &Tracker{
		source:     source,
		now:        time.Now,
		log:        logger.GetLogger(),
		maxWindows: DefaultMaxWindowsPerSymbol,
		anchors:    make(map[string]map[time.Duration]*models.WindowAnchor),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Changes reads the current value of symbol and returns its drift for each
// window. ErrNoData is returned when the source has no fresh value.
func (t *Tracker) Changes(symbol string, windows []time.Duration) (Result, error) {
	current, err := t.source.Value(symbol)
	if err != nil {
		return Result{Symbol: symbol}, fmt.Errorf("%w for %s: %w", ErrNoData, symbol, err)
	}

	res := Result{Symbol: symbol, Current: current, Changes: make([]WindowChange, 0, len(windows))}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	perSymbol, ok := t.anchors[symbol]
	if !ok {
		perSymbol = make(map[time.Duration]*models.WindowAnchor, len(windows))
		t.anchors[symbol] = perSymbol
	}

	for _, window := range windows {
		change, err := t.advance(perSymbol, window, current, now)
		if err != nil {
			t.log.WithComponent("oi_tracker").WithError(err).WithFields(logger.Fields{
				"symbol": symbol,
				"window": WindowKey(window),
			}).Warn("window change failed, reporting neutral change")
			change = WindowChange{Window: window, Current: current, Failed: true}
		}
		res.Changes = append(res.Changes, change)
	}
	return res, nil
}

// advance applies seed/roll/compare for one window. A panic while computing
// is turned into an error so the remaining windows are still served.
func (t *Tracker) advance(perSymbol map[time.Duration]*models.WindowAnchor, window time.Duration, current uint32, now time.Time) (change WindowChange, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("window %s: %v", window, r)
		}
	}()

	if window <= 0 || window > MaxWindowMinutes*time.Minute {
		return WindowChange{}, fmt.Errorf("%w: %s", errInvalidWindow, window)
	}

	anchor, ok := perSymbol[window]
	if !ok {
		if len(perSymbol) >= t.maxWindows {
			return WindowChange{}, fmt.Errorf("%w: %d windows", errTooManyWindows, len(perSymbol))
		}
		perSymbol[window] = &models.WindowAnchor{Window: window, Value: current, At: now}
		return WindowChange{Window: window, Current: current, Anchor: current, AnchorAt: now}, nil
	}
	if anchor.At.After(now) {
		return WindowChange{}, fmt.Errorf("%w: %s > %s", errAnchorInFuture, anchor.At, now)
	}

	change = WindowChange{
		Window:    window,
		ChangePct: ChangePct(current, anchor.Value),
		Current:   current,
		Anchor:    anchor.Value,
		AnchorAt:  anchor.At,
	}
	if now.Sub(anchor.At) >= window {
		perSymbol[window] = &models.WindowAnchor{Window: window, Value: current, At: now}
		change.Rolled = true
	}
	return change, nil
}

// Anchors returns a copy of the anchors held for symbol, sorted by window.
func (t *Tracker) Anchors(symbol string) []models.WindowAnchor {
	t.mu.Lock()
	defer t.mu.Unlock()

	perSymbol := t.anchors[symbol]
	out := make([]models.WindowAnchor, 0, len(perSymbol))
	for _, a := range perSymbol {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Window < out[j].Window })
	return out
}

// ChangePct returns (current-anchor)/anchor*100 rounded to two decimals, or 0
// when the anchor is zero.
func ChangePct(current, anchor uint32) float64 {
	if anchor == 0 {
		return 0
	}
	a := decimal.NewFromInt(int64(anchor))
	pct := decimal.NewFromInt(int64(current)).Sub(a).Div(a).Mul(hundred).Round(2)
	return pct.InexactFloat64()
}

// WindowKey renders a window as its length in whole minutes.
func WindowKey(window time.Duration) string {
	return strconv.FormatInt(int64(window/time.Minute), 10)
}

// ParseWindows parses minute values such as "15" or " 45 " into durations.
// Empty items are skipped; an empty input yields DefaultWindows. Values must
// lie in [1, MaxWindowMinutes] and at most MaxRequestWindows distinct values
// are accepted.
func ParseWindows(items []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(items))
	seen := make(map[time.Duration]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		minutes, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("invalid timeframe %q: %w", item, err)
		}
		if minutes <= 0 || minutes > MaxWindowMinutes {
			return nil, fmt.Errorf("invalid timeframe %q: must be between 1 and %d minutes", item, MaxWindowMinutes)
		}
		w := time.Duration(minutes) * time.Minute
		if _, dup := seen[w]; dup {
			continue
		}
		if len(out) == MaxRequestWindows {
			return nil, fmt.Errorf("too many timeframes: at most %d allowed", MaxRequestWindows)
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	if len(out) == 0 {
		return append([]time.Duration(nil), DefaultWindows...), nil
	}
	return out, nil
}
