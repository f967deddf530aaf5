// Package refresh reads every configured instrument on a timer so window
// anchors keep rolling when no client is polling.
package refresh

import (
	"context"
	"sync"
	"time"

	appconfig "dhanoi/config"
	"dhanoi/internal/metrics"
	"dhanoi/internal/tracker"
	"dhanoi/logger"
	"dhanoi/models"
)

const (
	component       = "oi_refresher"
	defaultInterval = time.Minute
)

// ChangeTracker is the part of the tracker the refresher drives.
type ChangeTracker interface {
	Changes(symbol string, windows []time.Duration) (tracker.Result, error)
}

// Summary counts the outcome of one pass.
type Summary struct {
	Refreshed int
	Missing   []string
}

type Refresher struct {
	tracker     ChangeTracker
	instruments *models.InstrumentSet
	windows     []time.Duration
	interval    time.Duration
	log         *logger.Log

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func New(cfg appconfig.RefreshConfig, tr ChangeTracker, instruments *models.InstrumentSet, windows []time.Duration) *Refresher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	if len(windows) == 0 {
		windows = tracker.DefaultWindows
	}
	return &Refresher{
		tracker:     tr,
		instruments: instruments,
		windows:     append([]time.Duration(nil), windows...),
		interval:    interval,
		log:         logger.GetLogger(),
	}
}

// RefreshOnce reads each instrument once.
func (r *Refresher) RefreshOnce() Summary {
	var sum Summary
	log := r.log.WithComponent(component)
	for _, symbol := range r.instruments.Symbols() {
		res, err := r.tracker.Changes(symbol, r.windows)
		if err != nil {
			log.WithError(err).WithField("symbol", symbol).Warn("open interest unavailable, windows not refreshed")
			sum.Missing = append(sum.Missing, symbol)
			continue
		}
		log.WithFields(logger.Fields{
			"symbol":  symbol,
			"current": res.Current,
		}).Debug("windows refreshed")
		sum.Refreshed++
	}
	metrics.EmitMetric(r.log, component, "refresh_missing", len(sum.Missing), "gauge", logger.Fields{"unit": "count"})
	return sum
}

// Start runs RefreshOnce every interval until ctx ends or Stop is called.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.loop(runCtx)

	r.log.WithComponent(component).WithFields(logger.Fields{
		"interval": r.interval.String(),
		"symbols":  r.instruments.Len(),
	}).Info("open interest refresher started")
}

func (r *Refresher) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshOnce()
		}
	}
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	r.log.WithComponent(component).Info("open interest refresher stopped")
}
