package dhan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	appconfig "dhanoi/config"
	"dhanoi/internal/metrics"
	"dhanoi/logger"
	"dhanoi/models"
	"dhanoi/processor"
)

const component = "dhan_oi_reader"

var (
	ErrConfiguration = errors.New("feed configuration error")
	ErrAborted       = errors.New("feed reconnect budget exhausted")
)

// Sink receives decoded open-interest values.
type Sink interface {
	Set(symbol string, value uint32)
}

// Option customises a reader.
type Option func(*Dhan_OI_Reader)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(r *Dhan_OI_Reader) {
		if d != nil {
			r.dialer = d
		}
	}
}

// WithWaiter replaces the backoff sleep. The function reports true when ctx
// ended before the delay elapsed.
func WithWaiter(wait func(ctx context.Context, delay time.Duration) bool) Option {
	return func(r *Dhan_OI_Reader) {
		if wait != nil {
			r.wait = wait
		}
	}
}

// OnTransition registers a hook called after every phase change.
func OnTransition(fn func(Transition)) Option {
	return func(r *Dhan_OI_Reader) {
		r.onTransition = fn
	}
}

// Dhan_OI_Reader keeps one websocket session to the market feed alive,
// subscribes the configured instruments and writes every decoded value into
// the sink. Failed sessions are retried with capped exponential backoff until
// the attempt budget runs out.
type Dhan_OI_Reader struct {
	config       *appconfig.Config
	instruments  *models.InstrumentSet
	router       *processor.Router
	sink         Sink
	dialer       Dialer
	wait         func(context.Context, time.Duration) bool
	onTransition func(Transition)

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	conn      Conn
	done      chan struct{}
	err       error

	statusMu sync.RWMutex
	status   Status

	log *logger.Log
}

// Dhan_OI_NewReader creates a reader. Nothing is dialled until Dhan_OI_Start.
func Dhan_OI_NewReader(cfg *appconfig.Config, instruments *models.InstrumentSet, router *processor.Router, sink Sink, opts ...Option) *Dhan_OI_Reader {
	r := &Dhan_OI_Reader{
		config:      cfg,
		instruments: instruments,
		router:      router,
		sink:        sink,
		wait:        waitForReconnect,
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
		status:      Status{Phase: PhaseDisconnected, Since: time.Now()},
	}
	if cfg != nil {
		r.dialer = newWebsocketDialer(cfg.Feed.HandshakeTimeout)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Dhan_OI_Reader) validate() error {
	if r.config == nil {
		return fmt.Errorf("%w: missing configuration", ErrConfiguration)
	}
	feed := r.config.Feed
	missing := make([]string, 0, 4)
	if feed.Host == "" {
		missing = append(missing, "host")
	}
	if feed.Token == "" {
		missing = append(missing, "token")
	}
	if feed.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if feed.AuthType == 0 {
		missing = append(missing, "auth_type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing feed %v", ErrConfiguration, missing)
	}
	if r.instruments.Len() == 0 {
		return fmt.Errorf("%w: no instruments configured", ErrConfiguration)
	}
	if r.router == nil || r.sink == nil || r.dialer == nil {
		return fmt.Errorf("%w: router, sink and dialer are required", ErrConfiguration)
	}
	return nil
}

// Dhan_OI_Start validates the configuration and starts the connection loop on
// its own goroutine. A running session is torn down first, so at most one
// socket is ever live.
func (r *Dhan_OI_Reader) Dhan_OI_Start(ctx context.Context) error {
	log := r.log.WithComponent(component).WithFields(logger.Fields{"operation": "Dhan_OI_Start"})
	if err := r.validate(); err != nil {
		log.WithError(err).Error("cannot start feed reader")
		return err
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()
	if running {
		log.Info("feed reader already running, restarting")
		r.stopLocked()
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.running = true
	r.err = nil
	r.mu.Unlock()

	r.statusMu.Lock()
	r.status.Attempts = 0
	r.status.NextDelay = 0
	r.status.LastError = ""
	r.statusMu.Unlock()

	log.WithFields(logger.Fields{
		"host":        r.config.Feed.Host,
		"instruments": r.instruments.Symbols(),
		"routing":     r.router.Mode(),
	}).Info("starting dhan open interest reader")

	r.wg.Add(1)
	go r.stream(runCtx, done)
	return nil
}

// Dhan_OI_Stop cancels the session, closes the socket and waits for the
// connection loop to exit.
func (r *Dhan_OI_Reader) Dhan_OI_Stop() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.log.WithComponent(component).Info("stopping dhan open interest reader")
	r.stopLocked()
	r.log.WithComponent(component).Info("dhan open interest reader stopped")
}

// stopLocked cancels before reading the published conn. runSession checks
// ctx after publishing, so every socket is closed by one side or the other.
func (r *Dhan_OI_Reader) stopLocked() {
	r.mu.Lock()
	cancel := r.cancel
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	r.wg.Wait()

	r.statusMu.RLock()
	aborted := r.status.Phase == PhaseAborted
	r.statusMu.RUnlock()
	if !aborted {
		r.transition(PhaseDisconnected, nil)
	}
}

// Status returns a snapshot of the connection state.
func (r *Dhan_OI_Reader) Status() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

// Running reports whether the connection loop is active.
func (r *Dhan_OI_Reader) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Done is closed when the current connection loop exits.
func (r *Dhan_OI_Reader) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.done
}

// Err returns ErrAborted after the attempt budget was exhausted.
func (r *Dhan_OI_Reader) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

func (r *Dhan_OI_Reader) transition(to Phase, mutate func(*Status)) {
	r.statusMu.Lock()
	from := r.status.Phase
	if mutate != nil {
		mutate(&r.status)
	}
	r.status.Phase = to
	if from != to {
		r.status.Since = time.Now()
	}
	snapshot := r.status
	r.statusMu.Unlock()

	if from == to {
		return
	}

	r.log.WithComponent(component).WithFields(logger.Fields{
		"from":     string(from),
		"to":       string(to),
		"attempts": snapshot.Attempts,
		"session":  snapshot.Session,
	}).Info("feed phase transition")
	metrics.EmitPhaseTransition(r.log, string(from), string(to))

	if r.onTransition != nil {
		r.onTransition(Transition{From: from, To: to, Status: snapshot})
	}
}

func (r *Dhan_OI_Reader) stream(ctx context.Context, done chan struct{}) {
	defer r.wg.Done()
	defer close(done)
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	rc := r.config.Feed.Reconnect
	url := FeedURL(r.config.Feed)

	for {
		if ctx.Err() != nil {
			return
		}

		session := uuid.NewString()
		log := r.log.WithComponent(component).WithFields(logger.Fields{"session": session})
		r.transition(PhaseConnecting, func(s *Status) {
			s.Session = session
			s.NextDelay = 0
		})

		err := r.runSession(ctx, url, log)
		if ctx.Err() != nil {
			return
		}

		var attempts int
		r.statusMu.Lock()
		r.status.Attempts++
		attempts = r.status.Attempts
		if err != nil {
			r.status.LastError = err.Error()
		}
		r.statusMu.Unlock()

		logger.IncrementReconnect()
		metrics.EmitFeedMetric(r.log, metrics.FeedReconnectAttempts, 1, nil)

		if attempts > rc.MaxAttempts {
			r.mu.Lock()
			r.err = ErrAborted
			r.mu.Unlock()
			r.transition(PhaseAborted, func(s *Status) { s.NextDelay = 0 })
			metrics.EmitFeedMetric(r.log, metrics.FeedAborted, 1, nil)
			log.WithError(err).WithField("attempts", attempts).Error("giving up on the feed after repeated failures")
			return
		}

		delay := ReconnectDelay(attempts, rc.BaseDelay, rc.MaxDelay)
		r.transition(PhaseBackoff, func(s *Status) { s.NextDelay = delay })
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempts,
			"delay":   delay.String(),
		}).Warn("feed session failed, reconnecting")

		if r.wait(ctx, delay) {
			return
		}
	}
}

// runSession dials, subscribes and reads until the connection fails.
func (r *Dhan_OI_Reader) runSession(ctx context.Context, url string, log *logger.Entry) error {
	conn, err := r.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		r.mu.Unlock()
		conn.Close()
	}()

	// Stop may have run between the dial and publishing conn.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	r.transition(PhaseSubscribing, nil)
	valid, skipped := r.instruments.Subscribable()
	for _, sym := range skipped {
		log.WithField("symbol", sym).Warn("instrument has no security id, excluded from subscription")
	}
	if len(valid) == 0 {
		log.Warn("no instrument has a security id, connection stays idle")
	} else {
		sub := NewSubscription(valid)
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		log.WithField("instrument_count", sub.InstrumentCount).Info("subscription sent")
	}

	r.transition(PhaseStreaming, nil)

	readTimeout := r.config.Feed.ReadTimeout
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	pingCancel := startPingLoop(ctx, conn, r.config.Feed.PingInterval, log)
	defer pingCancel()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if messageType != websocket.BinaryMessage {
			log.WithField("message", string(data)).Debug("ignoring non-binary message")
			continue
		}
		r.handleFrame(data, log)
	}
}

func (r *Dhan_OI_Reader) handleFrame(frame []byte, log *logger.Entry) {
	logger.IncrementFrameRead(len(frame))
	metrics.EmitFeedMetric(r.log, metrics.FeedFramesReceived, 1, nil)

	updates, err := r.router.Route(frame)
	if err != nil {
		metrics.EmitFeedMetric(r.log, metrics.FeedFramesMalformed, 1, nil)
		log.WithError(err).WithField("size", len(frame)).Warn("dropping frame")
		return
	}

	for _, u := range updates {
		r.sink.Set(u.Symbol, u.Value)
		logger.IncrementOIUpdate()
		log.WithFields(logger.Fields{"symbol": u.Symbol, "open_interest": u.Value}).Debug("updated open interest")
	}
	metrics.EmitFeedMetric(r.log, metrics.FeedOIUpdates, len(updates), nil)

	r.statusMu.Lock()
	r.status.Attempts = 0
	r.status.LastFrameAt = time.Now()
	r.statusMu.Unlock()
}
