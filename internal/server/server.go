// Package server exposes the open-interest cache and window drift over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	appconfig "dhanoi/config"
	"dhanoi/internal/metrics"
	"dhanoi/internal/store"
	"dhanoi/internal/tracker"
	"dhanoi/logger"
	"dhanoi/reader/dhan"
)

const (
	defaultPort       = "5000"
	requestIDHeader   = "X-Request-ID"
	defaultTVSymbol   = "NIFTY"
	unavailableReason = "OI not available"
)

// OIStore is the read side of the open-interest cache.
type OIStore interface {
	Get(symbol string) store.Reading
	Snapshot() []store.SymbolSnapshot
	Freshness() time.Duration
}

// ChangeTracker computes drift for a symbol over a set of windows.
type ChangeTracker interface {
	Changes(symbol string, windows []time.Duration) (tracker.Result, error)
}

// FeedStatus reports the feed connection state.
type FeedStatus interface {
	Status() dhan.Status
}

// Dependencies are the components the handlers read from. Feed may be nil.
type Dependencies struct {
	Store   OIStore
	Tracker ChangeTracker
	Feed    FeedStatus
	Windows []time.Duration
}

// Server hosts the HTTP API.
type Server struct {
	cfg           appconfig.ServerConfig
	deps          Dependencies
	log           *logger.Log
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	limiter       *rateLimiter
	router        *gin.Engine
	httpServer    *http.Server
}

// NewServer wires the handlers. The log and metric history hooks stay
// registered until Close or the end of Run.
func NewServer(cfg appconfig.ServerConfig, deps Dependencies, log *logger.Log) (*Server, error) {
	if deps.Store == nil || deps.Tracker == nil {
		return nil, errors.New("server requires a store and a tracker")
	}
	if log == nil {
		log = logger.GetLogger()
	}
	if len(deps.Windows) == 0 {
		deps.Windows = append([]time.Duration(nil), tracker.DefaultWindows...)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	cfg.Address = normalizeAddress(cfg.Address)

	ms := newMetricStore(defaultHistory)
	ls := newLogStore(defaultHistory)
	log.AddHook(ls)

	s := &Server{
		cfg:           cfg,
		deps:          deps,
		log:           log,
		metricStore:   ms,
		logStore:      ls,
		metricHandler: metrics.RegisterMetricHandler(ms.handle),
		limiter:       newRateLimiter(cfg.RateLimit),
	}

	router, err := s.buildRouter()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.router = router
	return s, nil
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Address reports the normalised listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("http_server").WithField("address", s.cfg.Address).Info("http server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		s.log.WithComponent("http_server").Info("http server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

// Close detaches the history hooks and stops the limiter cleanup.
func (s *Server) Close() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.limiter.stop()
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), trafficStats())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}
	if s.limiter != nil {
		router.Use(s.limiter.middleware())
	}

	router.GET("/", s.handleIndex)
	router.GET("/get_oi", s.handleGetOI)
	router.GET("/tv_data", s.handleTVData)
	router.GET("/status", s.handleStatus)
	router.GET("/api/metrics", s.handleMetrics)
	router.GET("/api/logs", s.handleLogs)
	return router, nil
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// trafficStats feeds per-route response counts into the runtime report.
func trafficStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}
		logger.RecordChannelMessage("http "+route, size)
	}
}

func (s *Server) feedPhase() dhan.Phase {
	if s.deps.Feed == nil {
		return dhan.PhaseDisconnected
	}
	return s.deps.Feed.Status().Phase
}

func (s *Server) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Dhan open interest server is running",
		"feed":    s.feedPhase(),
	})
}

func (s *Server) handleGetOI(c *gin.Context) {
	symbol := strings.TrimSpace(c.Query("ticker"))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ticker is required"})
		return
	}

	reading := s.deps.Store.Get(symbol)
	switch reading.Status {
	case store.StatusOK:
		c.JSON(http.StatusOK, gin.H{
			"symbol":        symbol,
			"open_interest": reading.Value,
			"age_seconds":   int(reading.Age.Seconds()),
		})
	case store.StatusStale:
		c.JSON(http.StatusNotFound, gin.H{
			"error":       unavailableReason,
			"reason":      store.StatusStale.String(),
			"age_seconds": int(reading.Age.Seconds()),
		})
	default:
		c.JSON(http.StatusNotFound, gin.H{
			"error":  unavailableReason,
			"reason": store.StatusNoData.String(),
		})
	}
}

func (s *Server) handleTVData(c *gin.Context) {
	symbol := strings.TrimSpace(c.DefaultQuery("symbol", defaultTVSymbol))
	if symbol == "" {
		symbol = defaultTVSymbol
	}

	windows := s.deps.Windows
	if raw := strings.TrimSpace(c.Query("timeframes")); raw != "" {
		parsed, err := tracker.ParseWindows(strings.Split(raw, ","))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		windows = parsed
	}

	result, err := s.deps.Tracker.Changes(symbol, windows)
	if err != nil {
		reason := store.StatusNoData.String()
		if errors.Is(err, store.ErrStale) {
			reason = store.StatusStale.String()
		}
		s.log.WithComponent("http_server").WithFields(logger.Fields{
			"symbol":     symbol,
			"reason":     reason,
			"request_id": c.GetString("request_id"),
		}).Debug("tv data requested without fresh open interest")
		c.JSON(http.StatusOK, gin.H{
			"symbol":      symbol,
			"data":        gin.H{},
			"oiAvailable": false,
			"reason":      reason,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":      symbol,
		"data":        result.ByMinutes(),
		"oiAvailable": true,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	var feed interface{}
	if s.deps.Feed != nil {
		feed = s.deps.Feed.Status()
	}
	windows := make([]string, 0, len(s.deps.Windows))
	for _, w := range s.deps.Windows {
		windows = append(windows, tracker.WindowKey(w))
	}
	c.JSON(http.StatusOK, gin.H{
		"feed":              feed,
		"cache":             s.deps.Store.Snapshot(),
		"freshness_seconds": s.deps.Store.Freshness().Seconds(),
		"windows":           windows,
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	snapshot := s.metricStore.snapshot()
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) handleLogs(c *gin.Context) {
	snapshot := s.logStore.snapshot()
	payload := make([]gin.H, 0, len(snapshot))
	for _, l := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": l.Timestamp.Format(time.RFC3339Nano),
			"level":     l.Level,
			"component": l.Component,
			"message":   l.Message,
			"fields":    l.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"logs": payload})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:" + defaultPort
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = defaultPort
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}
