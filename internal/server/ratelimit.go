package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	appconfig "dhanoi/config"
)

const (
	limiterIdleTime        = time.Hour
	limiterCleanupInterval = 10 * time.Minute
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// rateLimiter hands out one token bucket per client IP.
type rateLimiter struct {
	limit          rate.Limit
	burst          int
	now            func() time.Time
	mu             sync.Mutex
	limiters       map[string]*limiterEntry
	cleanupCancel  context.CancelFunc
	cleanupRunning bool
}

// newRateLimiter returns nil when the configured rate is not positive.
func newRateLimiter(cfg appconfig.RateLimitConfig) *rateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		limit:    rate.Limit(cfg.RequestsPerSecond),
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
	}
}

func (m *rateLimiter) allow(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, ok := m.limiters[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.limiters[ip] = entry
		if !m.cleanupRunning {
			m.startCleanup()
		}
	}
	entry.lastAccess = now
	return entry.limiter.AllowN(now, 1)
}

func (m *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// startCleanup must be called with mu held.
func (m *rateLimiter) startCleanup() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cleanupCancel = cancel
	m.cleanupRunning = true
	go m.cleanupRoutine(ctx)
}

func (m *rateLimiter) stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleanupCancel != nil {
		m.cleanupCancel()
		m.cleanupCancel = nil
	}
	m.cleanupRunning = false
}

func (m *rateLimiter) cleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupInactive(limiterIdleTime)
		}
	}
}

func (m *rateLimiter) cleanupInactive(maxIdle time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for ip, entry := range m.limiters {
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(m.limiters, ip)
		}
	}
	if len(m.limiters) == 0 && m.cleanupCancel != nil {
		m.cleanupCancel()
		m.cleanupCancel = nil
		m.cleanupRunning = false
	}
}

func (m *rateLimiter) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}
