package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnectionLimiter provides DoS protection for the upgrade path: a
// two-level token-bucket limiter, per-IP and global, grounded on
// ws/internal/shared/limits/connection_rate_limiter.go. This is distinct
// from the per-socket sliding-window frame limiter in window.go/socket.go —
// it runs once per upgrade attempt, before a Socket exists at all.
type ConnectionLimiter struct {
	ipMu     sync.Mutex
	ipLimits map[string]*ipEntry
	ipBurst  int
	ipRate   rate.Limit
	ipTTL    time.Duration

	global *rate.Limiter

	stopCleanup chan struct{}
	once        sync.Once
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionLimiterConfig mirrors ConnectionRateLimiterConfig in the
// teacher, trimmed to the fields this module actually exposes via config.
type ConnectionLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

func NewConnectionLimiter(cfg ConnectionLimiterConfig) *ConnectionLimiter {
	if cfg.IPTTL <= 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	return &ConnectionLimiter{
		ipLimits:    make(map[string]*ipEntry),
		ipBurst:     cfg.IPBurst,
		ipRate:      rate.Limit(cfg.IPRate),
		ipTTL:       cfg.IPTTL,
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		stopCleanup: make(chan struct{}),
	}
}

// Allow reports whether a new upgrade attempt from ip should be admitted.
func (c *ConnectionLimiter) Allow(ip string) bool {
	if !c.global.Allow() {
		return false
	}

	c.ipMu.Lock()
	entry, ok := c.ipLimits[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(c.ipRate, c.ipBurst)}
		c.ipLimits[ip] = entry
	}
	entry.lastAccess = time.Now()
	limiter := entry.limiter
	c.ipMu.Unlock()

	return limiter.Allow()
}

// StartCleanup periodically evicts IP entries that have been idle past the
// configured TTL, so the map doesn't grow unbounded under churn.
func (c *ConnectionLimiter) StartCleanup(interval time.Duration) {
	c.once.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.evictStale()
				case <-c.stopCleanup:
					return
				}
			}
		}()
	})
}

func (c *ConnectionLimiter) evictStale() {
	cutoff := time.Now().Add(-c.ipTTL)
	c.ipMu.Lock()
	for ip, entry := range c.ipLimits {
		if entry.lastAccess.Before(cutoff) {
			delete(c.ipLimits, ip)
		}
	}
	c.ipMu.Unlock()
}

// Stop ends the cleanup goroutine, if started.
func (c *ConnectionLimiter) Stop() {
	select {
	case <-c.stopCleanup:
	default:
		close(c.stopCleanup)
	}
}
