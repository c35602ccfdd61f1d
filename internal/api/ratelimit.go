package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxRateLimiterClients      = 10000
	defaultRateLimiterClientTTL       = 10 * time.Minute
	defaultRateLimiterCleanupInterval = time.Minute
)

// RateLimiterConfig configures per-client token buckets.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained rate allowed per client.
	RequestsPerSecond float64
	// BurstSize is the bucket capacity.
	BurstSize int
	Enabled   bool
	// MaxClients bounds the number of retained buckets; the least recently
	// seen client is evicted first.
	MaxClients int
	// ClientTTL is how long an idle client's bucket is kept.
	ClientTTL       time.Duration
	CleanupInterval time.Duration
}

// DefaultRateLimiterConfig returns the read API defaults.
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
		Enabled:           true,
		MaxClients:        defaultMaxRateLimiterClients,
		ClientTTL:         defaultRateLimiterClientTTL,
		CleanupInterval:   defaultRateLimiterCleanupInterval,
	}
}

type rateLimiter struct {
	config      *RateLimiterConfig
	mu          sync.Mutex
	clients     map[string]*clientLimiter
	lastCleanup time.Time
	nowFn       func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(config *RateLimiterConfig) *rateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}
	return &rateLimiter{
		config:      config,
		clients:     make(map[string]*clientLimiter),
		lastCleanup: time.Now(),
		nowFn:       time.Now,
	}
}

func (rl *rateLimiter) allowKey(key string) bool {
	if !rl.config.Enabled {
		return true
	}
	if key == "" {
		key = "unknown"
	}

	now := rl.nowFn()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupLocked(now)

	c, ok := rl.clients[key]
	if !ok {
		if rl.config.MaxClients > 0 && len(rl.clients) >= rl.config.MaxClients {
			rl.evictOldestLocked()
		}
		c = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize),
		}
		rl.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (rl *rateLimiter) cleanupLocked(now time.Time) {
	interval := rl.config.CleanupInterval
	if interval <= 0 {
		interval = defaultRateLimiterCleanupInterval
	}
	if now.Sub(rl.lastCleanup) < interval {
		return
	}
	rl.lastCleanup = now

	ttl := rl.config.ClientTTL
	if ttl <= 0 {
		ttl = defaultRateLimiterClientTTL
	}
	cutoff := now.Add(-ttl)
	for key, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
		}
	}
}

func (rl *rateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, c := range rl.clients {
		if first || c.lastSeen.Before(oldest) {
			oldestKey, oldest, first = key, c.lastSeen, false
		}
	}
	delete(rl.clients, oldestKey)
}

func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// clientKey identifies the caller by remote IP.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
