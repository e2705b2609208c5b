// Package ratelimit provides token-bucket rate limiting middleware for the
// portfolio API.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Headers that mark a request as coming from a pool operator. Operators are
// bucketed apart from anonymous readers so a busy dashboard cannot starve
// governance calls.
var operatorHeaders = []string{"X-Governor-Secret", "X-Delegate-Secret"}

// Config configures rate limiting
type Config struct {
	// RequestsPerSecond is the sustained rate per client
	RequestsPerSecond float64
	// BurstSize allows brief bursts above the rate
	BurstSize int
	// OperatorMultiplier scales both rate and burst for operator requests
	OperatorMultiplier float64
	// CleanupInterval is how often idle buckets are dropped
	CleanupInterval time.Duration
	// IdleTTL is how long a bucket may sit unused before cleanup drops it
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond:  5,
		BurstSize:          20,
		OperatorMultiplier: 4,
		CleanupInterval:    time.Minute,
		IdleTTL:            2 * time.Minute,
	}
}

// FromRPS derives a config from a single requests-per-second knob. The burst
// is four seconds' worth of traffic.
func FromRPS(rps float64) Config {
	cfg := DefaultConfig()
	if rps > 0 {
		cfg.RequestsPerSecond = rps
		cfg.BurstSize = max(1, int(rps*4))
	}
	return cfg
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	clients map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * cfg.CleanupInterval
	}
	if cfg.OperatorMultiplier < 1 {
		cfg.OperatorMultiplier = 1
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for key, b := range l.clients {
		if b.lastCheck.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether a request under key may proceed at the base rate.
func (l *Limiter) Allow(key string) bool {
	return l.allow(key, 1)
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Limiter) allow(key string, scale float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	burst := float64(l.cfg.BurstSize) * scale
	now := l.now()
	b, ok := l.clients[key]
	if !ok {
		if burst < 1 {
			return false
		}
		l.clients[key] = &bucket{tokens: burst - 1, lastCheck: now}
		return true
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * l.cfg.RequestsPerSecond * scale
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// retryAfter is the whole number of seconds until one token refills.
func (l *Limiter) retryAfter(scale float64) int {
	rate := l.cfg.RequestsPerSecond * scale
	if rate <= 0 {
		return 60
	}
	return max(1, int(1/rate+0.999))
}

// Middleware returns a Gin middleware that rate limits by client IP, with a
// separate, larger bucket for requests carrying an operator secret.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, scale := "ip:"+c.ClientIP(), 1.0
		for _, h := range operatorHeaders {
			if c.GetHeader(h) != "" {
				key, scale = "op:"+c.ClientIP(), l.cfg.OperatorMultiplier
				break
			}
		}

		if !l.allow(key, scale) {
			wait := l.retryAfter(scale)
			c.Header("Retry-After", strconv.Itoa(wait))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": wait,
			})
			return
		}

		c.Next()
	}
}
