// Package ratelimit throttles API requests per authenticated actor, or
// per client IP before authentication.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/kocbridge/escrow/internal/auth"
)

// Config configures rate limiting.
type Config struct {
	// RequestsPerSecond is the sustained rate per key.
	RequestsPerSecond float64
	// BurstSize allows brief bursts above the rate.
	BurstSize int
	// CleanupInterval is how often idle keys are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

type entry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// Limiter tracks a token bucket per key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*entry
	stop    chan struct{}
	once    sync.Once
}

// New creates a limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*entry),
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
			l.mu.Lock()
			cutoff := time.Now().Add(-2 * l.cfg.CleanupInterval)
			for key, e := range l.clients {
				if e.seen.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.clients[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)}
		l.clients[key] = e
	}
	e.seen = time.Now()
	return e.limiter
}

// Allow reports whether a request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// retryAfter is the whole number of seconds until key has a token again.
func (l *Limiter) retryAfter(key string) int {
	r := l.get(key).Reserve()
	defer r.Cancel()
	if !r.OK() {
		return 1
	}
	return int(math.Max(1, math.Ceil(r.Delay().Seconds())))
}

// Middleware limits by actor when one is authenticated, else by IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if actor, ok := auth.GetActor(c); ok && actor.ID != "" {
			key = "actor:" + actor.ID
		}

		if !l.Allow(key) {
			wait := l.retryAfter(key)
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
