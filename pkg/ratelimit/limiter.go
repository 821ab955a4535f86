package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/clock"
	"golang.org/x/time/rate"

	"sheetwatch/internal/config"
	"sheetwatch/pkg/metrics"
)

const (
	defaultRPS      = 10.0
	defaultBurst    = 20
	defaultSweep    = 5 * time.Minute
	defaultIdleTime = 10 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter applies a token bucket per client IP. Buckets idle longer
// than maxIdle are dropped by Sweep.
type ClientLimiter struct {
	rps     rate.Limit
	burst   int
	sweep   time.Duration
	maxIdle time.Duration
	clock   clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New builds a limiter from the ingress settings. Zero values fall back to
// defaults and intervals are given in seconds.
func New(cfg config.RateLimitConfig, clk clock.Clock) *ClientLimiter {
	l := &ClientLimiter{
		rps:     rate.Limit(defaultRPS),
		burst:   defaultBurst,
		sweep:   defaultSweep,
		maxIdle: defaultIdleTime,
		clock:   clk,
		buckets: make(map[string]*bucket),
	}
	if cfg.RPS > 0 {
		l.rps = rate.Limit(cfg.RPS)
	}
	if cfg.Burst > 0 {
		l.burst = cfg.Burst
	}
	if cfg.CleanupInterval > 0 {
		l.sweep = time.Duration(cfg.CleanupInterval) * time.Second
	}
	if cfg.MaxAge > 0 {
		l.maxIdle = time.Duration(cfg.MaxAge) * time.Second
	}
	return l
}

func (l *ClientLimiter) RPS() float64 { return float64(l.rps) }

func (l *ClientLimiter) Burst() int { return l.burst }

// Allow takes one token for client and reports the tokens left.
func (l *ClientLimiter) Allow(client string) (bool, int) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[client]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[client] = b
	}
	b.lastSeen = now

	allowed := b.limiter.AllowN(now, 1)
	remaining := int(b.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining
}

// Sweep drops buckets idle for longer than the configured max age.
func (l *ClientLimiter) Sweep() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for client, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.maxIdle {
			delete(l.buckets, client)
			dropped++
		}
	}
	return dropped
}

// Run sweeps idle buckets until ctx is done.
func (l *ClientLimiter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(l.sweep):
			l.Sweep()
		}
	}
}

// Middleware rejects a client over its budget with 429 and a Retry-After
// header.
func (l *ClientLimiter) Middleware() gin.HandlerFunc {
	limit := strconv.FormatFloat(float64(l.rps), 'f', -1, 64)

	return func(c *gin.Context) {
		client := c.ClientIP()
		if client == "" {
			client = c.RemoteIP()
		}

		allowed, remaining := l.Allow(client)
		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			metrics.RateLimitRequestsTotal.WithLabelValues("limited").Inc()
			c.Header("Retry-After", strconv.Itoa(l.retryAfterSeconds()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"error_code": "RATE_LIMIT_EXCEEDED",
			})
			return
		}

		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
		c.Next()
	}
}

// retryAfterSeconds is the time to refill one token, rounded up.
func (l *ClientLimiter) retryAfterSeconds() int {
	secs := int(1/float64(l.rps) + 0.999)
	if secs < 1 {
		return 1
	}
	return secs
}
