package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Throttle is a per-IP token bucket for endpoints that sit outside the
// tiered gate, such as the billing callback.
type Throttle struct {
	limiters map[string]*throttleEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle creates a throttle allowing rps requests per second per IP
func NewThrottle(rps float64, burst int) *Throttle {
	return &Throttle{
		limiters: make(map[string]*throttleEntry),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

// getLimiter returns the limiter of a key, creating it on first use
func (t *Throttle) getLimiter(key string, now time.Time) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.limiters[key]
	if !exists {
		entry = &throttleEntry{limiter: rate.NewLimiter(t.rate, t.burst)}
		t.limiters[key] = entry
	}
	entry.lastSeen = now

	return entry.limiter
}

// Cleanup removes limiters idle for longer than maxIdle
func (t *Throttle) Cleanup(now time.Time, maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, entry := range t.limiters {
		if now.Sub(entry.lastSeen) > maxIdle {
			delete(t.limiters, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked keys
func (t *Throttle) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}

// Middleware limits requests per client IP
func (t *Throttle) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("ip:%s", c.ClientIP())

		if !t.getLimiter(key, time.Now()).Allow() {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
				"code":  "RATE_LIMITED",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
