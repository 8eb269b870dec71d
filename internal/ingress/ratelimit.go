package ingress

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/memeforge/trust-engine/internal/httpapi"
)

// staleLimiterAge controls when an idle per-address limiter is dropped.
const staleLimiterAge = 3 * time.Hour

// RateLimiter tracks a token bucket per remote address.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing perHour requests per remote
// address, with a small burst allowance.
func NewRateLimiter(perHour int) *RateLimiter {
	burst := perHour / 10
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Every(time.Hour / time.Duration(perHour)),
		burst:    burst,
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether the address may proceed.
func (rl *RateLimiter) Allow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[addr]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[addr] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-staleLimiterAge)
		rl.mu.Lock()
		for addr, v := range rl.visitors {
			if v.lastSeen.Before(cutoff) {
				delete(rl.visitors, addr)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware rejects over-limit requests with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			httpapi.AbortError(c, http.StatusTooManyRequests, httpapi.CodeRateLimitExceeded, "Rate limit exceeded")
			return
		}
		c.Next()
	}
}
