package middlewares

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter is a per-key token-bucket limiter built on
// golang.org/x/time/rate, the fan-out-fetch limiter's library (see
// internal/fetch), used here on the webhook and manual-resolve
// endpoints per spec.md §5 ("recommended to prevent scheduler thrash").
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewRateLimiter allows `limit` requests per `window` per key, with
// bursts up to `limit`.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Every(window / time.Duration(limit)),
		burst:    limit,
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lim, ok := rl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rl.r, rl.burst)
		rl.limiters[key] = lim
	}
	return lim
}

// RateLimiterMiddleware enforces the limit for a key derived by keyFn.
func (rl *RateLimiter) RateLimiterMiddleware(keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFn(c)
		if key == "" {
			key = clientIP(c)
		}

		if !rl.limiterFor(key).Allow() {
			c.Header("Retry-After", strconv.Itoa(1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":    "rate_limited",
					"message": "Too many requests. Please try again shortly.",
				},
			})
			return
		}

		c.Next()
	}
}

// KeyByIP rate-limits by client IP; the control plane has no notion of
// an authenticated caller, so IP is the only available key.
func KeyByIP(c *gin.Context) string {
	return clientIP(c)
}

func clientIP(c *gin.Context) string {
	ip := c.ClientIP()
	host, _, err := net.SplitHostPort(ip)
	if err == nil && host != "" {
		return host
	}
	return ip
}
