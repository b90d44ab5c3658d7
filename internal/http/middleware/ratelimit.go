package middleware

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	rateLimitClients = 10_000
	rateLimitIdle    = 10 * time.Minute
)

// RateLimit allows rps requests per second per client IP with the given
// burst. Idle clients are forgotten after ten minutes. rps <= 0 disables it.
func RateLimit(rps float64, burst int) fiber.Handler {
	if rps <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	if burst < 1 {
		burst = 1
	}
	var mu sync.Mutex
	limiters := expirable.NewLRU[string, *rate.Limiter](rateLimitClients, nil, rateLimitIdle)

	return func(c *fiber.Ctx) error {
		ip := c.IP()
		mu.Lock()
		lim, ok := limiters.Get(ip)
		if !ok {
			lim = rate.NewLimiter(rate.Limit(rps), burst)
		}
		// Re-adding refreshes the idle timer.
		limiters.Add(ip, lim)
		mu.Unlock()
		if !lim.Allow() {
			c.Set(fiber.HeaderRetryAfter, "1")
			return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
		}
		return c.Next()
	}
}
