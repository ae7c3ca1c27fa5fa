package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// failures counts failed logins of one client inside the current window.
type failures struct {
	count       int
	windowStart time.Time
	lockedUntil time.Time
}

// RateLimiter locks out a client after too many failed logins.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*failures
	max     int
	window  time.Duration
	lockout time.Duration
	now     func() time.Time
}

// NewRateLimiter allows maxAttempts failures per window before locking the
// client out for lockout.
func NewRateLimiter(maxAttempts int, window, lockout time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*failures),
		max:     maxAttempts,
		window:  window,
		lockout: lockout,
		now:     time.Now,
	}
}

// RunCleanup drops stale entries every interval until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for ip, f := range rl.clients {
				if rl.stale(f, now) {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// stale reports whether f no longer affects the client.
func (rl *RateLimiter) stale(f *failures, now time.Time) bool {
	if !f.lockedUntil.IsZero() {
		return !now.Before(f.lockedUntil)
	}
	return now.Sub(f.windowStart) > rl.window
}

// Check reports whether ip may try to log in, how many failures it has left
// and, when refused, how long it has to wait.
func (rl *RateLimiter) Check(ip string) (allowed bool, remaining int, wait time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	f, ok := rl.clients[ip]
	if ok && rl.stale(f, now) {
		delete(rl.clients, ip)
		ok = false
	}
	if !ok {
		return true, rl.max, 0
	}
	if !f.lockedUntil.IsZero() {
		return false, 0, f.lockedUntil.Sub(now)
	}
	return true, rl.max - f.count, 0
}

// RecordAttempt counts a failed login, or forgets ip after a successful one.
func (rl *RateLimiter) RecordAttempt(ip string, success bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if success {
		delete(rl.clients, ip)
		return
	}
	now := rl.now()
	f, ok := rl.clients[ip]
	if !ok || rl.stale(f, now) {
		f = &failures{windowStart: now}
		rl.clients[ip] = f
	}
	f.count++
	if f.count >= rl.max {
		f.lockedUntil = now.Add(rl.lockout)
	}
}

// LoginRateLimit refuses login POSTs from locked-out clients with the login
// page and a 429.
func LoginRateLimit(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		allowed, remaining, wait := rl.Check(c.ClientIP())
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			seconds := int(wait.Round(time.Second).Seconds())
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.HTML(http.StatusTooManyRequests, "login.html", gin.H{
				"error":       formatRateLimitError(wait),
				"rateLimited": true,
				"retryAfter":  seconds,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func formatRateLimitError(wait time.Duration) string {
	wait = wait.Round(time.Second)
	minutes := int(wait.Minutes())
	seconds := int(wait.Seconds()) % 60
	if minutes > 0 {
		return fmt.Sprintf("Too many failed login attempts. Please try again in %d minute(s) and %d second(s).", minutes, seconds)
	}
	return fmt.Sprintf("Too many failed login attempts. Please try again in %d second(s).", seconds)
}
