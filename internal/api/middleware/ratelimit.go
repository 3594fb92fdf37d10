package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/arborlabs/arbor/internal/metrics"
)

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// RateLimiter implements fixed-window rate limiting on Redis. Generation
// starts are the expensive operation and get the tightest budget. When no
// Redis client is configured (in-process broker mode) the limiter is a no-op.
type RateLimiter struct {
	client *redis.Client
	limits map[string]RateLimit
	logger zerolog.Logger
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		limits: map[string]RateLimit{
			"POST /chats/:id/messages": {60, time.Minute, userKey},
			"POST /chats/:id/generate": {20, time.Minute, userKey},
			"GET /chats/:id/subscribe": {30, time.Minute, userOrIPKey},
			"GET /chats/:id/messages":  {120, time.Minute, userOrIPKey},
			"GET /chats":               {60, time.Minute, userKey},
			"PATCH /chats/:id/sharing": {30, time.Minute, userKey},
			"GET /shared/:id":          {120, time.Minute, ipKey},
		},
	}
}

// Middleware enforces the configured limits.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.client == nil {
			next.ServeHTTP(w, r)
			return
		}

		endpoint := r.Method + " " + normalizePath(r.URL.Path)
		limit, ok := rl.limits[endpoint]
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		key := fmt.Sprintf("ratelimit:%s:%s:%d",
			endpoint, limit.KeyFunc(r), time.Now().Unix()/int64(limit.Window.Seconds()))

		count, err := rl.client.Incr(r.Context(), key).Result()
		if err != nil {
			// Redis trouble must not take the API down; let the request through.
			rl.logger.Warn().Err(err).Msg("rate limit check failed")
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			rl.client.Expire(r.Context(), key, limit.Window)
		}

		remaining := limit.Requests - int(count)
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if int(count) > limit.Requests {
			metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(limit.Window.Seconds())))
			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func userKey(r *http.Request) string {
	if id := GetUserFromContext(r.Context()); id != uuid.Nil {
		return "user:" + id.String()
	}
	return ipKey(r)
}

func userOrIPKey(r *http.Request) string {
	return userKey(r)
}

func ipKey(r *http.Request) string {
	ip := r.RemoteAddr
	if i := strings.LastIndexByte(ip, ':'); i >= 0 {
		ip = ip[:i]
	}
	return "ip:" + ip
}
