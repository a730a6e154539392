package middleware

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures request rate limiting. With PerClient set each
// remote address gets its own bucket; otherwise one bucket is shared.
type RateLimitConfig struct {
	Enabled   bool
	RPS       float64
	Burst     int
	PerClient bool
}

// RateLimitMiddleware enforces the configured rate limit for all requests through the handler.
func RateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled || cfg.RPS <= 0 || cfg.Burst <= 0 {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	limiters := newLimiterSet(rate.Limit(cfg.RPS), cfg.Burst)
	global := rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := global
			if cfg.PerClient {
				limiter = limiters.get(clientKey(r))
			}

			reservation := limiter.Reserve()
			if delay := reservation.Delay(); delay > 0 {
				reservation.Cancel()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", retryAfterSeconds(delay))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = fmt.Fprint(w, `{"success":false,"message":"rate limit exceeded"}`)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(delay time.Duration) string {
	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limiterSet holds one limiter per client, evicting idle entries once the
// set grows past maxClients.
type limiterSet struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	maxClients      = 10000
	clientIdleAfter = 10 * time.Minute
)

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*clientLimiter),
	}
}

func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if entry, ok := s.limiters[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	if len(s.limiters) >= maxClients {
		for k, entry := range s.limiters {
			if now.Sub(entry.lastSeen) > clientIdleAfter {
				delete(s.limiters, k)
			}
		}
	}

	entry := &clientLimiter{limiter: rate.NewLimiter(s.limit, s.burst), lastSeen: now}
	s.limiters[key] = entry
	return entry.limiter
}
