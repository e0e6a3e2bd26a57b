package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	limiterTTL             = 10 * time.Minute
)

// rateLimiterMap tracks per-IP rate limiters with periodic cleanup of
// idle entries.
type rateLimiterMap struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rps      rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiterMap(requestsPerMinute int, done <-chan struct{}) *rateLimiterMap {
	m := &rateLimiterMap{
		limiters: make(map[string]*limiterEntry),
		rps:      rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    requestsPerMinute,
	}

	go m.cleanupLoop(done)

	return m
}

func (m *rateLimiterMap) get(ip string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.limiters[ip]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(m.rps, m.burst),
		}
		m.limiters[ip] = entry
	}

	entry.lastSeen = time.Now()

	return entry.limiter
}

func (m *rateLimiterMap) cleanupLoop(done <-chan struct{}) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.mu.Lock()

			cutoff := time.Now().Add(-limiterTTL)
			for ip, entry := range m.limiters {
				if entry.lastSeen.Before(cutoff) {
					delete(m.limiters, ip)
				}
			}

			m.mu.Unlock()
		}
	}
}

// rateLimitMiddleware limits webhook deliveries per client IP.
func (s *server) rateLimitMiddleware(requestsPerMinute int) func(http.Handler) http.Handler {
	limiters := newRateLimiterMap(requestsPerMinute, s.done)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)

			if !limiters.get(ip).Allow() {
				s.writeError(
					w, http.StatusTooManyRequests, "rate limit exceeded",
				)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client IP, preferring X-Forwarded-For when a
// reverse proxy sits in front of the gateway.
func extractIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx != -1 {
			return strings.TrimSpace(fwd[:idx])
		}

		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
