package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/photobatch/licenserver/internal/config"
	"github.com/photobatch/licenserver/internal/infrastructure"
)

// ipLimiter tracks a rate limiter per client IP with last-seen pruning.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rps      rate.Limit
	burst    int
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	l := &ipLimiter{
		limiters: make(map[string]*ipEntry),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go l.prune()
	return l
}

func (l *ipLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// prune drops limiters for IPs idle longer than ten minutes.
func (l *ipLimiter) prune() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		l.mu.Lock()
		for ip, entry := range l.limiters {
			if time.Since(entry.lastSeen) > 10*time.Minute {
				delete(l.limiters, ip)
			}
		}
		l.mu.Unlock()
	}
}

// clientIP extracts the client IP, preferring X-Forwarded-For when present.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimiter applies a per-IP token bucket. Disabled limiters pass
// everything through unchanged.
func RateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	limiter := newIPLimiter(cfg.RPS, cfg.Burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !limiter.get(ip).Allow() {
				ctx := r.Context()
				logger.WarnContext(ctx, "rate limit exceeded",
					"remote_ip", ip,
					"path", r.URL.Path,
				)
				w.Header().Set("Content-Type", "application/problem+json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				traceID := infrastructure.GetTraceID(ctx)
				response := `{"type":"/errors/rate-limit-exceeded","title":"Too Many Requests","status":429,"detail":"Request rate limit exceeded, retry later","trace_id":"` + traceID + `"}`
				w.Write([]byte(response))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminAuth guards administrative endpoints with a bearer secret compared
// against a bcrypt hash. An empty configured hash rejects every request so
// a misconfigured deployment fails closed.
func AdminAuth(secretHash string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			secret := bearerToken(r)
			if secretHash == "" || secret == "" ||
				bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(secret)) != nil {
				logger.WarnContext(ctx, "admin authentication failed",
					"remote_ip", clientIP(r),
					"path", r.URL.Path,
				)
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusUnauthorized)
				traceID := infrastructure.GetTraceID(ctx)
				response := `{"type":"/errors/unauthorized","title":"Unauthorized","status":401,"detail":"Valid admin credentials required","trace_id":"` + traceID + `"}`
				w.Write([]byte(response))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}
