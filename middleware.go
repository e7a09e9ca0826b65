package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/example/vulntrack/internal/apperr"
	"github.com/example/vulntrack/internal/metrics"
	"golang.org/x/time/rate"
)

type ctxKey int

const (
	userKey ctxKey = iota
	userSlotKey
)

func withUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, userKey, username)
}

// currentUser returns the username resolved by Authenticate.
func currentUser(r *http.Request) string {
	u, _ := r.Context().Value(userKey).(string)
	return u
}

// Authenticate resolves the caller from the token cookie, falling back to an
// Authorization: Bearer header.
func (a *App) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tokenStr string
		if c, err := r.Cookie(tokenCookie); err == nil {
			tokenStr = c.Value
		}
		if tokenStr == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				tokenStr = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if tokenStr == "" {
			a.writeAppError(w, r, fmt.Errorf("not authenticated: %w", apperr.ErrUnauthenticated))
			return
		}

		username, err := parseAccessToken(a.jwtSecret, tokenStr)
		if err != nil {
			a.log.DebugContext(r.Context(), "rejected token", "error", err)
			a.writeAppError(w, r, fmt.Errorf("token is invalid or expired: %w", apperr.ErrUnauthenticated))
			return
		}
		recordUser(r.Context(), username)
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), username)))
	})
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per client IP with a token bucket.
type RateLimiter struct {
	limiters map[string]*clientLimiter
	mu       sync.RWMutex
	perMin   int
	now      func() time.Time
}

func NewRateLimiter(limitPerMinute int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		perMin:   limitPerMinute,
		now:      time.Now,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	cl, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		cl, exists = rl.limiters[key]
		if !exists {
			cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.perMin)/60, rl.perMin)}
			rl.limiters[key] = cl
		}
		rl.mu.Unlock()
	}

	rl.mu.Lock()
	cl.lastSeen = rl.now()
	rl.mu.Unlock()
	return cl.limiter
}

// prune forgets clients idle for longer than idle.
func (rl *RateLimiter) prune(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-idle)
	n := 0
	for k, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, k)
			n++
		}
	}
	return n
}

func (rl *RateLimiter) run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.prune(10 * time.Minute)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Throttle enforces the per client request rate
func (a *App) Throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.throttle.getLimiter(clientIP(r)).Allow() {
			metrics.RateLimited.WithLabelValues("client").Inc()
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Logging middleware logs requests
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		// the user is only known after Authenticate ran further down the chain
		var user string
		next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), userSlotKey, &user)))

		a.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", clientIP(r),
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"user", user)
	})
}

// recordUser fills the slot Logging left in the context.
func recordUser(ctx context.Context, username string) {
	if slot, ok := ctx.Value(userSlotKey).(*string); ok {
		*slot = username
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
