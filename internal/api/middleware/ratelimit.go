package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter scopes as they appear in logs.
const (
	ScopeClientIP     = "client_ip"
	ScopeCallerNumber = "caller_number"
)

// maxPeekBody caps how much of a webhook body CallerNumber reads.
const maxPeekBody = 64 << 10

// RateLimitConfig configures one keyed Limiter.
type RateLimitConfig struct {
	// Scope names the key kind in log lines.
	Scope string
	// Rate and Burst size each key's token bucket.
	Rate  rate.Limit
	Burst int
	// IdleTTL is how long an unused bucket is kept.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig limits webhook requests per client IP.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Scope:   ScopeClientIP,
		Rate:    rate.Limit(20),
		Burst:   40,
		IdleTTL: 10 * time.Minute,
	}
}

// DefaultCallerRateLimitConfig limits webhook requests per caller number.
func DefaultCallerRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Scope:   ScopeCallerNumber,
		Rate:    rate.Limit(1),
		Burst:   5,
		IdleTTL: 10 * time.Minute,
	}
}

type bucket struct {
	tokens *rate.Limiter
	seen   time.Time
}

// Limiter keeps one token bucket per key. Idle buckets are swept inside
// Allow, at most once per IdleTTL.
type Limiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// NewLimiter returns a keyed limiter for cfg.
func NewLimiter(cfg RateLimitConfig) *Limiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeClientIP
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	l.lastSweep = l.now()
	return l
}

// Scope returns the configured key kind.
func (l *Limiter) Scope() string {
	return l.cfg.Scope
}

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.cfg.IdleTTL {
		l.sweep(now)
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()

	return b.tokens.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// sweep drops buckets idle for at least IdleTTL. l.mu must be held.
func (l *Limiter) sweep(now time.Time) {
	before := len(l.buckets)
	for key, b := range l.buckets {
		if now.Sub(b.seen) >= l.cfg.IdleTTL {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
	if removed := before - len(l.buckets); removed > 0 {
		slog.Debug("rate_limiter_swept", "scope", l.cfg.Scope, "removed", removed, "remaining", len(l.buckets))
	}
}

// retryAfter is the whole seconds until one token refills.
func (l *Limiter) retryAfter() string {
	if l.cfg.Rate <= 0 || l.cfg.Rate == rate.Inf {
		return "1"
	}
	secs := math.Ceil(1/float64(l.cfg.Rate) - 1e-9)
	return strconv.Itoa(int(math.Max(secs, 1)))
}

// KeyFunc derives a limiter key from a request. An empty key skips the
// limiter for that request.
type KeyFunc func(r *http.Request) string

// ClientIP keys by RemoteAddr without its port. Mount chi's RealIP first
// when running behind a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CallerNumber keys by the callerNumber field of a JSON webhook body. The
// body is restored so the next handler reads it in full.
func CallerNumber(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	peek, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBody))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(peek), r.Body), r.Body}
	if err != nil {
		return ""
	}

	var payload struct {
		CallerNumber string `json:"callerNumber"`
	}
	if json.Unmarshal(peek, &payload) != nil {
		return ""
	}
	return strings.TrimSpace(payload.CallerNumber)
}

// RateLimit returns middleware that takes a token from l for the key of
// each request. Requests over the limit are answered by onLimited; a nil
// onLimited replies 429 with a Retry-After header.
func RateLimit(l *Limiter, key KeyFunc, onLimited http.Handler) func(http.Handler) http.Handler {
	if onLimited == nil {
		onLimited = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", l.retryAfter())
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		})
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k != "" && !l.Allow(k) {
				slog.Warn("rate_limit_exceeded",
					"scope", l.cfg.Scope,
					"key", k,
					"path", r.URL.Path,
				)
				onLimited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
