package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// fakeClock lets tests move a Limiter through time.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedLimiter(cfg RateLimitConfig) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.now
	l.lastSweep = clock.t
	return l, clock
}

func TestLimiterRefillsPerKey(t *testing.T) {
	l, clock := newClockedLimiter(RateLimitConfig{Scope: ScopeCallerNumber, Rate: rate.Every(5 * time.Second), Burst: 2})

	for i, want := range []bool{true, true, false} {
		if got := l.Allow("+15550001"); got != want {
			t.Fatalf("call %d: Allow = %v, want %v", i+1, got, want)
		}
	}
	if !l.Allow("+15550002") {
		t.Fatal("expected a different caller to have its own bucket")
	}

	clock.advance(5 * time.Second)
	if !l.Allow("+15550001") {
		t.Fatal("expected one token back after 5s")
	}
	if l.Allow("+15550001") {
		t.Fatal("expected only one token to refill")
	}
}

func TestLimiterSweepsIdleBuckets(t *testing.T) {
	l, clock := newClockedLimiter(RateLimitConfig{Rate: 10, Burst: 10, IdleTTL: time.Minute})

	l.Allow("10.0.0.1")
	clock.advance(30 * time.Second)
	l.Allow("10.0.0.2")
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}

	// The next Allow after IdleTTL sweeps 10.0.0.1 but keeps 10.0.0.2.
	clock.advance(40 * time.Second)
	l.Allow("10.0.0.3")
	if l.Len() != 2 {
		t.Fatalf("Len after sweep = %d, want 2", l.Len())
	}
	l.mu.Lock()
	_, stale := l.buckets["10.0.0.1"]
	l.mu.Unlock()
	if stale {
		t.Fatal("expected idle bucket swept")
	}
}

func TestNewLimiterDefaults(t *testing.T) {
	l := NewLimiter(RateLimitConfig{Rate: 1, Burst: 1})
	if l.Scope() != ScopeClientIP {
		t.Errorf("Scope = %q, want %q", l.Scope(), ScopeClientIP)
	}
	if l.cfg.IdleTTL != 10*time.Minute {
		t.Errorf("IdleTTL = %s, want 10m", l.cfg.IdleTTL)
	}
	if got := DefaultCallerRateLimitConfig().Scope; got != ScopeCallerNumber {
		t.Errorf("caller default scope = %q", got)
	}
}

func TestCallerNumberRestoresBody(t *testing.T) {
	body := `{"callUUID":"call-1","callerNumber":" +15550001 "}`
	r := httptest.NewRequest(http.MethodPost, "/aircall/route", strings.NewReader(body))

	if got := CallerNumber(r); got != "+15550001" {
		t.Fatalf("CallerNumber = %q, want +15550001", got)
	}
	rest, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("read restored body: %v", err)
	}
	if string(rest) != body {
		t.Fatalf("restored body = %q, want %q", rest, body)
	}
}

func TestCallerNumberWithoutNumber(t *testing.T) {
	for _, body := range []string{"", `{"callUUID":"x"}`, `{"callerNumber":`, `{"callerNumber":"   "}`} {
		r := httptest.NewRequest(http.MethodPost, "/aircall/route", strings.NewReader(body))
		if got := CallerNumber(r); got != "" {
			t.Errorf("CallerNumber(%q) = %q, want empty", body, got)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"203.0.113.9:53211", "203.0.113.9"},
		{"[2001:db8::7]:443", "2001:db8::7"},
		{"203.0.113.9", "203.0.113.9"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/aircall/route", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := ClientIP(r); got != tt.want {
			t.Errorf("ClientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}

// webhookChain mounts the caller limiter the way the webhook does: limited
// callers get an empty routing answer and never reach the handler.
func webhookChain(l *Limiter, reached *[]string) http.Handler {
	noRoute := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, "{}")
	})
	return RateLimit(l, CallerNumber, noRoute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		*reached = append(*reached, string(b))
		io.WriteString(w, `{"target":"user:101"}`)
	}))
}

func TestRateLimitFailsOpenPerCaller(t *testing.T) {
	l, _ := newClockedLimiter(RateLimitConfig{Scope: ScopeCallerNumber, Rate: rate.Every(time.Minute), Burst: 1})
	var reached []string
	h := webhookChain(l, &reached)

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/aircall/route", strings.NewReader(body)))
		return rec
	}

	first := `{"callerNumber":"+15550001"}`
	if rec := post(first); rec.Body.String() != `{"target":"user:101"}` {
		t.Fatalf("first call body = %q", rec.Body.String())
	}
	rec := post(first)
	if rec.Code != http.StatusOK || rec.Body.String() != "{}" {
		t.Fatalf("limited call = %d %q, want 200 {}", rec.Code, rec.Body.String())
	}
	post(`{"callUUID":"no-number"}`)
	post(`{"callUUID":"no-number"}`)

	if len(reached) != 3 {
		t.Fatalf("handler reached %d times, want 3", len(reached))
	}
	if reached[0] != first {
		t.Fatalf("handler saw body %q, want %q", reached[0], first)
	}
}

func TestRateLimitDefaultAnswer(t *testing.T) {
	l, _ := newClockedLimiter(RateLimitConfig{Rate: rate.Limit(0.5), Burst: 1})
	h := RateLimit(l, ClientIP, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.RemoteAddr = "198.51.100.4:1000"
	h.ServeHTTP(httptest.NewRecorder(), r)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2", got)
	}
}
