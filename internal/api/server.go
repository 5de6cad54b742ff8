// Package api hosts the callroute HTTP surface: the telephony routing
// webhook, health and metrics endpoints and the token-protected admin API.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flowpbx/callroute/internal/api/middleware"
	"github.com/flowpbx/callroute/internal/crm"
	"github.com/flowpbx/callroute/internal/journal"
	"github.com/flowpbx/callroute/internal/mapping"
	"github.com/flowpbx/callroute/internal/routing"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// DefaultWebhookPath is where the telephony platform posts routing requests.
const DefaultWebhookPath = "/aircall/route"

// ContactSearcher resolves a caller's phone number to a CRM contact.
type ContactSearcher interface {
	SearchContactByPhone(ctx context.Context, phone string) (crm.Contact, bool, error)
}

// RouteResolver turns a resolved owner into a routing decision.
type RouteResolver interface {
	Resolve(ctx context.Context, ownerID string, found bool, attrs ...any) routing.Decision
}

// MappingAdmin is the view of the mapping cache used by the admin API.
type MappingAdmin interface {
	Snapshot() *mapping.Snapshot
	Policy() mapping.Policy
	TTL() time.Duration
	Stale() bool
	RefreshInFlight() bool
	Refresh(ctx context.Context, trigger mapping.Trigger) (*mapping.Snapshot, error)
}

// JournalReader lists journaled history for the admin API.
type JournalReader interface {
	RecentDecisions(ctx context.Context, limit int) ([]journal.Decision, error)
	RecentRefreshes(ctx context.Context, limit int) ([]journal.RefreshRun, error)
}

// Options configures optional parts of the server.
type Options struct {
	Logger *slog.Logger

	// WebhookPath defaults to DefaultWebhookPath.
	WebhookPath string
	// WebhookToken, when set, must accompany every webhook request.
	WebhookToken string
	// Shape selects the routing response body format.
	Shape routing.Shape
	// RateLimiter limits webhook requests per client IP. Nil disables it.
	RateLimiter *middleware.Limiter
	// CallerLimiter limits webhook requests per caller number. Nil disables it.
	CallerLimiter *middleware.Limiter

	// AdminSecret enables the admin API. Nil or empty leaves it unmounted.
	AdminSecret []byte
	// Journal backs the history endpoints of the admin API. Optional.
	Journal JournalReader

	// Metrics is served at /metrics when set.
	Metrics http.Handler
	// CallObservers are notified after every webhook answer is written.
	CallObservers []routing.CallObserver
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	contacts ContactSearcher
	resolver RouteResolver
	cache    MappingAdmin
	opts     Options
	logger   *slog.Logger

	observers sync.WaitGroup
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(contacts ContactSearcher, resolver RouteResolver, cache MappingAdmin, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WebhookPath == "" {
		opts.WebhookPath = DefaultWebhookPath
	}
	if opts.Shape == "" {
		opts.Shape = routing.ShapeNested
	}

	s := &Server{
		router:   chi.NewRouter(),
		contacts: contacts,
		resolver: resolver,
		cache:    cache,
		opts:     opts,
		logger:   opts.Logger.With("component", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.opts.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	// The webhook never fails a call: rejected and limited requests still
	// get an empty routing answer.
	r.Group(func(r chi.Router) {
		noRoute := http.HandlerFunc(s.handleNoRoute)
		if s.opts.RateLimiter != nil {
			r.Use(middleware.RateLimit(s.opts.RateLimiter, middleware.ClientIP, noRoute))
		}
		r.Use(middleware.RequireWebhookToken(s.opts.WebhookToken, noRoute))
		if s.opts.CallerLimiter != nil {
			r.Use(middleware.RateLimit(s.opts.CallerLimiter, middleware.CallerNumber, noRoute))
		}
		r.Post(s.opts.WebhookPath, s.handleRoute)
	})

	if len(s.opts.AdminSecret) == 0 {
		return
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireAdminAuth(s.opts.AdminSecret))

		r.Get("/mapping", s.handleMappingStatus)
		r.Post("/mapping/refresh", s.handleMappingRefresh)

		if s.opts.Journal != nil {
			r.Get("/mapping/refreshes", s.handleRecentRefreshes)
			r.Get("/routing/decisions", s.handleRecentDecisions)
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.cache.Snapshot()
	writeRaw(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"mapping_ready": snap.Len() > 0,
	})
}
