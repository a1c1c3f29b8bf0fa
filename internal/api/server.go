package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/storyline/internal/api/middleware"
	"github.com/flowpbx/storyline/internal/database"
	"github.com/flowpbx/storyline/internal/ivr"
	"github.com/flowpbx/storyline/internal/media"
	"github.com/flowpbx/storyline/internal/ncco"
	"github.com/flowpbx/storyline/internal/session"
	"github.com/flowpbx/storyline/internal/vonage"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// silenceSeconds is the length of the silence asset looped behind the
// reading menu.
const silenceSeconds = 10

// CallHandler is the menu state machine the webhooks drive.
type CallHandler interface {
	Answer(ctx context.Context, callerID, legID, conversationID string) (ncco.NCCO, error)
	Bind(ctx context.Context, callerID, legID, conversationID string) error
	Greeting(ctx context.Context, callerID string) (ncco.NCCO, error)
	Abandon(callerID string)
	CallEnded(conversationID, callerID, legID string)
	Handle(ctx context.Context, in ivr.Input) ncco.NCCO
	Fallback(menu session.MenuState) ncco.NCCO
}

// Dialer places outbound calls.
type Dialer interface {
	CreateCall(ctx context.Context, number string, actions ncco.NCCO, eventURL string) (*vonage.CallResponse, error)
}

// Config holds the server dependencies. Dialer and Metrics may be nil.
type Config struct {
	Calls         CallHandler
	Catalog       database.CatalogRepository
	Library       *media.Library
	Dialer        Dialer
	Builder       *ncco.Builder
	Fragments     *media.FragmentStore
	VirtualNumber string
	AdminSecret   []byte
	TLSEnabled    bool
	Metrics       http.Handler
	// WebhookTimeout bounds the work done for one webhook so the provider
	// gets an answer before it gives up on the call.
	WebhookTimeout time.Duration
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router         *chi.Mux
	calls          CallHandler
	catalog        database.CatalogRepository
	library        *media.Library
	dialer         Dialer
	builder        *ncco.Builder
	fragments      *media.FragmentStore
	virtualNumber  string
	adminSecret    []byte
	tlsEnabled     bool
	metrics        http.Handler
	webhookTimeout time.Duration
	silence        []byte
	startedAt      time.Time
	webhookLimiter *middleware.Limiter
	adminLimiter   *middleware.Limiter
	logger         *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 8 * time.Second
	}
	s := &Server{
		router:         chi.NewRouter(),
		calls:          cfg.Calls,
		catalog:        cfg.Catalog,
		library:        cfg.Library,
		dialer:         cfg.Dialer,
		builder:        cfg.Builder,
		fragments:      cfg.Fragments,
		virtualNumber:  cfg.VirtualNumber,
		adminSecret:    cfg.AdminSecret,
		tlsEnabled:     cfg.TLSEnabled,
		metrics:        cfg.Metrics,
		webhookTimeout: cfg.WebhookTimeout,
		silence:        media.Silence(silenceSeconds),
		startedAt:      time.Now(),
		webhookLimiter: middleware.NewLimiter(middleware.WebhookRateLimitConfig(), logger),
		adminLimiter:   middleware.NewLimiter(middleware.AdminRateLimitConfig(), logger),
		logger:         logger.With("subsystem", "api"),
	}

	s.routes(logger)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the background work of the rate limiters.
func (s *Server) Close() {
	s.webhookLimiter.Stop()
	s.adminLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(logger *slog.Logger) {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.SecurityHeaders(s.tlsEnabled))

	// Provider callbacks.
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.webhookLimiter))
		r.Get("/answer", s.handleAnswer)
		r.Post("/event", s.handleEvent)
		r.Post("/input/{menu}", s.handleInput)
	})

	// Audio fetched by the provider while a call streams.
	r.Get("/audio/*", s.handleAudio)
	r.Get("/static/silence.wav", s.handleSilence)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.adminLimiter))
			r.Use(middleware.RequireAdminToken(s.adminSecret, logger))

			r.Post("/calls", s.handleCreateCall)

			r.Route("/stories", func(r chi.Router) {
				r.Get("/", s.handleListStories)
				r.Post("/", s.handleCreateStory)
			})
			r.Route("/categories", func(r chi.Router) {
				r.Get("/", s.handleListCategories)
				r.Post("/", s.handleCreateCategory)
			})
			r.Get("/requests", s.handleListRequests)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.logger.Info("api routes mounted", "admin_auth", s.adminSecret != nil, "outbound_calls", s.dialer != nil)
}

// healthResponse is the shape returned by GET /health.
type healthResponse struct {
	Status    string `json:"status"`
	StartedAt string `json:"started_at"`
	UptimeSec int64  `json:"uptime_sec"`
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		StartedAt: s.startedAt.UTC().Format(time.RFC3339),
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
	})
}
