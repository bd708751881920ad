package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/IamDejman/banyan-admin-sub002/internal/audit"
	"github.com/IamDejman/banyan-admin-sub002/internal/auth"
	"github.com/IamDejman/banyan-admin-sub002/internal/obs"
	"github.com/IamDejman/banyan-admin-sub002/internal/route"
)

const serviceName = "banyan-admin"

// ReadyProbe is a simple readiness check (pings the database when set).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// ReadinessChecker reports whether dependencies can serve traffic.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the services the HTTP layer fronts.
type Deps struct {
	Sessions *auth.SessionManager
	Roles    *auth.RoleRegistry
	Guard    *auth.Guard
	Audit    *audit.Recorder
	Console  *route.Protector
	Probe    ReadinessChecker
	Version  string
}

// API is the HTTP layer.
type API struct {
	Deps

	log            *zap.Logger
	limiter        *RateLimiter
	allowedOrigins []string
	maxBodyBytes   int64
	trustProxy     bool
}

type Option func(*API)

func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

// WithLoginRateLimit sets the per-client token bucket on the login endpoint.
func WithLoginRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.limiter = NewRateLimiter(perSecond, burst)
		}
	}
}

func WithAllowedOrigins(origins []string) Option {
	return func(a *API) { a.allowedOrigins = origins }
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithTrustProxy makes the client address come from X-Forwarded-For.
func WithTrustProxy(trust bool) Option {
	return func(a *API) { a.trustProxy = trust }
}

func New(d Deps, opts ...Option) (*API, error) {
	if d.Sessions == nil || d.Roles == nil || d.Guard == nil || d.Audit == nil || d.Console == nil {
		return nil, errors.New("httpapi: sessions, roles, guard, audit and console are required")
	}
	if d.Probe == nil {
		d.Probe = ReadyProbe{}
	}
	a := &API{
		Deps:         d,
		log:          obs.Logger(),
		limiter:      NewRateLimiter(1, 5),
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Handler builds the router with the full middleware chain.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestID)
	r.Use(ClientContext(a.trustProxy))
	r.Use(LoggingJSON(a.log))
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.allowedOrigins))
	r.Use(MaxBodyBytes(a.maxBodyBytes))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.Info)
		r.With(a.limiter.Middleware).Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireSession)
			r.Post("/auth/logout", a.handleLogout)
			r.Get("/auth/session", a.handleCurrentSession)
			r.Post("/authz/check", a.handleAuthzCheck)

			r.Get("/roles", a.handleListRoles)
			r.Post("/roles", a.handleCreateRole)
			r.Get("/roles/{id}", a.handleGetRole)
			r.Patch("/roles/{id}", a.handleUpdateRole)
			r.Delete("/roles/{id}", a.handleDeleteRole)

			r.Get("/audit", a.handleAuditPage)
			r.Get("/audit/verify", a.handleAuditVerify)

			r.Get("/sessions/{id}", a.handleGetSession)
			r.Delete("/sessions/{id}", a.handleTerminateSession)

			r.Get("/settings", a.handleSettings)
		})
	})

	console := a.Console.Middleware(http.HandlerFunc(a.handleConsole))
	r.Handle("/console", console)
	r.Handle("/console/*", console)

	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.Probe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.Version,
	})
}
