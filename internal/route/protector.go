package route

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/IamDejman/banyan-admin-sub002/internal/auth"
	"github.com/IamDejman/banyan-admin-sub002/internal/obs"
)

// SessionCookie carries the bearer token for browser navigation.
const SessionCookie = "banyan_session"

// Outcome is what navigation to a path should do.
type Outcome int

const (
	Proceed Outcome = iota
	RedirectLogin
	RedirectUnauthorized
)

func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case RedirectLogin:
		return "redirect_login"
	case RedirectUnauthorized:
		return "redirect_unauthorized"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Route maps a chi pattern to the permission it requires. Public routes
// need no session at all.
type Route struct {
	Pattern  string
	Resource string
	Action   auth.Action
	Public   bool
}

// Decision is the result of Decide. Session is set when Outcome is Proceed
// on a protected route.
type Decision struct {
	Outcome Outcome
	Route   Route
	Matched bool
	Session auth.Session
}

// SessionResolver is satisfied by *auth.SessionManager.
type SessionResolver interface {
	ResolveSession(ctx context.Context, token string) (auth.Session, error)
}

// Authorizer is satisfied by *auth.Guard.
type Authorizer interface {
	Authorize(ctx context.Context, s auth.Session, resource string, action auth.Action) error
}

// Protector gates navigation before dispatch.
type Protector struct {
	mux              *chi.Mux
	routes           map[string]Route
	sessions         SessionResolver
	guard            Authorizer
	log              *zap.Logger
	loginPath        string
	unauthorizedPath string
}

type Option func(*Protector)

func WithLogger(l *zap.Logger) Option {
	return func(p *Protector) {
		if l != nil {
			p.log = l
		}
	}
}

// WithRedirects overrides the login and unauthorized destinations.
func WithRedirects(login, unauthorized string) Option {
	return func(p *Protector) {
		if login != "" {
			p.loginPath = login
		}
		if unauthorized != "" {
			p.unauthorizedPath = unauthorized
		}
	}
}

// NewProtector validates routes and builds the matcher.
func NewProtector(routes []Route, sessions SessionResolver, guard Authorizer, opts ...Option) (*Protector, error) {
	if sessions == nil || guard == nil {
		return nil, errors.New("session resolver and authorizer are required")
	}
	p := &Protector{
		mux:              chi.NewMux(),
		routes:           make(map[string]Route, len(routes)),
		sessions:         sessions,
		guard:            guard,
		log:              obs.Logger(),
		loginPath:        "/console/login",
		unauthorizedPath: "/console/unauthorized",
	}
	for _, opt := range opts {
		opt(p)
	}
	noop := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	for _, r := range routes {
		if !strings.HasPrefix(r.Pattern, "/") {
			return nil, fmt.Errorf("route pattern %q must start with /", r.Pattern)
		}
		if _, dup := p.routes[r.Pattern]; dup {
			return nil, fmt.Errorf("duplicate route pattern %q", r.Pattern)
		}
		if !r.Public {
			res, err := auth.NormalizeResource(r.Resource)
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", r.Pattern, err)
			}
			act, err := auth.ParseAction(string(r.Action))
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", r.Pattern, err)
			}
			r.Resource, r.Action = res, act
		}
		p.routes[r.Pattern] = r
		p.mux.Handle(r.Pattern, noop)
	}
	return p, nil
}

// Match returns the route registered for path.
func (p *Protector) Match(path string) (Route, bool) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		path = "/"
	}
	rctx := chi.NewRouteContext()
	if !p.mux.Match(rctx, http.MethodGet, path) {
		return Route{}, false
	}
	r, ok := p.routes[rctx.RoutePattern()]
	return r, ok
}

// Decide runs the navigation decision table for token and path.
// Unmapped paths are treated as protected and never proceed.
func (p *Protector) Decide(ctx context.Context, token, path string) Decision {
	r, ok := p.Match(path)
	if ok && r.Public {
		return Decision{Outcome: Proceed, Route: r, Matched: true}
	}
	if strings.TrimSpace(token) == "" {
		return Decision{Outcome: RedirectLogin, Route: r, Matched: ok}
	}
	sess, err := p.sessions.ResolveSession(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrUnavailable) {
			p.log.Warn("navigation session lookup failed", zap.String("path", path), zap.Error(err))
		}
		return Decision{Outcome: RedirectLogin, Route: r, Matched: ok}
	}
	if !ok {
		p.log.Warn("navigation to unmapped path denied",
			zap.String("path", path),
			zap.String("account_id", sess.AccountID),
			zap.String("session_id", sess.ID))
		return Decision{Outcome: RedirectUnauthorized, Session: sess}
	}
	if err := p.guard.Authorize(ctx, sess, r.Resource, r.Action); err != nil {
		return Decision{Outcome: RedirectUnauthorized, Route: r, Matched: true, Session: sess}
	}
	return Decision{Outcome: Proceed, Route: r, Matched: true, Session: sess}
}

// Middleware applies Decide to every request. Redirects use 303 so a
// denied form submission turns into a GET of the target view.
func (p *Protector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := TokenFromRequest(r)
		d := p.Decide(r.Context(), token, r.URL.Path)
		switch d.Outcome {
		case Proceed:
			ctx := r.Context()
			if d.Session.ID != "" {
				ctx = auth.WithSession(ctx, d.Session, token)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		case RedirectLogin:
			target := p.loginPath + "?next=" + url.QueryEscape(r.URL.RequestURI())
			http.Redirect(w, r, target, http.StatusSeeOther)
		default:
			http.Redirect(w, r, p.unauthorizedPath, http.StatusSeeOther)
		}
	})
}

// TokenFromRequest reads a bearer Authorization header, falling back to the session cookie.
func TokenFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}
