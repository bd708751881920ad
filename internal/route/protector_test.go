package route

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IamDejman/banyan-admin-sub002/internal/audit"
	"github.com/IamDejman/banyan-admin-sub002/internal/auth"
)

type stack struct {
	recorder *audit.Recorder
	manager  *auth.SessionManager
	guard    *auth.Guard
	accounts *auth.MemoryAccounts
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	rec, err := audit.NewRecorder(ctx, audit.NewMemoryStore(), audit.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	opts := []auth.Option{auth.WithAuditor(rec), auth.WithLogger(zap.NewNop())}

	sessions := auth.NewMemorySessions()
	registry, err := auth.NewRoleRegistry(auth.NewMemoryRoles(), sessions, true, opts...)
	require.NoError(t, err)
	require.NoError(t, registry.EnsureSystemRoles(ctx))
	tokens, err := auth.NewTokenIssuer("0123456789abcdef0123456789abcdef", "")
	require.NoError(t, err)
	accounts := auth.NewMemoryAccounts()
	mgr, err := auth.NewSessionManager(accounts, registry, sessions, tokens, auth.DefaultSettings(), opts...)
	require.NoError(t, err)
	return &stack{recorder: rec, manager: mgr, guard: auth.NewGuard(opts...), accounts: accounts}
}

func (s *stack) login(t *testing.T, identifier, roleID string) auth.Login {
	t.Helper()
	hash, err := auth.HashPassword("pw")
	require.NoError(t, err)
	require.NoError(t, s.accounts.CreateAccount(context.Background(), auth.Account{
		ID: identifier, Identifier: identifier, PasswordHash: hash, RoleID: roleID,
		Status: auth.AccountActive, PasswordChangedAt: time.Now(),
	}))
	login, err := s.manager.Authenticate(context.Background(), auth.Credentials{Identifier: identifier, Secret: "pw"}, auth.ClientInfo{IP: "10.0.0.1"})
	require.NoError(t, err)
	return login
}

func (s *stack) entries(t *testing.T, f audit.Filter) []audit.Entry {
	t.Helper()
	var out []audit.Entry
	for e, err := range s.recorder.Query(context.Background(), f) {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func newProtector(t *testing.T, s *stack) *Protector {
	t.Helper()
	p, err := NewProtector(ConsoleRoutes(), s.manager, s.guard, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return p
}

func TestMatch(t *testing.T) {
	p := newProtector(t, newStack(t))
	cases := map[string]string{
		"/console/claims/42/edit":  "/console/claims/{id}/edit",
		"/console/claims/new":      "/console/claims/new",
		"/console/claims/42?tab=x": "/console/claims/{id}",
		"/console/login":           "/console/login",
		"/console":                 "/console",
	}
	for path, want := range cases {
		r, ok := p.Match(path)
		require.True(t, ok, path)
		require.Equal(t, want, r.Pattern, path)
	}
	_, ok := p.Match("/console/secret-area")
	require.False(t, ok)
}

func TestNewProtectorRejectsBadRoutes(t *testing.T) {
	s := newStack(t)
	bad := [][]Route{
		{{Pattern: "console", Public: true}},
		{{Pattern: "/a", Resource: "claims", Action: "APPROVE"}},
		{{Pattern: "/a", Resource: "Bad Resource", Action: auth.ActionRead}},
		{{Pattern: "/a", Public: true}, {Pattern: "/a", Public: true}},
	}
	for _, routes := range bad {
		_, err := NewProtector(routes, s.manager, s.guard)
		require.Error(t, err)
	}
}

func TestDecideTable(t *testing.T) {
	s := newStack(t)
	p := newProtector(t, s)
	ctx := context.Background()
	agent := s.login(t, "agent@example.com", auth.RoleClaimsAgent)

	require.Equal(t, Proceed, p.Decide(ctx, "", "/console/login").Outcome)
	require.Equal(t, RedirectLogin, p.Decide(ctx, "", "/console/claims").Outcome)
	require.Equal(t, RedirectLogin, p.Decide(ctx, "bogus", "/console/claims").Outcome)
	require.Equal(t, RedirectLogin, p.Decide(ctx, "", "/console/secret-area").Outcome)

	d := p.Decide(ctx, agent.Token, "/console/claims/7")
	require.Equal(t, Proceed, d.Outcome)
	require.Equal(t, agent.Session.ID, d.Session.ID)

	require.Equal(t, RedirectUnauthorized, p.Decide(ctx, agent.Token, "/console/settings").Outcome)
	require.Equal(t, RedirectUnauthorized, p.Decide(ctx, agent.Token, "/console/secret-area").Outcome)

	_, err := s.manager.Terminate(ctx, agent.Token, "logout")
	require.NoError(t, err)
	require.Equal(t, RedirectLogin, p.Decide(ctx, agent.Token, "/console/claims").Outcome)
}

func TestAgentCannotEditClaimEndToEnd(t *testing.T) {
	s := newStack(t)
	p := newProtector(t, s)
	agent := s.login(t, "agent@example.com", auth.RoleClaimsAgent)

	logins := s.entries(t, audit.Filter{Action: auth.EventLoginSuccess})
	require.Len(t, logins, 1)
	require.Equal(t, audit.SeverityInfo, logins[0].Severity)

	var reached bool
	h := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))
	req := httptest.NewRequest(http.MethodGet, "/console/claims/42/edit", nil)
	req.Header.Set("Authorization", "Bearer "+agent.Token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.False(t, reached)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/console/unauthorized", rec.Header().Get("Location"))

	denied := s.entries(t, audit.Filter{Action: auth.EventAuthzDenied})
	require.Len(t, denied, 1)
	require.Equal(t, audit.SeverityWarning, denied[0].Severity)
	require.Equal(t, "claims", denied[0].Details["resource"])
	require.Equal(t, "UPDATE", denied[0].Details["action"])
	require.Greater(t, denied[0].ID, logins[0].ID)
}

func TestMiddlewareRedirectsAndInjectsSession(t *testing.T) {
	s := newStack(t)
	p := newProtector(t, s)
	manager := s.login(t, "boss@example.com", auth.RoleClaimsManager)

	var got auth.Session
	h := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.SessionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/console/claims?page=2", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/console/login?next=%2Fconsole%2Fclaims%3Fpage%3D2", rec.Header().Get("Location"))

	req = httptest.NewRequest(http.MethodGet, "/console/claims/9/edit", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: manager.Token})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, manager.Session.ID, got.ID)

	granted := s.entries(t, audit.Filter{Action: auth.EventAuthzGranted})
	require.Len(t, granted, 1)
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Empty(t, TokenFromRequest(req))
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "cookie-token"})
	require.Equal(t, "cookie-token", TokenFromRequest(req))
	req.Header.Set("Authorization", "bearer header-token")
	require.Equal(t, "header-token", TokenFromRequest(req))
	req.Header.Set("Authorization", "Basic abc")
	require.Equal(t, "cookie-token", TokenFromRequest(req))
}
