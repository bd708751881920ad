package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/IamDejman/banyan-admin-sub002/internal/audit"
	"github.com/IamDejman/banyan-admin-sub002/internal/auth"
	"github.com/IamDejman/banyan-admin-sub002/internal/route"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	OTP        string `json:"otp,omitempty"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	Session   auth.Session `json:"session"`
	Role      roleSummary  `json:"role"`
}

type roleSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type authzCheckRequest struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Identifier) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "identifier and password are required")
		return
	}
	ip, ua := audit.ClientFromContext(r.Context())
	login, err := a.Sessions.Authenticate(r.Context(),
		auth.Credentials{Identifier: req.Identifier, Secret: req.Password, OTP: req.OTP},
		auth.ClientInfo{IP: ip, UserAgent: ua})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     route.SessionCookie,
		Value:    login.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     login.Token,
		ExpiresAt: login.Session.ExpiresAt,
		Session:   login.Session,
		Role:      roleSummary{ID: login.Role.ID, Name: login.Role.Name},
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	if _, err := a.Sessions.Terminate(r.Context(), token, "logout"); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     route.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, sess)
}

// handleAuthzCheck answers a permission question for the caller's own
// session. Denials are a normal answer here, not an error status.
func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	var req authzCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	resource, err := auth.NormalizeResource(req.Resource)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	action, err := auth.ParseAction(req.Action)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	sess, _ := auth.SessionFromContext(r.Context())
	allowed := a.Guard.Authorize(r.Context(), sess, resource, action) == nil
	writeJSON(w, http.StatusOK, map[string]any{
		"resource": resource,
		"action":   action,
		"allowed":  allowed,
	})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	caller, _ := auth.SessionFromContext(r.Context())
	if id != caller.ID {
		if _, ok := a.authorize(w, r, auth.ResourceSessions, auth.ActionRead); !ok {
			return
		}
	}
	sess, err := a.Sessions.Get(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleTerminateSession lets an administrator end any session. The body
// is optional and only carries a reason.
func (a *API) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.authorize(w, r, auth.ResourceSessions, auth.ActionDelete)
	if !ok {
		return
	}
	var req terminateRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "terminated by administrator"
	}
	sess, err := a.Sessions.TerminateByID(r.Context(), chi.URLParam(r, "id"), reason, auth.ActorFromSession(caller))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleSettings(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, auth.ResourceSettings, auth.ActionRead); !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.Sessions.Settings())
}
