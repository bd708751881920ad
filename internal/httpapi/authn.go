package httpapi

import (
	"errors"
	"net/http"

	"github.com/IamDejman/banyan-admin-sub002/internal/auth"
	"github.com/IamDejman/banyan-admin-sub002/internal/route"
)

// requireSession resolves the bearer token (or session cookie) and stores
// the session and token in the request context.
func (a *API) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token := route.TokenFromRequest(r)
		if token == "" {
			writeError(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}
		sess, err := a.Sessions.ResolveSession(r.Context(), token)
		if err != nil {
			var se *auth.SessionError
			if errors.As(err, &se) {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				writeError(w, r, http.StatusUnauthorized, se.Error())
				return
			}
			a.writeServiceError(w, r, err)
			return
		}
		ctx := auth.WithSession(r.Context(), sess, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorize runs the guard for the request's session and writes the error
// response when it denies. Callers return when it reports false.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, resource string, action auth.Action) (auth.Session, bool) {
	sess, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Session{}, false
	}
	if err := a.Guard.Authorize(r.Context(), sess, resource, action); err != nil {
		a.writeServiceError(w, r, err)
		return auth.Session{}, false
	}
	return sess, true
}
