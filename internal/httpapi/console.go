package httpapi

import (
	"net/http"

	"github.com/IamDejman/banyan-admin-sub002/internal/auth"
)

// handleConsole serves the console views once the route protector has let
// the request through. Views are rendered client-side; this returns the
// view descriptor the shell needs.
func (a *API) handleConsole(w http.ResponseWriter, r *http.Request) {
	view := map[string]any{"path": r.URL.Path}
	if rt, ok := a.Console.Match(r.URL.Path); ok {
		view["view"] = rt.Pattern
		if !rt.Public {
			view["resource"] = rt.Resource
			view["action"] = rt.Action
		}
	}
	if sess, ok := auth.SessionFromContext(r.Context()); ok {
		view["account_id"] = sess.AccountID
		view["role"] = sess.RoleName
		view["permissions"] = sess.Permissions
	}
	writeJSON(w, http.StatusOK, view)
}
