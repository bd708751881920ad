package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/IamDejman/banyan-admin-sub002/internal/auth"
)

// Permissions are accepted as structured objects or "resource:action" strings.
type createRoleRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Permissions auth.PermissionSet `json:"permissions"`
}

type updateRoleRequest struct {
	Name        *string             `json:"name"`
	Description *string             `json:"description"`
	Permissions *auth.PermissionSet `json:"permissions"`
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, auth.ResourceRoles, auth.ActionRead); !ok {
		return
	}
	roles, err := a.Roles.List(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": roles})
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, auth.ResourceRoles, auth.ActionRead); !ok {
		return
	}
	role, err := a.Roles.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.authorize(w, r, auth.ResourceRoles, auth.ActionCreate)
	if !ok {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.Roles.Create(r.Context(), auth.RoleDefinition{
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions.List(),
	}, auth.ActorFromSession(caller))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.authorize(w, r, auth.ResourceRoles, auth.ActionUpdate)
	if !ok {
		return
	}
	var req updateRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	patch := auth.RolePatch{Name: req.Name, Description: req.Description}
	if req.Permissions != nil {
		perms := req.Permissions.List()
		patch.Permissions = &perms
	}
	role, err := a.Roles.Update(r.Context(), chi.URLParam(r, "id"), patch, auth.ActorFromSession(caller))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.authorize(w, r, auth.ResourceRoles, auth.ActionDelete)
	if !ok {
		return
	}
	if err := a.Roles.Delete(r.Context(), chi.URLParam(r, "id"), auth.ActorFromSession(caller)); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
