package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/IamDejman/banyan-admin-sub002/internal/audit"
	"github.com/IamDejman/banyan-admin-sub002/internal/ids"
)

const (
	maxRoleNameLen        = 64
	maxRoleDescriptionLen = 512
)

// RoleRegistry validates role definitions and guards system roles before
// delegating to the RoleStore.
type RoleRegistry struct {
	deps
	store      RoleStore
	sessions   SessionStore
	blockInUse bool
}

// NewRoleRegistry wires the registry. sessions may be nil when
// blockInUse is false.
func NewRoleRegistry(store RoleStore, sessions SessionStore, blockInUse bool, opts ...Option) (*RoleRegistry, error) {
	if store == nil {
		return nil, errors.New("role store is required")
	}
	if blockInUse && sessions == nil {
		return nil, errors.New("session store is required to block in-use role deletion")
	}
	return &RoleRegistry{
		deps:       newDeps(opts),
		store:      store,
		sessions:   sessions,
		blockInUse: blockInUse,
	}, nil
}

// EnsureSystemRoles creates missing system roles and restores any whose
// stored definition drifted from the compiled-in one.
func (r *RoleRegistry) EnsureSystemRoles(ctx context.Context) error {
	now := r.now().UTC()
	for _, want := range SystemRoles() {
		want.IsSystem = true
		var have Role
		err := r.call(ctx, func(ctx context.Context) error {
			var err error
			have, err = r.store.Get(ctx, want.ID)
			return err
		})
		switch {
		case errors.Is(err, ErrNotFound):
			want.CreatedAt, want.UpdatedAt = now, now
			want.CreatedBy, want.UpdatedBy = "system", "system"
			if err := r.call(ctx, func(ctx context.Context) error { return r.store.Create(ctx, want) }); err != nil {
				return fmt.Errorf("seed role %s: %w", want.ID, err)
			}
		case err != nil:
			return fmt.Errorf("load role %s: %w", want.ID, err)
		case !have.IsSystem || have.Name != want.Name || !have.Permissions.Equal(want.Permissions):
			r.log.Warn("restoring drifted system role", zap.String("role_id", want.ID))
			want.CreatedAt, want.CreatedBy = have.CreatedAt, have.CreatedBy
			want.UpdatedAt, want.UpdatedBy = now, "system"
			if err := r.call(ctx, func(ctx context.Context) error { return r.store.Update(ctx, want) }); err != nil {
				return fmt.Errorf("restore role %s: %w", want.ID, err)
			}
		}
	}
	return nil
}

// Get returns the role with id.
func (r *RoleRegistry) Get(ctx context.Context, id string) (Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Role{}, fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	var role Role
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		role, err = r.store.Get(ctx, id)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, id)
	}
	return role, err
}

// List returns all roles, system roles first, then by name.
func (r *RoleRegistry) List(ctx context.Context) ([]Role, error) {
	var roles []Role
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		roles, err = r.store.List(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(roles, func(i, j int) bool {
		if roles[i].IsSystem != roles[j].IsSystem {
			return roles[i].IsSystem
		}
		return strings.ToLower(roles[i].Name) < strings.ToLower(roles[j].Name)
	})
	return roles, nil
}

// Create adds a custom role.
func (r *RoleRegistry) Create(ctx context.Context, def RoleDefinition, actor Actor) (Role, error) {
	name, desc, perms, err := validateDefinition(def.Name, def.Description, def.Permissions)
	if err != nil {
		return Role{}, err
	}
	if err := r.ensureUniqueName(ctx, name, ""); err != nil {
		return Role{}, err
	}
	now := r.now().UTC()
	role := Role{
		ID:          ids.New(),
		Name:        name,
		Description: desc,
		Permissions: perms,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   actor.AccountID,
		UpdatedBy:   actor.AccountID,
	}
	err = r.call(ctx, func(ctx context.Context) error { return r.store.Create(ctx, role) })
	if errors.Is(err, ErrAlreadyExists) {
		return Role{}, &ValidationError{Reason: DuplicateName, Detail: name}
	}
	if err != nil {
		return Role{}, err
	}
	r.record(ctx, roleEntry(EventRoleCreated, audit.SeverityInfo, actor, role, "role created", map[string]any{
		"name":        role.Name,
		"permissions": permissionStrings(role.Permissions),
	}))
	return role, nil
}

// Update applies patch to a custom role.
func (r *RoleRegistry) Update(ctx context.Context, id string, patch RolePatch, actor Actor) (Role, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if current.IsSystem {
		r.rejectSystem(ctx, actor, current, "update")
		return Role{}, &ImmutableRoleError{RoleID: current.ID, Name: current.Name}
	}

	name, desc := current.Name, current.Description
	permList := current.Permissions.List()
	if patch.Name != nil {
		name = *patch.Name
	}
	if patch.Description != nil {
		desc = *patch.Description
	}
	if patch.Permissions != nil {
		permList = *patch.Permissions
	}
	name, desc, perms, err := validateDefinition(name, desc, permList)
	if err != nil {
		return Role{}, err
	}
	if !strings.EqualFold(name, current.Name) {
		if err := r.ensureUniqueName(ctx, name, current.ID); err != nil {
			return Role{}, err
		}
	}

	updated := current.Clone()
	updated.Name, updated.Description, updated.Permissions = name, desc, perms
	updated.UpdatedAt = r.now().UTC()
	updated.UpdatedBy = actor.AccountID
	err = r.call(ctx, func(ctx context.Context) error { return r.store.Update(ctx, updated) })
	if errors.Is(err, ErrAlreadyExists) {
		return Role{}, &ValidationError{Reason: DuplicateName, Detail: name}
	}
	if err != nil {
		return Role{}, err
	}
	r.record(ctx, roleEntry(EventRoleUpdated, audit.SeverityInfo, actor, updated, "role updated", map[string]any{
		"name":                 updated.Name,
		"previous_name":        current.Name,
		"permissions":          permissionStrings(updated.Permissions),
		"previous_permissions": permissionStrings(current.Permissions),
	}))
	return updated, nil
}

// Delete removes a custom role. Sessions already holding its snapshot keep it.
func (r *RoleRegistry) Delete(ctx context.Context, id string, actor Actor) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.IsSystem {
		r.rejectSystem(ctx, actor, current, "delete")
		return &ImmutableRoleError{RoleID: current.ID, Name: current.Name}
	}
	if r.blockInUse {
		var n int
		err := r.call(ctx, func(ctx context.Context) error {
			var err error
			n, err = r.sessions.CountActiveByRole(ctx, current.ID, r.now())
			return err
		})
		if err != nil {
			return err
		}
		if n > 0 {
			r.record(ctx, roleEntry(EventRoleRejected, audit.SeverityWarning, actor, current,
				"role delete rejected: role in use", map[string]any{"operation": "delete", "active_sessions": n}))
			return &InUseError{RoleID: current.ID, Sessions: n}
		}
	}
	if err := r.call(ctx, func(ctx context.Context) error { return r.store.Delete(ctx, current.ID) }); err != nil {
		return err
	}
	r.record(ctx, roleEntry(EventRoleDeleted, audit.SeverityInfo, actor, current, "role deleted", map[string]any{
		"name": current.Name,
	}))
	return nil
}

func (r *RoleRegistry) rejectSystem(ctx context.Context, actor Actor, role Role, op string) {
	r.record(ctx, roleEntry(EventRoleRejected, audit.SeverityWarning, actor, role,
		"system role cannot be modified", map[string]any{"operation": op}))
}

func (r *RoleRegistry) ensureUniqueName(ctx context.Context, name, exceptID string) error {
	roles, err := r.List(ctx)
	if err != nil {
		return err
	}
	for _, existing := range roles {
		if existing.ID != exceptID && strings.EqualFold(existing.Name, name) {
			return &ValidationError{Reason: DuplicateName, Detail: name}
		}
	}
	return nil
}

func validateDefinition(name, desc string, perms []Permission) (string, string, PermissionSet, error) {
	name = strings.TrimSpace(name)
	desc = strings.TrimSpace(desc)
	if name == "" {
		return "", "", nil, &ValidationError{Reason: InvalidRoleDefinition, Detail: "name is required"}
	}
	if utf8.RuneCountInString(name) > maxRoleNameLen {
		return "", "", nil, &ValidationError{Reason: InvalidRoleDefinition, Detail: "name is too long"}
	}
	if utf8.RuneCountInString(desc) > maxRoleDescriptionLen {
		return "", "", nil, &ValidationError{Reason: InvalidRoleDefinition, Detail: "description is too long"}
	}
	if len(perms) == 0 {
		return "", "", nil, &ValidationError{Reason: InvalidRoleDefinition, Detail: "at least one permission is required"}
	}
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		if err := p.Validate(); err != nil {
			return "", "", nil, &ValidationError{Reason: InvalidRoleDefinition, Detail: err.Error()}
		}
		set[p] = struct{}{}
	}
	return name, desc, set, nil
}

func roleEntry(action string, sev audit.Severity, actor Actor, role Role, desc string, details map[string]any) audit.Entry {
	return audit.Entry{
		AccountID:    actor.AccountID,
		AccountRole:  actor.Role,
		Action:       action,
		Severity:     sev,
		Description:  desc,
		Details:      details,
		ResourceType: ResourceRoles,
		ResourceID:   role.ID,
	}
}

func permissionStrings(s PermissionSet) []string {
	list := s.List()
	out := make([]string, len(list))
	for i, p := range list {
		out[i] = p.String()
	}
	return out
}
