package auth

import (
	"context"
	"strings"

	"github.com/IamDejman/banyan-admin-sub002/internal/audit"
	"github.com/IamDejman/banyan-admin-sub002/internal/obs"
)

// Guard answers (session, resource, action) permission questions.
type Guard struct {
	deps
}

func NewGuard(opts ...Option) *Guard {
	return &Guard{deps: newDeps(opts)}
}

// Check is the pure decision: the session must be ACTIVE and its snapshot
// must hold (resource, action) or (resource, MANAGE). Expiry is not
// re-validated here; callers pass sessions from ResolveSession.
func (g *Guard) Check(s Session, resource string, action Action) bool {
	if s.Status != StatusActive {
		return false
	}
	return s.Permissions.Allows(strings.ToLower(strings.TrimSpace(resource)), action)
}

// Authorize runs Check and records the decision. Every denial and every
// grant of a state-changing action produces exactly one audit entry.
func (g *Guard) Authorize(ctx context.Context, s Session, resource string, action Action) error {
	resource = strings.ToLower(strings.TrimSpace(resource))
	allowed := g.Check(s, resource, action)
	entry := audit.Entry{
		AccountID:    s.AccountID,
		AccountRole:  s.RoleID,
		ResourceType: resource,
		Details: map[string]any{
			"resource":   resource,
			"action":     string(action),
			"session_id": s.ID,
			"role_name":  s.RoleName,
		},
	}
	resLabel, actLabel := decisionLabels(resource, action)
	if !allowed {
		obs.AuthzDecisions.WithLabelValues(resLabel, actLabel, "deny").Inc()
		entry.Action = EventAuthzDenied
		entry.Severity = audit.SeverityWarning
		entry.Description = "permission denied for " + resource + ":" + strings.ToLower(string(action))
		g.record(ctx, entry)
		return &AuthorizationError{Resource: resource, Action: action}
	}
	obs.AuthzDecisions.WithLabelValues(resLabel, actLabel, "allow").Inc()
	if action.StateChanging() {
		entry.Action = EventAuthzGranted
		entry.Severity = audit.SeverityInfo
		entry.Description = "permission granted for " + resource + ":" + strings.ToLower(string(action))
		g.record(ctx, entry)
	}
	return nil
}

var metricResources = map[string]struct{}{
	ResourceClaims: {}, ResourceDocuments: {}, ResourceSettlements: {}, ResourceNotifications: {},
	ResourceReports: {}, ResourceUsers: {}, ResourceRoles: {}, ResourceAudit: {},
	ResourceSettings: {}, ResourceSessions: {},
}

// decisionLabels keeps the decision metric to a fixed label set: resources
// and actions outside the console's own are counted as "other".
func decisionLabels(resource string, action Action) (string, string) {
	if _, ok := metricResources[resource]; !ok {
		resource = "other"
	}
	switch action {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManage:
		return resource, string(action)
	default:
		return resource, "other"
	}
}
