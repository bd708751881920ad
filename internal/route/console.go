package route

import "github.com/IamDejman/banyan-admin-sub002/internal/auth"

// ConsoleRoutes is the navigation map of the admin console.
func ConsoleRoutes() []Route {
	return []Route{
		{Pattern: "/console/login", Public: true},
		{Pattern: "/console/unauthorized", Public: true},
		{Pattern: "/console/password-reset", Public: true},

		{Pattern: "/console", Resource: auth.ResourceClaims, Action: auth.ActionRead},
		{Pattern: "/console/claims", Resource: auth.ResourceClaims, Action: auth.ActionRead},
		{Pattern: "/console/claims/new", Resource: auth.ResourceClaims, Action: auth.ActionCreate},
		{Pattern: "/console/claims/{id}", Resource: auth.ResourceClaims, Action: auth.ActionRead},
		{Pattern: "/console/claims/{id}/edit", Resource: auth.ResourceClaims, Action: auth.ActionUpdate},
		{Pattern: "/console/documents", Resource: auth.ResourceDocuments, Action: auth.ActionRead},
		{Pattern: "/console/documents/upload", Resource: auth.ResourceDocuments, Action: auth.ActionCreate},
		{Pattern: "/console/settlements", Resource: auth.ResourceSettlements, Action: auth.ActionRead},
		{Pattern: "/console/settlements/{id}/approve", Resource: auth.ResourceSettlements, Action: auth.ActionUpdate},
		{Pattern: "/console/notifications", Resource: auth.ResourceNotifications, Action: auth.ActionRead},
		{Pattern: "/console/reports", Resource: auth.ResourceReports, Action: auth.ActionRead},
		{Pattern: "/console/users", Resource: auth.ResourceUsers, Action: auth.ActionRead},
		{Pattern: "/console/roles", Resource: auth.ResourceRoles, Action: auth.ActionRead},
		{Pattern: "/console/roles/new", Resource: auth.ResourceRoles, Action: auth.ActionCreate},
		{Pattern: "/console/audit", Resource: auth.ResourceAudit, Action: auth.ActionRead},
		{Pattern: "/console/sessions", Resource: auth.ResourceSessions, Action: auth.ActionRead},
		{Pattern: "/console/settings", Resource: auth.ResourceSettings, Action: auth.ActionRead},
	}
}
