package auth

// System role ids are stable across deployments.
const (
	RoleAdministrator    = "administrator"
	RoleClaimsManager    = "claims_manager"
	RoleClaimsAgent      = "claims_agent"
	RoleFinancialOfficer = "financial_officer"
)

// Resources guarded by the console.
const (
	ResourceClaims        = "claims"
	ResourceDocuments     = "documents"
	ResourceSettlements   = "settlements"
	ResourceNotifications = "notifications"
	ResourceReports       = "reports"
	ResourceUsers         = "users"
	ResourceRoles         = "roles"
	ResourceAudit         = "audit"
	ResourceSettings      = "settings"
	ResourceSessions      = "sessions"
)

// SystemRoles returns fresh copies of the built-in roles.
func SystemRoles() []Role {
	return []Role{
		{
			ID:          RoleAdministrator,
			Name:        "Administrator",
			Description: "Full control of the console, users, roles and security settings.",
			Permissions: NewPermissionSet(MustPermissions(
				"claims:manage", "documents:manage", "settlements:manage", "notifications:manage",
				"reports:manage", "users:manage", "roles:manage", "audit:read", "settings:manage",
				"sessions:manage",
			)...),
		},
		{
			ID:          RoleClaimsManager,
			Name:        "Claims Manager",
			Description: "Supervises claims handling, approves settlements and reviews reports.",
			Permissions: NewPermissionSet(MustPermissions(
				"claims:manage", "documents:manage", "settlements:create", "settlements:read",
				"settlements:update", "notifications:create", "notifications:read", "reports:read",
				"users:read", "audit:read",
			)...),
		},
		{
			ID:          RoleClaimsAgent,
			Name:        "Claims Agent",
			Description: "Registers claims and collects supporting documents.",
			Permissions: NewPermissionSet(MustPermissions(
				"claims:create", "claims:read", "documents:create", "documents:read",
				"notifications:read",
			)...),
		},
		{
			ID:          RoleFinancialOfficer,
			Name:        "Financial Officer",
			Description: "Processes settlements and financial reporting.",
			Permissions: NewPermissionSet(MustPermissions(
				"claims:read", "documents:read", "settlements:manage", "reports:create",
				"reports:read", "notifications:read",
			)...),
		},
	}
}

// Audit actions emitted by the auth package.
const (
	EventLoginSuccess      = "auth.login.success"
	EventLoginFailed       = "auth.login.failed"
	EventLoginLocked       = "auth.login.locked"
	EventLockoutTriggered  = "auth.lockout.triggered"
	EventPasswordExpired   = "auth.password.expired"
	EventMFAFailed         = "auth.mfa.failed"
	EventNetworkRestricted = "auth.network.restricted"
	EventLoginError        = "auth.login.error"
	EventSessionExpired    = "session.expired"
	EventSessionTerminated = "session.terminated"
	EventTerminateNoop     = "session.terminate.noop"
	EventAuthzDenied       = "authz.denied"
	EventAuthzGranted      = "authz.granted"
	EventRoleCreated       = "rbac.role.created"
	EventRoleUpdated       = "rbac.role.updated"
	EventRoleDeleted       = "rbac.role.deleted"
	EventRoleRejected      = "rbac.role.rejected"
)
