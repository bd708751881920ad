package auth

import (
	"context"
	"fmt"
	"time"
)

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

// Account is the identity-store record the session layer authenticates against.
type Account struct {
	ID                string        `json:"id"`
	Identifier        string        `json:"identifier"`
	PasswordHash      string        `json:"-"`
	RoleID            string        `json:"role_id"`
	Status            AccountStatus `json:"status"`
	FailedAttempts    int           `json:"failed_attempts"`
	LastFailedAt      time.Time     `json:"last_failed_at,omitempty"`
	PasswordChangedAt time.Time     `json:"password_changed_at"`
	TOTPSecret        string        `json:"-"`
	Profile           Profile       `json:"profile"`
	CreatedAt         time.Time     `json:"created_at"`
}

// ProfileKind discriminates the Profile variants.
type ProfileKind string

const (
	ProfileAdministrator ProfileKind = "administrator"
	ProfileAgent         ProfileKind = "agent"
	ProfileCustomer      ProfileKind = "customer"
)

// Profile is a tagged union: exactly the variant named by Kind is set.
type Profile struct {
	Kind          ProfileKind           `json:"kind"`
	DisplayName   string                `json:"display_name,omitempty"`
	Email         string                `json:"email,omitempty"`
	Administrator *AdministratorProfile `json:"administrator,omitempty"`
	Agent         *AgentProfile         `json:"agent,omitempty"`
	Customer      *CustomerProfile      `json:"customer,omitempty"`
}

type AdministratorProfile struct {
	Department string `json:"department,omitempty"`
}

type AgentProfile struct {
	Region        string `json:"region,omitempty"`
	LicenseNumber string `json:"license_number,omitempty"`
	SupervisorID  string `json:"supervisor_id,omitempty"`
}

type CustomerProfile struct {
	PolicyNumbers []string `json:"policy_numbers,omitempty"`
}

// Validate checks the discriminant against the populated variant.
func (p Profile) Validate() error {
	set := 0
	for _, v := range []bool{p.Administrator != nil, p.Agent != nil, p.Customer != nil} {
		if v {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("%w: profile has more than one variant", ErrInvalidInput)
	}
	switch p.Kind {
	case "":
		if set != 0 {
			return fmt.Errorf("%w: profile kind is required", ErrInvalidInput)
		}
	case ProfileAdministrator:
		if p.Agent != nil || p.Customer != nil {
			return fmt.Errorf("%w: administrator profile carries another variant", ErrInvalidInput)
		}
	case ProfileAgent:
		if p.Administrator != nil || p.Customer != nil {
			return fmt.Errorf("%w: agent profile carries another variant", ErrInvalidInput)
		}
	case ProfileCustomer:
		if p.Administrator != nil || p.Agent != nil {
			return fmt.Errorf("%w: customer profile carries another variant", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown profile kind %q", ErrInvalidInput, p.Kind)
	}
	return nil
}

// Role groups permissions. System roles are seeded at startup and immutable.
type Role struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Permissions PermissionSet `json:"permissions"`
	IsSystem    bool          `json:"is_system"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CreatedBy   string        `json:"created_by,omitempty"`
	UpdatedBy   string        `json:"updated_by,omitempty"`
}

func (r Role) Clone() Role {
	r.Permissions = r.Permissions.Clone()
	return r
}

// RoleDefinition is the input to RoleRegistry.Create.
type RoleDefinition struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
}

// RolePatch is the input to RoleRegistry.Update. Nil fields are unchanged.
type RolePatch struct {
	Name        *string       `json:"name,omitempty"`
	Description *string       `json:"description,omitempty"`
	Permissions *[]Permission `json:"permissions,omitempty"`
}

// Actor identifies who performs an administrative change. Role is the
// actor's role id, the form every audit entry carries.
type Actor struct {
	AccountID string
	Role      string
}

// ActorFromSession derives the actor from a resolved session.
func ActorFromSession(s Session) Actor {
	return Actor{AccountID: s.AccountID, Role: s.RoleID}
}

type SessionStatus string

const (
	StatusActive     SessionStatus = "ACTIVE"
	StatusExpired    SessionStatus = "EXPIRED"
	StatusTerminated SessionStatus = "TERMINATED"
)

// Terminal reports whether the status can never return to ACTIVE.
func (s SessionStatus) Terminal() bool { return s != StatusActive }

// Session is one login. Its role snapshot is fixed at creation.
type Session struct {
	ID                string        `json:"id"`
	AccountID         string        `json:"account_id"`
	RoleID            string        `json:"role_id"`
	RoleName          string        `json:"role_name"`
	Permissions       PermissionSet `json:"permissions"`
	Status            SessionStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	LastActiveAt      time.Time     `json:"last_active_at"`
	TerminationReason string        `json:"termination_reason,omitempty"`
	IPAddress         string        `json:"ip_address,omitempty"`
	UserAgent         string        `json:"user_agent,omitempty"`
}

func (s Session) Clone() Session {
	s.Permissions = s.Permissions.Clone()
	return s
}

// Credentials are submitted to Authenticate. OTP is only read when MFA is required.
type Credentials struct {
	Identifier string
	Secret     string
	OTP        string
}

// ClientInfo describes the connection a login arrives on.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// Login is the result of a successful Authenticate.
type Login struct {
	Session Session
	Role    Role
	Token   string
}

// AccountStore is the read side of the identity store plus atomic
// failed-attempt bookkeeping.
type AccountStore interface {
	FindByIdentifier(ctx context.Context, identifier string) (Account, error)
	// ReserveAttempt atomically applies ReserveSlot to the account's
	// counter before the credentials are checked, so the threshold holds
	// under concurrent sign-ins.
	ReserveAttempt(ctx context.Context, accountID string, at time.Time, window time.Duration, limit int) (AttemptSlot, error)
	// ReleaseAttempt returns a reserved slot that did not end in a failure.
	ReleaseAttempt(ctx context.Context, accountID string) error
	ResetFailures(ctx context.Context, accountID string) error
}

// AccountCreator provisions accounts; used for bootstrap only.
type AccountCreator interface {
	CreateAccount(ctx context.Context, a Account) error
}

// RoleStore persists roles. Create and Update return ErrAlreadyExists when
// the name collides case-insensitively with another role.
type RoleStore interface {
	Create(ctx context.Context, r Role) error
	Get(ctx context.Context, id string) (Role, error)
	List(ctx context.Context) ([]Role, error)
	Update(ctx context.Context, r Role) error
	Delete(ctx context.Context, id string) error
}

// SessionStore persists sessions. Update runs fn against the current record
// as one atomic read-modify-write; if fn returns an error nothing is written.
type SessionStore interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	Update(ctx context.Context, id string, fn func(*Session) error) (Session, error)
	// ListExpired returns ids of ACTIVE sessions with expires_at <= now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	// CountActiveByRole counts ACTIVE, unexpired sessions bound to roleID.
	CountActiveByRole(ctx context.Context, roleID string, now time.Time) (int, error)
}
