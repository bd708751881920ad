package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrConflict      = errors.New("auth: conflict")
	ErrUnavailable   = errors.New("auth: store unavailable")
	ErrInvalidToken  = errors.New("auth: invalid token")
)

// AuthFailure enumerates why Authenticate rejected a login.
type AuthFailure string

const (
	InvalidCredentials AuthFailure = "invalid_credentials"
	AccountLocked      AuthFailure = "account_locked"
	PasswordExpired    AuthFailure = "password_expired"
	MFARequired        AuthFailure = "mfa_required"
	NetworkRestricted  AuthFailure = "network_restricted"
)

// AuthenticationError is returned by Authenticate. Messages for invalid
// credentials stay generic so accounts cannot be enumerated.
type AuthenticationError struct {
	Reason     AuthFailure
	RetryAfter time.Duration
}

func (e *AuthenticationError) Error() string {
	switch e.Reason {
	case AccountLocked:
		return "account locked after repeated failed sign-in attempts; try again later or contact an administrator"
	case PasswordExpired:
		return "password expired; reset your password to continue"
	case MFARequired:
		return "a valid one-time code is required"
	case NetworkRestricted:
		return "sign-in is not permitted from this network"
	default:
		return "invalid credentials"
	}
}

func (e *AuthenticationError) Status() int {
	switch e.Reason {
	case AccountLocked:
		return http.StatusLocked
	case PasswordExpired, NetworkRestricted:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

// SessionFailure enumerates why a session could not be resolved.
type SessionFailure string

const (
	SessionNotFound   SessionFailure = "not_found"
	SessionExpired    SessionFailure = "expired"
	SessionTerminated SessionFailure = "terminated"
)

// SessionError is returned when a token does not map to a live session.
// Terminated sessions are reported to clients exactly like unknown ones.
type SessionError struct {
	Reason SessionFailure
}

func (e *SessionError) Error() string {
	if e.Reason == SessionExpired {
		return "session expired"
	}
	return "session not found"
}

func (e *SessionError) Status() int {
	if e.Reason == SessionExpired {
		return http.StatusUnauthorized
	}
	return http.StatusNotFound
}

// AuthorizationError is a denied permission check.
type AuthorizationError struct {
	Resource string
	Action   Action
}

func (e *AuthorizationError) Error() string { return "access denied" }

func (e *AuthorizationError) Status() int { return http.StatusForbidden }

// ValidationFailure enumerates role definition problems.
type ValidationFailure string

const (
	InvalidRoleDefinition ValidationFailure = "invalid_role_definition"
	DuplicateName         ValidationFailure = "duplicate_name"
)

// ValidationError rejects a role create or update.
type ValidationError struct {
	Reason ValidationFailure
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func (e *ValidationError) Status() int { return http.StatusBadRequest }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

// ImmutableRoleError rejects any mutation of a system role.
type ImmutableRoleError struct {
	RoleID string
	Name   string
}

func (e *ImmutableRoleError) Error() string {
	return fmt.Sprintf("role %q is a system role and cannot be modified", e.Name)
}

func (e *ImmutableRoleError) Status() int { return http.StatusConflict }

func (e *ImmutableRoleError) Is(target error) bool { return target == ErrConflict }

// InUseError rejects deleting a role that active sessions still reference.
type InUseError struct {
	RoleID   string
	Sessions int
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("role is referenced by %d active sessions", e.Sessions)
}

func (e *InUseError) Status() int { return http.StatusConflict }

func (e *InUseError) Is(target error) bool { return target == ErrConflict }

// isDomainError reports errors that are final answers rather than store faults.
func isDomainError(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidToken) {
		return true
	}
	var (
		authErr    *AuthenticationError
		sessionErr *SessionError
		authzErr   *AuthorizationError
	)
	return errors.As(err, &authErr) || errors.As(err, &sessionErr) || errors.As(err, &authzErr)
}
