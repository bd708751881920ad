package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/IamDejman/banyan-admin-sub002/internal/audit"
	"github.com/IamDejman/banyan-admin-sub002/internal/ids"
	"github.com/IamDejman/banyan-admin-sub002/internal/obs"
)

const sweepBatch = 500

// SessionManager is the single authentication path: it verifies
// credentials, applies lockout, expiry and MFA policy, and owns every
// session state transition.
type SessionManager struct {
	deps
	accounts AccountStore
	roles    *RoleRegistry
	sessions SessionStore
	tokens   *TokenIssuer
	settings Settings
	network  NetworkPolicy
}

// NewSessionManager validates settings and wires the collaborators.
func NewSessionManager(accounts AccountStore, roles *RoleRegistry, sessions SessionStore, tokens *TokenIssuer, settings Settings, opts ...Option) (*SessionManager, error) {
	switch {
	case accounts == nil:
		return nil, errors.New("account store is required")
	case roles == nil:
		return nil, errors.New("role registry is required")
	case sessions == nil:
		return nil, errors.New("session store is required")
	case tokens == nil:
		return nil, errors.New("token issuer is required")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	network, err := NewNetworkPolicy(settings.AllowedIPs, settings.RestrictedIPs)
	if err != nil {
		return nil, err
	}
	m := &SessionManager{
		deps:     newDeps(opts),
		accounts: accounts,
		roles:    roles,
		sessions: sessions,
		tokens:   tokens,
		settings: settings,
		network:  network,
	}
	tokens.now = m.now
	return m, nil
}

// Settings returns the effective policy.
func (m *SessionManager) Settings() Settings { return m.settings }

// Authenticate verifies creds and opens a session. Every outcome writes
// exactly one audit entry.
func (m *SessionManager) Authenticate(ctx context.Context, creds Credentials, client ClientInfo) (Login, error) {
	ctx = audit.WithClient(ctx, client.IP, client.UserAgent)
	now := m.now().UTC()
	identifier := strings.ToLower(strings.TrimSpace(creds.Identifier))
	base := audit.Entry{
		Details:   map[string]any{"identifier": identifier},
		IPAddress: client.IP,
		UserAgent: client.UserAgent,
	}

	if !m.network.Allow(client.IP) {
		return Login{}, m.reject(ctx, base, NetworkRestricted, EventNetworkRestricted, audit.SeverityWarning,
			"sign-in attempt from a restricted network")
	}
	if identifier == "" || creds.Secret == "" {
		return Login{}, m.reject(ctx, base, InvalidCredentials, EventLoginFailed, audit.SeverityWarning,
			"sign-in attempt with missing credentials")
	}

	var acct Account
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		acct, err = m.accounts.FindByIdentifier(ctx, identifier)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		burnPasswordCheck(creds.Secret)
		return Login{}, m.reject(ctx, base, InvalidCredentials, EventLoginFailed, audit.SeverityWarning,
			"sign-in attempt for unknown account")
	}
	if err != nil {
		return Login{}, m.fail(ctx, base, err)
	}
	base.AccountID = acct.ID
	base.AccountRole = acct.RoleID

	if acct.Status != AccountActive {
		burnPasswordCheck(creds.Secret)
		base.Details["status"] = string(acct.Status)
		return Login{}, m.reject(ctx, base, InvalidCredentials, EventLoginFailed, audit.SeverityWarning,
			"sign-in attempt for inactive account")
	}

	// The attempt is counted before the password is checked and given back
	// only when it does not end as a failure.
	var slot AttemptSlot
	err = m.call(ctx, func(ctx context.Context) error {
		var err error
		slot, err = m.accounts.ReserveAttempt(ctx, acct.ID, now, m.settings.LockoutWindow(), m.settings.MaxFailedAttempts)
		return err
	})
	if err != nil {
		return Login{}, m.fail(ctx, base, err)
	}
	if slot.Locked {
		base.Details["failed_attempts"] = slot.Count
		obs.AuthAttempts.WithLabelValues(string(AccountLocked)).Inc()
		m.record(ctx, withEvent(base, EventLoginLocked, audit.SeverityCritical, "sign-in attempt on locked account"))
		return Login{}, &AuthenticationError{Reason: AccountLocked, RetryAfter: slot.RetryAfter(now, m.settings.LockoutWindow())}
	}

	if err := VerifyPassword(acct.PasswordHash, creds.Secret); err != nil {
		return Login{}, m.countFailure(ctx, base, slot.Count, InvalidCredentials, EventLoginFailed, "invalid password")
	}

	if m.settings.PasswordExpiryDays > 0 && !acct.PasswordChangedAt.IsZero() &&
		now.Sub(acct.PasswordChangedAt) >= m.settings.PasswordMaxAge() {
		if err := m.resetFailures(ctx, acct.ID); err != nil {
			return Login{}, m.fail(ctx, base, err)
		}
		base.Details["password_changed_at"] = acct.PasswordChangedAt.UTC().Format(time.RFC3339)
		return Login{}, m.reject(ctx, base, PasswordExpired, EventPasswordExpired, audit.SeverityWarning,
			"sign-in refused: password expired")
	}

	if m.settings.RequireMFA {
		switch {
		case acct.TOTPSecret == "", strings.TrimSpace(creds.OTP) == "":
			if err := m.call(ctx, func(ctx context.Context) error { return m.accounts.ReleaseAttempt(ctx, acct.ID) }); err != nil {
				return Login{}, m.fail(ctx, base, err)
			}
			desc := "sign-in requires a one-time code"
			base.Details["mfa"] = "missing"
			if acct.TOTPSecret == "" {
				desc = "sign-in refused: account not enrolled in MFA"
				base.Details["mfa"] = "not_enrolled"
			}
			return Login{}, m.reject(ctx, base, MFARequired, EventMFAFailed, audit.SeverityWarning, desc)
		case !ValidateTOTP(strings.TrimSpace(creds.OTP), acct.TOTPSecret, now):
			base.Details["mfa"] = "invalid"
			return Login{}, m.countFailure(ctx, base, slot.Count, MFARequired, EventMFAFailed, "invalid one-time code")
		}
	}

	if err := m.resetFailures(ctx, acct.ID); err != nil {
		return Login{}, m.fail(ctx, base, err)
	}

	role, err := m.roles.Get(ctx, acct.RoleID)
	if errors.Is(err, ErrNotFound) {
		base.Details["role_id"] = acct.RoleID
		obs.AuthAttempts.WithLabelValues("error").Inc()
		m.record(ctx, withEvent(base, EventLoginError, audit.SeverityError, "account references a missing role"))
		return Login{}, &AuthenticationError{Reason: InvalidCredentials}
	}
	if err != nil {
		return Login{}, m.fail(ctx, base, err)
	}

	sess := Session{
		ID:           ids.NewAt(now),
		AccountID:    acct.ID,
		RoleID:       role.ID,
		RoleName:     role.Name,
		Permissions:  role.Permissions.Clone(),
		Status:       StatusActive,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.settings.SessionTimeout()),
		LastActiveAt: now,
		IPAddress:    client.IP,
		UserAgent:    client.UserAgent,
	}
	token, err := m.tokens.Issue(sess)
	if err != nil {
		return Login{}, m.fail(ctx, base, err)
	}
	if err := m.call(ctx, func(ctx context.Context) error { return m.sessions.Create(ctx, sess) }); err != nil {
		return Login{}, m.fail(ctx, base, err)
	}

	base.AccountRole = role.ID
	base.Details["session_id"] = sess.ID
	base.Details["role_name"] = role.Name
	base.Details["expires_at"] = sess.ExpiresAt.Format(time.RFC3339)
	obs.AuthAttempts.WithLabelValues("success").Inc()
	m.record(ctx, withEvent(base, EventLoginSuccess, audit.SeverityInfo, "signed in"))
	return Login{Session: sess.Clone(), Role: role, Token: token}, nil
}

// ResolveSession returns the live session behind token. A session found
// past its expiry is transitioned to EXPIRED here. With sliding expiry a
// successful resolve pushes expiresAt forward by the session timeout.
func (m *SessionManager) ResolveSession(ctx context.Context, token string) (Session, error) {
	claims, err := m.tokens.Parse(token)
	if err != nil {
		return Session{}, &SessionError{Reason: SessionNotFound}
	}
	now := m.now().UTC()
	var expiredNow bool
	var sess Session
	err = m.call(ctx, func(ctx context.Context) error {
		expiredNow = false
		var err error
		sess, err = m.sessions.Update(ctx, claims.ID, func(s *Session) error {
			if s.AccountID != claims.Subject {
				return &SessionError{Reason: SessionNotFound}
			}
			switch s.Status {
			case StatusTerminated:
				return &SessionError{Reason: SessionTerminated}
			case StatusExpired:
				return &SessionError{Reason: SessionExpired}
			}
			if !now.Before(s.ExpiresAt) {
				s.Status = StatusExpired
				expiredNow = true
				return nil
			}
			s.LastActiveAt = now
			if m.settings.SlidingExpiry {
				if next := now.Add(m.settings.SessionTimeout()); next.After(s.ExpiresAt) {
					s.ExpiresAt = next
				}
			}
			return nil
		})
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return Session{}, &SessionError{Reason: SessionNotFound}
	}
	if err != nil {
		return Session{}, err
	}
	if expiredNow {
		m.recordExpired(ctx, sess, "resolve")
		return Session{}, &SessionError{Reason: SessionExpired}
	}
	return sess, nil
}

// Terminate ends the session behind token. Repeated calls succeed and
// record a no-op entry.
func (m *SessionManager) Terminate(ctx context.Context, token, reason string) (Session, error) {
	claims, err := m.tokens.Parse(token)
	if err != nil {
		return Session{}, &SessionError{Reason: SessionNotFound}
	}
	return m.terminate(ctx, claims.ID, reason, Actor{AccountID: claims.Subject})
}

// TerminateByID ends a session on behalf of an administrator.
func (m *SessionManager) TerminateByID(ctx context.Context, id, reason string, actor Actor) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	return m.terminate(ctx, id, reason, actor)
}

func (m *SessionManager) terminate(ctx context.Context, id, reason string, actor Actor) (Session, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "logout"
	}
	var (
		sess       Session
		prevStatus SessionStatus
	)
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		sess, err = m.sessions.Update(ctx, id, func(s *Session) error {
			prevStatus = s.Status
			if s.Status.Terminal() {
				return nil
			}
			s.Status = StatusTerminated
			s.TerminationReason = reason
			return nil
		})
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return Session{}, &SessionError{Reason: SessionNotFound}
	}
	if err != nil {
		return Session{}, err
	}
	entry := audit.Entry{
		AccountID:    actor.AccountID,
		AccountRole:  actor.Role,
		Severity:     audit.SeverityInfo,
		ResourceType: ResourceSessions,
		ResourceID:   sess.ID,
		Details: map[string]any{
			"session_id":         sess.ID,
			"session_account_id": sess.AccountID,
			"reason":             reason,
		},
	}
	if entry.AccountRole == "" && actor.AccountID == sess.AccountID {
		entry.AccountRole = sess.RoleID
	}
	if prevStatus.Terminal() {
		entry.Details["status"] = string(prevStatus)
		m.record(ctx, withEvent(entry, EventTerminateNoop, audit.SeverityInfo, "session already ended"))
		return sess, nil
	}
	m.record(ctx, withEvent(entry, EventSessionTerminated, audit.SeverityInfo, "session terminated"))
	return sess, nil
}

// Get returns a session record without touching its activity time.
func (m *SessionManager) Get(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		sess, err = m.sessions.Get(ctx, id)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return Session{}, &SessionError{Reason: SessionNotFound}
	}
	return sess, err
}

// Sweep transitions every ACTIVE session past its expiry to EXPIRED and
// returns how many it moved. Safe to run concurrently with ResolveSession.
func (m *SessionManager) Sweep(ctx context.Context) (int, error) {
	now := m.now().UTC()
	total := 0
	for {
		var batch []string
		err := m.call(ctx, func(ctx context.Context) error {
			var err error
			batch, err = m.sessions.ListExpired(ctx, now, sweepBatch)
			return err
		})
		if err != nil {
			return total, err
		}
		moved := 0
		for _, id := range batch {
			var changed bool
			var sess Session
			err := m.call(ctx, func(ctx context.Context) error {
				changed = false
				var err error
				sess, err = m.sessions.Update(ctx, id, func(s *Session) error {
					if s.Status != StatusActive || now.Before(s.ExpiresAt) {
						return nil
					}
					s.Status = StatusExpired
					changed = true
					return nil
				})
				return err
			})
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return total, err
			}
			if changed {
				moved++
				m.recordExpired(ctx, sess, "sweep")
			}
		}
		total += moved
		if len(batch) < sweepBatch || moved == 0 {
			return total, nil
		}
	}
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (m *SessionManager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.log.Warn("session sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.log.Info("expired sessions swept", zap.Int("count", n))
			}
		}
	}
}

func (m *SessionManager) recordExpired(ctx context.Context, s Session, source string) {
	obs.SessionsExpired.Inc()
	m.record(ctx, audit.Entry{
		AccountID:    s.AccountID,
		AccountRole:  s.RoleID,
		Action:       EventSessionExpired,
		Severity:     audit.SeverityInfo,
		Description:  "session expired",
		ResourceType: ResourceSessions,
		ResourceID:   s.ID,
		Details: map[string]any{
			"session_id": s.ID,
			"expires_at": s.ExpiresAt.UTC().Format(time.RFC3339),
			"source":     source,
		},
	})
}

// countFailure reports a failed attempt whose slot is already counted. The
// attempt that fills the last slot is reported as the lockout instead.
func (m *SessionManager) countFailure(ctx context.Context, base audit.Entry, count int, reason AuthFailure, event, desc string) error {
	base.Details["failed_attempts"] = count
	base.Details["reason"] = desc
	if limit := m.settings.MaxFailedAttempts; limit > 0 && count == limit {
		base.Details["lockout_minutes"] = m.settings.LockoutDurationMinutes
		obs.AuthAttempts.WithLabelValues("lockout").Inc()
		m.record(ctx, withEvent(base, EventLockoutTriggered, audit.SeverityCritical,
			"account locked after repeated failed sign-in attempts"))
		return &AuthenticationError{Reason: reason}
	}
	obs.AuthAttempts.WithLabelValues(string(reason)).Inc()
	m.record(ctx, withEvent(base, event, audit.SeverityWarning, "sign-in failed: "+desc))
	return &AuthenticationError{Reason: reason}
}

func (m *SessionManager) resetFailures(ctx context.Context, accountID string) error {
	return m.call(ctx, func(ctx context.Context) error { return m.accounts.ResetFailures(ctx, accountID) })
}

func (m *SessionManager) reject(ctx context.Context, base audit.Entry, reason AuthFailure, event string, sev audit.Severity, desc string) error {
	obs.AuthAttempts.WithLabelValues(string(reason)).Inc()
	m.record(ctx, withEvent(base, event, sev, desc))
	return &AuthenticationError{Reason: reason}
}

// fail records a store or signing fault during login and returns it.
func (m *SessionManager) fail(ctx context.Context, base audit.Entry, err error) error {
	obs.AuthAttempts.WithLabelValues("error").Inc()
	base.Details["error"] = err.Error()
	m.record(ctx, withEvent(base, EventLoginError, audit.SeverityError, "sign-in could not be completed"))
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func withEvent(e audit.Entry, action string, sev audit.Severity, desc string) audit.Entry {
	e.Action = action
	e.Severity = sev
	e.Description = desc
	return e
}
