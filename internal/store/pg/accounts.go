package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IamDejman/banyan-admin-sub002/internal/auth"
)

var (
	_ auth.AccountStore   = (*Accounts)(nil)
	_ auth.AccountCreator = (*Accounts)(nil)
)

// Accounts reads identities and maintains failed-attempt counters.
type Accounts struct {
	db *sql.DB
}

const accountColumns = `id, identifier, password_hash, role_id, status, failed_attempts,
	last_failed_at, password_changed_at, totp_secret, profile, created_at`

func (a *Accounts) CreateAccount(ctx context.Context, acct auth.Account) error {
	if acct.ID == "" || strings.TrimSpace(acct.Identifier) == "" {
		return fmt.Errorf("%w: account id and identifier are required", auth.ErrInvalidInput)
	}
	if err := acct.Profile.Validate(); err != nil {
		return err
	}
	profile, err := json.Marshal(acct.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	status := acct.Status
	if status == "" {
		status = auth.AccountActive
	}
	_, err = a.db.ExecContext(ctx, `
		insert into accounts (id, identifier, password_hash, role_id, status, failed_attempts,
			last_failed_at, password_changed_at, totp_secret, profile, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, acct.ID, strings.ToLower(strings.TrimSpace(acct.Identifier)), acct.PasswordHash, acct.RoleID,
		string(status), acct.FailedAttempts, nullTime(acct.LastFailedAt), acct.PasswordChangedAt.UTC(),
		acct.TOTPSecret, profile, acct.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return auth.ErrAlreadyExists
	}
	return err
}

func (a *Accounts) FindByIdentifier(ctx context.Context, identifier string) (auth.Account, error) {
	row := a.db.QueryRowContext(ctx, `
		select `+accountColumns+`
		from accounts
		where lower(identifier) = lower($1)
	`, strings.TrimSpace(identifier))
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Account{}, auth.ErrNotFound
	}
	return acct, err
}

// ReserveAttempt locks the account row, applies auth.ReserveSlot and writes
// the new counter back unless the account is locked.
func (a *Accounts) ReserveAttempt(ctx context.Context, accountID string, at time.Time, window time.Duration, limit int) (auth.AttemptSlot, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.AttemptSlot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		count int
		last  sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		select failed_attempts, last_failed_at from accounts where id = $1 for update
	`, accountID).Scan(&count, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.AttemptSlot{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.AttemptSlot{}, err
	}
	slot := auth.ReserveSlot(count, last.Time, at.UTC(), window, limit)
	if slot.Locked {
		return slot, nil
	}
	if _, err := tx.ExecContext(ctx, `
		update accounts set failed_attempts = $2, last_failed_at = $3 where id = $1
	`, accountID, slot.Count, slot.LastFailedAt); err != nil {
		return auth.AttemptSlot{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.AttemptSlot{}, err
	}
	return slot, nil
}

func (a *Accounts) ReleaseAttempt(ctx context.Context, accountID string) error {
	res, err := a.db.ExecContext(ctx, `
		update accounts set failed_attempts = greatest(failed_attempts - 1, 0) where id = $1
	`, accountID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (a *Accounts) ResetFailures(ctx context.Context, accountID string) error {
	res, err := a.db.ExecContext(ctx, `
		update accounts set failed_attempts = 0, last_failed_at = null where id = $1
	`, accountID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func scanAccount(row rowScanner) (auth.Account, error) {
	var (
		acct       auth.Account
		status     string
		lastFailed sql.NullTime
		profile    []byte
	)
	if err := row.Scan(&acct.ID, &acct.Identifier, &acct.PasswordHash, &acct.RoleID, &status,
		&acct.FailedAttempts, &lastFailed, &acct.PasswordChangedAt, &acct.TOTPSecret, &profile,
		&acct.CreatedAt); err != nil {
		return auth.Account{}, err
	}
	acct.Status = auth.AccountStatus(status)
	if lastFailed.Valid {
		acct.LastFailedAt = lastFailed.Time
	}
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &acct.Profile); err != nil {
			return auth.Account{}, fmt.Errorf("decode profile: %w", err)
		}
	}
	return acct, nil
}
