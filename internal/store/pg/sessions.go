package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IamDejman/banyan-admin-sub002/internal/auth"
)

var _ auth.SessionStore = (*Sessions)(nil)

// Sessions persists session records. Update locks the row for the whole
// read-modify-write so concurrent resolves and terminations serialize.
type Sessions struct {
	db *sql.DB
}

const sessionColumns = `id, account_id, role_id, role_name, permissions, status, created_at,
	expires_at, last_active_at, termination_reason, ip_address, user_agent`

func (s *Sessions) Create(ctx context.Context, sess auth.Session) error {
	perms, err := json.Marshal(sess.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into sessions (`+sessionColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, sess.ID, sess.AccountID, sess.RoleID, sess.RoleName, perms, string(sess.Status),
		sess.CreatedAt.UTC(), sess.ExpiresAt.UTC(), sess.LastActiveAt.UTC(),
		sess.TerminationReason, sess.IPAddress, sess.UserAgent)
	if isUniqueViolation(err) {
		return auth.ErrAlreadyExists
	}
	return err
}

func (s *Sessions) Get(ctx context.Context, id string) (auth.Session, error) {
	row := s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, auth.ErrNotFound
	}
	return sess, err
}

func (s *Sessions) Update(ctx context.Context, id string, fn func(*auth.Session) error) (auth.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Session{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id = $1 for update`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Session{}, err
	}
	before := sess.Clone()
	if err := fn(&sess); err != nil {
		return auth.Session{}, err
	}
	sess.ID = before.ID
	if sessionChanged(before, sess) {
		if _, err := tx.ExecContext(ctx, `
			update sessions
			set status = $2, expires_at = $3, last_active_at = $4, termination_reason = $5
			where id = $1
		`, sess.ID, string(sess.Status), sess.ExpiresAt.UTC(), sess.LastActiveAt.UTC(), sess.TerminationReason); err != nil {
			return auth.Session{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return auth.Session{}, err
	}
	return sess, nil
}

func (s *Sessions) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		select id from sessions
		where status = 'ACTIVE' and expires_at <= $1
		order by id
		limit $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Sessions) CountActiveByRole(ctx context.Context, roleID string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from sessions
		where role_id = $1 and status = 'ACTIVE' and expires_at > $2
	`, roleID, now.UTC()).Scan(&n)
	return n, err
}

// sessionChanged compares the columns Update is allowed to write.
func sessionChanged(a, b auth.Session) bool {
	return a.Status != b.Status ||
		!a.ExpiresAt.Equal(b.ExpiresAt) ||
		!a.LastActiveAt.Equal(b.LastActiveAt) ||
		a.TerminationReason != b.TerminationReason
}

func scanSession(row rowScanner) (auth.Session, error) {
	var (
		sess   auth.Session
		perms  []byte
		status string
	)
	if err := row.Scan(&sess.ID, &sess.AccountID, &sess.RoleID, &sess.RoleName, &perms, &status,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.LastActiveAt, &sess.TerminationReason,
		&sess.IPAddress, &sess.UserAgent); err != nil {
		return auth.Session{}, err
	}
	sess.Status = auth.SessionStatus(status)
	sess.Permissions = auth.PermissionSet{}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &sess.Permissions); err != nil {
			return auth.Session{}, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return sess, nil
}
