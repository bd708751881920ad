package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IamDejman/banyan-admin-sub002/internal/audit"
)

var _ audit.Store = (*AuditLog)(nil)

// AuditLog is the append-only audit table. Rows are never updated or deleted.
type AuditLog struct {
	db *sql.DB
}

const auditColumns = `id, account_id, account_role, action, severity, description, details,
	ip_address, user_agent, request_id, resource_type, resource_id, created_at, prev_hash, hash`

// Append inserts e. A row with the same id is left untouched so a retried
// write that already landed is not duplicated.
func (l *AuditLog) Append(ctx context.Context, e audit.Entry) error {
	details := []byte("{}")
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = raw
	}
	_, err := l.db.ExecContext(ctx, `
		insert into audit_log (`+auditColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		on conflict (id) do nothing
	`, int64(e.ID), e.AccountID, e.AccountRole, e.Action, string(e.Severity), e.Description, details,
		e.IPAddress, e.UserAgent, e.RequestID, e.ResourceType, e.ResourceID, e.Timestamp.UTC(),
		e.PrevHash, e.Hash)
	return err
}

func (l *AuditLog) Scan(ctx context.Context, f audit.Filter, after uint64, limit int) ([]audit.Entry, error) {
	var (
		where = []string{"id > $1"}
		args  = []any{int64(after)}
		idx   = 2
	)
	if f.AccountRole != "" {
		where = append(where, fmt.Sprintf("lower(account_role) = lower($%d)", idx))
		args = append(args, f.AccountRole)
		idx++
	}
	if f.AccountID != "" {
		where = append(where, fmt.Sprintf("account_id = $%d", idx))
		args = append(args, f.AccountID)
		idx++
	}
	if f.Action != "" {
		where = append(where, fmt.Sprintf("action = $%d", idx))
		args = append(args, f.Action)
		idx++
	}
	if f.Severity != "" {
		where = append(where, fmt.Sprintf("severity = $%d", idx))
		args = append(args, string(f.Severity))
		idx++
	}
	if !f.From.IsZero() {
		where = append(where, fmt.Sprintf("created_at >= $%d", idx))
		args = append(args, f.From.UTC())
		idx++
	}
	if !f.To.IsZero() {
		where = append(where, fmt.Sprintf("created_at <= $%d", idx))
		args = append(args, f.To.UTC())
		idx++
	}
	query := fmt.Sprintf(`select %s from audit_log where %s order by id asc`, auditColumns, strings.Join(where, " and "))
	if limit > 0 {
		query += fmt.Sprintf(" limit $%d", idx)
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e        audit.Entry
			id       int64
			severity string
			details  []byte
		)
		if err := rows.Scan(&id, &e.AccountID, &e.AccountRole, &e.Action, &severity, &e.Description, &details,
			&e.IPAddress, &e.UserAgent, &e.RequestID, &e.ResourceType, &e.ResourceID, &e.Timestamp,
			&e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.ID = uint64(id)
		e.Severity = audit.Severity(severity)
		if len(details) > 0 && string(details) != "{}" {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *AuditLog) LastSequence(ctx context.Context) (uint64, error) {
	var last int64
	if err := l.db.QueryRowContext(ctx, `select coalesce(max(id), 0) from audit_log`).Scan(&last); err != nil {
		return 0, err
	}
	return uint64(last), nil
}
