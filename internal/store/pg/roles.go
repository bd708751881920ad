package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IamDejman/banyan-admin-sub002/internal/auth"
)

var _ auth.RoleStore = (*Roles)(nil)

// Roles persists role definitions. Names are unique case-insensitively
// through the roles_name_lower_uq index.
type Roles struct {
	db *sql.DB
}

const roleColumns = `id, name, description, permissions, is_system, created_at, updated_at, created_by, updated_by`

func (r *Roles) Create(ctx context.Context, role auth.Role) error {
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		insert into roles (`+roleColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, role.ID, role.Name, role.Description, perms, role.IsSystem,
		role.CreatedAt.UTC(), role.UpdatedAt.UTC(), role.CreatedBy, role.UpdatedBy)
	if isUniqueViolation(err) {
		return auth.ErrAlreadyExists
	}
	return err
}

func (r *Roles) Get(ctx context.Context, id string) (auth.Role, error) {
	row := r.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, id)
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	return role, err
}

func (r *Roles) List(ctx context.Context) ([]auth.Role, error) {
	rows, err := r.db.QueryContext(ctx, `select `+roleColumns+` from roles order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []auth.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (r *Roles) Update(ctx context.Context, role auth.Role) error {
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		update roles
		set name = $2, description = $3, permissions = $4, is_system = $5, updated_at = $6, updated_by = $7
		where id = $1
	`, role.ID, role.Name, role.Description, perms, role.IsSystem, role.UpdatedAt.UTC(), role.UpdatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.ErrAlreadyExists
		}
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

func (r *Roles) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.ErrConflict
		}
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

func scanRole(row rowScanner) (auth.Role, error) {
	var (
		role  auth.Role
		perms []byte
	)
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &perms, &role.IsSystem,
		&role.CreatedAt, &role.UpdatedAt, &role.CreatedBy, &role.UpdatedBy); err != nil {
		return auth.Role{}, err
	}
	role.Permissions = auth.PermissionSet{}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &role.Permissions); err != nil {
			return auth.Role{}, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return role, nil
}
