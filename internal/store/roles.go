package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const roleColumns = `id, name, display_name, description, permissions, is_default, is_system, created_at, updated_at`

// ErrSystemRole is returned when attempting to delete a system role.
var ErrSystemRole = errors.New("system roles cannot be deleted")

// CreateRoleInput carries the fields for a new role.
type CreateRoleInput struct {
	Name        string
	DisplayName string
	Description *string
	Permissions []string
	IsDefault   bool
}

// CreateRole inserts a role. Setting IsDefault clears the flag elsewhere so
// exactly one default role exists.
func (s *Store) CreateRole(ctx context.Context, in CreateRoleInput) (*Role, error) {
	perms, err := json.Marshal(in.Permissions)
	if err != nil {
		return nil, err
	}
	if in.IsDefault {
		if _, err := s.db.ExecContext(ctx, `UPDATE roles SET is_default = 0`); err != nil {
			return nil, err
		}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (name, display_name, description, permissions, is_default, is_system)
		VALUES (?, ?, ?, ?, ?, 0)`,
		in.Name, in.DisplayName, nullString(in.Description), string(perms), in.IsDefault)
	if err != nil {
		return nil, fmt.Errorf("insert role: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetRole(ctx, id)
}

// GetRole loads a role by id.
func (s *Store) GetRole(ctx context.Context, id int64) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = ?`, id)
	return scanRole(row)
}

// GetRoleByName loads a role by its unique name.
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = ?`, name)
	return scanRole(row)
}

// GetDefaultRole loads the unique default role.
func (s *Store) GetDefaultRole(ctx context.Context) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE is_default = 1`)
	return scanRole(row)
}

// ListRoles returns all roles ordered by name.
func (s *Store) ListRoles(ctx context.Context) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// UpdateRolePermissions replaces a role's permission set.
func (s *Store) UpdateRolePermissions(ctx context.Context, id int64, permissions []string) (*Role, error) {
	perms, err := json.Marshal(permissions)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE roles SET permissions = ?, updated_at = ? WHERE id = ?`,
		string(perms), time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetRole(ctx, id)
}

// DeleteRole removes a role. System roles cannot be deleted.
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	r, err := s.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if r.IsSystem {
		return ErrSystemRole
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM roles WHERE id = ?`, id)
	return err
}

func scanRole(row rowScanner) (*Role, error) {
	var r Role
	var description sql.NullString
	var permsJSON string
	var updatedAt sql.NullTime
	err := row.Scan(&r.ID, &r.Name, &r.DisplayName, &description, &permsJSON,
		&r.IsDefault, &r.IsSystem, &r.CreatedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(permsJSON), &r.Permissions); err != nil {
		return nil, fmt.Errorf("role %d has malformed permissions: %w", r.ID, err)
	}
	r.Description = stringPtr(description)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = timePtr(updatedAt)
	return &r, nil
}
