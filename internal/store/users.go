package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const userColumns = `id, external_identity_id, username, email, display_name, avatar_url,
	is_admin, is_server_owner, is_active, is_local, password_hash, created_at, updated_at`

// CreateUserInput carries the fields for a new user row.
type CreateUserInput struct {
	ExternalIdentityID *string
	Username           string
	Email              *string
	DisplayName        *string
	AvatarURL          *string
	IsAdmin            bool
	IsServerOwner      bool
	IsLocal            bool
	PasswordHash       *string
}

// CreateUser inserts a new user and returns it.
func (s *Store) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	if in.ExternalIdentityID != nil && in.PasswordHash != nil {
		return nil, fmt.Errorf("user cannot be both external and local")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (external_identity_id, username, email, display_name, avatar_url,
			is_admin, is_server_owner, is_active, is_local, password_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		nullString(in.ExternalIdentityID), in.Username, nullString(in.Email),
		nullString(in.DisplayName), nullString(in.AvatarURL),
		in.IsAdmin, in.IsServerOwner, in.IsLocal, nullString(in.PasswordHash))
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername loads a user by its unique username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByExternalID loads a user by its external identity id.
func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_identity_id = ?`, externalID)
	return scanUser(row)
}

// GetServerOwner loads the unique server-owner user, if setup has completed.
func (s *Store) GetServerOwner(ctx context.Context) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE is_server_owner = 1`)
	return scanUser(row)
}

// ListUsers returns all users ordered by creation time.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUserInput carries mutable user fields; nil leaves a field unchanged.
type UpdateUserInput struct {
	Email       *string
	DisplayName *string
	AvatarURL   *string
	IsAdmin     *bool
	IsActive    *bool
}

// UpdateUser applies the non-nil fields and bumps updated_at.
func (s *Store) UpdateUser(ctx context.Context, id int64, in UpdateUserInput) (*User, error) {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	email := u.Email
	if in.Email != nil {
		email = in.Email
	}
	display := u.DisplayName
	if in.DisplayName != nil {
		display = in.DisplayName
	}
	avatar := u.AvatarURL
	if in.AvatarURL != nil {
		avatar = in.AvatarURL
	}
	isAdmin := u.IsAdmin
	if in.IsAdmin != nil {
		isAdmin = *in.IsAdmin
	}
	isActive := u.IsActive
	if in.IsActive != nil {
		isActive = *in.IsActive
	}
	// The server owner's admin bit is irrevocable.
	if u.IsServerOwner {
		isAdmin = true
		isActive = true
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET email = ?, display_name = ?, avatar_url = ?, is_admin = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		nullString(email), nullString(display), nullString(avatar), isAdmin, isActive, time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

// DeleteUser removes a user. Blocked while any media request references it,
// either as owner or approver.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	var refs int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM media_requests WHERE user_id = ? OR approved_by = ?`, id, id).Scan(&refs)
	if err != nil {
		return err
	}
	if refs > 0 {
		return ErrReferenced
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_permissions WHERE user_id = ?`, id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var externalID, email, display, avatar, hash sql.NullString
	var updatedAt sql.NullTime
	err := row.Scan(&u.ID, &externalID, &u.Username, &email, &display, &avatar,
		&u.IsAdmin, &u.IsServerOwner, &u.IsActive, &u.IsLocal, &hash, &u.CreatedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.ExternalIdentityID = stringPtr(externalID)
	u.Email = stringPtr(email)
	u.DisplayName = stringPtr(display)
	u.AvatarURL = stringPtr(avatar)
	u.PasswordHash = stringPtr(hash)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = timePtr(updatedAt)
	return &u, nil
}
