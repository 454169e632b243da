package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const userPermColumns = `user_id, role_id, custom_permissions, max_requests,
	can_request_movies, can_request_tv, instance_permissions,
	current_request_count, total_requests_made, updated_at`

// GetUserPermissions loads the overlay row for a user. Returns ErrNotFound
// when no row exists; callers treat that as "role defaults only".
func (s *Store) GetUserPermissions(ctx context.Context, userID int64) (*UserPermissions, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userPermColumns+` FROM user_permissions WHERE user_id = ?`, userID)
	return scanUserPermissions(row)
}

// UpsertUserPermissionsInput carries the mutable overlay fields.
type UpsertUserPermissionsInput struct {
	RoleID              *int64
	CustomPermissions   map[string]bool
	MaxRequests         *int
	CanRequestMovies    *bool
	CanRequestTV        *bool
	InstancePermissions map[string]bool
}

// UpsertUserPermissions creates or replaces the overlay row, preserving the
// request counters.
func (s *Store) UpsertUserPermissions(ctx context.Context, userID int64, in UpsertUserPermissionsInput) (*UserPermissions, error) {
	custom := in.CustomPermissions
	if custom == nil {
		custom = map[string]bool{}
	}
	instances := in.InstancePermissions
	if instances == nil {
		instances = map[string]bool{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_permissions (user_id, role_id, custom_permissions, max_requests,
			can_request_movies, can_request_tv, instance_permissions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			role_id = excluded.role_id,
			custom_permissions = excluded.custom_permissions,
			max_requests = excluded.max_requests,
			can_request_movies = excluded.can_request_movies,
			can_request_tv = excluded.can_request_tv,
			instance_permissions = excluded.instance_permissions,
			updated_at = excluded.updated_at`,
		userID, nullInt64(in.RoleID), marshalJSON(custom), nullInt(in.MaxRequests),
		nullBool(in.CanRequestMovies), nullBool(in.CanRequestTV), marshalJSON(instances),
		time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("upsert user permissions: %w", err)
	}
	return s.GetUserPermissions(ctx, userID)
}

// IncrementRequestCount bumps both the live pending counter and the lifetime
// total, creating the overlay row on first use.
func (s *Store) IncrementRequestCount(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_permissions (user_id, current_request_count, total_requests_made, updated_at)
		VALUES (?, 1, 1, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			current_request_count = current_request_count + 1,
			total_requests_made = total_requests_made + 1,
			updated_at = excluded.updated_at`,
		userID, time.Now().UTC())
	return err
}

// DecrementRequestCount lowers the live pending counter, never below zero.
func (s *Store) DecrementRequestCount(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_permissions
		SET current_request_count = MAX(current_request_count - 1, 0), updated_at = ?
		WHERE user_id = ?`,
		time.Now().UTC(), userID)
	return err
}

// SetRequestCount overwrites the live pending counter; used by the
// reconciliation that heals drift after restarts.
func (s *Store) SetRequestCount(ctx context.Context, userID int64, count int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_permissions (user_id, current_request_count, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			current_request_count = excluded.current_request_count,
			updated_at = excluded.updated_at`,
		userID, count, time.Now().UTC())
	return err
}

// PendingCountsByUser returns the live pending-request counts grouped by
// owner, from the requests table itself.
func (s *Store) PendingCountsByUser(ctx context.Context) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, COUNT(*) FROM media_requests WHERE status = ? GROUP BY user_id`,
		StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var userID int64
		var n int
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, err
		}
		counts[userID] = n
	}
	return counts, rows.Err()
}

// ListPermissionUserIDs returns every user id that has an overlay row.
func (s *Store) ListPermissionUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM user_permissions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanUserPermissions(row rowScanner) (*UserPermissions, error) {
	var p UserPermissions
	var roleID, maxRequests, canMovies, canTV sql.NullInt64
	var customJSON, instanceJSON string
	var updatedAt sql.NullTime
	err := row.Scan(&p.UserID, &roleID, &customJSON, &maxRequests,
		&canMovies, &canTV, &instanceJSON,
		&p.CurrentRequestCount, &p.TotalRequestsMade, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(customJSON), &p.CustomPermissions); err != nil {
		return nil, fmt.Errorf("user %d has malformed custom permissions: %w", p.UserID, err)
	}
	if err := json.Unmarshal([]byte(instanceJSON), &p.InstancePermissions); err != nil {
		return nil, fmt.Errorf("user %d has malformed instance permissions: %w", p.UserID, err)
	}
	p.RoleID = int64Ptr(roleID)
	p.MaxRequests = intPtr(maxRequests)
	p.CanRequestMovies = boolPtr(canMovies)
	p.CanRequestTV = boolPtr(canTV)
	p.UpdatedAt = timePtr(updatedAt)
	return &p, nil
}
