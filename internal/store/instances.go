package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const instanceColumns = `id, name, service_type, url, api_key, is_enabled,
	is_default_movie, is_default_tv, is_4k_default, instance_category,
	quality_tier, settings, created_by, created_at, updated_at`

// CreateInstanceInput carries the fields for a new service instance.
type CreateInstanceInput struct {
	Name             string
	ServiceType      ServiceType
	URL              string
	APIKey           string
	IsEnabled        bool
	IsDefaultMovie   bool
	IsDefaultTV      bool
	Is4KDefault      bool
	InstanceCategory *string
	QualityTier      QualityTier
	Settings         []byte
	CreatedBy        *int64
}

// CreateInstance inserts a service instance.
func (s *Store) CreateInstance(ctx context.Context, in CreateInstanceInput) (*ServiceInstance, error) {
	if _, err := ParseServiceType(string(in.ServiceType)); err != nil {
		return nil, err
	}
	tier := in.QualityTier
	if tier == "" {
		tier = QualityStandard
	}
	if _, err := ParseQualityTier(string(tier)); err != nil {
		return nil, err
	}
	settings := in.Settings
	if len(settings) == 0 {
		settings = []byte("{}")
	}
	apiKey, err := s.sealSecret(in.APIKey)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO service_instances (name, service_type, url, api_key, is_enabled,
			is_default_movie, is_default_tv, is_4k_default, instance_category,
			quality_tier, settings, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.Name, in.ServiceType, in.URL, apiKey, in.IsEnabled,
		in.IsDefaultMovie, in.IsDefaultTV, in.Is4KDefault, nullString(in.InstanceCategory),
		tier, string(settings), nullInt64(in.CreatedBy))
	if err != nil {
		return nil, fmt.Errorf("insert service instance: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, id)
}

// GetInstance loads an instance by id.
func (s *Store) GetInstance(ctx context.Context, id int64) (*ServiceInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM service_instances WHERE id = ?`, id)
	return s.scanInstance(row)
}

// ListInstances returns all instances ordered by name.
func (s *Store) ListInstances(ctx context.Context) ([]*ServiceInstance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM service_instances ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectInstances(rows)
}

// ListInstancesByType returns instances of one service type, ordered for
// selection: defaults first, then 4k defaults, then by name.
func (s *Store) ListInstancesByType(ctx context.Context, serviceType ServiceType, enabledOnly bool) ([]*ServiceInstance, error) {
	defaultCol := "is_default_movie"
	if serviceType == ServiceTypeSeries {
		defaultCol = "is_default_tv"
	}
	query := `SELECT ` + instanceColumns + ` FROM service_instances WHERE service_type = ?`
	if enabledOnly {
		query += ` AND is_enabled = 1`
	}
	query += ` ORDER BY ` + defaultCol + ` DESC, is_4k_default DESC, name ASC`

	rows, err := s.db.QueryContext(ctx, query, serviceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectInstances(rows)
}

// UpdateInstanceInput carries mutable instance fields; nil leaves unchanged.
type UpdateInstanceInput struct {
	Name             *string
	URL              *string
	APIKey           *string
	IsEnabled        *bool
	IsDefaultMovie   *bool
	IsDefaultTV      *bool
	Is4KDefault      *bool
	InstanceCategory *string
	QualityTier      *QualityTier
	Settings         []byte
}

// UpdateInstance applies the non-nil fields.
func (s *Store) UpdateInstance(ctx context.Context, id int64, in UpdateInstanceInput) (*ServiceInstance, error) {
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		inst.Name = *in.Name
	}
	if in.URL != nil {
		inst.URL = *in.URL
	}
	if in.APIKey != nil {
		inst.APIKey = *in.APIKey
	}
	if in.IsEnabled != nil {
		inst.IsEnabled = *in.IsEnabled
	}
	if in.IsDefaultMovie != nil {
		inst.IsDefaultMovie = *in.IsDefaultMovie
	}
	if in.IsDefaultTV != nil {
		inst.IsDefaultTV = *in.IsDefaultTV
	}
	if in.Is4KDefault != nil {
		inst.Is4KDefault = *in.Is4KDefault
	}
	if in.InstanceCategory != nil {
		inst.InstanceCategory = in.InstanceCategory
	}
	if in.QualityTier != nil {
		if _, err := ParseQualityTier(string(*in.QualityTier)); err != nil {
			return nil, err
		}
		inst.QualityTier = *in.QualityTier
	}
	if len(in.Settings) > 0 {
		inst.Settings = in.Settings
	}
	apiKey, err := s.sealSecret(inst.APIKey)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE service_instances SET name = ?, url = ?, api_key = ?, is_enabled = ?,
			is_default_movie = ?, is_default_tv = ?, is_4k_default = ?,
			instance_category = ?, quality_tier = ?, settings = ?, updated_at = ?
		WHERE id = ?`,
		inst.Name, inst.URL, apiKey, inst.IsEnabled,
		inst.IsDefaultMovie, inst.IsDefaultTV, inst.Is4KDefault,
		nullString(inst.InstanceCategory), inst.QualityTier, string(inst.Settings),
		time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, id)
}

// DeleteInstance removes an instance. Blocked while any request references it.
func (s *Store) DeleteInstance(ctx context.Context, id int64) error {
	var refs int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM media_requests WHERE service_instance_id = ?`, id).Scan(&refs)
	if err != nil {
		return err
	}
	if refs > 0 {
		return ErrReferenced
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM service_instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) collectInstances(rows *sql.Rows) ([]*ServiceInstance, error) {
	var instances []*ServiceInstance
	for rows.Next() {
		inst, err := s.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *Store) scanInstance(row rowScanner) (*ServiceInstance, error) {
	var inst ServiceInstance
	var serviceType, tier, settings string
	var category sql.NullString
	var createdBy sql.NullInt64
	var updatedAt sql.NullTime
	err := row.Scan(&inst.ID, &inst.Name, &serviceType, &inst.URL, &inst.APIKey, &inst.IsEnabled,
		&inst.IsDefaultMovie, &inst.IsDefaultTV, &inst.Is4KDefault, &category,
		&tier, &settings, &createdBy, &inst.CreatedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st, err := ParseServiceType(serviceType)
	if err != nil {
		return nil, fmt.Errorf("instance %d: %w", inst.ID, err)
	}
	qt, err := ParseQualityTier(tier)
	if err != nil {
		return nil, fmt.Errorf("instance %d: %w", inst.ID, err)
	}
	key, err := s.openSecret(inst.APIKey)
	if err != nil {
		return nil, fmt.Errorf("instance %d api key: %w", inst.ID, err)
	}
	inst.APIKey = key
	inst.ServiceType = st
	inst.QualityTier = qt
	inst.Settings = []byte(settings)
	inst.InstanceCategory = stringPtr(category)
	inst.CreatedBy = int64Ptr(createdBy)
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = timePtr(updatedAt)
	return &inst, nil
}
