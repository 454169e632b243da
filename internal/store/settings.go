package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const settingsColumns = `base_url, theme, approval_policy, default_request_limit,
	request_retention_days, plex_url, plex_token, tmdb_api_key,
	sync_libraries, job_settings, created_at, updated_at`

// EnsureSettings creates the singleton settings row with defaults if it does
// not exist yet. Safe to call on every startup.
func (s *Store) EnsureSettings(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (id) VALUES (1) ON CONFLICT(id) DO NOTHING`)
	return err
}

// GetSettings loads the singleton settings row.
func (s *Store) GetSettings(ctx context.Context) (*Settings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+settingsColumns+` FROM settings WHERE id = 1`)

	var st Settings
	var librariesJSON, jobsJSON string
	var updatedAt sql.NullTime
	err := row.Scan(&st.BaseURL, &st.Theme, &st.ApprovalPolicy, &st.DefaultRequestLimit,
		&st.RequestRetentionDays, &st.PlexURL, &st.PlexToken, &st.TmdbAPIKey,
		&librariesJSON, &jobsJSON, &st.CreatedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if st.PlexToken, err = s.openSecret(st.PlexToken); err != nil {
		return nil, fmt.Errorf("plex token: %w", err)
	}
	if st.TmdbAPIKey, err = s.openSecret(st.TmdbAPIKey); err != nil {
		return nil, fmt.Errorf("tmdb api key: %w", err)
	}
	if err := json.Unmarshal([]byte(librariesJSON), &st.SyncLibraries); err != nil {
		return nil, fmt.Errorf("malformed sync libraries: %w", err)
	}
	if err := json.Unmarshal([]byte(jobsJSON), &st.JobSettings); err != nil {
		return nil, fmt.Errorf("malformed job settings: %w", err)
	}
	st.CreatedAt = st.CreatedAt.UTC()
	st.UpdatedAt = timePtr(updatedAt)
	return &st, nil
}

// UpdateSettingsInput carries mutable settings fields; nil leaves unchanged.
type UpdateSettingsInput struct {
	BaseURL              *string
	Theme                *string
	ApprovalPolicy       *string
	DefaultRequestLimit  *int
	RequestRetentionDays *int
	PlexURL              *string
	PlexToken            *string
	TmdbAPIKey           *string
	SyncLibraries        []string
	JobSettings          map[string]JobSetting
}

// UpdateSettings applies the non-nil fields to the singleton row.
func (s *Store) UpdateSettings(ctx context.Context, in UpdateSettingsInput) (*Settings, error) {
	cur, err := s.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	if in.BaseURL != nil {
		cur.BaseURL = *in.BaseURL
	}
	if in.Theme != nil {
		cur.Theme = *in.Theme
	}
	if in.ApprovalPolicy != nil {
		cur.ApprovalPolicy = *in.ApprovalPolicy
	}
	if in.DefaultRequestLimit != nil {
		cur.DefaultRequestLimit = *in.DefaultRequestLimit
	}
	if in.RequestRetentionDays != nil {
		cur.RequestRetentionDays = *in.RequestRetentionDays
	}
	if in.PlexURL != nil {
		cur.PlexURL = *in.PlexURL
	}
	if in.PlexToken != nil {
		cur.PlexToken = *in.PlexToken
	}
	if in.TmdbAPIKey != nil {
		cur.TmdbAPIKey = *in.TmdbAPIKey
	}
	if in.SyncLibraries != nil {
		cur.SyncLibraries = in.SyncLibraries
	}
	if in.JobSettings != nil {
		cur.JobSettings = in.JobSettings
	}

	libraries, err := json.Marshal(cur.SyncLibraries)
	if err != nil {
		return nil, err
	}
	jobs := cur.JobSettings
	if jobs == nil {
		jobs = map[string]JobSetting{}
	}
	jobsJSON, err := json.Marshal(jobs)
	if err != nil {
		return nil, err
	}

	plexToken, err := s.sealSecret(cur.PlexToken)
	if err != nil {
		return nil, err
	}
	tmdbKey, err := s.sealSecret(cur.TmdbAPIKey)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE settings SET base_url = ?, theme = ?, approval_policy = ?,
			default_request_limit = ?, request_retention_days = ?,
			plex_url = ?, plex_token = ?, tmdb_api_key = ?,
			sync_libraries = ?, job_settings = ?, updated_at = ?
		WHERE id = 1`,
		cur.BaseURL, cur.Theme, cur.ApprovalPolicy,
		cur.DefaultRequestLimit, cur.RequestRetentionDays,
		cur.PlexURL, plexToken, tmdbKey,
		string(libraries), string(jobsJSON), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.GetSettings(ctx)
}
