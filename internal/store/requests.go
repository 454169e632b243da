package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const requestColumns = `id, user_id, tmdb_id, media_type, title, overview, poster_path,
	release_date, status, service_instance_id, requested_quality_tier,
	radarr_id, sonarr_id, season_number, episode_number,
	is_season_request, is_episode_request, created_at, updated_at, approved_by, approved_at`

// CreateRequestInput carries the fields for a new media request row.
type CreateRequestInput struct {
	UserID               int64
	TmdbID               int64
	MediaType            MediaType
	Title                string
	Overview             *string
	PosterPath           *string
	ReleaseDate          *string
	Status               RequestStatus
	ServiceInstanceID    *int64
	RequestedQualityTier QualityTier
	SeasonNumber         *int
	EpisodeNumber        *int
	IsSeasonRequest      bool
	IsEpisodeRequest     bool
	ApprovedBy           *int64
	ApprovedAt           *time.Time
}

// CreateRequest inserts a request row after validating its shape.
func (s *Store) CreateRequest(ctx context.Context, in CreateRequestInput) (*MediaRequest, error) {
	if _, err := ParseMediaType(string(in.MediaType)); err != nil {
		return nil, err
	}
	if _, err := ParseRequestStatus(string(in.Status)); err != nil {
		return nil, err
	}
	if _, err := ParseQualityTier(string(in.RequestedQualityTier)); err != nil {
		return nil, err
	}
	if in.IsSeasonRequest && (in.SeasonNumber == nil || in.EpisodeNumber != nil || in.MediaType != MediaTypeTV) {
		return nil, fmt.Errorf("season request requires a season number and no episode number")
	}
	if in.IsEpisodeRequest && (in.SeasonNumber == nil || in.EpisodeNumber == nil || in.MediaType != MediaTypeTV) {
		return nil, fmt.Errorf("episode request requires season and episode numbers")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO media_requests (user_id, tmdb_id, media_type, title, overview, poster_path,
			release_date, status, service_instance_id, requested_quality_tier,
			season_number, episode_number, is_season_request, is_episode_request,
			approved_by, approved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.UserID, in.TmdbID, in.MediaType, in.Title, nullString(in.Overview), nullString(in.PosterPath),
		nullString(in.ReleaseDate), in.Status, nullInt64(in.ServiceInstanceID), in.RequestedQualityTier,
		nullInt(in.SeasonNumber), nullInt(in.EpisodeNumber), in.IsSeasonRequest, in.IsEpisodeRequest,
		nullInt64(in.ApprovedBy), nullTime(in.ApprovedAt))
	if err != nil {
		return nil, fmt.Errorf("insert media request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetRequest(ctx, id)
}

// GetRequest loads a request by id.
func (s *Store) GetRequest(ctx context.Context, id int64) (*MediaRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM media_requests WHERE id = ?`, id)
	return scanRequest(row)
}

// RequestFilter narrows FindRequests. Nil fields are ignored.
type RequestFilter struct {
	UserID    *int64
	MediaType *MediaType
	StatusIn  []RequestStatus
	TmdbID    *int64
}

// FindRequests runs the indexed filter query with explicit ordering and
// pagination. orderBy must be one of "created_at", "created_at DESC",
// "updated_at DESC".
func (s *Store) FindRequests(ctx context.Context, f RequestFilter, orderBy string, limit, offset int) ([]*MediaRequest, error) {
	switch orderBy {
	case "", "created_at":
		orderBy = "created_at ASC"
	case "created_at DESC", "updated_at DESC":
	default:
		return nil, fmt.Errorf("unsupported order %q", orderBy)
	}

	var where []string
	var args []any
	if f.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.MediaType != nil {
		where = append(where, "media_type = ?")
		args = append(args, *f.MediaType)
	}
	if f.TmdbID != nil {
		where = append(where, "tmdb_id = ?")
		args = append(args, *f.TmdbID)
	}
	if len(f.StatusIn) > 0 {
		placeholders := make([]string, len(f.StatusIn))
		for i, st := range f.StatusIn {
			placeholders[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ",")+")")
	}

	query := `SELECT ` + requestColumns + ` FROM media_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ` + orderBy
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// CountPendingByUser returns the number of pending requests a user owns.
func (s *Store) CountPendingByUser(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM media_requests WHERE user_id = ? AND status = ?`,
		userID, StatusPending).Scan(&n)
	return n, err
}

// BatchStatusLookup returns the most relevant request status per TMDB id.
// When multiple rows exist (TV partials) the most advanced status wins.
func (s *Store) BatchStatusLookup(ctx context.Context, tmdbIDs []int64, mediaType MediaType) (map[int64]RequestStatus, error) {
	if len(tmdbIDs) == 0 {
		return map[int64]RequestStatus{}, nil
	}
	placeholders := make([]string, len(tmdbIDs))
	args := make([]any, 0, len(tmdbIDs)+1)
	args = append(args, mediaType)
	for i, id := range tmdbIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tmdb_id, status FROM media_requests
		WHERE media_type = ? AND tmdb_id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rank := map[RequestStatus]int{
		StatusRejected: 0, StatusPending: 1, StatusApproved: 2,
		StatusDownloading: 3, StatusDownloaded: 4, StatusAvailable: 5,
	}
	result := make(map[int64]RequestStatus)
	for rows.Next() {
		var tmdbID int64
		var raw string
		if err := rows.Scan(&tmdbID, &raw); err != nil {
			return nil, err
		}
		st, err := ParseRequestStatus(raw)
		if err != nil {
			return nil, err
		}
		if prev, ok := result[tmdbID]; !ok || rank[st] > rank[prev] {
			result[tmdbID] = st
		}
	}
	return result, rows.Err()
}

// GetMovieRequest loads a user's request for a movie, if any.
func (s *Store) GetMovieRequest(ctx context.Context, userID, tmdbID int64) (*MediaRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM media_requests
		WHERE user_id = ? AND tmdb_id = ? AND media_type = ?`,
		userID, tmdbID, MediaTypeMovie)
	return scanRequest(row)
}

// GetWholeSeriesRequest loads a user's whole-series request for a show.
func (s *Store) GetWholeSeriesRequest(ctx context.Context, userID, tmdbID int64) (*MediaRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM media_requests
		WHERE user_id = ? AND tmdb_id = ? AND media_type = ?
		  AND is_season_request = 0 AND is_episode_request = 0`,
		userID, tmdbID, MediaTypeTV)
	return scanRequest(row)
}

// GetSeasonRequest loads a user's season-level request.
func (s *Store) GetSeasonRequest(ctx context.Context, userID, tmdbID int64, season int) (*MediaRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM media_requests
		WHERE user_id = ? AND tmdb_id = ? AND media_type = ?
		  AND is_season_request = 1 AND season_number = ?`,
		userID, tmdbID, MediaTypeTV, season)
	return scanRequest(row)
}

// GetEpisodeRequest loads a user's episode-level request.
func (s *Store) GetEpisodeRequest(ctx context.Context, userID, tmdbID int64, season, episode int) (*MediaRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM media_requests
		WHERE user_id = ? AND tmdb_id = ? AND media_type = ?
		  AND is_episode_request = 1 AND season_number = ? AND episode_number = ?`,
		userID, tmdbID, MediaTypeTV, season, episode)
	return scanRequest(row)
}

// UpdateRequestStatusGuarded moves a request to a new status only when its
// current status is in the allowed prior set. Returns whether the row moved;
// concurrent updaters see exactly one winner.
func (s *Store) UpdateRequestStatusGuarded(ctx context.Context, id int64, to RequestStatus, from ...RequestStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("guarded update requires at least one prior status")
	}
	placeholders := make([]string, len(from))
	args := []any{to, time.Now().UTC(), id}
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE media_requests SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ApproveRequestRow stamps approval metadata and status atomically, guarded
// on the row still being pending. Reports whether this call performed the
// transition, so two concurrent approvers cannot both claim it; a row that
// already left PENDING reports false and callers treat that as the
// idempotent no-op branch.
func (s *Store) ApproveRequestRow(ctx context.Context, id, approvedBy int64, instanceID *int64) (bool, error) {
	query := `
		UPDATE media_requests SET status = ?, approved_by = ?, approved_at = ?, updated_at = ?`
	args := []any{StatusApproved, approvedBy, time.Now().UTC(), time.Now().UTC()}
	if instanceID != nil {
		query += `, service_instance_id = ?`
		args = append(args, *instanceID)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, StatusPending)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RejectRequestRow stamps rejection, guarded on the prior status pending.
func (s *Store) RejectRequestRow(ctx context.Context, id, rejectedBy int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE media_requests SET status = ?, approved_by = ?, approved_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusRejected, rejectedBy, time.Now().UTC(), time.Now().UTC(), id, StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetRequestInstance records the instance a request will dispatch to.
func (s *Store) SetRequestInstance(ctx context.Context, id, instanceID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media_requests SET service_instance_id = ?, updated_at = ? WHERE id = ?`,
		instanceID, time.Now().UTC(), id)
	return err
}

// RecordDownstreamID stores the downstream identifier in the column matching
// the request's media type.
func (s *Store) RecordDownstreamID(ctx context.Context, id int64, mediaType MediaType, downstreamID int64) error {
	col := "radarr_id"
	if mediaType == MediaTypeTV {
		col = "sonarr_id"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE media_requests SET `+col+` = ?, updated_at = ? WHERE id = ?`,
		downstreamID, time.Now().UTC(), id)
	return err
}

// DeleteRequest removes a request row.
func (s *Store) DeleteRequest(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM media_requests WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListApprovedWithoutDownstreamID returns approved requests that never
// reached their downstream service; the deferred-submission job retries them.
func (s *Store) ListApprovedWithoutDownstreamID(ctx context.Context) ([]*MediaRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM media_requests
		WHERE status = ? AND radarr_id IS NULL AND sonarr_id IS NULL
		ORDER BY created_at`,
		StatusApproved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// DeleteTerminalRequestsBefore removes AVAILABLE/REJECTED rows older than the
// cutoff and returns how many were removed.
func (s *Store) DeleteTerminalRequestsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM media_requests
		WHERE status IN (?, ?) AND created_at < ?`,
		StatusAvailable, StatusRejected, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func collectRequests(rows *sql.Rows) ([]*MediaRequest, error) {
	var requests []*MediaRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func scanRequest(row rowScanner) (*MediaRequest, error) {
	var r MediaRequest
	var mediaType, status, tier string
	var overview, poster, release sql.NullString
	var instanceID, radarrID, sonarrID, approvedBy sql.NullInt64
	var season, episode sql.NullInt64
	var updatedAt, approvedAt sql.NullTime
	err := row.Scan(&r.ID, &r.UserID, &r.TmdbID, &mediaType, &r.Title, &overview, &poster,
		&release, &status, &instanceID, &tier,
		&radarrID, &sonarrID, &season, &episode,
		&r.IsSeasonRequest, &r.IsEpisodeRequest, &r.CreatedAt, &updatedAt, &approvedBy, &approvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	mt, err := ParseMediaType(mediaType)
	if err != nil {
		return nil, fmt.Errorf("request %d: %w", r.ID, err)
	}
	st, err := ParseRequestStatus(status)
	if err != nil {
		return nil, fmt.Errorf("request %d: %w", r.ID, err)
	}
	qt, err := ParseQualityTier(tier)
	if err != nil {
		return nil, fmt.Errorf("request %d: %w", r.ID, err)
	}
	r.MediaType = mt
	r.Status = st
	r.RequestedQualityTier = qt
	r.Overview = stringPtr(overview)
	r.PosterPath = stringPtr(poster)
	r.ReleaseDate = stringPtr(release)
	r.ServiceInstanceID = int64Ptr(instanceID)
	r.RadarrID = int64Ptr(radarrID)
	r.SonarrID = int64Ptr(sonarrID)
	r.SeasonNumber = intPtr(season)
	r.EpisodeNumber = intPtr(episode)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = timePtr(updatedAt)
	r.ApprovedBy = int64Ptr(approvedBy)
	r.ApprovedAt = timePtr(approvedAt)
	return &r, nil
}
