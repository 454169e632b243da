package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// UpsertLibraryMovieInput mirrors one movie reported by the library server.
type UpsertLibraryMovieInput struct {
	TmdbID int64
	Title  string
	Year   *int
}

// UpsertLibraryMovie records a movie as present in the library, stamping
// last_seen_at so a later prune can drop entries the sync no longer sees.
func (s *Store) UpsertLibraryMovie(ctx context.Context, in UpsertLibraryMovieInput, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plex_library_items (tmdb_id, title, year, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tmdb_id) DO UPDATE SET
			title = excluded.title,
			year = excluded.year,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.last_seen_at`,
		in.TmdbID, in.Title, nullInt(in.Year), seenAt.UTC())
	return err
}

// GetLibraryMovie looks up a library movie by TMDB id.
func (s *Store) GetLibraryMovie(ctx context.Context, tmdbID int64) (*PlexLibraryItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tmdb_id, title, year, added_at, updated_at, last_seen_at
		FROM plex_library_items WHERE tmdb_id = ?`, tmdbID)
	return scanLibraryItem(row)
}

// BatchMovieLookup reports which of the given TMDB ids exist in the library.
func (s *Store) BatchMovieLookup(ctx context.Context, tmdbIDs []int64) (map[int64]bool, error) {
	if len(tmdbIDs) == 0 {
		return map[int64]bool{}, nil
	}
	placeholders := make([]string, len(tmdbIDs))
	args := make([]any, len(tmdbIDs))
	for i, id := range tmdbIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tmdb_id FROM plex_library_items WHERE tmdb_id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	present := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		present[id] = true
	}
	return present, rows.Err()
}

// PruneLibraryMoviesNotSeenSince removes movies the sync has stopped
// reporting, returning how many were dropped.
func (s *Store) PruneLibraryMoviesNotSeenSince(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM plex_library_items WHERE last_seen_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertLibraryTVInput mirrors one season or episode entry from the library.
// A nil episode number denotes a season-level entry.
type UpsertLibraryTVInput struct {
	ShowTmdbID    int64
	SeasonNumber  int
	EpisodeNumber *int
	Title         *string
}

// UpsertLibraryTVItem records a TV season or episode as present.
func (s *Store) UpsertLibraryTVItem(ctx context.Context, in UpsertLibraryTVInput, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plex_tv_items (show_tmdb_id, season_number, episode_number, title, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(show_tmdb_id, season_number, episode_number) DO UPDATE SET
			title = excluded.title,
			last_seen_at = excluded.last_seen_at`,
		in.ShowTmdbID, in.SeasonNumber, nullInt(in.EpisodeNumber), nullString(in.Title), seenAt.UTC())
	return err
}

// ListLibraryTVItems returns every library entry for one show.
func (s *Store) ListLibraryTVItems(ctx context.Context, showTmdbID int64) ([]*PlexTVItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, show_tmdb_id, season_number, episode_number, title, added_at, last_seen_at
		FROM plex_tv_items WHERE show_tmdb_id = ?
		ORDER BY season_number, episode_number`, showTmdbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*PlexTVItem
	for rows.Next() {
		item, err := scanTVItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// HasLibrarySeason reports whether a whole season is in the library, either
// as a season-level entry or via at least one episode.
func (s *Store) HasLibrarySeason(ctx context.Context, showTmdbID int64, season int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM plex_tv_items
		WHERE show_tmdb_id = ? AND season_number = ?`,
		showTmdbID, season).Scan(&n)
	return n > 0, err
}

// HasLibraryEpisode reports whether a specific episode is in the library.
func (s *Store) HasLibraryEpisode(ctx context.Context, showTmdbID int64, season, episode int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM plex_tv_items
		WHERE show_tmdb_id = ? AND season_number = ? AND episode_number = ?`,
		showTmdbID, season, episode).Scan(&n)
	return n > 0, err
}

// HasLibraryShow reports whether any entry for a show exists in the library.
func (s *Store) HasLibraryShow(ctx context.Context, showTmdbID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM plex_tv_items WHERE show_tmdb_id = ?`, showTmdbID).Scan(&n)
	return n > 0, err
}

// PruneLibraryTVNotSeenSince removes TV entries the sync has stopped
// reporting.
func (s *Store) PruneLibraryTVNotSeenSince(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM plex_tv_items WHERE last_seen_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanLibraryItem(row rowScanner) (*PlexLibraryItem, error) {
	var item PlexLibraryItem
	var year sql.NullInt64
	var updatedAt sql.NullTime
	err := row.Scan(&item.ID, &item.TmdbID, &item.Title, &year, &item.AddedAt, &updatedAt, &item.LastSeenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	item.Year = intPtr(year)
	item.AddedAt = item.AddedAt.UTC()
	item.UpdatedAt = timePtr(updatedAt)
	item.LastSeenAt = item.LastSeenAt.UTC()
	return &item, nil
}

func scanTVItem(row rowScanner) (*PlexTVItem, error) {
	var item PlexTVItem
	var episode sql.NullInt64
	var title sql.NullString
	err := row.Scan(&item.ID, &item.ShowTmdbID, &item.SeasonNumber, &episode, &title, &item.AddedAt, &item.LastSeenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	item.EpisodeNumber = intPtr(episode)
	item.Title = stringPtr(title)
	item.AddedAt = item.AddedAt.UTC()
	item.LastSeenAt = item.LastSeenAt.UTC()
	return &item, nil
}
