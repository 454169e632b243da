package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetCategoryPage loads a cached catalog page regardless of expiry; the
// caller decides whether stale data is acceptable.
func (s *Store) GetCategoryPage(ctx context.Context, mediaType MediaType, category string, page int) (*CategoryPage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT media_type, category, page, payload, updated_at, expires_at
		FROM category_cache
		WHERE media_type = ? AND category = ? AND page = ?`,
		mediaType, category, page)

	var cp CategoryPage
	var mt, payload string
	err := row.Scan(&mt, &cp.Category, &cp.Page, &payload, &cp.UpdatedAt, &cp.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	parsed, err := ParseMediaType(mt)
	if err != nil {
		return nil, err
	}
	cp.MediaType = parsed
	cp.Payload = []byte(payload)
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	cp.ExpiresAt = cp.ExpiresAt.UTC()
	return &cp, nil
}

// PutCategoryPage stores or replaces a cached catalog page with its expiry.
func (s *Store) PutCategoryPage(ctx context.Context, mediaType MediaType, category string, page int, payload []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO category_cache (media_type, category, page, payload, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(media_type, category, page) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		mediaType, category, page, string(payload), now, now.Add(ttl))
	return err
}

// ListCategoryKeys returns the distinct (media type, category) pairs that
// have at least one cached page. The refresh job re-fetches these.
func (s *Store) ListCategoryKeys(ctx context.Context) ([]CategoryKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT media_type, category FROM category_cache`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []CategoryKey
	for rows.Next() {
		var mt string
		var key CategoryKey
		if err := rows.Scan(&mt, &key.Category); err != nil {
			return nil, err
		}
		parsed, err := ParseMediaType(mt)
		if err != nil {
			return nil, err
		}
		key.MediaType = parsed
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// CategoryKey identifies one cached category listing.
type CategoryKey struct {
	MediaType MediaType `json:"mediaType"`
	Category  string    `json:"category"`
}

// PruneExpiredCategoryPages removes pages past their expiry.
func (s *Store) PruneExpiredCategoryPages(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM category_cache WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
