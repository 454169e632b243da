// Package categories serves pre-rendered catalog pages decorated with
// library presence and request status, cached with a TTL.
package categories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/catalog"
	"github.com/fetcharr/fetcharr/internal/store"
)

// TTL is how long a cached page stays fresh.
const TTL = 24 * time.Hour

// catalogAPI is the external catalog surface; tests substitute a fake.
type catalogAPI interface {
	CategoryPage(ctx context.Context, mediaType store.MediaType, category string, page int) (*catalog.Page, error)
}

// Service is the category cache.
type Service struct {
	store   *store.Store
	catalog catalogAPI
	logger  zerolog.Logger
}

// NewService creates the category cache service.
func NewService(st *store.Store, cat catalogAPI, logger zerolog.Logger) *Service {
	return &Service{
		store:   st,
		catalog: cat,
		logger:  logger.With().Str("component", "categories").Logger(),
	}
}

// DecoratedItem is one catalog entry with its local annotations.
type DecoratedItem struct {
	catalog.Item
	InPlex bool   `json:"inPlex"`
	Status string `json:"status,omitempty"`
}

// DecoratedPage is the cached page payload.
type DecoratedPage struct {
	Page        int             `json:"page"`
	TotalPages  int             `json:"totalPages"`
	Items       []DecoratedItem `json:"items"`
	RefreshedAt time.Time       `json:"refreshedAt"`
}

// GetPage returns a decorated category page, serving cache when fresh and
// refreshing on miss. An expired row is served stale when the refresh fails.
func (s *Service) GetPage(ctx context.Context, mediaType store.MediaType, category string, page int) (*DecoratedPage, error) {
	if page < 1 {
		page = 1
	}
	cached, err := s.store.GetCategoryPage(ctx, mediaType, category, page)
	if err == nil && time.Now().Before(cached.ExpiresAt) {
		return decodePage(cached.Payload)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	fresh, refreshErr := s.refreshPage(ctx, mediaType, category, page)
	if refreshErr == nil {
		return fresh, nil
	}
	if cached != nil {
		s.logger.Warn().Err(refreshErr).Str("category", category).
			Msg("refresh failed; serving stale page")
		return decodePage(cached.Payload)
	}
	return nil, refreshErr
}

// refreshPage fetches, decorates, and stores one page.
func (s *Service) refreshPage(ctx context.Context, mediaType store.MediaType, category string, page int) (*DecoratedPage, error) {
	raw, err := s.catalog.CategoryPage(ctx, mediaType, category, page)
	if err != nil {
		return nil, err
	}
	decorated, err := s.decorate(ctx, mediaType, raw)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(decorated)
	if err != nil {
		return nil, err
	}
	if err := s.store.PutCategoryPage(ctx, mediaType, category, page, payload, TTL); err != nil {
		return nil, err
	}
	return decorated, nil
}

// decorate batch-resolves library presence and request status for a page.
func (s *Service) decorate(ctx context.Context, mediaType store.MediaType, raw *catalog.Page) (*DecoratedPage, error) {
	ids := make([]int64, 0, len(raw.Items))
	for _, item := range raw.Items {
		ids = append(ids, item.TmdbID)
	}

	inLibrary := map[int64]bool{}
	if mediaType == store.MediaTypeMovie {
		var err error
		inLibrary, err = s.store.BatchMovieLookup(ctx, ids)
		if err != nil {
			return nil, err
		}
	} else {
		for _, id := range ids {
			ok, err := s.store.HasLibraryShow(ctx, id)
			if err != nil {
				return nil, err
			}
			inLibrary[id] = ok
		}
	}
	statuses, err := s.store.BatchStatusLookup(ctx, ids, mediaType)
	if err != nil {
		return nil, err
	}

	out := &DecoratedPage{
		Page:        raw.Page,
		TotalPages:  raw.TotalPages,
		Items:       make([]DecoratedItem, 0, len(raw.Items)),
		RefreshedAt: time.Now().UTC(),
	}
	for _, item := range raw.Items {
		d := DecoratedItem{Item: item, InPlex: inLibrary[item.TmdbID]}
		d.Status = itemStatus(d.InPlex, statuses[item.TmdbID])
		out.Items = append(out.Items, d)
	}
	return out, nil
}

func itemStatus(inPlex bool, requested store.RequestStatus) string {
	switch requested {
	case store.StatusAvailable:
		return "available"
	case store.StatusPending:
		return "requested_pending"
	case store.StatusApproved:
		return "requested_approved"
	case store.StatusDownloading:
		return "requested_downloading"
	case store.StatusDownloaded:
		return "requested_downloaded"
	}
	if inPlex {
		return "in_plex"
	}
	return ""
}

// RefreshAll re-decorates every cached page and prunes expired rows; the
// category_cache job runs this.
func (s *Service) RefreshAll(ctx context.Context) (int, error) {
	keys, err := s.store.ListCategoryKeys(ctx)
	if err != nil {
		return 0, err
	}
	refreshed := 0
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return refreshed, ctx.Err()
		default:
		}
		// Page 1 is what the UI lands on; deeper pages refresh on demand.
		if _, err := s.refreshPage(ctx, key.MediaType, key.Category, 1); err != nil {
			s.logger.Warn().Err(err).Str("category", key.Category).
				Str("mediaType", string(key.MediaType)).Msg("category refresh failed")
			continue
		}
		refreshed++
	}
	if _, err := s.store.PruneExpiredCategoryPages(ctx, time.Now()); err != nil {
		return refreshed, err
	}
	return refreshed, nil
}

func decodePage(payload []byte) (*DecoratedPage, error) {
	var page DecoratedPage
	if err := json.Unmarshal(payload, &page); err != nil {
		return nil, err
	}
	return &page, nil
}
