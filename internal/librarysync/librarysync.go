// Package librarysync mirrors the Plex library into the local store and
// confirms request availability. The mirror is the source of truth for the
// AVAILABLE state.
package librarysync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/plex"
	"github.com/fetcharr/fetcharr/internal/settings"
	"github.com/fetcharr/fetcharr/internal/store"
)

// libraryAPI is the Plex surface the sync walks; tests substitute a fake.
type libraryAPI interface {
	Libraries(ctx context.Context) ([]plex.Library, error)
	MovieItems(ctx context.Context, sectionKey string) ([]plex.Movie, error)
	ShowItems(ctx context.Context, sectionKey string) ([]plex.Show, error)
	Episodes(ctx context.Context, showRatingKey string) ([]plex.Episode, error)
}

// Syncer runs the library mirror job.
type Syncer struct {
	store    *store.Store
	settings *settings.Service
	logger   zerolog.Logger

	newClient func(serverURL, token string) libraryAPI
}

// New creates the syncer.
func New(st *store.Store, settingsSvc *settings.Service, logger zerolog.Logger) *Syncer {
	return &Syncer{
		store:    st,
		settings: settingsSvc,
		logger:   logger.With().Str("component", "librarysync").Logger(),
		newClient: func(serverURL, token string) libraryAPI {
			return plex.New(serverURL, token)
		},
	}
}

// Result summarizes one sync pass.
type Result struct {
	Movies       int `json:"movies"`
	Shows        int `json:"shows"`
	Episodes     int `json:"episodes"`
	PrunedMovies int `json:"prunedMovies"`
	PrunedTV     int `json:"prunedTv"`
	Confirmed    int `json:"confirmed"`
}

// Run walks the configured Plex sections, upserts every item, prunes entries
// no longer reported, and confirms AVAILABLE on matching requests.
func (s *Syncer) Run(ctx context.Context) (*Result, error) {
	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.PlexURL == "" || cfg.PlexToken == "" {
		s.logger.Debug().Msg("plex not configured; skipping library sync")
		return &Result{}, nil
	}
	client := s.newClient(cfg.PlexURL, cfg.PlexToken)

	libraries, err := client.Libraries(ctx)
	if err != nil {
		return nil, err
	}
	wanted := map[string]bool{}
	for _, name := range cfg.SyncLibraries {
		wanted[name] = true
	}

	started := time.Now().UTC()
	result := &Result{}
	for _, lib := range libraries {
		if len(wanted) > 0 && !wanted[lib.Title] {
			continue
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}
		switch lib.Type {
		case "movie":
			if err := s.syncMovieSection(ctx, client, lib, started, result); err != nil {
				s.logger.Error().Err(err).Str("library", lib.Title).Msg("movie section sync failed")
			}
		case "show":
			if err := s.syncShowSection(ctx, client, lib, started, result); err != nil {
				s.logger.Error().Err(err).Str("library", lib.Title).Msg("show section sync failed")
			}
		}
	}

	// Entries not seen by this pass are gone from the server.
	prunedMovies, err := s.store.PruneLibraryMoviesNotSeenSince(ctx, started)
	if err != nil {
		return result, err
	}
	prunedTV, err := s.store.PruneLibraryTVNotSeenSince(ctx, started)
	if err != nil {
		return result, err
	}
	result.PrunedMovies = int(prunedMovies)
	result.PrunedTV = int(prunedTV)

	confirmed, err := s.confirmAvailability(ctx)
	if err != nil {
		return result, err
	}
	result.Confirmed = confirmed

	s.logger.Info().Int("movies", result.Movies).Int("shows", result.Shows).
		Int("episodes", result.Episodes).Int("confirmed", result.Confirmed).
		Msg("library sync complete")
	return result, nil
}

func (s *Syncer) syncMovieSection(ctx context.Context, client libraryAPI, lib plex.Library, seenAt time.Time, result *Result) error {
	movies, err := client.MovieItems(ctx, lib.Key)
	if err != nil {
		return err
	}
	for _, m := range movies {
		err := s.store.UpsertLibraryMovie(ctx, store.UpsertLibraryMovieInput{
			TmdbID: m.TmdbID,
			Title:  m.Title,
			Year:   m.Year,
		}, seenAt)
		if err != nil {
			return err
		}
		result.Movies++
	}
	return nil
}

func (s *Syncer) syncShowSection(ctx context.Context, client libraryAPI, lib plex.Library, seenAt time.Time, result *Result) error {
	shows, err := client.ShowItems(ctx, lib.Key)
	if err != nil {
		return err
	}
	for _, show := range shows {
		episodes, err := client.Episodes(ctx, show.RatingKey)
		if err != nil {
			s.logger.Warn().Err(err).Str("show", show.Title).Msg("episode listing failed")
			continue
		}
		for _, ep := range episodes {
			epCopy := ep.EpisodeNumber
			title := ep.Title
			err := s.store.UpsertLibraryTVItem(ctx, store.UpsertLibraryTVInput{
				ShowTmdbID:    show.TmdbID,
				SeasonNumber:  ep.SeasonNumber,
				EpisodeNumber: &epCopy,
				Title:         &title,
			}, seenAt)
			if err != nil {
				return err
			}
			result.Episodes++
		}
		result.Shows++
	}
	return nil
}

// confirmAvailability promotes DOWNLOADED requests whose content the mirror
// now reports. Guarded transitions keep this safe against concurrent
// reconciler runs.
func (s *Syncer) confirmAvailability(ctx context.Context) (int, error) {
	active, err := s.store.FindRequests(ctx, store.RequestFilter{
		StatusIn: []store.RequestStatus{store.StatusDownloaded, store.StatusDownloading, store.StatusApproved},
	}, "created_at", 0, 0)
	if err != nil {
		return 0, err
	}
	confirmed := 0
	for _, req := range active {
		inLibrary := false
		switch {
		case req.MediaType == store.MediaTypeMovie:
			present, err := s.store.BatchMovieLookup(ctx, []int64{req.TmdbID})
			if err != nil {
				return confirmed, err
			}
			inLibrary = present[req.TmdbID]
		case req.IsEpisodeRequest:
			inLibrary, err = s.store.HasLibraryEpisode(ctx, req.TmdbID, *req.SeasonNumber, *req.EpisodeNumber)
		case req.IsSeasonRequest:
			inLibrary, err = s.store.HasLibrarySeason(ctx, req.TmdbID, *req.SeasonNumber)
		default:
			inLibrary, err = s.store.HasLibraryShow(ctx, req.TmdbID)
		}
		if err != nil {
			return confirmed, err
		}
		if !inLibrary {
			continue
		}
		moved, err := s.store.UpdateRequestStatusGuarded(ctx, req.ID, store.StatusAvailable,
			store.StatusApproved, store.StatusDownloading, store.StatusDownloaded)
		if err != nil {
			return confirmed, err
		}
		if moved {
			confirmed++
		}
	}
	return confirmed, nil
}
