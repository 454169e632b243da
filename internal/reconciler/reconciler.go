// Package reconciler pulls download state from the downstream services and
// advances post-approval requests. There are no webhooks; this loop is the
// only source of downstream truth.
package reconciler

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/arr"
	"github.com/fetcharr/fetcharr/internal/instances"
	"github.com/fetcharr/fetcharr/internal/store"
)

type movieAPI interface {
	ListMovies(ctx context.Context) ([]arr.Movie, error)
	Queue(ctx context.Context) ([]arr.QueueItem, error)
}

type seriesAPI interface {
	ListSeries(ctx context.Context) ([]arr.Series, error)
	Queue(ctx context.Context) ([]arr.QueueItem, error)
}

// Reconciler advances request statuses from downstream state.
type Reconciler struct {
	store    *store.Store
	registry *instances.Registry
	logger   zerolog.Logger

	newMovieAPI  func(baseURL, apiKey string) movieAPI
	newSeriesAPI func(baseURL, apiKey string) seriesAPI
}

// New creates the reconciler.
func New(st *store.Store, registry *instances.Registry, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:    st,
		registry: registry,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		newMovieAPI: func(baseURL, apiKey string) movieAPI {
			return arr.NewRadarr(baseURL, apiKey)
		},
		newSeriesAPI: func(baseURL, apiKey string) seriesAPI {
			return arr.NewSonarr(baseURL, apiKey)
		},
	}
}

// Result summarizes one reconciliation pass.
type Result struct {
	Checked     int `json:"checked"`
	Downloading int `json:"downloading"`
	Downloaded  int `json:"downloaded"`
	Available   int `json:"available"`
}

// Run reconciles every non-terminal post-approval request. Guarded updates
// make concurrent runs harmless.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	active, err := r.store.FindRequests(ctx, store.RequestFilter{
		StatusIn: []store.RequestStatus{store.StatusApproved, store.StatusDownloading, store.StatusDownloaded},
	}, "created_at", 0, 0)
	if err != nil {
		return nil, err
	}
	result := &Result{Checked: len(active)}
	if len(active) == 0 {
		return result, nil
	}

	var movies, series []*store.MediaRequest
	for _, req := range active {
		if req.MediaType == store.MediaTypeMovie {
			movies = append(movies, req)
		} else {
			series = append(series, req)
		}
	}
	if len(movies) > 0 {
		if err := r.reconcileMovies(ctx, movies, result); err != nil {
			r.logger.Error().Err(err).Msg("movie reconciliation failed")
		}
	}
	if len(series) > 0 {
		if err := r.reconcileSeries(ctx, series, result); err != nil {
			r.logger.Error().Err(err).Msg("series reconciliation failed")
		}
	}
	return result, nil
}

func (r *Reconciler) reconcileMovies(ctx context.Context, reqs []*store.MediaRequest, result *Result) error {
	insts, err := r.registry.ListByType(ctx, store.ServiceTypeMovies, true)
	if err != nil {
		return err
	}
	hasFile := map[int64]bool{}
	inProgress := map[int64]bool{}
	radarrToTmdb := map[int64]int64{}
	for _, inst := range insts {
		eff, err := r.registry.Effective(inst)
		if err != nil {
			r.logger.Warn().Err(err).Str("instance", inst.Name).Msg("skipping instance")
			continue
		}
		client := r.newMovieAPI(inst.URL, eff.APIKey)
		listed, err := client.ListMovies(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("instance", inst.Name).Msg("movie listing failed")
			continue
		}
		for _, m := range listed {
			radarrToTmdb[m.ID] = m.TmdbID
			if m.HasFile {
				hasFile[m.TmdbID] = true
			}
		}
		queue, err := client.Queue(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("instance", inst.Name).Msg("queue fetch failed")
			continue
		}
		for _, q := range queue {
			if tmdbID, ok := radarrToTmdb[q.MovieID]; ok {
				inProgress[tmdbID] = true
			}
		}
	}

	for _, req := range reqs {
		switch {
		case hasFile[req.TmdbID]:
			if r.advance(ctx, req.ID, store.StatusDownloaded, store.StatusApproved, store.StatusDownloading) {
				result.Downloaded++
			}
			if r.libraryHasMovie(ctx, req.TmdbID) &&
				r.advance(ctx, req.ID, store.StatusAvailable, store.StatusDownloaded) {
				result.Available++
			}
		case inProgress[req.TmdbID]:
			if r.advance(ctx, req.ID, store.StatusDownloading, store.StatusApproved) {
				result.Downloading++
			}
		}
	}
	return nil
}

func (r *Reconciler) reconcileSeries(ctx context.Context, reqs []*store.MediaRequest, result *Result) error {
	insts, err := r.registry.ListByType(ctx, store.ServiceTypeSeries, true)
	if err != nil {
		return err
	}
	// Episode/season granularity is best-effort: any episode file on the
	// series record counts as the has-file signal.
	hasFile := map[int64]bool{}
	inProgress := map[int64]bool{}
	sonarrToTmdb := map[int64]int64{}
	for _, inst := range insts {
		eff, err := r.registry.Effective(inst)
		if err != nil {
			r.logger.Warn().Err(err).Str("instance", inst.Name).Msg("skipping instance")
			continue
		}
		client := r.newSeriesAPI(inst.URL, eff.APIKey)
		listed, err := client.ListSeries(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("instance", inst.Name).Msg("series listing failed")
			continue
		}
		for _, s := range listed {
			sonarrToTmdb[s.ID] = s.TmdbID
			if s.Statistics.EpisodeFileCount > 0 {
				hasFile[s.TmdbID] = true
			}
		}
		queue, err := client.Queue(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("instance", inst.Name).Msg("queue fetch failed")
			continue
		}
		for _, q := range queue {
			if tmdbID, ok := sonarrToTmdb[q.SeriesID]; ok {
				inProgress[tmdbID] = true
			}
		}
	}

	for _, req := range reqs {
		switch {
		case hasFile[req.TmdbID]:
			if r.advance(ctx, req.ID, store.StatusDownloaded, store.StatusApproved, store.StatusDownloading) {
				result.Downloaded++
			}
			if r.libraryHasTV(ctx, req) &&
				r.advance(ctx, req.ID, store.StatusAvailable, store.StatusDownloaded) {
				result.Available++
			}
		case inProgress[req.TmdbID]:
			if r.advance(ctx, req.ID, store.StatusDownloading, store.StatusApproved) {
				result.Downloading++
			}
		}
	}
	return nil
}

// libraryHasMovie consults the local library mirror; the library sync is the
// source of truth for AVAILABLE.
func (r *Reconciler) libraryHasMovie(ctx context.Context, tmdbID int64) bool {
	present, err := r.store.BatchMovieLookup(ctx, []int64{tmdbID})
	if err != nil {
		return false
	}
	return present[tmdbID]
}

func (r *Reconciler) libraryHasTV(ctx context.Context, req *store.MediaRequest) bool {
	var (
		ok  bool
		err error
	)
	switch {
	case req.IsEpisodeRequest:
		ok, err = r.store.HasLibraryEpisode(ctx, req.TmdbID, *req.SeasonNumber, *req.EpisodeNumber)
	case req.IsSeasonRequest:
		ok, err = r.store.HasLibrarySeason(ctx, req.TmdbID, *req.SeasonNumber)
	default:
		ok, err = r.store.HasLibraryShow(ctx, req.TmdbID)
	}
	if err != nil {
		return false
	}
	return ok
}

func (r *Reconciler) advance(ctx context.Context, id int64, to store.RequestStatus, from ...store.RequestStatus) bool {
	moved, err := r.store.UpdateRequestStatusGuarded(ctx, id, to, from...)
	if err != nil {
		r.logger.Error().Err(err).Int64("request", id).Str("to", string(to)).Msg("transition failed")
		return false
	}
	return moved
}
