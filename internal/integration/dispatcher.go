// Package integration dispatches approved requests to their downstream
// download managers and records the downstream identifiers.
package integration

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/arr"
	"github.com/fetcharr/fetcharr/internal/instances"
	"github.com/fetcharr/fetcharr/internal/store"
)

// dispatchTimeout is the hard per-call ceiling on downstream API calls.
const dispatchTimeout = 30 * time.Second

// movieAPI and seriesAPI are the downstream surfaces the dispatcher uses;
// tests substitute fakes.
type movieAPI interface {
	GetMovieByTmdbID(ctx context.Context, tmdbID int64) (*arr.Movie, error)
	AddMovie(ctx context.Context, in arr.AddMovieInput) (int64, error)
}

type seriesAPI interface {
	GetSeriesByTmdbID(ctx context.Context, tmdbID int64) (*arr.Series, error)
	AddSeries(ctx context.Context, in arr.AddSeriesInput) (int64, error)
}

// Dispatcher sends requests downstream.
type Dispatcher struct {
	store    *store.Store
	registry *instances.Registry
	logger   zerolog.Logger

	newMovieAPI  func(baseURL, apiKey string) movieAPI
	newSeriesAPI func(baseURL, apiKey string) seriesAPI
}

// NewDispatcher creates the dispatcher.
func NewDispatcher(st *store.Store, registry *instances.Registry, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		registry: registry,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		// No per-call client timeout here: dispatchTimeout caps total call
		// time through the context instead.
		newMovieAPI: func(baseURL, apiKey string) movieAPI {
			return arr.NewRadarrWithTimeout(baseURL, apiKey, 0)
		},
		newSeriesAPI: func(baseURL, apiKey string) seriesAPI {
			return arr.NewSonarrWithTimeout(baseURL, apiKey, 0)
		},
	}
}

// Integrate sends one request downstream. Idempotent by request id: if the
// downstream entity already exists its id is reused. Errors never roll back
// the APPROVED status; the deferred-submission job retries.
func (d *Dispatcher) Integrate(ctx context.Context, request *store.MediaRequest) error {
	inst, eff, err := d.loadTarget(ctx, request)
	if err != nil {
		return err
	}
	if eff == nil {
		return nil // integration suppressed on this instance
	}

	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	var downstreamID int64
	switch request.MediaType {
	case store.MediaTypeMovie:
		downstreamID, err = d.integrateMovie(ctx, request, inst, eff)
	case store.MediaTypeTV:
		downstreamID, err = d.integrateSeries(ctx, inst, eff, request.TmdbID, seriesScope(request))
	}
	if err != nil {
		d.logger.Error().Err(err).Int64("request", request.ID).
			Str("instance", inst.Name).Msg("integration failed")
		return err
	}
	return d.recordSuccess(ctx, request, downstreamID)
}

// IntegrateBatch dispatches a coordinated set of season/episode rows for one
// series as a single downstream add with the union of selections.
func (d *Dispatcher) IntegrateBatch(ctx context.Context, requests []*store.MediaRequest) error {
	if len(requests) == 0 {
		return nil
	}
	first := requests[0]
	inst, eff, err := d.loadTarget(ctx, first)
	if err != nil {
		return err
	}
	if eff == nil {
		return nil
	}

	scope := scope{}
	for _, r := range requests {
		merge(&scope, seriesScope(r))
	}

	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	downstreamID, err := d.integrateSeries(ctx, inst, eff, first.TmdbID, scope)
	if err != nil {
		return err
	}
	for _, r := range requests {
		if err := d.recordSuccess(ctx, r, downstreamID); err != nil {
			return err
		}
	}
	return nil
}

// loadTarget resolves the request's instance. A nil effective settings return
// with nil error means integration is disabled for the instance.
func (d *Dispatcher) loadTarget(ctx context.Context, request *store.MediaRequest) (*store.ServiceInstance, *instances.EffectiveSettings, error) {
	if request.ServiceInstanceID == nil {
		return nil, nil, apperr.Newf(apperr.KindInstanceUnavail, "request %d has no target instance", request.ID)
	}
	inst, err := d.registry.Get(ctx, *request.ServiceInstanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, apperr.Newf(apperr.KindInstanceUnavail, "instance %d no longer exists", *request.ServiceInstanceID)
		}
		return nil, nil, err
	}
	if !inst.IsEnabled {
		return nil, nil, apperr.Newf(apperr.KindInstanceUnavail, "instance %q is disabled", inst.Name)
	}
	if inst.ServiceType != store.ServiceTypeFor(request.MediaType) {
		return nil, nil, apperr.Newf(apperr.KindInstanceUnavail, "instance %q does not serve %s requests", inst.Name, request.MediaType)
	}
	eff, err := d.registry.Effective(inst)
	if err != nil {
		return nil, nil, err
	}
	if !eff.EnableIntegration {
		d.logger.Debug().Int64("request", request.ID).Str("instance", inst.Name).
			Msg("integration disabled for instance")
		return inst, nil, nil
	}
	return inst, eff, nil
}

func (d *Dispatcher) integrateMovie(ctx context.Context, request *store.MediaRequest, inst *store.ServiceInstance, eff *instances.EffectiveSettings) (int64, error) {
	client := d.newMovieAPI(inst.URL, eff.APIKey)

	existing, err := client.GetMovieByTmdbID(ctx, request.TmdbID)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.ID, nil
	}
	return client.AddMovie(ctx, arr.AddMovieInput{
		TmdbID:              request.TmdbID,
		QualityProfileID:    eff.QualityProfileID,
		RootFolderPath:      eff.RootFolderPath,
		MinimumAvailability: eff.MinimumAvailability,
		SearchNow:           eff.SearchOnAdd,
	})
}

// scope is the season/episode selection union for one series dispatch.
type scope struct {
	seasons  []int
	episodes map[int][]int
}

func seriesScope(r *store.MediaRequest) scope {
	sc := scope{}
	switch {
	case r.IsEpisodeRequest:
		sc.episodes = map[int][]int{*r.SeasonNumber: {*r.EpisodeNumber}}
	case r.IsSeasonRequest:
		sc.seasons = []int{*r.SeasonNumber}
	}
	return sc
}

func merge(dst *scope, src scope) {
	dst.seasons = append(dst.seasons, src.seasons...)
	for season, eps := range src.episodes {
		if dst.episodes == nil {
			dst.episodes = map[int][]int{}
		}
		dst.episodes[season] = append(dst.episodes[season], eps...)
	}
}

// monitorType derives the downstream monitor policy from the selection:
// episodes only → specificEpisodes; seasons only → specificSeasons; both →
// specificEpisodes over the union of seasons; nothing → all.
func (sc scope) monitorType() (string, []int) {
	hasSeasons := len(sc.seasons) > 0
	hasEpisodes := len(sc.episodes) > 0
	seasonSet := map[int]bool{}
	for _, s := range sc.seasons {
		seasonSet[s] = true
	}
	for s := range sc.episodes {
		seasonSet[s] = true
	}
	union := make([]int, 0, len(seasonSet))
	for s := range seasonSet {
		union = append(union, s)
	}
	sort.Ints(union)

	switch {
	case hasEpisodes:
		return arr.MonitorSpecificEpisodes, union
	case hasSeasons:
		return arr.MonitorSpecificSeasons, union
	default:
		return arr.MonitorAll, nil
	}
}

func (d *Dispatcher) integrateSeries(ctx context.Context, inst *store.ServiceInstance, eff *instances.EffectiveSettings, tmdbID int64, sc scope) (int64, error) {
	client := d.newSeriesAPI(inst.URL, eff.APIKey)

	existing, err := client.GetSeriesByTmdbID(ctx, tmdbID)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.ID, nil
	}
	monitorType, seasons := sc.monitorType()
	return client.AddSeries(ctx, arr.AddSeriesInput{
		TmdbID:            tmdbID,
		QualityProfileID:  eff.QualityProfileID,
		LanguageProfileID: eff.LanguageProfileID,
		RootFolderPath:    eff.RootFolderPath,
		MonitorType:       monitorType,
		MonitoredSeasons:  seasons,
		SearchNow:         eff.SearchOnAdd,
	})
}

// recordSuccess stores the downstream id and moves APPROVED → DOWNLOADING.
func (d *Dispatcher) recordSuccess(ctx context.Context, request *store.MediaRequest, downstreamID int64) error {
	if err := d.store.RecordDownstreamID(ctx, request.ID, request.MediaType, downstreamID); err != nil {
		return err
	}
	moved, err := d.store.UpdateRequestStatusGuarded(ctx, request.ID, store.StatusDownloading, store.StatusApproved)
	if err != nil {
		return err
	}
	d.logger.Info().Int64("request", request.ID).Int64("downstreamId", downstreamID).
		Bool("transitioned", moved).Msg("request dispatched")
	return nil
}
