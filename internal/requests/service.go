// Package requests implements the media-request lifecycle: creation with
// permission, quota, and conflict checks; the approval flow; and the guarded
// status transitions the background jobs drive.
package requests

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/instances"
	"github.com/fetcharr/fetcharr/internal/permissions"
	"github.com/fetcharr/fetcharr/internal/store"
)

// Dispatcher hands approved requests to the downstream integration.
type Dispatcher interface {
	Integrate(ctx context.Context, request *store.MediaRequest) error
	IntegrateBatch(ctx context.Context, requests []*store.MediaRequest) error
}

// Broadcaster pushes request lifecycle events to connected clients.
type Broadcaster interface {
	BroadcastRequestUpdate(request *store.MediaRequest, event string)
}

// Service is the request state machine.
type Service struct {
	store       *store.Store
	perm        *permissions.Engine
	selector    *instances.Selector
	dispatcher  Dispatcher
	broadcaster Broadcaster
	logger      zerolog.Logger
}

// NewService creates the request service.
func NewService(st *store.Store, perm *permissions.Engine, selector *instances.Selector, logger zerolog.Logger) *Service {
	return &Service{
		store:    st,
		perm:     perm,
		selector: selector,
		logger:   logger.With().Str("component", "requests").Logger(),
	}
}

// SetDispatcher wires the integration dispatcher after construction; the
// dispatcher itself needs the store, so the two are built independently.
func (s *Service) SetDispatcher(d Dispatcher) { s.dispatcher = d }

// SetBroadcaster wires the event hub.
func (s *Service) SetBroadcaster(b Broadcaster) { s.broadcaster = b }

// CreateInput describes a new request.
type CreateInput struct {
	TmdbID        int64             `json:"tmdbId"`
	MediaType     store.MediaType   `json:"mediaType"`
	Title         string            `json:"title"`
	Overview      *string           `json:"overview,omitempty"`
	PosterPath    *string           `json:"posterPath,omitempty"`
	ReleaseDate   *string           `json:"releaseDate,omitempty"`
	QualityTier   store.QualityTier `json:"qualityTier,omitempty"`
	InstanceID    *int64            `json:"instanceId,omitempty"`
	SeasonNumber  *int              `json:"seasonNumber,omitempty"`
	EpisodeNumber *int              `json:"episodeNumber,omitempty"`
}

// Create validates and persists a request for a whole movie, a whole series,
// a single season, or a single episode.
func (s *Service) Create(ctx context.Context, userID int64, in CreateInput) (*store.MediaRequest, error) {
	if in.TmdbID <= 0 || in.Title == "" {
		return nil, apperr.New(apperr.KindValidation, "tmdbId and title are required")
	}
	if _, err := store.ParseMediaType(string(in.MediaType)); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid media type", err)
	}
	tier := in.QualityTier
	if tier == "" {
		tier = store.QualityStandard
	}
	if _, err := store.ParseQualityTier(string(tier)); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid quality tier", err)
	}
	if in.EpisodeNumber != nil && in.SeasonNumber == nil {
		return nil, apperr.New(apperr.KindValidation, "episode requests need a season number")
	}
	if in.MediaType == store.MediaTypeMovie && in.SeasonNumber != nil {
		return nil, apperr.New(apperr.KindValidation, "movie requests cannot target seasons")
	}

	if err := s.checkEligibility(ctx, userID, in.MediaType); err != nil {
		return nil, err
	}
	if err := s.checkConflicts(ctx, userID, in); err != nil {
		return nil, err
	}

	instance, err := s.resolveInstance(ctx, userID, in.MediaType, tier, in.InstanceID)
	if err != nil {
		return nil, err
	}

	auto, err := s.perm.ShouldAutoApprove(ctx, userID, in.MediaType)
	if err != nil {
		return nil, err
	}

	create := store.CreateRequestInput{
		UserID:               userID,
		TmdbID:               in.TmdbID,
		MediaType:            in.MediaType,
		Title:                in.Title,
		Overview:             in.Overview,
		PosterPath:           in.PosterPath,
		ReleaseDate:          in.ReleaseDate,
		Status:               store.StatusPending,
		RequestedQualityTier: tier,
		SeasonNumber:         in.SeasonNumber,
		EpisodeNumber:        in.EpisodeNumber,
		IsSeasonRequest:      in.MediaType == store.MediaTypeTV && in.SeasonNumber != nil && in.EpisodeNumber == nil,
		IsEpisodeRequest:     in.MediaType == store.MediaTypeTV && in.EpisodeNumber != nil,
	}
	if instance != nil {
		create.ServiceInstanceID = &instance.ID
	}
	if auto {
		now := time.Now().UTC()
		create.Status = store.StatusApproved
		create.ApprovedBy = &userID
		create.ApprovedAt = &now
	}

	request, err := s.store.CreateRequest(ctx, create)
	if err != nil {
		return nil, err
	}
	if request.Status == store.StatusPending {
		if err := s.perm.IncrementRequestCount(ctx, userID); err != nil {
			return nil, err
		}
	}
	s.logger.Info().Int64("id", request.ID).Int64("user", userID).
		Str("mediaType", string(request.MediaType)).Str("status", string(request.Status)).
		Msg("request created")
	s.broadcast(request, "created")

	if auto {
		s.dispatch(ctx, request)
		if refreshed, err := s.store.GetRequest(ctx, request.ID); err == nil {
			request = refreshed
		}
	}
	return request, nil
}

func (s *Service) checkEligibility(ctx context.Context, userID int64, mediaType store.MediaType) error {
	allowed, err := s.perm.CanRequestMediaType(ctx, userID, mediaType)
	if err != nil {
		return err
	}
	if !allowed {
		return apperr.Newf(apperr.KindMediaTypeForbidden, "not permitted to request %s content", mediaType)
	}
	ok, reason, err := s.perm.CanMakeRequest(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		current, limit, _, err := s.perm.QuotaState(ctx, userID)
		if err != nil {
			return err
		}
		qerr := apperr.QuotaExceeded(current, limit)
		qerr.Message = reason
		return qerr
	}
	return nil
}

// checkConflicts applies the TV conflict matrix. A whole-series create over
// existing partial rows is allowed: it supersedes them.
func (s *Service) checkConflicts(ctx context.Context, userID int64, in CreateInput) error {
	if in.MediaType == store.MediaTypeMovie {
		_, err := s.store.GetMovieRequest(ctx, userID, in.TmdbID)
		if err == nil {
			return apperr.Conflict(apperr.ConflictAlreadyRequestedMovie, "movie already requested")
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	}

	if _, err := s.store.GetWholeSeriesRequest(ctx, userID, in.TmdbID); err == nil {
		return apperr.Conflict(apperr.ConflictWholeSeriesExists, "entire series already requested")
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if in.SeasonNumber == nil {
		return nil // whole-series create supersedes any partials
	}
	if _, err := s.store.GetSeasonRequest(ctx, userID, in.TmdbID, *in.SeasonNumber); err == nil {
		return apperr.Conflict(apperr.ConflictSeasonExists, "season already requested")
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if in.EpisodeNumber != nil {
		if _, err := s.store.GetEpisodeRequest(ctx, userID, in.TmdbID, *in.SeasonNumber, *in.EpisodeNumber); err == nil {
			return apperr.Conflict(apperr.ConflictEpisodeExists, "episode already requested")
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *Service) resolveInstance(ctx context.Context, userID int64, mediaType store.MediaType, tier store.QualityTier, preferredID *int64) (*store.ServiceInstance, error) {
	if preferredID != nil {
		return s.selector.ValidateAccess(ctx, userID, *preferredID, mediaType)
	}
	sel, err := s.selector.Select(ctx, userID, mediaType, tier, nil)
	if err != nil {
		return nil, err
	}
	if sel.Chosen == nil {
		return nil, apperr.Newf(apperr.KindInstanceUnavail, "no accessible %s instance", store.ServiceTypeFor(mediaType))
	}
	return sel.Chosen, nil
}

// GranularInput selects individual seasons and episodes of one show.
type GranularInput struct {
	TmdbID      int64             `json:"tmdbId"`
	Title       string            `json:"title"`
	Overview    *string           `json:"overview,omitempty"`
	PosterPath  *string           `json:"posterPath,omitempty"`
	QualityTier store.QualityTier `json:"qualityTier,omitempty"`
	InstanceID  *int64            `json:"instanceId,omitempty"`
	Seasons     []int             `json:"seasons"`
	Episodes    map[int][]int     `json:"episodes"` // season → episode numbers
}

// CreateGranular emits one request row per selected season and episode,
// skipping rows that conflict with the user's existing requests. Auto-approved
// batches dispatch as one coordinated operation.
func (s *Service) CreateGranular(ctx context.Context, userID int64, in GranularInput) ([]*store.MediaRequest, error) {
	if in.TmdbID <= 0 || in.Title == "" {
		return nil, apperr.New(apperr.KindValidation, "tmdbId and title are required")
	}
	if len(in.Seasons) == 0 && len(in.Episodes) == 0 {
		return nil, apperr.New(apperr.KindValidation, "select at least one season or episode")
	}
	tier := in.QualityTier
	if tier == "" {
		tier = store.QualityStandard
	}

	if err := s.checkEligibility(ctx, userID, store.MediaTypeTV); err != nil {
		return nil, err
	}
	if _, err := s.store.GetWholeSeriesRequest(ctx, userID, in.TmdbID); err == nil {
		return nil, apperr.Conflict(apperr.ConflictWholeSeriesExists, "entire series already requested")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	instance, err := s.resolveInstance(ctx, userID, store.MediaTypeTV, tier, in.InstanceID)
	if err != nil {
		return nil, err
	}
	auto, err := s.perm.ShouldAutoApprove(ctx, userID, store.MediaTypeTV)
	if err != nil {
		return nil, err
	}

	var created []*store.MediaRequest
	addRow := func(season int, episode *int) error {
		if episode == nil {
			if _, err := s.store.GetSeasonRequest(ctx, userID, in.TmdbID, season); err == nil {
				return nil // skip conflicting selection
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		} else {
			if _, err := s.store.GetEpisodeRequest(ctx, userID, in.TmdbID, season, *episode); err == nil {
				return nil
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		seasonCopy := season
		create := store.CreateRequestInput{
			UserID:               userID,
			TmdbID:               in.TmdbID,
			MediaType:            store.MediaTypeTV,
			Title:                in.Title,
			Overview:             in.Overview,
			PosterPath:           in.PosterPath,
			Status:               store.StatusPending,
			ServiceInstanceID:    &instance.ID,
			RequestedQualityTier: tier,
			SeasonNumber:         &seasonCopy,
			EpisodeNumber:        episode,
			IsSeasonRequest:      episode == nil,
			IsEpisodeRequest:     episode != nil,
		}
		if auto {
			now := time.Now().UTC()
			create.Status = store.StatusApproved
			create.ApprovedBy = &userID
			create.ApprovedAt = &now
		}
		row, err := s.store.CreateRequest(ctx, create)
		if err != nil {
			return err
		}
		if row.Status == store.StatusPending {
			if err := s.perm.IncrementRequestCount(ctx, userID); err != nil {
				return err
			}
		}
		created = append(created, row)
		return nil
	}

	for _, season := range in.Seasons {
		if err := addRow(season, nil); err != nil {
			return nil, err
		}
	}
	for season, eps := range in.Episodes {
		for _, ep := range eps {
			epCopy := ep
			if err := addRow(season, &epCopy); err != nil {
				return nil, err
			}
		}
	}
	if len(created) == 0 {
		return nil, apperr.Conflict(apperr.ConflictSeasonExists, "every selected item is already requested")
	}

	s.logger.Info().Int64("user", userID).Int64("tmdbId", in.TmdbID).
		Int("rows", len(created)).Bool("autoApproved", auto).Msg("granular request created")
	for _, row := range created {
		s.broadcast(row, "created")
	}

	if auto && s.dispatcher != nil {
		if err := s.dispatcher.IntegrateBatch(ctx, created); err != nil {
			s.logger.Error().Err(err).Int64("tmdbId", in.TmdbID).Msg("batch dispatch failed")
		}
		for i, row := range created {
			if refreshed, err := s.store.GetRequest(ctx, row.ID); err == nil {
				created[i] = refreshed
			}
		}
	}
	return created, nil
}

// Approve moves a request to APPROVED and hands it to the dispatcher.
// Idempotent when already approved.
func (s *Service) Approve(ctx context.Context, id, actingUserID int64, overrideInstanceID *int64) (*store.MediaRequest, error) {
	if err := s.requirePermission(ctx, actingUserID, permissions.PermAdminApproveRequests); err != nil {
		return nil, err
	}
	request, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, s.notFound(err)
	}
	if request.Status != store.StatusPending && request.Status != store.StatusApproved {
		return nil, apperr.Newf(apperr.KindValidation, "cannot approve a %s request", request.Status)
	}
	if overrideInstanceID != nil {
		if _, err := s.selector.ValidateAccess(ctx, actingUserID, *overrideInstanceID, request.MediaType); err != nil {
			return nil, err
		}
	} else if request.ServiceInstanceID != nil {
		// The stored target may have been disabled or deleted since the
		// request was created; the approver must choose an override then.
		inst, err := s.store.GetInstance(ctx, *request.ServiceInstanceID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.KindInstanceUnavail, "target instance no longer exists; choose an override")
		}
		if err != nil {
			return nil, err
		}
		if !inst.IsEnabled {
			return nil, apperr.Newf(apperr.KindInstanceUnavail, "instance %q is disabled; choose an override", inst.Name)
		}
	}

	// The guarded update reports whether this call took the request out of
	// PENDING; only that caller releases the quota slot.
	moved, err := s.store.ApproveRequestRow(ctx, id, actingUserID, overrideInstanceID)
	if err != nil {
		return nil, err
	}
	if moved {
		if err := s.perm.DecrementRequestCount(ctx, request.UserID); err != nil {
			return nil, err
		}
	}
	if !moved && overrideInstanceID != nil {
		// Idempotent re-approve with a retarget still applies before dispatch.
		if err := s.store.SetRequestInstance(ctx, id, *overrideInstanceID); err != nil {
			return nil, err
		}
	}
	request, err = s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("id", id).Int64("approvedBy", actingUserID).Msg("request approved")
	s.broadcast(request, "approved")

	s.dispatch(ctx, request)
	if refreshed, err := s.store.GetRequest(ctx, id); err == nil {
		request = refreshed
	}
	return request, nil
}

// Reject moves a PENDING request to REJECTED.
func (s *Service) Reject(ctx context.Context, id, actingUserID int64) (*store.MediaRequest, error) {
	if err := s.requirePermission(ctx, actingUserID, permissions.PermAdminApproveRequests); err != nil {
		return nil, err
	}
	request, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, s.notFound(err)
	}
	if request.Status != store.StatusPending {
		return nil, apperr.Newf(apperr.KindValidation, "cannot reject a %s request", request.Status)
	}
	moved, err := s.store.RejectRequestRow(ctx, id, actingUserID)
	if err != nil {
		return nil, err
	}
	if moved {
		if err := s.perm.DecrementRequestCount(ctx, request.UserID); err != nil {
			return nil, err
		}
	}
	request, err = s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("id", id).Int64("rejectedBy", actingUserID).Msg("request rejected")
	s.broadcast(request, "rejected")
	return request, nil
}

// MarkAvailable jumps a request to AVAILABLE from any state except REJECTED.
func (s *Service) MarkAvailable(ctx context.Context, id, actingUserID int64) (*store.MediaRequest, error) {
	if err := s.requirePermission(ctx, actingUserID, permissions.PermAdminApproveRequests); err != nil {
		return nil, err
	}
	request, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, s.notFound(err)
	}
	if request.Status == store.StatusRejected {
		return nil, apperr.New(apperr.KindValidation, "cannot mark a rejected request available")
	}
	wasPending := request.Status == store.StatusPending
	moved, err := s.store.UpdateRequestStatusGuarded(ctx, id, store.StatusAvailable,
		store.StatusPending, store.StatusApproved, store.StatusDownloading, store.StatusDownloaded)
	if err != nil {
		return nil, err
	}
	if moved && wasPending {
		if err := s.perm.DecrementRequestCount(ctx, request.UserID); err != nil {
			return nil, err
		}
	}
	request, err = s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	s.broadcast(request, "available")
	return request, nil
}

// Delete removes a request. Allowed for the owner and for holders of the
// delete or manage-all permissions.
func (s *Service) Delete(ctx context.Context, id, actingUserID int64) error {
	request, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return s.notFound(err)
	}
	if request.UserID != actingUserID {
		canDelete, err := s.perm.HasPermission(ctx, actingUserID, permissions.PermAdminDeleteRequests)
		if err != nil {
			return err
		}
		if !canDelete {
			canManage, err := s.perm.HasPermission(ctx, actingUserID, permissions.PermRequestManageAll)
			if err != nil {
				return err
			}
			if !canManage {
				return apperr.New(apperr.KindForbidden, "not permitted to delete this request")
			}
		}
	}
	if request.Status == store.StatusPending {
		if err := s.perm.DecrementRequestCount(ctx, request.UserID); err != nil {
			return err
		}
	}
	if err := s.store.DeleteRequest(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Int64("id", id).Int64("deletedBy", actingUserID).Msg("request deleted")
	s.broadcast(request, "deleted")
	return nil
}

// Get loads one request, enforcing visibility.
func (s *Service) Get(ctx context.Context, id, actingUserID int64) (*store.MediaRequest, error) {
	request, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, s.notFound(err)
	}
	if request.UserID != actingUserID {
		ok, err := s.canViewAll(ctx, actingUserID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.New(apperr.KindNotFound, "request not found")
		}
	}
	return request, nil
}

// ListInput filters the request listing.
type ListInput struct {
	UserID    *int64
	MediaType *store.MediaType
	StatusIn  []store.RequestStatus
	TmdbID    *int64
	OrderBy   string
	Limit     int
	Offset    int
}

// List returns requests visible to the acting user: their own, or everyone's
// with the view-all permissions.
func (s *Service) List(ctx context.Context, actingUserID int64, in ListInput) ([]*store.MediaRequest, error) {
	viewAll, err := s.canViewAll(ctx, actingUserID)
	if err != nil {
		return nil, err
	}
	filter := store.RequestFilter{
		MediaType: in.MediaType,
		StatusIn:  in.StatusIn,
		TmdbID:    in.TmdbID,
	}
	if viewAll {
		filter.UserID = in.UserID
	} else {
		filter.UserID = &actingUserID
	}
	orderBy := in.OrderBy
	if orderBy == "" {
		orderBy = "created_at DESC"
	}
	limit := in.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.FindRequests(ctx, filter, orderBy, limit, in.Offset)
}

// StatusLookup decorates a set of TMDB ids with the viewer-independent
// request status, for catalog pages.
func (s *Service) StatusLookup(ctx context.Context, tmdbIDs []int64, mediaType store.MediaType) (map[int64]store.RequestStatus, error) {
	return s.store.BatchStatusLookup(ctx, tmdbIDs, mediaType)
}

func (s *Service) canViewAll(ctx context.Context, userID int64) (bool, error) {
	ok, err := s.perm.HasPermission(ctx, userID, permissions.PermAdminViewAllRequests)
	if err != nil || ok {
		return ok, err
	}
	return s.perm.HasPermission(ctx, userID, permissions.PermRequestManageAll)
}

func (s *Service) requirePermission(ctx context.Context, userID int64, flag string) error {
	ok, err := s.perm.HasPermission(ctx, userID, flag)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.KindForbidden, "missing permission "+flag)
	}
	return nil
}

func (s *Service) notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindNotFound, "request not found")
	}
	return err
}

// dispatch hands one request to the integration layer. Failures are logged,
// never propagated: the deferred-submission job retries later.
func (s *Service) dispatch(ctx context.Context, request *store.MediaRequest) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Integrate(ctx, request); err != nil {
		s.logger.Error().Err(err).Int64("id", request.ID).Msg("dispatch failed; deferred to retry job")
	}
}

func (s *Service) broadcast(request *store.MediaRequest, event string) {
	if s.broadcaster != nil {
		s.broadcaster.BroadcastRequestUpdate(request, event)
	}
}
