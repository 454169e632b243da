// Package permissions resolves a user's effective capabilities from role
// defaults, per-user overrides, and instance grants, and enforces request
// quotas.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/store"
)

// Permission flags. Roles carry a list of these; per-user overlays override
// them individually.
const (
	PermRequestMovies           = "REQUEST_MOVIES"
	PermRequestTV               = "REQUEST_TV"
	PermRequestAutoApproveMovie = "REQUEST_AUTO_APPROVE_MOVIES"
	PermRequestAutoApproveTV    = "REQUEST_AUTO_APPROVE_TV"
	PermRequestUnlimited        = "REQUEST_UNLIMITED"
	PermRequestManageAll        = "REQUEST_MANAGE_ALL"
	PermAdminApproveRequests    = "ADMIN_APPROVE_REQUESTS"
	PermAdminDeleteRequests     = "ADMIN_DELETE_REQUESTS"
	PermAdminManageUsers        = "ADMIN_MANAGE_USERS"
	PermAdminManageInstances    = "ADMIN_MANAGE_INSTANCES"
	PermAdminManageJobs         = "ADMIN_MANAGE_JOBS"
	PermAdminViewAllRequests    = "ADMIN_VIEW_ALL_REQUESTS"
)

// requestLimitPrefix marks the numeric per-role request limit flag, e.g.
// REQUEST_LIMIT_25.
const requestLimitPrefix = "REQUEST_LIMIT_"

// SettingsSource provides the global default request limit.
type SettingsSource interface {
	DefaultRequestLimit(ctx context.Context) (int, error)
}

// Engine resolves permissions against the store.
type Engine struct {
	store    *store.Store
	settings SettingsSource
	logger   zerolog.Logger
}

// NewEngine creates a permission engine.
func NewEngine(st *store.Store, settings SettingsSource, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    st,
		settings: settings,
		logger:   logger.With().Str("component", "permissions").Logger(),
	}
}

// resolved bundles everything one resolution pass needs.
type resolved struct {
	user    *store.User
	overlay *store.UserPermissions // nil when no overlay row exists
	role    *store.Role            // nil when no role applies
}

func (e *Engine) resolve(ctx context.Context, userID int64) (*resolved, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	r := &resolved{user: user}

	overlay, err := e.store.GetUserPermissions(ctx, userID)
	switch {
	case err == nil:
		r.overlay = overlay
	case errors.Is(err, store.ErrNotFound):
		// role defaults only
	default:
		return nil, err
	}

	if r.overlay != nil && r.overlay.RoleID != nil {
		role, err := e.store.GetRole(ctx, *r.overlay.RoleID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		r.role = role
	}
	if r.role == nil {
		role, err := e.store.GetDefaultRole(ctx)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		r.role = role
	}
	return r, nil
}

// HasPermission resolves one flag for a user. Resolution order: server owner
// or legacy admin grants everything; dedicated columns override their
// matching flags; custom overrides next; then role permissions; else deny.
func (e *Engine) HasPermission(ctx context.Context, userID int64, flag string) (bool, error) {
	r, err := e.resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	return e.hasFlag(r, flag), nil
}

func (e *Engine) hasFlag(r *resolved, flag string) bool {
	if r.user.IsServerOwner || r.user.IsAdmin {
		return true
	}
	if r.overlay != nil {
		switch flag {
		case PermRequestMovies:
			if r.overlay.CanRequestMovies != nil {
				return *r.overlay.CanRequestMovies
			}
		case PermRequestTV:
			if r.overlay.CanRequestTV != nil {
				return *r.overlay.CanRequestTV
			}
		}
		if v, ok := r.overlay.CustomPermissions[flag]; ok {
			return v
		}
	}
	if r.role != nil {
		for _, p := range r.role.Permissions {
			if p == flag {
				return true
			}
		}
	}
	return false
}

// CanRequestMediaType reports whether a user may request the given media type.
func (e *Engine) CanRequestMediaType(ctx context.Context, userID int64, mediaType store.MediaType) (bool, error) {
	flag := PermRequestMovies
	if mediaType == store.MediaTypeTV {
		flag = PermRequestTV
	}
	return e.HasPermission(ctx, userID, flag)
}

// ShouldAutoApprove reports whether a user's requests for the media type skip
// the approval queue.
func (e *Engine) ShouldAutoApprove(ctx context.Context, userID int64, mediaType store.MediaType) (bool, error) {
	flag := PermRequestAutoApproveMovie
	if mediaType == store.MediaTypeTV {
		flag = PermRequestAutoApproveTV
	}
	return e.HasPermission(ctx, userID, flag)
}

// RequestLimit resolves a user's pending-request cap: the per-user override
// if set, else the numeric limit embedded in role flags, else the global
// default from settings.
func (e *Engine) RequestLimit(ctx context.Context, userID int64) (int, error) {
	r, err := e.resolve(ctx, userID)
	if err != nil {
		return 0, err
	}
	return e.requestLimit(ctx, r)
}

func (e *Engine) requestLimit(ctx context.Context, r *resolved) (int, error) {
	if r.overlay != nil && r.overlay.MaxRequests != nil {
		return *r.overlay.MaxRequests, nil
	}
	if r.role != nil {
		for _, p := range r.role.Permissions {
			if rest, ok := strings.CutPrefix(p, requestLimitPrefix); ok {
				if n, err := strconv.Atoi(rest); err == nil && n >= 0 {
					return n, nil
				}
				e.logger.Warn().Str("flag", p).Int64("role", r.role.ID).
					Msg("ignoring malformed request limit flag")
			}
		}
	}
	return e.settings.DefaultRequestLimit(ctx)
}

// CanMakeRequest checks the pending-request quota. The reason is empty when
// allowed; "Request limit reached (n/N)" when not.
func (e *Engine) CanMakeRequest(ctx context.Context, userID int64) (bool, string, error) {
	r, err := e.resolve(ctx, userID)
	if err != nil {
		return false, "", err
	}
	if e.hasFlag(r, PermRequestUnlimited) {
		return true, "", nil
	}
	limit, err := e.requestLimit(ctx, r)
	if err != nil {
		return false, "", err
	}
	current := 0
	if r.overlay != nil {
		current = r.overlay.CurrentRequestCount
	}
	if current >= limit {
		return false, fmt.Sprintf("Request limit reached (%d/%d)", current, limit), nil
	}
	return true, "", nil
}

// QuotaState exposes the numbers behind CanMakeRequest for error payloads.
func (e *Engine) QuotaState(ctx context.Context, userID int64) (current, limit int, unlimited bool, err error) {
	r, err := e.resolve(ctx, userID)
	if err != nil {
		return 0, 0, false, err
	}
	if e.hasFlag(r, PermRequestUnlimited) {
		return 0, 0, true, nil
	}
	limit, err = e.requestLimit(ctx, r)
	if err != nil {
		return 0, 0, false, err
	}
	if r.overlay != nil {
		current = r.overlay.CurrentRequestCount
	}
	return current, limit, false, nil
}

// IncrementRequestCount bumps the pending counter after a PENDING create.
func (e *Engine) IncrementRequestCount(ctx context.Context, userID int64) error {
	return e.store.IncrementRequestCount(ctx, userID)
}

// DecrementRequestCount lowers the pending counter when a request leaves
// PENDING.
func (e *Engine) DecrementRequestCount(ctx context.Context, userID int64) error {
	return e.store.DecrementRequestCount(ctx, userID)
}

// SyncRequestCounts recomputes every user's pending counter from the request
// rows themselves. Idempotent; run at startup to heal drift before quota
// checks matter.
func (e *Engine) SyncRequestCounts(ctx context.Context) error {
	counts, err := e.store.PendingCountsByUser(ctx)
	if err != nil {
		return err
	}
	ids, err := e.store.ListPermissionUserIDs(ctx)
	if err != nil {
		return err
	}
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
		if err := e.store.SetRequestCount(ctx, id, counts[id]); err != nil {
			return err
		}
	}
	for id, n := range counts {
		if seen[id] {
			continue
		}
		if err := e.store.SetRequestCount(ctx, id, n); err != nil {
			return err
		}
	}
	e.logger.Debug().Int("users", len(seen)+len(counts)).Msg("request counts reconciled")
	return nil
}

// CanAccessInstance applies the instance-access rule: admins always; explicit
// instance grant, then category grant; a user with no grants at all still
// reaches the type default and, when exactly one enabled instance of the
// type exists, that sole instance.
func (e *Engine) CanAccessInstance(ctx context.Context, userID int64, inst *store.ServiceInstance, mediaType store.MediaType) (bool, error) {
	r, err := e.resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	return e.canAccessInstance(ctx, r, inst, mediaType)
}

func (e *Engine) canAccessInstance(ctx context.Context, r *resolved, inst *store.ServiceInstance, mediaType store.MediaType) (bool, error) {
	if r.user.IsServerOwner || r.user.IsAdmin {
		return true, nil
	}
	if r.overlay != nil && len(r.overlay.InstancePermissions) > 0 {
		if v, ok := r.overlay.InstancePermissions[fmt.Sprintf("instance_%d", inst.ID)]; ok {
			return v, nil
		}
		if inst.InstanceCategory != nil {
			if v, ok := r.overlay.InstancePermissions["category_"+*inst.InstanceCategory]; ok {
				return v, nil
			}
		}
		return false, nil
	}
	// No explicit grants: defaults remain reachable.
	if mediaType == store.MediaTypeMovie && inst.IsDefaultMovie {
		return true, nil
	}
	if mediaType == store.MediaTypeTV && inst.IsDefaultTV {
		return true, nil
	}
	siblings, err := e.store.ListInstancesByType(ctx, store.ServiceTypeFor(mediaType), true)
	if err != nil {
		return false, err
	}
	if len(siblings) == 1 && siblings[0].ID == inst.ID {
		return true, nil
	}
	return false, nil
}

// FilterAccessibleInstances keeps only the instances the user may dispatch to.
func (e *Engine) FilterAccessibleInstances(ctx context.Context, userID int64, instances []*store.ServiceInstance, mediaType store.MediaType) ([]*store.ServiceInstance, error) {
	r, err := e.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	var accessible []*store.ServiceInstance
	for _, inst := range instances {
		ok, err := e.canAccessInstance(ctx, r, inst, mediaType)
		if err != nil {
			return nil, err
		}
		if ok {
			accessible = append(accessible, inst)
		}
	}
	return accessible, nil
}
