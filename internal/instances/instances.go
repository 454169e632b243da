// Package instances manages downstream service instances: the registry of
// configured endpoints and the selector that picks where a request goes.
package instances

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/store"
)

// EffectiveSettings is an instance's dispatch configuration, derived from its
// URL and nested settings blob with defaults filled in.
type EffectiveSettings struct {
	Hostname            string `json:"hostname"`
	Port                int    `json:"port"`
	UseSSL              bool   `json:"useSsl"`
	BaseURLPath         string `json:"baseUrlPath"`
	APIKey              string `json:"-"`
	QualityProfileID    int    `json:"qualityProfileId"`
	RootFolderPath      string `json:"rootFolderPath"`
	MonitorPolicy       string `json:"monitorPolicy"`
	Category            string `json:"category,omitempty"`
	LanguageProfileID   int    `json:"languageProfileId,omitempty"`   // series only
	MinimumAvailability string `json:"minimumAvailability,omitempty"` // movies only
	EnableIntegration   bool   `json:"enableIntegration"`
	SearchOnAdd         bool   `json:"searchOnAdd"`
}

// settingsBlob is the stored JSON shape; every field optional.
type settingsBlob struct {
	QualityProfileID    *int    `json:"qualityProfileId"`
	RootFolderPath      *string `json:"rootFolderPath"`
	MonitorPolicy       *string `json:"monitorPolicy"`
	Category            *string `json:"category"`
	LanguageProfileID   *int    `json:"languageProfileId"`
	MinimumAvailability *string `json:"minimumAvailability"`
	EnableIntegration   *bool   `json:"enableIntegration"`
	SearchOnAdd         *bool   `json:"searchOnAdd"`
}

// AccessChecker is the permission engine surface the selector needs.
type AccessChecker interface {
	FilterAccessibleInstances(ctx context.Context, userID int64, instances []*store.ServiceInstance, mediaType store.MediaType) ([]*store.ServiceInstance, error)
}

// Registry enumerates instances and derives their effective settings.
type Registry struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewRegistry creates the instance registry.
func NewRegistry(st *store.Store, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  st,
		logger: logger.With().Str("component", "instances").Logger(),
	}
}

// Get loads one instance.
func (r *Registry) Get(ctx context.Context, id int64) (*store.ServiceInstance, error) {
	return r.store.GetInstance(ctx, id)
}

// List returns all instances.
func (r *Registry) List(ctx context.Context) ([]*store.ServiceInstance, error) {
	return r.store.ListInstances(ctx)
}

// ListByType returns instances of one service type in selection order.
func (r *Registry) ListByType(ctx context.Context, serviceType store.ServiceType, enabledOnly bool) ([]*store.ServiceInstance, error) {
	return r.store.ListInstancesByType(ctx, serviceType, enabledOnly)
}

// Create validates and stores a new instance.
func (r *Registry) Create(ctx context.Context, in store.CreateInstanceInput) (*store.ServiceInstance, error) {
	if _, err := parseInstanceURL(in.URL); err != nil {
		return nil, err
	}
	if in.APIKey == "" {
		return nil, apperr.New(apperr.KindValidation, "api key is required")
	}
	if len(in.Settings) > 0 && !json.Valid(in.Settings) {
		return nil, apperr.New(apperr.KindValidation, "settings must be valid JSON")
	}
	inst, err := r.store.CreateInstance(ctx, in)
	if err != nil {
		return nil, err
	}
	r.logger.Info().Int64("id", inst.ID).Str("name", inst.Name).
		Str("type", string(inst.ServiceType)).Msg("instance created")
	return inst, nil
}

// Update applies changes to an instance.
func (r *Registry) Update(ctx context.Context, id int64, in store.UpdateInstanceInput) (*store.ServiceInstance, error) {
	if in.URL != nil {
		if _, err := parseInstanceURL(*in.URL); err != nil {
			return nil, err
		}
	}
	if len(in.Settings) > 0 && !json.Valid(in.Settings) {
		return nil, apperr.New(apperr.KindValidation, "settings must be valid JSON")
	}
	return r.store.UpdateInstance(ctx, id, in)
}

// Delete removes an instance; blocked while requests reference it.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	return r.store.DeleteInstance(ctx, id)
}

// Effective derives the dispatch settings for an instance.
func (r *Registry) Effective(inst *store.ServiceInstance) (*EffectiveSettings, error) {
	u, err := parseInstanceURL(inst.URL)
	if err != nil {
		return nil, err
	}
	eff := &EffectiveSettings{
		Hostname:    u.Hostname(),
		UseSSL:      u.Scheme == "https",
		BaseURLPath: strings.TrimRight(u.Path, "/"),
		APIKey:      inst.APIKey,
	}
	eff.Port = 80
	if eff.UseSSL {
		eff.Port = 443
	}
	if p := u.Port(); p != "" {
		fmt.Sscanf(p, "%d", &eff.Port)
	}

	var blob settingsBlob
	if len(inst.Settings) > 0 {
		if err := json.Unmarshal(inst.Settings, &blob); err != nil {
			return nil, fmt.Errorf("instance %d settings: %w", inst.ID, err)
		}
	}
	eff.QualityProfileID = 1
	if blob.QualityProfileID != nil {
		eff.QualityProfileID = *blob.QualityProfileID
	}
	if blob.RootFolderPath != nil {
		eff.RootFolderPath = *blob.RootFolderPath
	}
	eff.MonitorPolicy = "all"
	if blob.MonitorPolicy != nil {
		eff.MonitorPolicy = *blob.MonitorPolicy
	}
	if blob.Category != nil {
		eff.Category = *blob.Category
	}
	eff.EnableIntegration = true
	if blob.EnableIntegration != nil {
		eff.EnableIntegration = *blob.EnableIntegration
	}
	eff.SearchOnAdd = true
	if blob.SearchOnAdd != nil {
		eff.SearchOnAdd = *blob.SearchOnAdd
	}
	switch inst.ServiceType {
	case store.ServiceTypeSeries:
		eff.LanguageProfileID = 1
		if blob.LanguageProfileID != nil {
			eff.LanguageProfileID = *blob.LanguageProfileID
		}
	case store.ServiceTypeMovies:
		eff.MinimumAvailability = "released"
		if blob.MinimumAvailability != nil {
			eff.MinimumAvailability = *blob.MinimumAvailability
		}
	}
	return eff, nil
}

func parseInstanceURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperr.Newf(apperr.KindValidation, "invalid instance url %q", raw)
	}
	return u, nil
}

// Selection is the selector's output: the chosen instance plus the full
// ordered candidate set the user could reach.
type Selection struct {
	Chosen     *store.ServiceInstance
	Candidates []*store.ServiceInstance
}

// Selector picks the instance a request dispatches to.
type Selector struct {
	registry *Registry
	access   AccessChecker
	logger   zerolog.Logger
}

// NewSelector creates a selector over the registry and access checker.
func NewSelector(registry *Registry, access AccessChecker, logger zerolog.Logger) *Selector {
	return &Selector{
		registry: registry,
		access:   access,
		logger:   logger.With().Str("component", "instance-selector").Logger(),
	}
}

// Select returns the accessible candidates for a user and media type plus
// the chosen instance. A nil Chosen with no error means no instance serves
// the request.
func (s *Selector) Select(ctx context.Context, userID int64, mediaType store.MediaType, tier store.QualityTier, preferredID *int64) (*Selection, error) {
	serviceType := store.ServiceTypeFor(mediaType)
	instances, err := s.registry.ListByType(ctx, serviceType, true)
	if err != nil {
		return nil, err
	}
	candidates, err := s.access.FilterAccessibleInstances(ctx, userID, instances, mediaType)
	if err != nil {
		return nil, err
	}
	sel := &Selection{Candidates: candidates}
	if len(candidates) == 0 {
		return sel, nil
	}

	if preferredID != nil {
		for _, c := range candidates {
			if c.ID == *preferredID {
				sel.Chosen = c
				return sel, nil
			}
		}
	}

	best := candidates[0]
	bestScore := score(best, mediaType, tier)
	for _, c := range candidates[1:] {
		if sc := score(c, mediaType, tier); sc > bestScore {
			best, bestScore = c, sc
		}
	}
	sel.Chosen = best
	return sel, nil
}

// score ranks a candidate: media-type default dominates, then the quality
// tier match. Ties keep the earlier candidate, which the store already
// orders defaults-first then by name.
func score(inst *store.ServiceInstance, mediaType store.MediaType, tier store.QualityTier) int {
	sc := 0
	if mediaType == store.MediaTypeMovie && inst.IsDefaultMovie {
		sc += 4
	}
	if mediaType == store.MediaTypeTV && inst.IsDefaultTV {
		sc += 4
	}
	if tier == store.Quality4K && inst.Is4KDefault {
		sc += 2
	}
	if inst.QualityTier == tier {
		sc++
	}
	return sc
}

// ValidateAccess checks that a specific instance serves the media type and
// is reachable by the user; used when a caller passes an instance hint.
func (s *Selector) ValidateAccess(ctx context.Context, userID, instanceID int64, mediaType store.MediaType) (*store.ServiceInstance, error) {
	inst, err := s.registry.Get(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		// A vanished target is a dispatch-availability problem, not a lookup
		// miss on the instance resource itself.
		return nil, apperr.Newf(apperr.KindInstanceUnavail, "instance %d does not exist", instanceID)
	}
	if err != nil {
		return nil, err
	}
	if inst.ServiceType != store.ServiceTypeFor(mediaType) {
		return nil, apperr.Newf(apperr.KindValidation, "instance %d does not serve %s requests", instanceID, mediaType)
	}
	if !inst.IsEnabled {
		return nil, apperr.Newf(apperr.KindInstanceUnavail, "instance %q is disabled", inst.Name)
	}
	accessible, err := s.access.FilterAccessibleInstances(ctx, userID, []*store.ServiceInstance{inst}, mediaType)
	if err != nil {
		return nil, err
	}
	if len(accessible) == 0 {
		return nil, apperr.Newf(apperr.KindForbidden, "no access to instance %q", inst.Name)
	}
	return inst, nil
}
