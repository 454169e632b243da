// Package settings is the typed accessor over the singleton settings row.
package settings

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/store"
)

// ReloadListener is notified after a settings write so live components can
// re-read configuration. The scheduler registers one.
type ReloadListener func(ctx context.Context, s *store.Settings)

// Service reads and writes the settings singleton.
type Service struct {
	store  *store.Store
	logger zerolog.Logger

	mu        sync.Mutex
	listeners []ReloadListener
}

// NewService creates the settings service and ensures the singleton row
// exists.
func NewService(ctx context.Context, st *store.Store, logger zerolog.Logger) (*Service, error) {
	if err := st.EnsureSettings(ctx); err != nil {
		return nil, err
	}
	return &Service{
		store:  st,
		logger: logger.With().Str("component", "settings").Logger(),
	}, nil
}

// OnReload registers a listener invoked after every successful write.
func (s *Service) OnReload(fn ReloadListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Get loads the current settings.
func (s *Service) Get(ctx context.Context) (*store.Settings, error) {
	return s.store.GetSettings(ctx)
}

// DefaultRequestLimit satisfies the permission engine's settings source.
func (s *Service) DefaultRequestLimit(ctx context.Context) (int, error) {
	st, err := s.store.GetSettings(ctx)
	if err != nil {
		return 0, err
	}
	return st.DefaultRequestLimit, nil
}

// Update validates and applies a settings change, then notifies listeners.
func (s *Service) Update(ctx context.Context, in store.UpdateSettingsInput) (*store.Settings, error) {
	if in.BaseURL != nil {
		normalized, err := normalizeBaseURL(*in.BaseURL)
		if err != nil {
			return nil, err
		}
		in.BaseURL = &normalized
	}
	if in.PlexURL != nil && *in.PlexURL != "" {
		u, err := url.Parse(*in.PlexURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, apperr.Newf(apperr.KindValidation, "invalid plex url %q", *in.PlexURL)
		}
		trimmed := strings.TrimRight(*in.PlexURL, "/")
		in.PlexURL = &trimmed
	}
	if in.DefaultRequestLimit != nil && *in.DefaultRequestLimit < 0 {
		return nil, apperr.New(apperr.KindValidation, "default request limit cannot be negative")
	}
	if in.RequestRetentionDays != nil && *in.RequestRetentionDays < 1 {
		return nil, apperr.New(apperr.KindValidation, "request retention must be at least one day")
	}
	for name, js := range in.JobSettings {
		if js.IntervalSeconds < 60 {
			return nil, apperr.Newf(apperr.KindValidation, "job %s interval must be at least 60 seconds", name)
		}
	}

	updated, err := s.store.UpdateSettings(ctx, in)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, updated)
	return updated, nil
}

func (s *Service) notify(ctx context.Context, updated *store.Settings) {
	s.mu.Lock()
	listeners := make([]ReloadListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(ctx, updated)
	}
	s.logger.Debug().Int("listeners", len(listeners)).Msg("settings updated")
}

// normalizeBaseURL keeps only the path component of whatever the operator
// supplied: a full URL, a bare path, or empty. Trailing slashes are dropped
// and a leading slash enforced.
func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	path := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", apperr.Newf(apperr.KindValidation, "invalid base url %q", raw)
		}
		path = u.Path
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		return "", nil
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path, nil
}
