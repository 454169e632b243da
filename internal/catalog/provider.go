package catalog

import (
	"context"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/store"
)

// SettingsSource yields the live settings row; the API key can change at
// runtime, so the provider reads it per call instead of capturing it.
type SettingsSource interface {
	Get(ctx context.Context) (*store.Settings, error)
}

// Provider builds catalog clients from the current settings.
type Provider struct {
	settings SettingsSource
}

// NewProvider creates a settings-backed catalog provider.
func NewProvider(settings SettingsSource) *Provider {
	return &Provider{settings: settings}
}

func (p *Provider) client(ctx context.Context) (*Client, error) {
	cfg, err := p.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.TmdbAPIKey == "" {
		return nil, apperr.New(apperr.KindInstanceUnavail, "catalog is not configured; set the TMDB API key in settings")
	}
	return New("", cfg.TmdbAPIKey), nil
}

// CategoryPage proxies to a freshly configured client.
func (p *Provider) CategoryPage(ctx context.Context, mediaType store.MediaType, category string, page int) (*Page, error) {
	c, err := p.client(ctx)
	if err != nil {
		return nil, err
	}
	return c.CategoryPage(ctx, mediaType, category, page)
}

// Search proxies to a freshly configured client.
func (p *Provider) Search(ctx context.Context, mediaType store.MediaType, query string, page int) (*Page, error) {
	c, err := p.client(ctx)
	if err != nil {
		return nil, err
	}
	return c.Search(ctx, mediaType, query, page)
}

// GetDetails proxies to a freshly configured client.
func (p *Provider) GetDetails(ctx context.Context, mediaType store.MediaType, tmdbID int64) (*Details, error) {
	c, err := p.client(ctx)
	if err != nil {
		return nil, err
	}
	return c.GetDetails(ctx, mediaType, tmdbID)
}
