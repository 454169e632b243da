package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/plex"
	"github.com/fetcharr/fetcharr/internal/store"
)

func (s *Server) registerSettingsRoutes(api *echo.Group) {
	g := api.Group("/settings", s.authMW.RequireAdmin())
	g.GET("", s.getSettings)
	g.PUT("", s.updateSettings)
	g.POST("/plex/test", s.testPlex)
}

// GET /api/v1/settings
func (s *Server) getSettings(c echo.Context) error {
	cfg, err := s.settings.Get(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cfg)
}

// PUT /api/v1/settings
func (s *Server) updateSettings(c echo.Context) error {
	var in store.UpdateSettingsInput
	if err := c.Bind(&in); err != nil {
		return apperr.New(apperr.KindValidation, "invalid request body")
	}
	updated, err := s.settings.Update(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

// POST /api/v1/settings/plex/test probes the configured media server.
func (s *Server) testPlex(c echo.Context) error {
	ctx := c.Request().Context()
	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return err
	}
	if cfg.PlexURL == "" || cfg.PlexToken == "" {
		return apperr.New(apperr.KindValidation, "plex url and token are not configured")
	}
	client := plex.New(cfg.PlexURL, cfg.PlexToken)
	if err := client.TestConnection(ctx); err != nil {
		return apperr.Wrap(apperr.KindUpstream, "plex connection failed", err)
	}
	libraries, err := client.Libraries(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, "plex section listing failed", err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"libraries": libraries,
	})
}
