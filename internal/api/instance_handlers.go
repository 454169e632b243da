package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/arr"
	"github.com/fetcharr/fetcharr/internal/permissions"
	"github.com/fetcharr/fetcharr/internal/store"
)

func (s *Server) registerInstanceRoutes(g *echo.Group) {
	inst := g.Group("/instances", s.requireFlag(permissions.PermAdminManageInstances))
	inst.GET("", s.listInstances)
	inst.POST("", s.createInstance)
	inst.GET("/:id", s.getInstance)
	inst.PUT("/:id", s.updateInstance)
	inst.DELETE("/:id", s.deleteInstance)
	inst.POST("/:id/test", s.testInstance)
	inst.GET("/:id/metadata", s.instanceMetadata)
}

type instanceRequest struct {
	Name             *string         `json:"name"`
	ServiceType      string          `json:"serviceType"`
	URL              *string         `json:"url"`
	APIKey           *string         `json:"apiKey"`
	IsEnabled        *bool           `json:"isEnabled"`
	IsDefaultMovie   *bool           `json:"isDefaultMovie"`
	IsDefaultTV      *bool           `json:"isDefaultTv"`
	Is4KDefault      *bool           `json:"is4kDefault"`
	InstanceCategory *string         `json:"instanceCategory"`
	QualityTier      string          `json:"qualityTier"`
	Settings         json.RawMessage `json:"settings"`
}

// GET /api/v1/instances
func (s *Server) listInstances(c echo.Context) error {
	list, err := s.registry.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"instances": list})
}

// POST /api/v1/instances
func (s *Server) createInstance(c echo.Context) error {
	var req instanceRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.KindValidation, "invalid request body")
	}
	if req.Name == nil || *req.Name == "" || req.URL == nil || req.APIKey == nil {
		return apperr.New(apperr.KindValidation, "name, url, and apiKey are required")
	}
	serviceType, err := store.ParseServiceType(req.ServiceType)
	if err != nil {
		return apperr.New(apperr.KindValidation, err.Error())
	}
	tier := store.QualityStandard
	if req.QualityTier != "" {
		if tier, err = store.ParseQualityTier(req.QualityTier); err != nil {
			return apperr.New(apperr.KindValidation, err.Error())
		}
	}
	in := store.CreateInstanceInput{
		Name:             *req.Name,
		ServiceType:      serviceType,
		URL:              *req.URL,
		APIKey:           *req.APIKey,
		IsEnabled:        req.IsEnabled == nil || *req.IsEnabled,
		InstanceCategory: req.InstanceCategory,
		QualityTier:      tier,
		Settings:         req.Settings,
	}
	if req.IsDefaultMovie != nil {
		in.IsDefaultMovie = *req.IsDefaultMovie
	}
	if req.IsDefaultTV != nil {
		in.IsDefaultTV = *req.IsDefaultTV
	}
	if req.Is4KDefault != nil {
		in.Is4KDefault = *req.Is4KDefault
	}
	inst, err := s.registry.Create(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, inst)
}

// GET /api/v1/instances/:id
func (s *Server) getInstance(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	inst, err := s.registry.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// PUT /api/v1/instances/:id
func (s *Server) updateInstance(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req instanceRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.KindValidation, "invalid request body")
	}
	in := store.UpdateInstanceInput{
		Name:             req.Name,
		URL:              req.URL,
		APIKey:           req.APIKey,
		IsEnabled:        req.IsEnabled,
		IsDefaultMovie:   req.IsDefaultMovie,
		IsDefaultTV:      req.IsDefaultTV,
		Is4KDefault:      req.Is4KDefault,
		InstanceCategory: req.InstanceCategory,
		Settings:         req.Settings,
	}
	if req.QualityTier != "" {
		tier, err := store.ParseQualityTier(req.QualityTier)
		if err != nil {
			return apperr.New(apperr.KindValidation, err.Error())
		}
		in.QualityTier = &tier
	}
	inst, err := s.registry.Update(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// DELETE /api/v1/instances/:id
func (s *Server) deleteInstance(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := s.registry.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// POST /api/v1/instances/:id/test probes the downstream service.
func (s *Server) testInstance(c echo.Context) error {
	ctx := c.Request().Context()
	client, _, err := s.instanceClient(c)
	if err != nil {
		return err
	}
	if err := client.TestConnection(ctx); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// GET /api/v1/instances/:id/metadata returns the downstream profile and
// folder options an admin picks from when configuring the instance.
func (s *Server) instanceMetadata(c echo.Context) error {
	ctx := c.Request().Context()
	client, inst, err := s.instanceClient(c)
	if err != nil {
		return err
	}
	folders, err := client.RootFolders(ctx)
	if err != nil {
		return err
	}
	profiles, err := client.QualityProfiles(ctx)
	if err != nil {
		return err
	}
	resp := map[string]any{
		"rootFolders":     folders,
		"qualityProfiles": profiles,
	}
	if inst.ServiceType == store.ServiceTypeSeries {
		sonarr := arr.NewSonarr(inst.URL, inst.APIKey)
		languages, err := sonarr.LanguageProfiles(ctx)
		if err != nil {
			return err
		}
		resp["languageProfiles"] = languages
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) instanceClient(c echo.Context) (*arr.Client, *store.ServiceInstance, error) {
	id, err := pathID(c, "id")
	if err != nil {
		return nil, nil, err
	}
	inst, err := s.registry.Get(c.Request().Context(), id)
	if err != nil {
		return nil, nil, err
	}
	return arr.NewClient(inst.Name, inst.URL, inst.APIKey), inst, nil
}
