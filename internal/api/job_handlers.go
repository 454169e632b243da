package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/permissions"
)

func (s *Server) registerJobRoutes(g *echo.Group) {
	jobs := g.Group("/jobs", s.requireFlag(permissions.PermAdminManageJobs))
	jobs.GET("", s.listJobs)
	jobs.POST("/:name/trigger", s.triggerJob)
	jobs.GET("/history", s.jobHistory)
}

// GET /api/v1/jobs
func (s *Server) listJobs(c echo.Context) error {
	infos, err := s.scheduler.ListJobs(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"jobs": infos})
}

// POST /api/v1/jobs/:name/trigger
func (s *Server) triggerJob(c echo.Context) error {
	name := c.Param("name")
	if name == "" {
		return apperr.New(apperr.KindValidation, "job name is required")
	}
	execution, err := s.scheduler.Trigger(c.Request().Context(), name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]any{"executionId": execution.ID})
}

// GET /api/v1/jobs/history
func (s *Server) jobHistory(c echo.Context) error {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	executions, err := s.store.ListExecutions(c.Request().Context(), c.QueryParam("job"), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"executions": executions,
		"limit":      limit,
		"offset":     offset,
	})
}
