package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/auth"
	"github.com/fetcharr/fetcharr/internal/requests"
	"github.com/fetcharr/fetcharr/internal/store"
)

func (s *Server) registerRequestRoutes(g *echo.Group) {
	g.POST("/requests", s.createRequest)
	g.POST("/requests/granular", s.createGranularRequest)
	g.GET("/requests", s.listRequests)
	g.GET("/requests/:id", s.getRequest)
	g.POST("/requests/:id/approve", s.approveRequest)
	g.POST("/requests/:id/reject", s.rejectRequest)
	g.POST("/requests/:id/available", s.markRequestAvailable)
	g.DELETE("/requests/:id", s.deleteRequest)
}

// POST /api/v1/requests
func (s *Server) createRequest(c echo.Context) error {
	var in requests.CreateInput
	if err := c.Bind(&in); err != nil {
		return apperr.New(apperr.KindValidation, "invalid request body")
	}
	claims := auth.CurrentUser(c)
	request, err := s.requests.Create(c.Request().Context(), claims.UserID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, request)
}

// POST /api/v1/requests/granular
func (s *Server) createGranularRequest(c echo.Context) error {
	var in requests.GranularInput
	if err := c.Bind(&in); err != nil {
		return apperr.New(apperr.KindValidation, "invalid request body")
	}
	claims := auth.CurrentUser(c)
	created, err := s.requests.CreateGranular(c.Request().Context(), claims.UserID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"requests": created,
		"created":  len(created),
	})
}

// GET /api/v1/requests
func (s *Server) listRequests(c echo.Context) error {
	in := requests.ListInput{
		OrderBy: c.QueryParam("orderBy"),
		Limit:   queryInt(c, "limit", 50),
		Offset:  queryInt(c, "offset", 0),
	}
	if raw := c.QueryParam("mediaType"); raw != "" {
		mt, err := store.ParseMediaType(raw)
		if err != nil {
			return apperr.New(apperr.KindValidation, err.Error())
		}
		in.MediaType = &mt
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := store.ParseRequestStatus(strings.TrimSpace(part))
			if err != nil {
				return apperr.New(apperr.KindValidation, err.Error())
			}
			in.StatusIn = append(in.StatusIn, st)
		}
	}
	if raw := c.QueryParam("tmdbId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return apperr.New(apperr.KindValidation, "invalid tmdbId")
		}
		in.TmdbID = &id
	}
	if raw := c.QueryParam("userId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return apperr.New(apperr.KindValidation, "invalid userId")
		}
		in.UserID = &id
	}

	claims := auth.CurrentUser(c)
	list, err := s.requests.List(c.Request().Context(), claims.UserID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"requests": list,
		"limit":    in.Limit,
		"offset":   in.Offset,
	})
}

// GET /api/v1/requests/:id
func (s *Server) getRequest(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	claims := auth.CurrentUser(c)
	request, err := s.requests.Get(c.Request().Context(), id, claims.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, request)
}

// POST /api/v1/requests/:id/approve
func (s *Server) approveRequest(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var body struct {
		InstanceID *int64 `json:"instanceId"`
	}
	if err := c.Bind(&body); err != nil {
		return apperr.New(apperr.KindValidation, "invalid request body")
	}
	claims := auth.CurrentUser(c)
	ctx := c.Request().Context()
	request, err := s.requests.Approve(ctx, id, claims.UserID, body.InstanceID)
	if err != nil {
		return err
	}
	// Dispatch may already have recorded the downstream id; serve the fresh row.
	if refreshed, gerr := s.requests.Get(ctx, id, claims.UserID); gerr == nil {
		request = refreshed
	}
	return c.JSON(http.StatusOK, request)
}

// POST /api/v1/requests/:id/reject
func (s *Server) rejectRequest(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	claims := auth.CurrentUser(c)
	request, err := s.requests.Reject(c.Request().Context(), id, claims.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, request)
}

// POST /api/v1/requests/:id/available
func (s *Server) markRequestAvailable(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	claims := auth.CurrentUser(c)
	request, err := s.requests.MarkAvailable(c.Request().Context(), id, claims.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, request)
}

// DELETE /api/v1/requests/:id
func (s *Server) deleteRequest(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	claims := auth.CurrentUser(c)
	if err := s.requests.Delete(c.Request().Context(), id, claims.UserID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
