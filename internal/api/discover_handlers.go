package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/catalog"
	"github.com/fetcharr/fetcharr/internal/store"
)

func (s *Server) registerDiscoverRoutes(g *echo.Group) {
	g.GET("/discover/:mediaType/categories", s.listCategories)
	g.GET("/discover/:mediaType/:category", s.discoverCategory)
	g.GET("/search", s.search)
	g.GET("/media/:mediaType/:tmdbId", s.mediaDetails)
}

func mediaTypeParam(c echo.Context) (store.MediaType, error) {
	mt, err := store.ParseMediaType(c.Param("mediaType"))
	if err != nil {
		return "", apperr.New(apperr.KindValidation, err.Error())
	}
	return mt, nil
}

// GET /api/v1/discover/:mediaType/categories
func (s *Server) listCategories(c echo.Context) error {
	mt, err := mediaTypeParam(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"categories": catalog.Categories(mt)})
}

// GET /api/v1/discover/:mediaType/:category serves the cached, decorated
// catalog page.
func (s *Server) discoverCategory(c echo.Context) error {
	mt, err := mediaTypeParam(c)
	if err != nil {
		return err
	}
	page, err := s.categories.GetPage(c.Request().Context(), mt, c.Param("category"), queryInt(c, "page", 1))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

// GET /api/v1/search
func (s *Server) search(c echo.Context) error {
	query := c.QueryParam("query")
	if query == "" {
		return apperr.New(apperr.KindValidation, "query is required")
	}
	mt := store.MediaTypeMovie
	if raw := c.QueryParam("mediaType"); raw != "" {
		var err error
		if mt, err = store.ParseMediaType(raw); err != nil {
			return apperr.New(apperr.KindValidation, err.Error())
		}
	}
	page, err := s.catalog.Search(c.Request().Context(), mt, query, queryInt(c, "page", 1))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

// GET /api/v1/media/:mediaType/:tmdbId
func (s *Server) mediaDetails(c echo.Context) error {
	mt, err := mediaTypeParam(c)
	if err != nil {
		return err
	}
	tmdbID, err := pathID(c, "tmdbId")
	if err != nil {
		return err
	}
	details, err := s.catalog.GetDetails(c.Request().Context(), mt, tmdbID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, details)
}
