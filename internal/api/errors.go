package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/auth"
	"github.com/fetcharr/fetcharr/internal/store"
)

type errorBody struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// handleError converts service errors into the JSON error envelope. Domain
// errors carry their own kind and status; everything else degrades to a
// generic kind for its status code.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		body := errorBody{Kind: string(ae.Kind), Message: ae.Message, Details: ae.Details}
		if werr := c.JSON(ae.Kind.HTTPStatus(), errorEnvelope{Error: body}); werr != nil {
			s.logger.Error().Err(werr).Msg("error response write failed")
		}
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeKind(c, apperr.KindNotFound, "resource not found")
		return
	}
	if errors.Is(err, store.ErrReferenced) {
		body := errorBody{Kind: "CONFLICT", Message: err.Error()}
		c.JSON(http.StatusConflict, errorEnvelope{Error: body})
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		message := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			message = m
		}
		body := errorBody{Kind: string(kindForStatus(he.Code)), Message: message}
		if werr := c.JSON(he.Code, errorEnvelope{Error: body}); werr != nil {
			s.logger.Error().Err(werr).Msg("error response write failed")
		}
		return
	}

	s.logger.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("unhandled error")
	writeKind(c, apperr.KindInternal, "internal server error")
}

func writeKind(c echo.Context, kind apperr.Kind, message string) {
	c.JSON(kind.HTTPStatus(), errorEnvelope{Error: errorBody{Kind: string(kind), Message: message}})
}

func kindForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusUnauthorized:
		return apperr.KindAuthRequired
	case http.StatusForbidden:
		return apperr.KindForbidden
	case http.StatusNotFound:
		return apperr.KindNotFound
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return apperr.KindValidation
	default:
		return apperr.KindInternal
	}
}

// requireFlag gates a route on one resolved permission flag. The JWT admin
// bit short-circuits inside the engine, so admins always pass.
func (s *Server) requireFlag(flag string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims := auth.CurrentUser(c)
			if claims == nil {
				return apperr.New(apperr.KindAuthRequired, "authentication required")
			}
			ok, err := s.perm.HasPermission(c.Request().Context(), claims.UserID, flag)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.Newf(apperr.KindForbidden, "missing permission %s", flag)
			}
			return next(c)
		}
	}
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Newf(apperr.KindValidation, "invalid %s", name)
	}
	return id, nil
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
