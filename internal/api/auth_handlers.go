package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/auth"
	"github.com/fetcharr/fetcharr/internal/plex"
	"github.com/fetcharr/fetcharr/internal/store"
)

func (s *Server) registerAuthRoutes(api *echo.Group) {
	g := api.Group("/auth")
	g.GET("/status", s.authStatus)
	g.POST("/setup", s.authSetup)
	g.POST("/login", s.authLogin)
	g.POST("/plex", s.authPlex)
	g.GET("/me", s.authMe, s.authMW.Require())
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  *store.User `json:"user"`
}

// GET /api/v1/auth/status
func (s *Server) authStatus(c echo.Context) error {
	_, err := s.store.GetServerOwner(c.Request().Context())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{
		"requiresSetup": errors.Is(err, store.ErrNotFound),
	})
}

// POST /api/v1/auth/setup creates the server owner on first run.
func (s *Server) authSetup(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.store.GetServerOwner(ctx); err == nil {
		return apperr.New(apperr.KindValidation, "setup has already been completed")
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.KindValidation, "invalid request body")
	}
	if req.Username == "" {
		return apperr.New(apperr.KindValidation, "username is required")
	}
	user, err := s.auth.CreateLocalUser(ctx, req.Username, req.Password, true, true)
	if err != nil {
		return err
	}
	token, err := s.auth.GenerateToken(user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, loginResponse{Token: token, User: user})
}

// POST /api/v1/auth/login
func (s *Server) authLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.KindValidation, "invalid request body")
	}
	token, user, err := s.auth.Login(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return mapAuthError(err)
	}
	return c.JSON(http.StatusOK, loginResponse{Token: token, User: user})
}

// POST /api/v1/auth/plex exchanges a plex.tv token for a session. The OAuth
// pin flow runs in the browser; only the resulting token reaches the server.
func (s *Server) authPlex(c echo.Context) error {
	var req struct {
		AuthToken string `json:"authToken"`
	}
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.KindValidation, "invalid request body")
	}
	if req.AuthToken == "" {
		return apperr.New(apperr.KindValidation, "authToken is required")
	}
	account, err := plex.VerifyAccount(c.Request().Context(), req.AuthToken)
	if err != nil {
		if errors.Is(err, plex.ErrInvalidPlexToken) {
			return apperr.New(apperr.KindAuthRequired, "plex token is invalid")
		}
		return apperr.Wrap(apperr.KindUpstream, "plex.tv verification failed", err)
	}
	token, user, err := s.auth.LoginExternal(c.Request().Context(), strconv.FormatInt(account.ID, 10))
	if err != nil {
		return mapAuthError(err)
	}
	return c.JSON(http.StatusOK, loginResponse{Token: token, User: user})
}

// GET /api/v1/auth/me
func (s *Server) authMe(c echo.Context) error {
	ctx := c.Request().Context()
	claims := auth.CurrentUser(c)
	user, err := s.store.GetUser(ctx, claims.UserID)
	if err != nil {
		return err
	}
	current, limit, unlimited, err := s.perm.QuotaState(ctx, claims.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"user": user,
		"quota": map[string]any{
			"current":   current,
			"limit":     limit,
			"unlimited": unlimited,
		},
	})
}

func mapAuthError(err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return apperr.New(apperr.KindAuthRequired, "invalid credentials")
	case errors.Is(err, auth.ErrUserDisabled):
		return apperr.New(apperr.KindForbidden, "account is disabled")
	default:
		return err
	}
}
