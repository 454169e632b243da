package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/permissions"
	"github.com/fetcharr/fetcharr/internal/store"
)

func (s *Server) registerUserRoutes(g *echo.Group) {
	users := g.Group("/users", s.requireFlag(permissions.PermAdminManageUsers))
	users.GET("", s.listUsers)
	users.POST("", s.createUser)
	users.GET("/:id", s.getUser)
	users.PUT("/:id", s.updateUser)
	users.DELETE("/:id", s.deleteUser)
	users.GET("/:id/quota", s.getUserQuota)
	users.PUT("/:id/permissions", s.upsertUserPermissions)

	roles := g.Group("/roles", s.requireFlag(permissions.PermAdminManageUsers))
	roles.GET("", s.listRoles)
	roles.POST("", s.createRole)
	roles.PUT("/:id/permissions", s.updateRolePermissions)
	roles.DELETE("/:id", s.deleteRole)
}

// GET /api/v1/users
func (s *Server) listUsers(c echo.Context) error {
	users, err := s.store.ListUsers(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"users": users})
}

type createUserRequest struct {
	Username           string  `json:"username"`
	Password           string  `json:"password"`
	Email              *string `json:"email,omitempty"`
	DisplayName        *string `json:"displayName,omitempty"`
	AvatarURL          *string `json:"avatarUrl,omitempty"`
	ExternalIdentityID *string `json:"externalIdentityId,omitempty"`
	IsAdmin            bool    `json:"isAdmin"`
}

// POST /api/v1/users creates either a local account (password) or imports an
// external identity.
func (s *Server) createUser(c echo.Context) error {
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.KindValidation, "invalid request body")
	}
	if req.Username == "" {
		return apperr.New(apperr.KindValidation, "username is required")
	}
	ctx := c.Request().Context()

	var user *store.User
	var err error
	switch {
	case req.ExternalIdentityID != nil:
		user, err = s.store.CreateUser(ctx, store.CreateUserInput{
			ExternalIdentityID: req.ExternalIdentityID,
			Username:           req.Username,
			Email:              req.Email,
			DisplayName:        req.DisplayName,
			AvatarURL:          req.AvatarURL,
			IsAdmin:            req.IsAdmin,
		})
	case req.Password != "":
		user, err = s.auth.CreateLocalUser(ctx, req.Username, req.Password, req.IsAdmin, false)
	default:
		return apperr.New(apperr.KindValidation, "either password or externalIdentityId is required")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, user)
}

// GET /api/v1/users/:id
func (s *Server) getUser(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	user, err := s.store.GetUser(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, user)
}

// PUT /api/v1/users/:id
func (s *Server) updateUser(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var in store.UpdateUserInput
	if err := c.Bind(&in); err != nil {
		return apperr.New(apperr.KindValidation, "invalid request body")
	}
	user, err := s.store.UpdateUser(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, user)
}

// DELETE /api/v1/users/:id
func (s *Server) deleteUser(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := s.store.DeleteUser(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// GET /api/v1/users/:id/quota
func (s *Server) getUserQuota(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	current, limit, unlimited, err := s.perm.QuotaState(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"current":   current,
		"limit":     limit,
		"unlimited": unlimited,
	})
}

// PUT /api/v1/users/:id/permissions
func (s *Server) upsertUserPermissions(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var in store.UpsertUserPermissionsInput
	if err := c.Bind(&in); err != nil {
		return apperr.New(apperr.KindValidation, "invalid request body")
	}
	perms, err := s.store.UpsertUserPermissions(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, perms)
}

// GET /api/v1/roles
func (s *Server) listRoles(c echo.Context) error {
	roles, err := s.store.ListRoles(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"roles": roles})
}

// POST /api/v1/roles
func (s *Server) createRole(c echo.Context) error {
	var in store.CreateRoleInput
	if err := c.Bind(&in); err != nil {
		return apperr.New(apperr.KindValidation, "invalid request body")
	}
	role, err := s.store.CreateRole(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, role)
}

// PUT /api/v1/roles/:id/permissions
func (s *Server) updateRolePermissions(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var body struct {
		Permissions []string `json:"permissions"`
	}
	if err := c.Bind(&body); err != nil {
		return apperr.New(apperr.KindValidation, "invalid request body")
	}
	role, err := s.store.UpdateRolePermissions(c.Request().Context(), id, body.Permissions)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, role)
}

// DELETE /api/v1/roles/:id
func (s *Server) deleteRole(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := s.store.DeleteRole(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
