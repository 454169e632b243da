// Package api exposes the HTTP surface: a thin echo adapter over the
// request, user, instance, job, settings, and discovery services.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/auth"
	"github.com/fetcharr/fetcharr/internal/catalog"
	"github.com/fetcharr/fetcharr/internal/categories"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/events"
	"github.com/fetcharr/fetcharr/internal/instances"
	"github.com/fetcharr/fetcharr/internal/permissions"
	"github.com/fetcharr/fetcharr/internal/requests"
	"github.com/fetcharr/fetcharr/internal/scheduler"
	"github.com/fetcharr/fetcharr/internal/settings"
	"github.com/fetcharr/fetcharr/internal/store"
	"github.com/fetcharr/fetcharr/web"
)

// Deps bundles the services the handlers call.
type Deps struct {
	Config      *config.Config
	Store       *store.Store
	Hub         *events.Hub
	Auth        *auth.Service
	Permissions *permissions.Engine
	Requests    *requests.Service
	Registry    *instances.Registry
	Scheduler   *scheduler.Scheduler
	Settings    *settings.Service
	Categories  *categories.Service
	Catalog     *catalog.Provider
	Logger      zerolog.Logger
}

// Server handles HTTP requests for the Fetcharr API.
type Server struct {
	echo   *echo.Echo
	authMW *auth.Middleware
	logger zerolog.Logger

	cfg        *config.Config
	store      *store.Store
	hub        *events.Hub
	auth       *auth.Service
	perm       *permissions.Engine
	requests   *requests.Service
	registry   *instances.Registry
	scheduler  *scheduler.Scheduler
	settings   *settings.Service
	categories *categories.Service
	catalog    *catalog.Provider
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:       e,
		authMW:     auth.NewMiddleware(deps.Auth),
		logger:     deps.Logger.With().Str("component", "api").Logger(),
		cfg:        deps.Config,
		store:      deps.Store,
		hub:        deps.Hub,
		auth:       deps.Auth,
		perm:       deps.Permissions,
		requests:   deps.Requests,
		registry:   deps.Registry,
		scheduler:  deps.Scheduler,
		settings:   deps.Settings,
		categories: deps.Categories,
		catalog:    deps.Catalog,
	}
	e.HTTPErrorHandler = s.handleError
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(middleware.BodyLimit("2M"))
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogMethod:  true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			evt := s.logger.Info()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				evt = s.logger.Error().Err(v.Error)
			}
			evt.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
	s.echo.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			return c.Request().Header.Get("Upgrade") == "websocket"
		},
	}))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	api := s.echo.Group("/api/v1")
	s.registerAuthRoutes(api)

	protected := api.Group("", s.authMW.Require())
	protected.GET("/ws", s.hub.HandleWebSocket)
	s.registerRequestRoutes(protected)
	s.registerDiscoverRoutes(protected)

	s.registerUserRoutes(protected)
	s.registerInstanceRoutes(protected)
	s.registerJobRoutes(protected)
	s.registerSettingsRoutes(api)

	// Webhook ingestion is intentionally disabled; downstream state is pulled
	// by the reconciler instead of pushed.
	api.POST("/webhook", s.webhookDisabled)

	s.registerFrontend()
}

// registerFrontend serves the embedded SPA bundle: static assets where they
// exist, index.html for everything that is not an API or websocket path.
func (s *Server) registerFrontend() {
	distFS, err := web.DistFS()
	if err != nil {
		s.logger.Warn().Err(err).Msg("frontend bundle unavailable")
		return
	}
	fileServer := http.FileServer(http.FS(distFS))

	s.echo.GET("/*", func(c echo.Context) error {
		path := c.Request().URL.Path
		if strings.HasPrefix(path, "/api/") || path == "/health" {
			return echo.ErrNotFound
		}
		if path != "/" {
			if f, err := distFS.Open(strings.TrimPrefix(path, "/")); err == nil {
				f.Close()
				fileServer.ServeHTTP(c.Response(), c.Request())
				return nil
			}
		}
		index, err := distFS.Open("index.html")
		if err != nil {
			return echo.ErrNotFound
		}
		defer index.Close()
		return c.Stream(http.StatusOK, "text/html; charset=utf-8", index)
	})
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) webhookDisabled(c echo.Context) error {
	return c.JSON(http.StatusGone, errorEnvelope{Error: errorBody{
		Kind:    "WEBHOOKS_DISABLED",
		Message: "webhook ingestion is disabled; download state is polled",
	}})
}

// Start begins serving on the configured host and port.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.logger.Info().Str("addr", addr).Msg("http server listening")
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
