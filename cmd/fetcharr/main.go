package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fetcharr/fetcharr/internal/api"
	"github.com/fetcharr/fetcharr/internal/auth"
	"github.com/fetcharr/fetcharr/internal/catalog"
	"github.com/fetcharr/fetcharr/internal/categories"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/crypto"
	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/events"
	"github.com/fetcharr/fetcharr/internal/instances"
	"github.com/fetcharr/fetcharr/internal/integration"
	"github.com/fetcharr/fetcharr/internal/librarysync"
	"github.com/fetcharr/fetcharr/internal/logger"
	"github.com/fetcharr/fetcharr/internal/permissions"
	"github.com/fetcharr/fetcharr/internal/reconciler"
	"github.com/fetcharr/fetcharr/internal/requests"
	"github.com/fetcharr/fetcharr/internal/scheduler"
	"github.com/fetcharr/fetcharr/internal/scheduler/tasks"
	"github.com/fetcharr/fetcharr/internal/settings"
	"github.com/fetcharr/fetcharr/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// A .env file is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer log.Close()

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("fetcharr exited with error")
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx := context.Background()

	log.Info().Str("environment", cfg.Environment).Msg("starting fetcharr")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	st := store.New(db.Conn())
	codec, err := crypto.NewCodec(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}
	st.UseSecrets(codec)

	settingsSvc, err := settings.NewService(ctx, st, log.Logger)
	if err != nil {
		return err
	}
	perm := permissions.NewEngine(st, settingsSvc, log.Logger)
	registry := instances.NewRegistry(st, log.Logger)
	selector := instances.NewSelector(registry, perm, log.Logger)

	hub := events.NewHub(log.Logger)
	go hub.Run()

	requestSvc := requests.NewService(st, perm, selector, log.Logger)
	dispatcher := integration.NewDispatcher(st, registry, log.Logger)
	requestSvc.SetDispatcher(dispatcher)
	requestSvc.SetBroadcaster(hub)

	syncer := librarysync.New(st, settingsSvc, log.Logger)
	recon := reconciler.New(st, registry, log.Logger)
	catalogProvider := catalog.NewProvider(settingsSvc)
	categorySvc := categories.NewService(st, catalogProvider, log.Logger)

	authSvc, err := auth.NewService(st, cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.AccessTokenExpiry)*time.Minute, log.Logger)
	if err != nil {
		return err
	}

	// Startup hygiene: executions left "running" by a crashed process will
	// never finish, and pending counters may have drifted.
	if n, err := st.FailStaleRunning(ctx, time.Now()); err != nil {
		return err
	} else if n > 0 {
		log.Warn().Int64("count", n).Msg("failed stale job executions from previous run")
	}
	if err := perm.SyncRequestCounts(ctx); err != nil {
		return err
	}

	sched, err := scheduler.New(st, log.Logger)
	if err != nil {
		return err
	}
	err = tasks.RegisterAll(ctx, sched, tasks.Deps{
		Store:      st,
		Settings:   settingsSvc,
		Syncer:     syncer,
		Reconciler: recon,
		Dispatcher: dispatcher,
		Categories: categorySvc,
		Logger:     log.Logger,
	})
	if err != nil {
		return err
	}
	settingsSvc.OnReload(func(ctx context.Context, s *store.Settings) {
		sched.ApplySettings(s.JobSettings)
	})
	sched.Start(ctx)

	server := api.NewServer(api.Deps{
		Config:      cfg,
		Store:       st,
		Hub:         hub,
		Auth:        authSvc,
		Permissions: perm,
		Requests:    requestSvc,
		Registry:    registry,
		Scheduler:   sched,
		Settings:    settingsSvc,
		Categories:  categorySvc,
		Catalog:     catalogProvider,
		Logger:      log.Logger,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown incomplete")
	}
	log.Info().Msg("fetcharr stopped")
	return nil
}
