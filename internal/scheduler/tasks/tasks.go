// Package tasks wires the background job bodies to the scheduler.
package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/categories"
	"github.com/fetcharr/fetcharr/internal/integration"
	"github.com/fetcharr/fetcharr/internal/librarysync"
	"github.com/fetcharr/fetcharr/internal/reconciler"
	"github.com/fetcharr/fetcharr/internal/scheduler"
	"github.com/fetcharr/fetcharr/internal/settings"
	"github.com/fetcharr/fetcharr/internal/store"
)

// Job names. The settings row keys job configuration by these.
const (
	JobLibrarySync         = "library_sync"
	JobDownloadStatusCheck = "download_status_check"
	JobRequestSubmission   = "request_submission"
	JobRequestCleanup      = "request_cleanup"
	JobCategoryCache       = "category_cache"
)

// Deps bundles the services the job bodies call.
type Deps struct {
	Store      *store.Store
	Settings   *settings.Service
	Syncer     *librarysync.Syncer
	Reconciler *reconciler.Reconciler
	Dispatcher *integration.Dispatcher
	Categories *categories.Service
	Logger     zerolog.Logger
}

// RegisterAll registers every background job with its default schedule,
// honoring persisted overrides.
func RegisterAll(ctx context.Context, sched *scheduler.Scheduler, deps Deps) error {
	cfg, err := deps.Settings.Get(ctx)
	if err != nil {
		return err
	}
	persisted := cfg.JobSettings

	jobs := []scheduler.JobConfig{
		{
			Name:            JobLibrarySync,
			Description:     "Mirror the Plex library and confirm request availability",
			DefaultInterval: 6 * time.Hour,
			Timeout:         10 * time.Minute,
			Func:            librarySyncJob(deps),
		},
		{
			Name:            JobDownloadStatusCheck,
			Description:     "Reconcile request status against downstream download state",
			DefaultInterval: 15 * time.Minute,
			Timeout:         5 * time.Minute,
			Func:            downloadStatusJob(deps),
		},
		{
			Name:            JobRequestSubmission,
			Description:     "Retry approved requests that never reached their downstream service",
			DefaultInterval: 5 * time.Minute,
			Func:            requestSubmissionJob(deps),
		},
		{
			Name:            JobRequestCleanup,
			Description:     "Delete terminal requests older than the retention window",
			DefaultInterval: 24 * time.Hour,
			Func:            requestCleanupJob(deps),
		},
		{
			Name:            JobCategoryCache,
			Description:     "Refresh cached category pages with library annotations",
			DefaultInterval: 4 * time.Hour,
			Func:            categoryCacheJob(deps),
		},
	}
	for _, job := range jobs {
		if err := sched.Register(job, persisted); err != nil {
			return err
		}
	}
	return nil
}

func librarySyncJob(deps Deps) scheduler.JobFunc {
	return func(ctx context.Context) (map[string]any, error) {
		result, err := deps.Syncer.Run(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := deps.Categories.RefreshAll(ctx); err != nil {
			deps.Logger.Warn().Err(err).Msg("category refresh after library sync failed")
		}
		return map[string]any{
			"movies":       result.Movies,
			"shows":        result.Shows,
			"episodes":     result.Episodes,
			"prunedMovies": result.PrunedMovies,
			"prunedTv":     result.PrunedTV,
			"confirmed":    result.Confirmed,
		}, nil
	}
}

func downloadStatusJob(deps Deps) scheduler.JobFunc {
	return func(ctx context.Context) (map[string]any, error) {
		result, err := deps.Reconciler.Run(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"checked":     result.Checked,
			"downloading": result.Downloading,
			"downloaded":  result.Downloaded,
			"available":   result.Available,
		}, nil
	}
}

func requestSubmissionJob(deps Deps) scheduler.JobFunc {
	return func(ctx context.Context) (map[string]any, error) {
		pending, err := deps.Store.ListApprovedWithoutDownstreamID(ctx)
		if err != nil {
			return nil, err
		}
		submitted := 0
		for _, req := range pending {
			if err := deps.Dispatcher.Integrate(ctx, req); err != nil {
				deps.Logger.Warn().Err(err).Int64("request", req.ID).
					Msg("deferred submission failed; will retry next cycle")
				continue
			}
			submitted++
		}
		return map[string]any{"pending": len(pending), "submitted": submitted}, nil
	}
}

func requestCleanupJob(deps Deps) scheduler.JobFunc {
	return func(ctx context.Context) (map[string]any, error) {
		cfg, err := deps.Settings.Get(ctx)
		if err != nil {
			return nil, err
		}
		retention := time.Duration(cfg.RequestRetentionDays) * 24 * time.Hour
		cutoff := time.Now().Add(-retention)
		removed, err := deps.Store.DeleteTerminalRequestsBefore(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		// Execution history follows the same retention.
		prunedHistory, err := deps.Store.PruneExecutionsBefore(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		return map[string]any{"removedRequests": removed, "prunedExecutions": prunedHistory}, nil
	}
}

func categoryCacheJob(deps Deps) scheduler.JobFunc {
	return func(ctx context.Context) (map[string]any, error) {
		refreshed, err := deps.Categories.RefreshAll(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"refreshed": refreshed}, nil
	}
}
