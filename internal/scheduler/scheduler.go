// Package scheduler runs the background jobs on persisted schedules. It
// layers DB-backed single-flight, execution history, per-job timeouts, and
// restart catch-up on top of gocron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/store"
)

// JobFunc is one job's body. The returned map is stored as the execution's
// structured result.
type JobFunc func(ctx context.Context) (map[string]any, error)

// JobConfig describes a registered job.
type JobConfig struct {
	Name            string
	Description     string
	DefaultInterval time.Duration
	Timeout         time.Duration
	Func            JobFunc
}

type jobEntry struct {
	config   JobConfig
	interval time.Duration
	enabled  bool
	job      gocron.Job
}

// Scheduler owns the registered jobs.
type Scheduler struct {
	store  *store.Store
	logger zerolog.Logger
	gocron gocron.Scheduler

	// baseCtx is the lifetime of all job runs; Shutdown cancels it so
	// in-flight jobs observe cancellation.
	baseCtx    context.Context
	cancelJobs context.CancelFunc

	mu           sync.RWMutex
	jobs         map[string]*jobEntry
	shuttingDown bool
	wg           sync.WaitGroup
}

// New creates the scheduler.
func New(st *store.Store, logger zerolog.Logger) (*Scheduler, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating gocron scheduler: %w", err)
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      st,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		gocron:     gs,
		baseCtx:    baseCtx,
		cancelJobs: cancel,
		jobs:       make(map[string]*jobEntry),
	}, nil
}

// Register adds a job under its persisted schedule. Settings may override the
// default interval and enable flag.
func (s *Scheduler) Register(cfg JobConfig, persisted map[string]store.JobSetting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[cfg.Name]; exists {
		return fmt.Errorf("job %q already registered", cfg.Name)
	}
	entry := &jobEntry{
		config:   cfg,
		interval: cfg.DefaultInterval,
		enabled:  true,
	}
	if js, ok := persisted[cfg.Name]; ok {
		if js.IntervalSeconds > 0 {
			entry.interval = time.Duration(js.IntervalSeconds) * time.Second
		}
		entry.enabled = js.Enabled
	}
	if entry.enabled {
		if err := s.scheduleLocked(entry); err != nil {
			return err
		}
	}
	s.jobs[cfg.Name] = entry
	s.logger.Info().Str("job", cfg.Name).Dur("interval", entry.interval).
		Bool("enabled", entry.enabled).Msg("job registered")
	return nil
}

func (s *Scheduler) scheduleLocked(entry *jobEntry) error {
	name := entry.config.Name
	job, err := s.gocron.NewJob(
		gocron.DurationJob(entry.interval),
		gocron.NewTask(func() { s.execute(name, store.TriggerScheduler) }),
		gocron.WithName(name),
		gocron.WithTags(name),
	)
	if err != nil {
		return fmt.Errorf("scheduling job %q: %w", name, err)
	}
	entry.job = job
	return nil
}

// Start activates the schedules and runs a single coalesced catch-up pass
// for jobs that are overdue after downtime.
func (s *Scheduler) Start(ctx context.Context) {
	s.gocron.Start()

	s.mu.RLock()
	var overdue []string
	now := time.Now().UTC()
	for name, entry := range s.jobs {
		if !entry.enabled {
			continue
		}
		last, err := s.store.LastCompletedExecution(ctx, name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			overdue = append(overdue, name)
		case err != nil:
			s.logger.Error().Err(err).Str("job", name).Msg("catch-up lookup failed")
		case now.Sub(last.StartedAt) > entry.interval:
			overdue = append(overdue, name)
		}
	}
	s.mu.RUnlock()

	// One run per job regardless of how many cycles were missed.
	for _, name := range overdue {
		go s.execute(name, store.TriggerScheduler)
	}
	if len(overdue) > 0 {
		s.logger.Info().Strs("jobs", overdue).Msg("running catch-up for overdue jobs")
	}
}

// execute runs one job body under the DB single-flight slot.
func (s *Scheduler) execute(name string, trigger store.TriggerSource) {
	s.mu.RLock()
	entry, exists := s.jobs[name]
	down := s.shuttingDown
	s.mu.RUnlock()
	if !exists || down {
		return
	}

	execution, err := s.store.StartExecution(context.Background(), name, trigger)
	if err != nil {
		if errors.Is(err, store.ErrJobRunning) {
			s.logger.Debug().Str("job", name).Msg("skipped; already running")
			return
		}
		s.logger.Error().Err(err).Str("job", name).Msg("could not claim execution")
		return
	}
	s.wg.Add(1)
	s.run(entry, execution, trigger)
}

// run executes a job body against an already-claimed execution row. Callers
// hold a WaitGroup slot before spawning; run releases it.
func (s *Scheduler) run(entry *jobEntry, execution *store.JobExecution, trigger store.TriggerSource) {
	name := entry.config.Name
	defer s.wg.Done()

	runCtx := s.baseCtx
	cancel := func() {}
	if entry.config.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(s.baseCtx, entry.config.Timeout)
	}
	defer cancel()

	started := time.Now()
	s.logger.Info().Str("job", name).Str("trigger", string(trigger)).Msg("job started")
	result, err := entry.config.Func(runCtx)
	duration := time.Since(started)

	// Finalization writes must land even after baseCtx is cancelled.
	ctx := context.Background()
	if err != nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			err = fmt.Errorf("timed out after %s: %w", entry.config.Timeout, err)
		case errors.Is(runCtx.Err(), context.Canceled):
			err = errors.New("cancelled")
		}
		s.logger.Error().Err(err).Str("job", name).Dur("duration", duration).Msg("job failed")
		if ferr := s.store.FailExecution(ctx, execution.ID, err.Error()); ferr != nil {
			s.logger.Error().Err(ferr).Str("job", name).Msg("could not record failure")
		}
		return
	}
	s.logger.Info().Str("job", name).Dur("duration", duration).Msg("job completed")
	if cerr := s.store.CompleteExecution(ctx, execution.ID, result); cerr != nil {
		s.logger.Error().Err(cerr).Str("job", name).Msg("could not record completion")
	}
}

// Trigger claims a manual run and executes it in the background, returning
// the claimed execution. Refused while a run is open or during shutdown.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*store.JobExecution, error) {
	s.mu.RLock()
	entry, exists := s.jobs[name]
	down := s.shuttingDown
	s.mu.RUnlock()
	if !exists {
		return nil, apperr.Newf(apperr.KindNotFound, "unknown job %q", name)
	}
	if down {
		return nil, apperr.New(apperr.KindValidation, "scheduler is shutting down")
	}
	execution, err := s.store.StartExecution(ctx, name, store.TriggerManual)
	if err != nil {
		if errors.Is(err, store.ErrJobRunning) {
			return nil, apperr.Newf(apperr.KindJobRunning, "job %q is already running", name)
		}
		return nil, err
	}
	s.wg.Add(1)
	go s.run(entry, execution, store.TriggerManual)
	return execution, nil
}

// ApplySettings reschedules jobs after a settings change.
func (s *Scheduler) ApplySettings(persisted map[string]store.JobSetting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, entry := range s.jobs {
		js, ok := persisted[name]
		if !ok {
			continue
		}
		interval := entry.config.DefaultInterval
		if js.IntervalSeconds > 0 {
			interval = time.Duration(js.IntervalSeconds) * time.Second
		}
		if interval == entry.interval && js.Enabled == entry.enabled {
			continue
		}
		if entry.job != nil {
			s.gocron.RemoveByTags(name)
			entry.job = nil
		}
		entry.interval = interval
		entry.enabled = js.Enabled
		if entry.enabled {
			if err := s.scheduleLocked(entry); err != nil {
				s.logger.Error().Err(err).Str("job", name).Msg("reschedule failed")
				continue
			}
		}
		s.logger.Info().Str("job", name).Dur("interval", interval).
			Bool("enabled", js.Enabled).Msg("job rescheduled")
	}
}

// JobInfo describes one registered job for the API.
type JobInfo struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Interval    string     `json:"interval"`
	Enabled     bool       `json:"enabled"`
	Running     bool       `json:"running"`
	NextRun     *time.Time `json:"nextRun,omitempty"`
}

// ListJobs returns the registered jobs with their live state.
func (s *Scheduler) ListJobs(ctx context.Context) ([]JobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, entry := range s.jobs {
		running, err := s.store.IsJobRunning(ctx, name)
		if err != nil {
			return nil, err
		}
		info := JobInfo{
			Name:        name,
			Description: entry.config.Description,
			Interval:    entry.interval.String(),
			Enabled:     entry.enabled,
			Running:     running,
		}
		if entry.job != nil {
			if next, err := entry.job.NextRun(); err == nil {
				info.NextRun = &next
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// cancelGrace bounds how long Shutdown waits for cancelled jobs to finalize
// their execution rows.
const cancelGrace = 5 * time.Second

// Shutdown stops accepting work, waits for in-flight runs up to the context
// deadline, then cancels their contexts so they fail over as cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()

	if err := s.gocron.Shutdown(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelJobs()
		return nil
	case <-ctx.Done():
	}

	// Grace exhausted: cancel in-flight job contexts and give them a moment
	// to record their executions as failed.
	s.cancelJobs()
	select {
	case <-done:
		return nil
	case <-time.After(cancelGrace):
		return fmt.Errorf("jobs still running at shutdown deadline: %w", ctx.Err())
	}
}
