package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/store"
	"github.com/fetcharr/fetcharr/internal/testutil"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	db := testutil.NewTestDB(t)
	st := store.New(db.Conn)
	s, err := New(st, testutil.NewTestLogger(t))
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, st
}

// register adds a job with its schedule disabled so gocron never fires it on
// its own; tests drive runs through Trigger.
func register(t *testing.T, s *Scheduler, name string, fn JobFunc) {
	t.Helper()
	err := s.Register(JobConfig{
		Name:            name,
		Description:     "test job",
		DefaultInterval: time.Hour,
		Func:            fn,
	}, map[string]store.JobSetting{
		name: {IntervalSeconds: 3600, Enabled: false},
	})
	if err != nil {
		t.Fatalf("Register(%q) error = %v", name, err)
	}
}

func waitForIdle(t *testing.T, st *store.Store, name string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		running, err := st.IsJobRunning(context.Background(), name)
		if err != nil {
			t.Fatalf("IsJobRunning error = %v", err)
		}
		if !running {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %q still running after deadline", name)
}

func TestTriggerRunsJob(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()

	ran := make(chan struct{})
	register(t, s, "sync", func(context.Context) (map[string]any, error) {
		close(ran)
		return map[string]any{"items": 3}, nil
	})

	execution, err := s.Trigger(ctx, "sync")
	if err != nil {
		t.Fatalf("Trigger error = %v", err)
	}
	if execution.Status != store.JobRunning || execution.TriggeredBy != store.TriggerManual {
		t.Fatalf("execution = %+v, want running manual claim", execution)
	}

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job body never ran")
	}
	waitForIdle(t, st, "sync")

	last, err := st.LastCompletedExecution(ctx, "sync")
	if err != nil {
		t.Fatalf("LastCompletedExecution error = %v", err)
	}
	if last.ID != execution.ID || last.Status != store.JobSuccess {
		t.Fatalf("last = %+v, want success for execution %d", last, execution.ID)
	}
}

func TestTriggerSingleFlight(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()

	release := make(chan struct{})
	register(t, s, "slow", func(context.Context) (map[string]any, error) {
		<-release
		return nil, nil
	})

	if _, err := s.Trigger(ctx, "slow"); err != nil {
		t.Fatalf("first Trigger error = %v", err)
	}
	_, err := s.Trigger(ctx, "slow")
	if apperr.KindOf(err) != apperr.KindJobRunning {
		t.Fatalf("second Trigger kind = %v, want job running", apperr.KindOf(err))
	}

	close(release)
	waitForIdle(t, st, "slow")

	// The slot reopens once the run completes.
	if _, err := s.Trigger(ctx, "slow"); err != nil {
		t.Fatalf("Trigger after completion error = %v", err)
	}
	waitForIdle(t, st, "slow")
}

func TestTriggerFailureRecorded(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()

	register(t, s, "broken", func(context.Context) (map[string]any, error) {
		return nil, errors.New("upstream exploded")
	})

	execution, err := s.Trigger(ctx, "broken")
	if err != nil {
		t.Fatalf("Trigger error = %v", err)
	}
	waitForIdle(t, st, "broken")

	history, err := st.ListExecutions(ctx, "broken", 10, 0)
	if err != nil {
		t.Fatalf("ListExecutions error = %v", err)
	}
	if len(history) != 1 || history[0].ID != execution.ID {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Status != store.JobFailed {
		t.Fatalf("Status = %s, want failed", history[0].Status)
	}
	if history[0].ErrorMessage == nil || *history[0].ErrorMessage != "upstream exploded" {
		t.Fatalf("ErrorMessage = %v", history[0].ErrorMessage)
	}
}

func TestTriggerUnknownJob(t *testing.T) {
	s, _ := newTestScheduler(t)
	_, err := s.Trigger(context.Background(), "nope")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("kind = %v, want not found", apperr.KindOf(err))
	}
}

func TestApplySettingsReschedules(t *testing.T) {
	s, _ := newTestScheduler(t)
	register(t, s, "sync", func(context.Context) (map[string]any, error) {
		return nil, nil
	})

	s.ApplySettings(map[string]store.JobSetting{
		"sync": {IntervalSeconds: 120, Enabled: true},
	})

	jobs, err := s.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs error = %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if !jobs[0].Enabled || jobs[0].Interval != "2m0s" {
		t.Fatalf("job = %+v, want enabled at 2m", jobs[0])
	}

	s.ApplySettings(map[string]store.JobSetting{
		"sync": {IntervalSeconds: 120, Enabled: false},
	})
	jobs, _ = s.ListJobs(context.Background())
	if jobs[0].Enabled {
		t.Fatal("job should be disabled after settings change")
	}
}

// newShutdownScheduler is for tests that call Shutdown themselves; the usual
// fixture's cleanup would shut the gocron scheduler down a second time.
func newShutdownScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	db := testutil.NewTestDB(t)
	st := store.New(db.Conn)
	s, err := New(st, testutil.NewTestLogger(t))
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	return s, st
}

func TestShutdownWaitsForInFlightRun(t *testing.T) {
	s, st := newShutdownScheduler(t)
	ctx := context.Background()

	register(t, s, "short", func(context.Context) (map[string]any, error) {
		time.Sleep(50 * time.Millisecond)
		return map[string]any{"ok": true}, nil
	})
	execution, err := s.Trigger(ctx, "short")
	if err != nil {
		t.Fatalf("Trigger error = %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown error = %v", err)
	}

	last, err := st.LastCompletedExecution(ctx, "short")
	if err != nil {
		t.Fatalf("LastCompletedExecution error = %v", err)
	}
	if last.ID != execution.ID || last.Status != store.JobSuccess {
		t.Fatalf("last = %+v, want success for execution %d", last, execution.ID)
	}
}

func TestShutdownCancelsStuckRun(t *testing.T) {
	s, st := newShutdownScheduler(t)
	ctx := context.Background()

	started := make(chan struct{})
	register(t, s, "stuck", func(jobCtx context.Context) (map[string]any, error) {
		close(started)
		<-jobCtx.Done()
		return nil, jobCtx.Err()
	})
	execution, err := s.Trigger(ctx, "stuck")
	if err != nil {
		t.Fatalf("Trigger error = %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job body never started")
	}

	// The deadline passes with the job still blocked; Shutdown cancels the
	// job context and the run records itself as cancelled.
	shutdownCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown error = %v", err)
	}

	got, err := st.GetExecution(ctx, execution.ID)
	if err != nil {
		t.Fatalf("GetExecution error = %v", err)
	}
	if got.Status != store.JobFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "cancelled" {
		t.Fatalf("ErrorMessage = %v, want cancelled", got.ErrorMessage)
	}
}

// registerEnabled schedules a job for real so Start's catch-up pass sees it;
// the hour-long interval keeps gocron from firing it during the test.
func registerEnabled(t *testing.T, s *Scheduler, name string, fn JobFunc) {
	t.Helper()
	err := s.Register(JobConfig{
		Name:            name,
		Description:     "test job",
		DefaultInterval: time.Hour,
		Func:            fn,
	}, map[string]store.JobSetting{
		name: {IntervalSeconds: 3600, Enabled: true},
	})
	if err != nil {
		t.Fatalf("Register(%q) error = %v", name, err)
	}
}

func TestStartCatchUpRunsOverdueJobsOnce(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()

	var mu sync.Mutex
	runs := map[string]int{}
	body := func(name string) JobFunc {
		return func(context.Context) (map[string]any, error) {
			mu.Lock()
			runs[name]++
			mu.Unlock()
			return nil, nil
		}
	}
	registerEnabled(t, s, "never-ran", body("never-ran"))
	registerEnabled(t, s, "stale", body("stale"))
	registerEnabled(t, s, "fresh", body("fresh"))

	// "stale" last succeeded two intervals ago, "fresh" just now.
	for name, age := range map[string]time.Duration{"stale": 2 * time.Hour, "fresh": 0} {
		execution, err := st.StartExecution(ctx, name, store.TriggerScheduler)
		if err != nil {
			t.Fatalf("StartExecution(%q) error = %v", name, err)
		}
		if err := st.CompleteExecution(ctx, execution.ID, nil); err != nil {
			t.Fatalf("CompleteExecution(%q) error = %v", name, err)
		}
		if age > 0 {
			if _, err := st.DB().ExecContext(ctx,
				`UPDATE job_executions SET started_at = ? WHERE id = ?`,
				time.Now().UTC().Add(-age), execution.ID); err != nil {
				t.Fatalf("backdating execution error = %v", err)
			}
		}
	}

	s.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		caughtUp := runs["never-ran"] == 1 && runs["stale"] == 1
		mu.Unlock()
		if caughtUp {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	waitForIdle(t, st, "never-ran")
	waitForIdle(t, st, "stale")

	mu.Lock()
	defer mu.Unlock()
	if runs["never-ran"] != 1 || runs["stale"] != 1 {
		t.Fatalf("runs = %v, want one catch-up each for never-ran and stale", runs)
	}
	if runs["fresh"] != 0 {
		t.Fatalf("runs = %v, want no catch-up for fresh", runs)
	}
}
