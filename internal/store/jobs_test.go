package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStartExecutionSingleFlight(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := st.StartExecution(ctx, "library_sync", TriggerScheduler)
	if err != nil {
		t.Fatalf("StartExecution error = %v", err)
	}
	if first.Status != JobRunning {
		t.Fatalf("Status = %s, want %s", first.Status, JobRunning)
	}

	// A second claim for the same job is refused while the first is open.
	if _, err := st.StartExecution(ctx, "library_sync", TriggerManual); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("second StartExecution = %v, want ErrJobRunning", err)
	}

	// Other jobs are unaffected.
	if _, err := st.StartExecution(ctx, "request_cleanup", TriggerScheduler); err != nil {
		t.Fatalf("StartExecution for other job error = %v", err)
	}

	if err := st.CompleteExecution(ctx, first.ID, map[string]any{"synced": 3}); err != nil {
		t.Fatalf("CompleteExecution error = %v", err)
	}
	if _, err := st.StartExecution(ctx, "library_sync", TriggerManual); err != nil {
		t.Fatalf("StartExecution after completion error = %v", err)
	}
}

func TestCompleteAndFailExecution(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run, err := st.StartExecution(ctx, "download_status_check", TriggerScheduler)
	if err != nil {
		t.Fatalf("StartExecution error = %v", err)
	}
	if err := st.FailExecution(ctx, run.ID, "downstream unreachable"); err != nil {
		t.Fatalf("FailExecution error = %v", err)
	}
	got, err := st.GetExecution(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetExecution error = %v", err)
	}
	if got.Status != JobFailed {
		t.Fatalf("Status = %s, want %s", got.Status, JobFailed)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "downstream unreachable" {
		t.Fatalf("ErrorMessage = %v", got.ErrorMessage)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt should be set")
	}
}

func TestLastCompletedExecution(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.LastCompletedExecution(ctx, "library_sync"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LastCompletedExecution with no history = %v, want ErrNotFound", err)
	}

	run, _ := st.StartExecution(ctx, "library_sync", TriggerScheduler)
	if err := st.CompleteExecution(ctx, run.ID, nil); err != nil {
		t.Fatalf("CompleteExecution error = %v", err)
	}
	// A failed run afterwards does not count as a completion.
	failed, _ := st.StartExecution(ctx, "library_sync", TriggerScheduler)
	st.FailExecution(ctx, failed.ID, "boom")

	last, err := st.LastCompletedExecution(ctx, "library_sync")
	if err != nil {
		t.Fatalf("LastCompletedExecution error = %v", err)
	}
	if last.ID != run.ID {
		t.Fatalf("last completed = %d, want %d", last.ID, run.ID)
	}
}

func TestFailStaleRunning(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.StartExecution(ctx, "library_sync", TriggerScheduler); err != nil {
		t.Fatalf("StartExecution error = %v", err)
	}
	n, err := st.FailStaleRunning(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("FailStaleRunning error = %v", err)
	}
	if n != 1 {
		t.Fatalf("stale rows failed = %d, want 1", n)
	}
	running, err := st.IsJobRunning(ctx, "library_sync")
	if err != nil {
		t.Fatalf("IsJobRunning error = %v", err)
	}
	if running {
		t.Fatal("job should no longer be running after stale cleanup")
	}
}
