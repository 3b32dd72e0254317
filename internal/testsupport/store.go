package testsupport

import (
	"context"
	"testing"
	"time"

	"annihilator/internal/config"
	"annihilator/internal/history"
	"annihilator/internal/job"
	"annihilator/internal/progress"
)

// MustOpenStore opens a history.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *history.Store {
	t.Helper()

	store, err := history.Open(cfg)
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob inserts a started job for tests using the provided store.
func NewJob(t testing.TB, store *history.Store, id, filename string) job.Record {
	t.Helper()

	now := time.Now().UTC()
	rec := job.Record{ID: id, Filename: filename, Stage: progress.StageNotStarted, StartedAt: now, UpdatedAt: now}
	if err := store.JobStarted(context.Background(), rec); err != nil {
		t.Fatalf("store.JobStarted: %v", err)
	}
	return rec
}
