package store

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oraclerunner/runner/internal/job"
)

func mustStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return fs
}

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	fs := mustStore(t)
	ctx := context.Background()

	j := job.New(common.HexToAddress("0x1"), "BTC > 50k", time.Now().Add(time.Hour), time.Now(), 3, "corr-1")
	if err := fs.SaveJob(ctx, j); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	jobs, err := fs.LoadJobs(ctx)
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != j.ID {
		t.Fatalf("expected one job with id %s, got %+v", j.ID, jobs)
	}
}

func TestFileStoreSaveUpserts(t *testing.T) {
	fs := mustStore(t)
	ctx := context.Background()

	j := job.New(common.HexToAddress("0x2"), "t", time.Now(), time.Now(), 3, "")
	if err := fs.SaveJob(ctx, j); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	j.Title = "updated"
	if err := fs.SaveJob(ctx, j); err != nil {
		t.Fatalf("SaveJob (upsert): %v", err)
	}

	jobs, _ := fs.LoadJobs(ctx)
	if len(jobs) != 1 || jobs[0].Title != "updated" {
		t.Fatalf("expected a single upserted job, got %+v", jobs)
	}
}

func TestFileStoreUpdateAdvancesUpdatedAt(t *testing.T) {
	fs := mustStore(t)
	ctx := context.Background()

	j := job.New(common.HexToAddress("0x3"), "t", time.Now(), time.Now(), 3, "")
	if err := fs.SaveJob(ctx, j); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	status := job.StatusExecuting
	updated, err := fs.UpdateJob(ctx, j.ID, Patch{Status: &status})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if updated.Status != job.StatusExecuting {
		t.Fatalf("expected status EXECUTING, got %s", updated.Status)
	}
	if !updated.UpdatedAt.After(j.UpdatedAt) {
		t.Fatalf("expected UpdatedAt to advance: before=%v after=%v", j.UpdatedAt, updated.UpdatedAt)
	}
}

func TestFileStoreUpdateUnknownID(t *testing.T) {
	fs := mustStore(t)
	status := job.StatusFailed
	_, err := fs.UpdateJob(context.Background(), "nope", Patch{Status: &status})
	if err == nil {
		t.Fatalf("expected error for unknown id")
	}
}

func TestFileStoreDelete(t *testing.T) {
	fs := mustStore(t)
	ctx := context.Background()
	j := job.New(common.HexToAddress("0x4"), "t", time.Now(), time.Now(), 3, "")
	if err := fs.SaveJob(ctx, j); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	if err := fs.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	jobs, _ := fs.LoadJobs(ctx)
	if len(jobs) != 0 {
		t.Fatalf("expected empty store after delete, got %+v", jobs)
	}
}

func TestFileStoreCleanupRemovesOldTerminalJobs(t *testing.T) {
	fs := mustStore(t)
	ctx := context.Background()

	old := job.New(common.HexToAddress("0x5"), "t", time.Now(), time.Now(), 3, "")
	old.Status = job.StatusCompleted
	old.UpdatedAt = time.Now().Add(-8 * 24 * time.Hour)
	if err := fs.SaveJob(ctx, old); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	fresh := job.New(common.HexToAddress("0x6"), "t", time.Now(), time.Now(), 3, "")
	fresh.Status = job.StatusCompleted
	if err := fs.SaveJob(ctx, fresh); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	removed, err := fs.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	jobs, _ := fs.LoadJobs(ctx)
	if len(jobs) != 1 || jobs[0].ID != fresh.ID {
		t.Fatalf("expected only the fresh job to survive, got %+v", jobs)
	}
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs1, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	j := job.New(common.HexToAddress("0x7"), "t", time.Now(), time.Now(), 3, "")
	if err := fs1.SaveJob(ctx, j); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	fs2, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore (reopen): %v", err)
	}
	jobs, err := fs2.LoadJobs(ctx)
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != j.ID {
		t.Fatalf("expected job to survive reopen, got %+v", jobs)
	}
}
