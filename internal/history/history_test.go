package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	dock := 520

	runs := []Run{
		{ID: "a", Mission: "patrol", Status: "SUCCESS", DockID: &dock, StartedAt: base, FinishedAt: base.Add(2 * time.Minute)},
		{ID: "b", Mission: "inspect", Status: "FAILURE", StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour + time.Minute), Error: "navigation failed"},
		{ID: "c", Mission: "patrol", Status: "FAILED_ON_QUESTION", StartedAt: base.Add(2 * time.Hour), FinishedAt: base.Add(2*time.Hour + time.Second)},
	}
	for _, run := range runs {
		if err := store.Record(ctx, run); err != nil {
			t.Fatalf("record %s: %v", run.ID, err)
		}
	}

	recent, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
		t.Fatalf("expected newest first, got %+v", recent)
	}
	if recent[1].Error != "navigation failed" || recent[1].DockID != nil {
		t.Fatalf("unexpected run b: %+v", recent[1])
	}

	got, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DockID == nil || *got.DockID != 520 {
		t.Fatalf("expected dock id 520, got %+v", got.DockID)
	}
	if !got.StartedAt.Equal(base) || got.Duration() != 2*time.Minute {
		t.Fatalf("unexpected times: %+v", got)
	}
}

func TestRecordReplaces(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.Record(ctx, Run{ID: "a", Mission: "patrol", Status: "RUNNING", StartedAt: now, FinishedAt: now}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.Record(ctx, Run{ID: "a", Mission: "patrol", Status: "SUCCESS", StartedAt: now, FinishedAt: now.Add(time.Second)}); err != nil {
		t.Fatalf("record: %v", err)
	}
	recent, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Status != "SUCCESS" {
		t.Fatalf("expected single updated run, got %+v", recent)
	}
}

func TestGetUnknown(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Record(context.Background(), Run{}); err == nil {
		t.Fatalf("expected error for run without id")
	}
}
