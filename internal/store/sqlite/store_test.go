package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"agentlink/internal/domain"
)

func TestSnapshotBlobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if _, err := store.Get(ctx, "coordinator"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Put(ctx, "coordinator", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "coordinator", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := store.Get(ctx, "coordinator")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"v":2}` {
		t.Fatalf("unexpected value %s", got)
	}

	if err := store.Put(ctx, "endpoint/planner", []byte("a")); err != nil {
		t.Fatalf("put endpoint: %v", err)
	}
	if err := store.Put(ctx, "endpoint/worker-1", []byte("b")); err != nil {
		t.Fatalf("put endpoint: %v", err)
	}
	if err := store.Put(ctx, "endpoint_x", []byte("c")); err != nil {
		t.Fatalf("put lookalike: %v", err)
	}
	keys, err := store.Keys(ctx, "endpoint/")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "endpoint/planner" || keys[1] != "endpoint/worker-1" {
		t.Fatalf("unexpected keys %v", keys)
	}

	if err := store.Delete(ctx, "coordinator"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "coordinator"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDecisionLog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	entries := []domain.DecisionLog{
		{TaskID: "t-1", Actor: "planner", Action: "task_created", Reason: "created"},
		{TaskID: "t-1", Actor: "planner", Action: "task_assigned", Reason: "worker-1", Payload: []byte(`{"worker":"worker-1"}`)},
		{TaskID: "t-2", Actor: "planner", Action: "task_created", Reason: "created"},
	}
	for _, entry := range entries {
		if err := store.LogDecision(ctx, entry); err != nil {
			t.Fatalf("log decision: %v", err)
		}
	}

	got, err := store.ListTaskDecisions(ctx, "t-1", 10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(got))
	}
	if got[0].Action != "task_created" || got[1].Action != "task_assigned" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if string(got[0].Payload) != "{}" {
		t.Fatalf("expected empty payload default, got %s", got[0].Payload)
	}
	if got[1].CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
