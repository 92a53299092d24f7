package fs

import (
	"context"
	"errors"
	"testing"

	"agentlink/internal/domain"
)

type testLogger struct {
	entries []domain.DecisionLog
}

func (l *testLogger) LogDecision(_ context.Context, entry domain.DecisionLog) error {
	l.entries = append(l.entries, entry)
	return nil
}

func TestWriteFileEscapingRootIsDenied(t *testing.T) {
	logger := &testLogger{}
	gw, err := NewGateway(t.TempDir(), "executor-1", logger)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	_, err = gw.WriteFile(context.Background(), "task-1", "../task-2/result.json", []byte("{}"))
	if !errors.Is(err, ErrPathEscapesRoot) {
		t.Fatalf("expected ErrPathEscapesRoot, got %v", err)
	}
	if len(logger.entries) == 0 || logger.entries[0].Action != "artifact_denied" {
		t.Fatalf("expected denied write to be journaled, got %+v", logger.entries)
	}
}

func TestWriteAndReadFile(t *testing.T) {
	logger := &testLogger{}
	gw, err := NewGateway(t.TempDir(), "executor-1", logger)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	ctx := context.Background()

	path, err := gw.WriteFile(ctx, "task-1", "./out/result.json", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if path != "task-1/out/result.json" {
		t.Fatalf("unexpected normalized path %q", path)
	}
	got, err := gw.ReadFile(ctx, "task-1", "out/result.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Fatalf("unexpected content %q", got)
	}
	if len(logger.entries) != 1 || logger.entries[0].Actor != "executor-1" {
		t.Fatalf("expected one journaled write, got %+v", logger.entries)
	}

	if _, err := gw.WriteFile(ctx, "../x", "a.txt", nil); err == nil {
		t.Fatalf("expected invalid task id to be rejected")
	}
}
