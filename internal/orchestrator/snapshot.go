package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentlink/internal/domain"
	"agentlink/internal/store/sqlite"
)

type tableSnapshot struct {
	Tasks   []domain.Task `json:"tasks"`
	SavedAt time.Time     `json:"saved_at"`
}

// Save writes the task table under the configured snapshot key.
func (c *Coordinator) Save(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.mu.RLock()
	snap := tableSnapshot{Tasks: make([]domain.Task, 0, len(c.order)), SavedAt: time.Now().UTC()}
	for _, id := range c.order {
		if task, ok := c.tasks[id]; ok {
			snap.Tasks = append(snap.Tasks, task.Clone())
		}
	}
	c.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode task snapshot: %w", err)
	}
	if err := c.store.Put(ctx, c.cfg.SnapshotKey, data); err != nil {
		return fmt.Errorf("save task snapshot: %w", err)
	}
	return nil
}

// Load replaces the task table with the saved snapshot and returns how many
// tasks it restored. Leaf tasks that were out with a worker go back to
// pending so the watchdog dispatches them again.
func (c *Coordinator) Load(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	data, err := c.store.Get(ctx, c.cfg.SnapshotKey)
	if errors.Is(err, sqlite.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load task snapshot: %w", err)
	}
	var snap tableSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("decode task snapshot: %w", err)
	}

	tasks := make(map[string]*domain.Task, len(snap.Tasks))
	order := make([]string, 0, len(snap.Tasks))
	for _, t := range snap.Tasks {
		task := t.Clone()
		if len(task.Subtasks) == 0 &&
			(task.Status == domain.TaskStatusAssigned || task.Status == domain.TaskStatusRunning) {
			task.Status = domain.TaskStatusPending
			task.AssignedTo = ""
			if task.Metadata.Attempt == 0 {
				task.Metadata.Attempt = 1
			}
		}
		tasks[task.ID] = &task
		order = append(order, task.ID)
	}

	c.mu.Lock()
	c.tasks = tasks
	c.order = order
	c.mu.Unlock()
	c.logger.Info("task snapshot restored", "tasks", len(order), "saved_at", snap.SavedAt)
	return len(order), nil
}

func (c *Coordinator) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := c.Save(context.WithoutCancel(ctx)); err != nil {
				c.logger.Warn("final snapshot failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := c.Save(ctx); err != nil {
				c.logger.Warn("snapshot failed", "error", err)
			}
		}
	}
}
