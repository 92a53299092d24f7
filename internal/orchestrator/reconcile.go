package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agentlink/internal/domain"
)

// Report is a worker's outcome for one execution attempt.
type Report struct {
	TaskID   string
	Attempt  int
	WorkerID string
	Success  bool
	Result   json.RawMessage
	Error    string
}

// OnWorkerReport applies a completion or failure report. Reports for
// terminal tasks and for superseded attempts are ignored.
func (c *Coordinator) OnWorkerReport(ctx context.Context, r Report) error {
	var fx effects
	c.mu.Lock()
	task, ok := c.tasks[r.TaskID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("report for %s: %w", r.TaskID, ErrTaskNotFound)
	}
	if task.Status.IsTerminal() {
		status := task.Status
		c.mu.Unlock()
		c.logger.Debug("report for terminal task ignored", "task_id", r.TaskID, "status", status, "worker_id", r.WorkerID)
		return nil
	}
	if r.Attempt > 0 && r.Attempt != task.Metadata.Attempt {
		current := task.Metadata.Attempt
		c.mu.Unlock()
		c.logger.Debug("stale report ignored", "task_id", r.TaskID, "attempt", r.Attempt, "current", current)
		return nil
	}

	task.UpdatedAt = time.Now().UTC()
	if r.Success {
		task.Status = domain.TaskStatusCompleted
		task.Result = r.Result
		task.Metadata.Progress = 1
		task.Metadata.LastError = ""
		fx.decide(task.ID, "task_completed", "reported by "+r.WorkerID, map[string]any{
			"worker_id": r.WorkerID,
			"attempt":   task.Metadata.Attempt,
		})
		c.logger.Info("task completed", "task_id", task.ID, "worker_id", r.WorkerID)
		c.settleLocked(task, &fx)
	} else {
		reason := r.Error
		if reason == "" {
			reason = "worker reported failure"
		}
		c.failLocked(task, reason, true, &fx)
	}
	c.mu.Unlock()

	c.apply(ctx, &fx)
	return nil
}

// failLocked records a failure. A leaf task with retries left goes back to
// pending under the same id and is reassigned to the worker that last held
// it; otherwise it becomes failed.
func (c *Coordinator) failLocked(task *domain.Task, reason string, retryable bool, fx *effects) {
	task.Metadata.LastError = reason
	task.UpdatedAt = time.Now().UTC()

	if retryable && len(task.Subtasks) == 0 && task.Metadata.RetryCount < task.Metadata.MaxRetries {
		task.Metadata.RetryCount++
		task.Status = domain.TaskStatusPending
		fx.assign = append(fx.assign, assignment{taskID: task.ID, workerID: task.AssignedTo})
		fx.decide(task.ID, "task_retry", trimText(reason, 200), map[string]any{
			"retry_count": task.Metadata.RetryCount,
			"max_retries": task.Metadata.MaxRetries,
		})
		c.logger.Warn("task failed, retrying", "task_id", task.ID,
			"retry_count", task.Metadata.RetryCount, "max_retries", task.Metadata.MaxRetries, "error", reason)
		return
	}

	task.Status = domain.TaskStatusFailed
	fx.decide(task.ID, "task_failed", trimText(reason, 200), map[string]any{
		"retry_count": task.Metadata.RetryCount,
		"critical":    task.Metadata.Critical,
	})
	c.logger.Error("task failed", "task_id", task.ID, "retry_count", task.Metadata.RetryCount, "error", reason)
	c.cancelUndispatchedLocked(task, fx)
	c.cancelDependentsLocked(task.ID, fx)
	c.settleLocked(task, fx)
}

// cancelUndispatchedLocked cancels the children of a failed parent that no
// worker holds. Children already out with a worker settle through their
// own reports.
func (c *Coordinator) cancelUndispatchedLocked(parent *domain.Task, fx *effects) {
	reason := fmt.Sprintf("parent %s failed", parent.ID)
	for _, id := range parent.Subtasks {
		sub, ok := c.tasks[id]
		if !ok || sub.Status != domain.TaskStatusPending || sub.AssignedTo != "" {
			continue
		}
		c.cancelTreeLocked(sub, reason, fx)
	}
}

// settleLocked propagates a terminal child into its parent.
func (c *Coordinator) settleLocked(task *domain.Task, fx *effects) {
	if task.ParentID != "" {
		c.evaluateParentLocked(task.ParentID, fx)
	}
}

type subtaskResult struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// evaluateParentLocked recomputes a parent from its children. A failed
// critical child fails the parent at once. The parent completes only when
// every child completed, and fails once every child is terminal without
// that being the case.
func (c *Coordinator) evaluateParentLocked(parentID string, fx *effects) {
	parent, ok := c.tasks[parentID]
	if !ok || parent.Status.IsTerminal() {
		return
	}

	allCompleted, allTerminal := true, true
	var done int
	var notCompleted []string
	var critical *domain.Task
	for _, id := range parent.Subtasks {
		sub, ok := c.tasks[id]
		if !ok {
			continue
		}
		switch sub.Status {
		case domain.TaskStatusCompleted:
			done++
		case domain.TaskStatusFailed, domain.TaskStatusCancelled:
			allCompleted = false
			notCompleted = append(notCompleted, id)
			if sub.Status == domain.TaskStatusFailed && sub.Metadata.Critical && critical == nil {
				critical = sub
			}
		default:
			allCompleted, allTerminal = false, false
		}
	}
	parent.Metadata.FailedSubtasks = notCompleted
	if len(parent.Subtasks) > 0 {
		parent.Metadata.Progress = float64(done) / float64(len(parent.Subtasks))
	}
	parent.UpdatedAt = time.Now().UTC()

	switch {
	case critical != nil:
		c.failLocked(parent, fmt.Sprintf("critical subtask %s failed: %s", critical.ID, trimText(critical.Metadata.LastError, 200)), false, fx)
	case allCompleted:
		results := make([]subtaskResult, 0, len(parent.Subtasks))
		for _, id := range parent.Subtasks {
			sub := c.tasks[id]
			results = append(results, subtaskResult{ID: sub.ID, Description: sub.Description, Result: sub.Result})
		}
		parent.Status = domain.TaskStatusCompleted
		parent.Result = mustJSON(map[string]any{"subtasks": results})
		parent.Metadata.LastError = ""
		fx.decide(parent.ID, "task_completed", "all subtasks completed", map[string]any{"subtasks": len(results)})
		c.logger.Info("task completed", "task_id", parent.ID, "subtasks", len(results))
		c.settleLocked(parent, fx)
	case allTerminal:
		c.failLocked(parent, fmt.Sprintf("%d of %d subtasks did not complete", len(notCompleted), len(parent.Subtasks)), false, fx)
	default:
		fx.schedule = append(fx.schedule, parent.ID)
	}
}

// cancelDependentsLocked cancels every non-terminal task that waits on id,
// since it can no longer become ready.
func (c *Coordinator) cancelDependentsLocked(id string, fx *effects) {
	for _, tid := range c.order {
		t := c.tasks[tid]
		if t == nil || t.Status.IsTerminal() || !contains(t.Dependencies, id) {
			continue
		}
		c.cancelTreeLocked(t, fmt.Sprintf("dependency %s did not complete", id), fx)
		c.settleLocked(t, fx)
	}
}

func (c *Coordinator) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.watchdogOnce(ctx)
		}
	}
}

// watchdogOnce fails tasks past their deadline and redispatches leaf tasks
// whose assignment never left the endpoint.
func (c *Coordinator) watchdogOnce(ctx context.Context) {
	var fx effects
	now := time.Now().UTC()

	c.mu.Lock()
	for _, id := range c.order {
		task := c.tasks[id]
		if task == nil || task.Status.IsTerminal() {
			continue
		}
		if task.Deadline != nil && now.After(*task.Deadline) {
			if task.AssignedTo != "" && (task.Status == domain.TaskStatusAssigned || task.Status == domain.TaskStatusRunning) {
				fx.cancel = append(fx.cancel, cancelNotice{taskID: task.ID, workerID: task.AssignedTo, reason: "deadline exceeded"})
			}
			c.failLocked(task, "deadline exceeded", false, &fx)
			continue
		}
		if c.orphanedLocked(task) {
			fx.assign = append(fx.assign, assignment{taskID: task.ID})
		}
	}
	c.mu.Unlock()

	c.apply(ctx, &fx)
}

func (c *Coordinator) orphanedLocked(task *domain.Task) bool {
	if task.Status != domain.TaskStatusPending || task.AssignedTo != "" ||
		task.Metadata.Attempt == 0 || len(task.Subtasks) > 0 {
		return false
	}
	if task.ParentID != "" {
		parent, ok := c.tasks[task.ParentID]
		if !ok || parent.Status != domain.TaskStatusRunning {
			return false
		}
	}
	return c.dependenciesMetLocked(task)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
