package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentlink/internal/domain"
	"agentlink/internal/messaging"
)

func (c *Coordinator) registerHandlers() {
	c.ep.RegisterHandler(domain.PayloadTaskAccepted, c.handleAccepted)
	c.ep.RegisterHandler(domain.PayloadTaskProgress, c.handleProgress)
	c.ep.RegisterHandler(domain.PayloadTaskCompleted, c.handleReport)
	c.ep.RegisterHandler(domain.PayloadTaskFailed, c.handleReport)
	c.ep.RegisterHandler(domain.PayloadTaskCancelResponse, c.handleCancelResponse)
	c.ep.RegisterHandler(domain.PayloadStatusRequest, c.handleStatusRequest)
	c.ep.RegisterHandler(domain.PayloadCreateTask, c.handleCreateTask)
	c.ep.RegisterHandler(domain.PayloadRequestPlan, c.handleRequestPlan)
}

func (c *Coordinator) handleAccepted(ctx context.Context, env domain.Envelope) error {
	p, err := messaging.DecodePayload[domain.TaskAcceptedPayload](env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	task, ok := c.tasks[p.TaskID]
	started := ok && task.Status == domain.TaskStatusAssigned &&
		(p.Attempt == 0 || p.Attempt == task.Metadata.Attempt)
	if started {
		task.Status = domain.TaskStatusRunning
		task.UpdatedAt = time.Now().UTC()
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("accepted %s: %w", p.TaskID, ErrTaskNotFound)
	}
	if started {
		c.journal(ctx, p.TaskID, "task_started", "accepted by "+env.Origin.ID, map[string]any{"attempt": p.Attempt})
	}
	return nil
}

func (c *Coordinator) handleProgress(_ context.Context, env domain.Envelope) error {
	p, err := messaging.DecodePayload[domain.TaskProgressPayload](env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[p.TaskID]
	if !ok || task.Status.IsTerminal() || (p.Attempt != 0 && p.Attempt != task.Metadata.Attempt) {
		return nil
	}
	task.Metadata.Progress = min(max(p.Progress, 0), 1)
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (c *Coordinator) handleReport(ctx context.Context, env domain.Envelope) error {
	p, err := messaging.DecodePayload[domain.TaskReportPayload](env)
	if err != nil {
		return err
	}
	workerID := p.ExecutorID
	if workerID == "" {
		workerID = env.Origin.ID
	}
	return c.OnWorkerReport(ctx, Report{
		TaskID:   p.TaskID,
		Attempt:  p.Attempt,
		WorkerID: workerID,
		Success:  p.Type == domain.PayloadTaskCompleted,
		Result:   p.Result,
		Error:    p.Error,
	})
}

func (c *Coordinator) handleCancelResponse(_ context.Context, env domain.Envelope) error {
	p, err := messaging.DecodePayload[domain.TaskCancelResponsePayload](env)
	if err != nil {
		return err
	}
	c.logger.Info("cancel acknowledged", "task_id", p.TaskID, "worker_id", env.Origin.ID, "cancelled", p.Cancelled, "reason", p.Reason)
	return nil
}

func (c *Coordinator) handleStatusRequest(_ context.Context, env domain.Envelope) error {
	p, err := messaging.DecodePayload[domain.StatusRequestPayload](env)
	if err != nil {
		return err
	}
	var body any
	if p.TaskID == "" {
		body = c.Summary()
	} else if view, err := c.Status(p.TaskID); err != nil {
		body = map[string]string{"task_id": p.TaskID, "status": "unknown", "error": err.Error()}
	} else {
		body = view
	}
	_, err = c.ep.Send(env.Origin.ID, domain.StatusResponsePayload{
		Type:   domain.PayloadStatusResponse,
		Status: mustJSON(body),
	}, domain.QoSAcknowledged, domain.PriorityMedium, nil)
	return err
}

func (c *Coordinator) handleCreateTask(ctx context.Context, env domain.Envelope) error {
	p, err := messaging.DecodePayload[domain.CreateTaskPayload](env)
	if err != nil {
		return err
	}
	task, err := c.CreateTask(ctx, CreateTaskInput{
		Description: p.Description,
		Priority:    p.Priority,
		Deadline:    p.Deadline,
		MaxRetries:  p.MaxRetries,
		Critical:    p.Critical,
		Constraints: p.Constraints,
	})
	if err != nil {
		return err
	}

	reply := domain.TaskCreatedPayload{Type: domain.PayloadTaskCreated, TaskID: task.ID}
	if p.Decompose {
		subtasks, err := c.Decompose(ctx, task.ID, DecomposeOptions{})
		if err != nil {
			c.abandon(ctx, task.ID, err)
			return err
		}
		for _, s := range subtasks {
			reply.Subtasks = append(reply.Subtasks, s.ID)
		}
	}
	if err := c.Schedule(ctx, task.ID); err != nil && !errors.Is(err, ErrNoWorkers) {
		c.logger.Warn("schedule after create", "task_id", task.ID, "error", err)
	}
	_, err = c.ep.Send(env.Origin.ID, reply, domain.QoSAcknowledged, task.Priority, nil)
	return err
}

// handleRequestPlan registers the goal as a high-priority main task,
// decomposes it and replies with the plan. The plan is not scheduled.
func (c *Coordinator) handleRequestPlan(ctx context.Context, env domain.Envelope) error {
	p, err := messaging.DecodePayload[domain.RequestPlanPayload](env)
	if err != nil {
		return err
	}
	reply := domain.PlanResponsePayload{Type: domain.PayloadPlanResponse, Goal: p.Goal, Subtasks: []string{}}
	task, err := c.CreateTask(ctx, CreateTaskInput{
		Description: p.Goal,
		Priority:    domain.PriorityHigh,
		Deadline:    p.Deadline,
		Constraints: p.Constraints,
	})
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.TaskID = task.ID
		subtasks, err := c.Decompose(ctx, task.ID, DecomposeOptions{})
		if err != nil {
			reply.Error = err.Error()
			c.abandon(ctx, task.ID, err)
		}
		for _, s := range subtasks {
			reply.Subtasks = append(reply.Subtasks, s.Description)
			reply.SubtaskIDs = append(reply.SubtaskIDs, s.ID)
		}
	}
	_, err = c.ep.Send(env.Origin.ID, reply, domain.QoSAcknowledged, domain.PriorityMedium, nil)
	return err
}

// abandon cancels a task whose decomposition failed so it does not linger
// as pending work.
func (c *Coordinator) abandon(ctx context.Context, taskID string, cause error) {
	if err := c.Cancel(ctx, taskID, "decomposition failed: "+cause.Error()); err != nil {
		c.logger.Warn("cancel undecomposed task", "task_id", taskID, "error", err)
	}
}
