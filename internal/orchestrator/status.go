package orchestrator

import (
	"fmt"

	"agentlink/internal/domain"
)

// TaskView is a task plus the derived fields callers need to tell a task
// that is still retrying from one that failed for good.
type TaskView struct {
	domain.Task
	Final         bool                         `json:"final"`
	Retrying      bool                         `json:"retrying"`
	SubtaskStatus map[string]domain.TaskStatus `json:"subtask_status,omitempty"`
}

type Summary struct {
	AgentID  string                    `json:"agent_id"`
	Total    int                       `json:"total"`
	ByStatus map[domain.TaskStatus]int `json:"by_status"`
	Workers  []string                  `json:"workers"`
}

func (c *Coordinator) Status(taskID string) (TaskView, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return TaskView{}, fmt.Errorf("status %s: %w", taskID, ErrTaskNotFound)
	}
	return c.viewLocked(task), nil
}

// Tasks lists every task in creation order.
func (c *Coordinator) Tasks() []TaskView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TaskView, 0, len(c.order))
	for _, id := range c.order {
		if task, ok := c.tasks[id]; ok {
			out = append(out, c.viewLocked(task))
		}
	}
	return out
}

func (c *Coordinator) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Summary{
		AgentID:  c.ep.ID(),
		Total:    len(c.tasks),
		ByStatus: make(map[domain.TaskStatus]int),
		Workers:  c.workers.Workers(),
	}
	for _, task := range c.tasks {
		s.ByStatus[task.Status]++
	}
	return s
}

func (c *Coordinator) viewLocked(task *domain.Task) TaskView {
	v := TaskView{
		Task:     task.Clone(),
		Final:    task.Status.IsTerminal(),
		Retrying: task.Status == domain.TaskStatusPending && task.Metadata.RetryCount > 0,
	}
	if len(task.Subtasks) > 0 {
		v.SubtaskStatus = make(map[string]domain.TaskStatus, len(task.Subtasks))
		for _, id := range task.Subtasks {
			if sub, ok := c.tasks[id]; ok {
				v.SubtaskStatus[id] = sub.Status
			}
		}
	}
	return v
}
