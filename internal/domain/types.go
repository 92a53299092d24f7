package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

type TaskMetadata struct {
	RetryCount     int      `json:"retry_count"`
	MaxRetries     int      `json:"max_retries"`
	Critical       bool     `json:"critical"`
	Attempt        int      `json:"attempt"`
	LastError      string   `json:"last_error,omitempty"`
	FailedSubtasks []string `json:"failed_subtasks,omitempty"`
	Progress       float64  `json:"progress"`
	Category       string   `json:"category,omitempty"`
	Constraints    []string `json:"constraints,omitempty"`
}

type Task struct {
	ID           string          `json:"id"`
	Description  string          `json:"description"`
	Priority     Priority        `json:"priority"`
	Deadline     *time.Time      `json:"deadline,omitempty"`
	ParentID     string          `json:"parent_id,omitempty"`
	Status       TaskStatus      `json:"status"`
	Subtasks     []string        `json:"subtasks,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	AssignedTo   string          `json:"assigned_to,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Metadata     TaskMetadata    `json:"metadata"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (t Task) Clone() Task {
	out := t
	out.Subtasks = append([]string(nil), t.Subtasks...)
	out.Dependencies = append([]string(nil), t.Dependencies...)
	out.Metadata.FailedSubtasks = append([]string(nil), t.Metadata.FailedSubtasks...)
	out.Metadata.Constraints = append([]string(nil), t.Metadata.Constraints...)
	if t.Result != nil {
		out.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Deadline != nil {
		d := *t.Deadline
		out.Deadline = &d
	}
	return out
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
