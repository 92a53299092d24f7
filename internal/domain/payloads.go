package domain

import (
	"encoding/json"
	"time"
)

// Payload type discriminators carried in the "type" field of every payload.
const (
	PayloadAck                = "ack"
	PayloadTaskAssignment     = "task_assignment"
	PayloadTaskAccepted       = "task_accepted"
	PayloadTaskProgress       = "task_progress"
	PayloadTaskCompleted      = "task_completed"
	PayloadTaskFailed         = "task_failed"
	PayloadCancelTask         = "cancel_task"
	PayloadTaskCancelResponse = "task_cancel_response"
	PayloadStatusRequest      = "status_request"
	PayloadStatusResponse     = "status_response"
	PayloadCreateTask         = "create_task"
	PayloadTaskCreated        = "task_created"
	PayloadRequestPlan        = "request_plan"
	PayloadPlanResponse       = "plan_response"
)

type AckPayload struct {
	Type       string `json:"type"`
	OriginalID string `json:"original_id"`
	Status     string `json:"status"`
}

type TaskAssignmentPayload struct {
	Type         string   `json:"type"`
	Task         Task     `json:"task"`
	Instructions []string `json:"instructions"`
}

type TaskAcceptedPayload struct {
	Type       string `json:"type"`
	TaskID     string `json:"task_id"`
	Attempt    int    `json:"attempt"`
	ExecutorID string `json:"executor_id"`
}

type TaskProgressPayload struct {
	Type       string  `json:"type"`
	TaskID     string  `json:"task_id"`
	Attempt    int     `json:"attempt"`
	ExecutorID string  `json:"executor_id"`
	Progress   float64 `json:"progress"`
	Message    string  `json:"message,omitempty"`
}

// TaskReportPayload carries both task_completed and task_failed outcomes.
type TaskReportPayload struct {
	Type       string          `json:"type"`
	TaskID     string          `json:"task_id"`
	Attempt    int             `json:"attempt"`
	ExecutorID string          `json:"executor_id"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type CancelTaskPayload struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

type TaskCancelResponsePayload struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
	Reason    string `json:"reason,omitempty"`
}

type StatusRequestPayload struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
}

type StatusResponsePayload struct {
	Type   string          `json:"type"`
	Status json.RawMessage `json:"status"`
}

type CreateTaskPayload struct {
	Type        string     `json:"type"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority,omitempty"`
	Critical    bool       `json:"critical,omitempty"`
	Decompose   bool       `json:"decompose,omitempty"`
	Constraints []string   `json:"constraints,omitempty"`
	MaxRetries  *int       `json:"max_retries,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

type TaskCreatedPayload struct {
	Type     string   `json:"type"`
	TaskID   string   `json:"task_id"`
	Subtasks []string `json:"subtasks,omitempty"`
}

type RequestPlanPayload struct {
	Type        string     `json:"type"`
	Goal        string     `json:"goal"`
	Constraints []string   `json:"constraints,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// PlanResponsePayload answers request_plan. TaskID names the registered
// main task; SubtaskIDs lines up with Subtasks.
type PlanResponsePayload struct {
	Type       string   `json:"type"`
	Goal       string   `json:"goal"`
	TaskID     string   `json:"task_id,omitempty"`
	Subtasks   []string `json:"subtasks"`
	SubtaskIDs []string `json:"subtask_ids,omitempty"`
	Error      string   `json:"error,omitempty"`
}
