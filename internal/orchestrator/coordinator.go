package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentlink/internal/domain"
	"agentlink/internal/messaging/endpoint"
	"agentlink/internal/planner"
)

const coordinatorActor = "coordinator"

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskTerminal       = errors.New("task is in a terminal state")
	ErrNoWorkers          = errors.New("no workers available")
	ErrAlreadyDecomposed  = errors.New("task already has subtasks")
	ErrInvalidDescription = errors.New("task description is empty")
	ErrInvalidPriority    = errors.New("unknown task priority")
	ErrAlreadyDispatched  = errors.New("task is already with a worker")
)

// NoRetries as Config.DefaultMaxRetries gives new tasks no retries.
const NoRetries = -1

// Messenger is the slice of the communication endpoint the coordinator uses.
type Messenger interface {
	ID() string
	Send(destination string, payload any, qos domain.QoS, priority domain.Priority, metadata map[string]string) (string, error)
	RegisterHandler(payloadType string, h endpoint.Handler)
}

type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Config struct {
	DefaultMaxRetries int
	Workers           []string
	WatchdogInterval  time.Duration
	SnapshotInterval  time.Duration
	SnapshotKey       string
}

func (c Config) withDefaults() Config {
	switch {
	case c.DefaultMaxRetries < 0:
		c.DefaultMaxRetries = 0
	case c.DefaultMaxRetries == 0:
		c.DefaultMaxRetries = 2
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = time.Second
	}
	if c.SnapshotKey == "" {
		c.SnapshotKey = "coordinator/tasks"
	}
	return c
}

// Coordinator owns the task table. It breaks goals into subtasks, hands
// them to workers over the endpoint and reconciles their reports.
type Coordinator struct {
	ep         Messenger
	decomposer planner.Decomposer
	store      Store
	cfg        Config
	logger     *slog.Logger
	workers    *planner.RoundRobin

	mu    sync.RWMutex
	tasks map[string]*domain.Task
	order []string

	wg sync.WaitGroup
}

func New(ep Messenger, decomposer planner.Decomposer, store Store, cfg Config, logger *slog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if decomposer == nil {
		decomposer = planner.RuleDecomposer{}
	}
	c := &Coordinator{
		ep:         ep,
		decomposer: decomposer,
		store:      store,
		cfg:        cfg,
		logger:     logger.With("component", "coordinator", "agent_id", ep.ID()),
		workers:    planner.NewRoundRobin(cfg.Workers),
		tasks:      make(map[string]*domain.Task),
	}
	c.registerHandlers()
	return c
}

func (c *Coordinator) ID() string {
	return c.ep.ID()
}

func (c *Coordinator) AddWorker(workerID string) {
	c.workers.Add(workerID)
}

func (c *Coordinator) RemoveWorker(workerID string) {
	c.workers.Remove(workerID)
}

func (c *Coordinator) Workers() []string {
	return c.workers.Workers()
}

// Start runs the deadline watchdog and, when a store is configured, the
// periodic snapshot loop. Both stop with ctx.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchdogLoop(ctx)
	}()
	if c.store != nil && c.cfg.SnapshotInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.snapshotLoop(ctx)
		}()
	}
}

func (c *Coordinator) Wait() {
	c.wg.Wait()
}

type CreateTaskInput struct {
	ID           string
	Description  string
	Priority     domain.Priority
	Deadline     *time.Time
	ParentID     string
	MaxRetries   *int
	Critical     bool
	Dependencies []string
	Constraints  []string
}

func (c *Coordinator) CreateTask(ctx context.Context, in CreateTaskInput) (domain.Task, error) {
	task, err := c.createTask(in)
	if err != nil {
		return domain.Task{}, err
	}
	c.journal(ctx, task.ID, "task_created", "task registered", task)
	return task, nil
}

func (c *Coordinator) createTask(in CreateTaskInput) (domain.Task, error) {
	in.Description = strings.TrimSpace(in.Description)
	if in.Description == "" {
		return domain.Task{}, ErrInvalidDescription
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !in.Priority.Valid() {
		return domain.Task{}, fmt.Errorf("%w: %q", ErrInvalidPriority, in.Priority)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	maxRetries := c.cfg.DefaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = max(*in.MaxRetries, 0)
	}

	now := time.Now().UTC()
	task := &domain.Task{
		ID:           in.ID,
		Description:  in.Description,
		Priority:     in.Priority,
		Deadline:     in.Deadline,
		ParentID:     in.ParentID,
		Status:       domain.TaskStatusPending,
		Dependencies: append([]string(nil), in.Dependencies...),
		Metadata: domain.TaskMetadata{
			MaxRetries:  maxRetries,
			Critical:    in.Critical,
			Constraints: append([]string(nil), in.Constraints...),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tasks[task.ID]; exists {
		return domain.Task{}, fmt.Errorf("task %s already exists", task.ID)
	}
	for _, dep := range task.Dependencies {
		if _, ok := c.tasks[dep]; !ok {
			return domain.Task{}, fmt.Errorf("dependency %s: %w", dep, ErrTaskNotFound)
		}
	}
	if task.ParentID != "" {
		parent, ok := c.tasks[task.ParentID]
		if !ok {
			return domain.Task{}, fmt.Errorf("parent %s: %w", task.ParentID, ErrTaskNotFound)
		}
		if parent.Status.IsTerminal() {
			return domain.Task{}, fmt.Errorf("parent %s: %w", parent.ID, ErrTaskTerminal)
		}
		parent.Subtasks = append(parent.Subtasks, task.ID)
		parent.UpdatedAt = now
	}
	c.tasks[task.ID] = task
	c.order = append(c.order, task.ID)
	return task.Clone(), nil
}

type DecomposeOptions struct {
	Constraints []string
	// Critical marks every produced subtask critical.
	Critical bool
	// Sequential chains each subtask on the one before it.
	Sequential bool
}

// Decompose asks the decomposer for subtask descriptions and registers them
// as children of taskID.
func (c *Coordinator) Decompose(ctx context.Context, taskID string, opts DecomposeOptions) ([]domain.Task, error) {
	c.mu.RLock()
	parent, ok := c.tasks[taskID]
	var goal string
	var terminal, decomposed bool
	var priority domain.Priority
	var deadline *time.Time
	var constraints []string
	if ok {
		goal = parent.Description
		terminal = parent.Status.IsTerminal()
		decomposed = len(parent.Subtasks) > 0
		priority = parent.Priority
		deadline = parent.Deadline
		constraints = append(append([]string(nil), parent.Metadata.Constraints...), opts.Constraints...)
	}
	c.mu.RUnlock()

	switch {
	case !ok:
		return nil, fmt.Errorf("decompose %s: %w", taskID, ErrTaskNotFound)
	case terminal:
		return nil, fmt.Errorf("decompose %s: %w", taskID, ErrTaskTerminal)
	case decomposed:
		return nil, fmt.Errorf("decompose %s: %w", taskID, ErrAlreadyDecomposed)
	}

	steps, err := c.decomposer.Decompose(ctx, goal, constraints)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("decompose %s: %w", taskID, planner.ErrNoSubtasks)
	}

	category := planner.Categorize(goal)
	subtasks := make([]domain.Task, 0, len(steps))
	var previous string
	for _, step := range steps {
		in := CreateTaskInput{
			Description: step,
			Priority:    priority,
			Deadline:    deadline,
			ParentID:    taskID,
			Critical:    opts.Critical,
			Constraints: constraints,
		}
		if opts.Sequential && previous != "" {
			in.Dependencies = []string{previous}
		}
		sub, err := c.createTask(in)
		if err != nil {
			return subtasks, fmt.Errorf("register subtask %q: %w", step, err)
		}
		c.mu.Lock()
		c.tasks[sub.ID].Metadata.Category = category
		c.mu.Unlock()
		sub.Metadata.Category = category
		previous = sub.ID
		subtasks = append(subtasks, sub)
	}

	c.mu.Lock()
	if p, ok := c.tasks[taskID]; ok {
		p.Metadata.Category = category
	}
	c.mu.Unlock()

	ids := make([]string, 0, len(subtasks))
	for _, s := range subtasks {
		ids = append(ids, s.ID)
	}
	c.journal(ctx, taskID, "task_decomposed", fmt.Sprintf("%d subtasks (%s)", len(ids), category), map[string]any{
		"subtasks":   ids,
		"sequential": opts.Sequential,
		"critical":   opts.Critical,
	})
	return subtasks, nil
}

// Schedule dispatches taskID. A pending leaf task is assigned to the next
// worker; a leaf already with a worker yields ErrAlreadyDispatched. A parent
// has every ready subtask assigned and is itself marked running.
func (c *Coordinator) Schedule(ctx context.Context, taskID string) error {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("schedule %s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status.IsTerminal() {
		c.mu.Unlock()
		return fmt.Errorf("schedule %s: %w", taskID, ErrTaskTerminal)
	}
	if len(task.Subtasks) == 0 {
		if task.Status != domain.TaskStatusPending || task.AssignedTo != "" {
			c.mu.Unlock()
			return fmt.Errorf("schedule %s: %w", taskID, ErrAlreadyDispatched)
		}
		workerID, ok := c.workers.Next()
		if !ok {
			c.mu.Unlock()
			return ErrNoWorkers
		}
		task.AssignedTo = workerID
		c.mu.Unlock()
		return c.Assign(ctx, taskID, workerID)
	}
	if task.Status == domain.TaskStatusPending {
		task.Status = domain.TaskStatusRunning
		task.UpdatedAt = time.Now().UTC()
	}
	c.mu.Unlock()

	if len(c.workers.Workers()) == 0 {
		return ErrNoWorkers
	}
	return c.scheduleReady(ctx, taskID)
}

// scheduleReady assigns every pending, unassigned child of parentID whose
// dependencies have all completed. Children are reserved for their worker
// under the lock so concurrent passes never dispatch one twice.
func (c *Coordinator) scheduleReady(ctx context.Context, parentID string) error {
	var ready []assignment
	c.mu.Lock()
	parent, ok := c.tasks[parentID]
	if !ok || parent.Status != domain.TaskStatusRunning {
		c.mu.Unlock()
		return nil
	}
	for _, id := range parent.Subtasks {
		sub, ok := c.tasks[id]
		if !ok || sub.Status != domain.TaskStatusPending || sub.AssignedTo != "" {
			continue
		}
		if !c.dependenciesMetLocked(sub) {
			continue
		}
		if len(sub.Subtasks) > 0 {
			ready = append(ready, assignment{taskID: id})
			continue
		}
		workerID, ok := c.workers.Next()
		if !ok {
			c.mu.Unlock()
			return ErrNoWorkers
		}
		sub.AssignedTo = workerID
		ready = append(ready, assignment{taskID: id, workerID: workerID})
	}
	c.mu.Unlock()

	var errs []error
	for _, a := range ready {
		var err error
		if a.workerID == "" {
			err = c.Schedule(ctx, a.taskID)
		} else {
			err = c.Assign(ctx, a.taskID, a.workerID)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) dependenciesMetLocked(task *domain.Task) bool {
	for _, dep := range task.Dependencies {
		d, ok := c.tasks[dep]
		if !ok || d.Status != domain.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// Assign hands taskID to workerID with a QoS 2 task_assignment whose
// priority mirrors the task's own.
func (c *Coordinator) Assign(ctx context.Context, taskID, workerID string) error {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("assign %s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status.IsTerminal() {
		c.mu.Unlock()
		return fmt.Errorf("assign %s: %w", taskID, ErrTaskTerminal)
	}
	task.AssignedTo = workerID
	task.Status = domain.TaskStatusAssigned
	task.Metadata.Attempt++
	task.Metadata.Progress = 0
	task.UpdatedAt = time.Now().UTC()
	snapshot := task.Clone()
	c.mu.Unlock()

	payload := domain.TaskAssignmentPayload{
		Type:         domain.PayloadTaskAssignment,
		Task:         snapshot,
		Instructions: planner.Instructions(snapshot),
	}
	if _, err := c.ep.Send(workerID, payload, domain.QoSAcknowledged, snapshot.Priority, nil); err != nil {
		c.mu.Lock()
		if t, ok := c.tasks[taskID]; ok && t.Metadata.Attempt == snapshot.Metadata.Attempt && !t.Status.IsTerminal() {
			t.AssignedTo = ""
			t.Status = domain.TaskStatusPending
		}
		c.mu.Unlock()
		return fmt.Errorf("assign %s to %s: %w", taskID, workerID, err)
	}

	c.logger.Info("task assigned", "task_id", taskID, "worker_id", workerID, "attempt", snapshot.Metadata.Attempt)
	c.journal(ctx, taskID, "task_assigned", "assigned to "+workerID, map[string]any{
		"worker_id": workerID,
		"attempt":   snapshot.Metadata.Attempt,
	})
	return nil
}

// Cancel moves taskID and every non-terminal descendant to cancelled and
// tells the assigned workers to stop.
func (c *Coordinator) Cancel(ctx context.Context, taskID, reason string) error {
	if reason == "" {
		reason = "cancelled by request"
	}
	var fx effects
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status.IsTerminal() {
		c.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", taskID, ErrTaskTerminal)
	}
	c.cancelTreeLocked(task, reason, &fx)
	if task.ParentID != "" {
		c.evaluateParentLocked(task.ParentID, &fx)
	}
	c.mu.Unlock()

	c.apply(ctx, &fx)
	return nil
}

// cancelTreeLocked marks task cancelled before descending so that parent
// evaluation triggered by a child sees the parent as already terminal.
func (c *Coordinator) cancelTreeLocked(task *domain.Task, reason string, fx *effects) {
	if task.Status.IsTerminal() {
		return
	}
	if task.AssignedTo != "" && (task.Status == domain.TaskStatusAssigned || task.Status == domain.TaskStatusRunning) {
		fx.cancel = append(fx.cancel, cancelNotice{taskID: task.ID, workerID: task.AssignedTo, reason: reason})
	}
	task.Status = domain.TaskStatusCancelled
	task.Metadata.LastError = reason
	task.UpdatedAt = time.Now().UTC()
	fx.decide(task.ID, "task_cancelled", reason, nil)

	for _, id := range task.Subtasks {
		if sub, ok := c.tasks[id]; ok {
			c.cancelTreeLocked(sub, reason, fx)
		}
	}
	c.cancelDependentsLocked(task.ID, fx)
}

type assignment struct {
	taskID   string
	workerID string
}

type cancelNotice struct {
	taskID   string
	workerID string
	reason   string
}

// effects collects the sends and journal writes decided under the lock so
// they run after it is released.
type effects struct {
	assign    []assignment
	cancel    []cancelNotice
	schedule  []string
	decisions []domain.DecisionLog
}

func (fx *effects) decide(taskID, action, reason string, payload any) {
	fx.decisions = append(fx.decisions, domain.DecisionLog{
		TaskID:  taskID,
		Actor:   coordinatorActor,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(payload),
	})
}

func (c *Coordinator) apply(ctx context.Context, fx *effects) {
	for _, d := range fx.decisions {
		c.logDecision(ctx, d)
	}
	for _, n := range fx.cancel {
		payload := domain.CancelTaskPayload{Type: domain.PayloadCancelTask, TaskID: n.taskID, Reason: n.reason}
		if _, err := c.ep.Send(n.workerID, payload, domain.QoSAcknowledged, domain.PriorityHigh, nil); err != nil {
			c.logger.Warn("cancel notice not sent", "task_id", n.taskID, "worker_id", n.workerID, "error", err)
		}
	}
	for _, a := range fx.assign {
		workerID := a.workerID
		if workerID == "" {
			next, ok := c.workers.Next()
			if !ok {
				c.logger.Warn("retry has no worker", "task_id", a.taskID)
				continue
			}
			workerID = next
		}
		if err := c.Assign(ctx, a.taskID, workerID); err != nil {
			c.logger.Warn("reassign failed", "task_id", a.taskID, "worker_id", workerID, "error", err)
		}
	}
	for _, parentID := range fx.schedule {
		if err := c.scheduleReady(ctx, parentID); err != nil {
			c.logger.Warn("schedule ready subtasks", "parent_id", parentID, "error", err)
		}
	}
}

func (c *Coordinator) journal(ctx context.Context, taskID, action, reason string, payload any) {
	c.logDecision(ctx, domain.DecisionLog{
		TaskID:  taskID,
		Actor:   coordinatorActor,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(payload),
	})
}

func (c *Coordinator) logDecision(ctx context.Context, entry domain.DecisionLog) {
	if c.store == nil {
		return
	}
	if err := c.store.LogDecision(ctx, entry); err != nil {
		c.logger.Warn("decision not journaled", "task_id", entry.TaskID, "action", entry.Action, "error", err)
	}
}

func mustJSON(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func trimText(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
