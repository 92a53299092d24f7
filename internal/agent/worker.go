package agent

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"agentlink/internal/dedupe"
	"agentlink/internal/domain"
	"agentlink/internal/messaging"
	"agentlink/internal/messaging/endpoint"
)

var ErrQueueFull = errors.New("worker queue is full")

type Messenger interface {
	ID() string
	Send(destination string, payload any, qos domain.QoS, priority domain.Priority, metadata map[string]string) (string, error)
	RegisterHandler(payloadType string, h endpoint.Handler)
}

// ArtifactWriter persists a task's result next to its other artifacts. The
// fs.Gateway satisfies it.
type ArtifactWriter interface {
	WriteFile(ctx context.Context, taskID, relPath string, content []byte) (string, error)
}

type WorkerConfig struct {
	QueueSize         int
	HeartbeatInterval time.Duration
	// Strict keeps the capability list as given, without the generic
	// catch-all appended.
	Strict    bool
	Artifacts ArtifactWriter
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	return c
}

// Worker executes assigned tasks one at a time, highest priority first, and
// reports progress and outcome back to whoever assigned them.
type Worker struct {
	ep     Messenger
	caps   []Capability
	cfg    WorkerConfig
	logger *slog.Logger

	mu        sync.Mutex
	queue     jobQueue
	current   *job
	seq       uint64
	completed int
	failed    int
	cancelled int

	seen *dedupe.Cache
	wake chan struct{}
	wg   sync.WaitGroup
}

type WorkerStatus struct {
	AgentID      string   `json:"agent_id"`
	Queued       int      `json:"queued"`
	Current      string   `json:"current,omitempty"`
	Completed    int      `json:"completed"`
	Failed       int      `json:"failed"`
	Cancelled    int      `json:"cancelled"`
	Capabilities []string `json:"capabilities"`
}

func NewWorker(ep Messenger, caps []Capability, cfg WorkerConfig, logger *slog.Logger) *Worker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if len(caps) == 0 {
		caps = []Capability{CodeCapability(), TestCapability(), DocCapability()}
	}
	caps = append([]Capability(nil), caps...)
	if !cfg.Strict {
		if last, ok := caps[len(caps)-1].(catchAll); !ok || !last.CatchAll() {
			caps = append(caps, GenericCapability())
		}
	}
	w := &Worker{
		ep:     ep,
		caps:   caps,
		cfg:    cfg,
		logger: logger.With("component", "worker", "agent_id", ep.ID()),
		seen:   dedupe.New(time.Hour, 4096),
		wake:   make(chan struct{}, 1),
	}
	ep.RegisterHandler(domain.PayloadTaskAssignment, w.handleAssignment)
	ep.RegisterHandler(domain.PayloadCancelTask, w.handleCancel)
	ep.RegisterHandler(domain.PayloadStatusRequest, w.handleStatusRequest)
	return w
}

func (w *Worker) ID() string {
	return w.ep.ID()
}

func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.seen.Close()
		w.run(ctx)
	}()
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := WorkerStatus{
		AgentID:   w.ep.ID(),
		Queued:    len(w.queue),
		Completed: w.completed,
		Failed:    w.failed,
		Cancelled: w.cancelled,
	}
	if w.current != nil {
		st.Current = w.current.task.ID
	}
	for _, c := range w.caps {
		st.Capabilities = append(st.Capabilities, c.Name())
	}
	return st
}

func (w *Worker) handleAssignment(_ context.Context, env domain.Envelope) error {
	p, err := messaging.DecodePayload[domain.TaskAssignmentPayload](env)
	if err != nil {
		return err
	}
	task := p.Task
	attempt := task.Metadata.Attempt
	key := task.ID + "#" + strconv.Itoa(attempt)
	if w.seen.Contains(key) {
		w.logger.Debug("duplicate assignment ignored", "task_id", task.ID, "attempt", attempt)
		return nil
	}

	w.mu.Lock()
	if i := w.queue.index(task.ID); i >= 0 {
		heap.Remove(&w.queue, i)
	}
	if w.current != nil && w.current.task.ID == task.ID && !w.current.cancelled {
		w.current.cancelled = true
		w.current.cancel()
	}
	if len(w.queue) >= w.cfg.QueueSize {
		w.mu.Unlock()
		w.report(&job{task: task, attempt: attempt, replyTo: env.Origin.ID}, nil, ErrQueueFull)
		return nil
	}
	w.seq++
	heap.Push(&w.queue, &job{task: task, attempt: attempt, replyTo: env.Origin.ID, seq: w.seq})
	w.mu.Unlock()
	w.seen.Seen(key)
	w.notify()

	w.logger.Info("task queued", "task_id", task.ID, "attempt", attempt, "priority", task.Priority)
	w.send(env.Origin.ID, domain.TaskAcceptedPayload{
		Type:       domain.PayloadTaskAccepted,
		TaskID:     task.ID,
		Attempt:    attempt,
		ExecutorID: w.ep.ID(),
	}, domain.QoSAcknowledged, domain.PriorityHigh)
	return nil
}

func (w *Worker) handleCancel(_ context.Context, env domain.Envelope) error {
	p, err := messaging.DecodePayload[domain.CancelTaskPayload](env)
	if err != nil {
		return err
	}
	cancelled := false
	w.mu.Lock()
	if i := w.queue.index(p.TaskID); i >= 0 {
		heap.Remove(&w.queue, i)
		w.cancelled++
		cancelled = true
	} else if w.current != nil && w.current.task.ID == p.TaskID && !w.current.cancelled {
		w.current.cancelled = true
		w.current.cancel()
		cancelled = true
	}
	w.mu.Unlock()

	reason := p.Reason
	if !cancelled {
		reason = "task is neither queued nor running"
	}
	w.logger.Info("cancel requested", "task_id", p.TaskID, "cancelled", cancelled)
	w.send(env.Origin.ID, domain.TaskCancelResponsePayload{
		Type:      domain.PayloadTaskCancelResponse,
		TaskID:    p.TaskID,
		Cancelled: cancelled,
		Reason:    reason,
	}, domain.QoSAcknowledged, domain.PriorityMedium)
	return nil
}

func (w *Worker) handleStatusRequest(_ context.Context, env domain.Envelope) error {
	status, err := json.Marshal(w.Status())
	if err != nil {
		return err
	}
	w.send(env.Origin.ID, domain.StatusResponsePayload{
		Type:   domain.PayloadStatusResponse,
		Status: status,
	}, domain.QoSAcknowledged, domain.PriorityMedium)
	return nil
}

func (w *Worker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	for {
		j, jobCtx := w.next(ctx)
		if j == nil {
			return
		}
		w.execute(ctx, jobCtx, j)
	}
}

func (w *Worker) next(ctx context.Context) (*job, context.Context) {
	for {
		w.mu.Lock()
		if len(w.queue) > 0 {
			j := heap.Pop(&w.queue).(*job)
			jobCtx, cancel := context.WithCancel(ctx)
			j.cancel = cancel
			w.current = j
			w.mu.Unlock()
			return j, jobCtx
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil
		case <-w.wake:
		}
	}
}

func (w *Worker) execute(ctx, jobCtx context.Context, j *job) {
	defer func() {
		w.mu.Lock()
		if w.current == j {
			w.current = nil
		}
		w.mu.Unlock()
		j.cancel()
	}()

	var progressMu sync.Mutex
	last := 0.0
	progress := func(fraction float64, message string) {
		fraction = min(max(fraction, 0), 1)
		progressMu.Lock()
		last = fraction
		progressMu.Unlock()
		w.progress(j, fraction, message)
	}
	progress(0, "started")

	capability := w.selectCapability(j.task)
	if capability == nil {
		w.report(j, nil, fmt.Errorf("%w: %q", ErrNoCapability, j.task.Description))
		return
	}

	stop := startProgressHeartbeat(jobCtx, w.cfg.HeartbeatInterval, func(elapsed time.Duration) {
		progressMu.Lock()
		current := last
		progressMu.Unlock()
		w.progress(j, current, "working for "+elapsed.Round(time.Second).String())
	})
	result, err := invoke(jobCtx, capability, j.task, progress)
	stop()

	w.mu.Lock()
	cancelled := j.cancelled
	if cancelled {
		w.cancelled++
	}
	w.mu.Unlock()
	if cancelled {
		w.logger.Info("task cancelled", "task_id", j.task.ID, "attempt", j.attempt)
		return
	}
	if ctx.Err() != nil {
		return
	}

	var data json.RawMessage
	if err == nil {
		data, err = w.encodeResult(ctx, j.task.ID, capability.Name(), result)
	}
	if err == nil {
		progress(1, "done")
	}
	w.report(j, data, err)
}

func invoke(ctx context.Context, c Capability, task domain.Task, progress Progress) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability %s panicked: %v", c.Name(), r)
		}
	}()
	return c.Execute(ctx, task, progress)
}

func (w *Worker) selectCapability(task domain.Task) Capability {
	for _, c := range w.caps {
		if c.CanExecute(task) {
			return c
		}
	}
	return nil
}

// encodeResult marshals a capability result, records the capability that
// produced it and, with an artifact writer configured, stores it on disk.
func (w *Worker) encodeResult(ctx context.Context, taskID, capability string, result any) (json.RawMessage, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	var fields map[string]any
	if json.Unmarshal(data, &fields) != nil || fields == nil {
		fields = map[string]any{"output": json.RawMessage(data)}
	}
	if _, ok := fields["capability"]; !ok {
		fields["capability"] = capability
	}
	if w.cfg.Artifacts != nil {
		path, err := w.cfg.Artifacts.WriteFile(ctx, taskID, "result.json", data)
		if err != nil {
			w.logger.Warn("artifact not written", "task_id", taskID, "error", err)
		} else {
			fields["artifact"] = path
		}
	}
	return json.Marshal(fields)
}

func (w *Worker) progress(j *job, fraction float64, message string) {
	w.send(j.replyTo, domain.TaskProgressPayload{
		Type:       domain.PayloadTaskProgress,
		TaskID:     j.task.ID,
		Attempt:    j.attempt,
		ExecutorID: w.ep.ID(),
		Progress:   fraction,
		Message:    message,
	}, domain.QoSFireAndForget, domain.PriorityLow)
}

func (w *Worker) report(j *job, result json.RawMessage, err error) {
	payload := domain.TaskReportPayload{
		Type:       domain.PayloadTaskCompleted,
		TaskID:     j.task.ID,
		Attempt:    j.attempt,
		ExecutorID: w.ep.ID(),
		Result:     result,
	}
	w.mu.Lock()
	if err != nil {
		payload.Type = domain.PayloadTaskFailed
		payload.Result = nil
		payload.Error = err.Error()
		w.failed++
	} else {
		w.completed++
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("task failed", "task_id", j.task.ID, "attempt", j.attempt, "error", err)
	} else {
		w.logger.Info("task completed", "task_id", j.task.ID, "attempt", j.attempt)
	}
	w.send(j.replyTo, payload, domain.QoSAcknowledged, domain.PriorityHigh)
}

func (w *Worker) send(destination string, payload any, qos domain.QoS, priority domain.Priority) {
	if _, err := w.ep.Send(destination, payload, qos, priority, nil); err != nil {
		w.logger.Warn("send failed", "destination", destination, "error", err)
	}
}

func startProgressHeartbeat(ctx context.Context, interval time.Duration, onTick func(elapsed time.Duration)) func() {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	stop := make(chan struct{})
	started := time.Now()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if onTick != nil {
					onTick(time.Since(started))
				}
			}
		}
	}()

	return func() {
		close(stop)
	}
}
