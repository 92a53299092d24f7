package agent

import (
	"context"
	"encoding/json"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentlink/internal/domain"
	"agentlink/internal/fs"
	"agentlink/internal/messaging"
	"agentlink/internal/messaging/endpoint"
)

type outbound struct {
	dest     string
	payload  any
	qos      domain.QoS
	priority domain.Priority
}

type fakeMessenger struct {
	id       string
	mu       sync.Mutex
	sent     []outbound
	handlers map[string]endpoint.Handler
}

func newFakeMessenger(id string) *fakeMessenger {
	return &fakeMessenger{id: id, handlers: make(map[string]endpoint.Handler)}
}

func (f *fakeMessenger) ID() string { return f.id }

func (f *fakeMessenger) Send(dest string, payload any, qos domain.QoS, priority domain.Priority, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, outbound{dest: dest, payload: payload, qos: qos, priority: priority})
	return "env", nil
}

func (f *fakeMessenger) RegisterHandler(payloadType string, h endpoint.Handler) {
	f.handlers[payloadType] = h
}

func (f *fakeMessenger) deliver(t *testing.T, payload any) {
	t.Helper()
	env, err := messaging.NewEnvelope(domain.Origin{Role: domain.RoleCoordinator, ID: "planner"}, f.id, payload,
		domain.QoSAcknowledged, domain.PriorityHigh)
	require.NoError(t, err)
	h, ok := f.handlers[messaging.PayloadType(env)]
	require.True(t, ok, "no handler for %s", messaging.PayloadType(env))
	require.NoError(t, h(context.Background(), env))
}

func (f *fakeMessenger) reports() []domain.TaskReportPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.TaskReportPayload
	for _, o := range f.sent {
		if r, ok := o.payload.(domain.TaskReportPayload); ok {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeMessenger) find(match func(outbound) bool) (outbound, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.sent {
		if match(o) {
			return o, true
		}
	}
	return outbound{}, false
}

func assign(id, desc string, priority domain.Priority, attempt int) domain.TaskAssignmentPayload {
	return domain.TaskAssignmentPayload{
		Type: domain.PayloadTaskAssignment,
		Task: domain.Task{
			ID:          id,
			Description: desc,
			Priority:    priority,
			Status:      domain.TaskStatusAssigned,
			Metadata:    domain.TaskMetadata{Attempt: attempt},
		},
	}
}

func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		w.Wait()
	})
}

func waitReports(t *testing.T, m *fakeMessenger, n int) []domain.TaskReportPayload {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.reports()) >= n }, 2*time.Second, 5*time.Millisecond)
	return m.reports()
}

func resultField(t *testing.T, r domain.TaskReportPayload, key string) any {
	t.Helper()
	var fields map[string]any
	require.NoError(t, json.Unmarshal(r.Result, &fields))
	return fields[key]
}

func TestWorkerRunsHighestPriorityFirst(t *testing.T) {
	m := newFakeMessenger("executor-1")
	w := NewWorker(m, nil, WorkerConfig{}, nil)

	m.deliver(t, assign("low", "write docs", domain.PriorityLow, 1))
	m.deliver(t, assign("crit", "fix outage", domain.PriorityCritical, 1))
	m.deliver(t, assign("high", "implement api", domain.PriorityHigh, 1))
	m.deliver(t, assign("med", "test api", domain.PriorityMedium, 1))
	startWorker(t, w)

	reports := waitReports(t, m, 4)
	var order []string
	for _, r := range reports {
		assert.Equal(t, domain.PayloadTaskCompleted, r.Type)
		order = append(order, r.TaskID)
	}
	assert.Equal(t, []string{"crit", "high", "med", "low"}, order)

	accepted, ok := m.find(func(o outbound) bool {
		p, ok := o.payload.(domain.TaskAcceptedPayload)
		return ok && p.TaskID == "crit"
	})
	require.True(t, ok)
	assert.Equal(t, "planner", accepted.dest)
	assert.Equal(t, domain.QoSAcknowledged, accepted.qos)
	assert.Equal(t, domain.PriorityHigh, accepted.priority)
}

func TestWorkerFallsBackToGenericCapability(t *testing.T) {
	m := newFakeMessenger("executor-1")
	w := NewWorker(m, []Capability{CodeCapability()}, WorkerConfig{}, nil)
	assert.Equal(t, []string{"code", "generic"}, w.Status().Capabilities)
	startWorker(t, w)

	m.deliver(t, assign("a", "Implement the parser", domain.PriorityMedium, 1))
	m.deliver(t, assign("b", "Summarize meeting notes", domain.PriorityMedium, 1))
	reports := waitReports(t, m, 2)

	byTask := map[string]domain.TaskReportPayload{}
	for _, r := range reports {
		byTask[r.TaskID] = r
	}
	assert.Equal(t, "code", resultField(t, byTask["a"], "capability"))
	assert.Equal(t, "generic", resultField(t, byTask["b"], "capability"))
}

func TestWorkerStrictReportsNoCapability(t *testing.T) {
	m := newFakeMessenger("executor-1")
	w := NewWorker(m, []Capability{DocCapability()}, WorkerConfig{Strict: true}, nil)
	startWorker(t, w)

	m.deliver(t, assign("a", "deploy cluster", domain.PriorityMedium, 1))
	r := waitReports(t, m, 1)[0]
	assert.Equal(t, domain.PayloadTaskFailed, r.Type)
	assert.Contains(t, r.Error, ErrNoCapability.Error())
	assert.Equal(t, 1, r.Attempt)
}

func TestWorkerRecoversCapabilityPanic(t *testing.T) {
	m := newFakeMessenger("executor-1")
	boom := &KeywordCapability{Label: "boom", Run: func(context.Context, domain.Task, Progress) (any, error) {
		panic("kaboom")
	}}
	w := NewWorker(m, []Capability{boom}, WorkerConfig{}, nil)
	startWorker(t, w)

	m.deliver(t, assign("a", "anything", domain.PriorityMedium, 1))
	m.deliver(t, assign("b", "anything else", domain.PriorityLow, 1))
	reports := waitReports(t, m, 2)
	for _, r := range reports {
		assert.Equal(t, domain.PayloadTaskFailed, r.Type)
		assert.Contains(t, r.Error, "kaboom")
	}
	assert.Equal(t, 2, w.Status().Failed)
}

func TestWorkerCancelsQueuedTask(t *testing.T) {
	m := newFakeMessenger("executor-1")
	w := NewWorker(m, nil, WorkerConfig{}, nil)

	m.deliver(t, assign("a", "implement a", domain.PriorityMedium, 1))
	m.deliver(t, domain.CancelTaskPayload{Type: domain.PayloadCancelTask, TaskID: "a", Reason: "no longer needed"})
	m.deliver(t, domain.CancelTaskPayload{Type: domain.PayloadCancelTask, TaskID: "ghost"})

	resp, ok := m.find(func(o outbound) bool {
		p, ok := o.payload.(domain.TaskCancelResponsePayload)
		return ok && p.TaskID == "a"
	})
	require.True(t, ok)
	assert.True(t, resp.payload.(domain.TaskCancelResponsePayload).Cancelled)

	ghost, ok := m.find(func(o outbound) bool {
		p, ok := o.payload.(domain.TaskCancelResponsePayload)
		return ok && p.TaskID == "ghost"
	})
	require.True(t, ok)
	assert.False(t, ghost.payload.(domain.TaskCancelResponsePayload).Cancelled)

	startWorker(t, w)
	m.deliver(t, assign("b", "implement b", domain.PriorityMedium, 1))
	reports := waitReports(t, m, 1)
	require.Len(t, reports, 1)
	assert.Equal(t, "b", reports[0].TaskID)
	assert.Equal(t, 1, w.Status().Cancelled)
}

func TestWorkerCancelsRunningTask(t *testing.T) {
	m := newFakeMessenger("executor-1")
	started := make(chan struct{})
	slow := &KeywordCapability{Label: "slow", Run: func(ctx context.Context, _ domain.Task, _ Progress) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	w := NewWorker(m, []Capability{slow}, WorkerConfig{}, nil)
	startWorker(t, w)

	m.deliver(t, assign("a", "long job", domain.PriorityMedium, 1))
	<-started
	m.deliver(t, domain.CancelTaskPayload{Type: domain.PayloadCancelTask, TaskID: "a"})

	require.Eventually(t, func() bool { return w.Status().Cancelled == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, m.reports())
}

func TestWorkerIgnoresDuplicateAssignment(t *testing.T) {
	m := newFakeMessenger("executor-1")
	w := NewWorker(m, nil, WorkerConfig{}, nil)

	m.deliver(t, assign("a", "implement a", domain.PriorityMedium, 1))
	m.deliver(t, assign("a", "implement a", domain.PriorityMedium, 1))
	assert.Equal(t, 1, w.Status().Queued)

	m.deliver(t, assign("a", "implement a", domain.PriorityMedium, 2))
	assert.Equal(t, 1, w.Status().Queued)

	startWorker(t, w)
	reports := waitReports(t, m, 1)
	assert.Equal(t, 2, reports[0].Attempt)
}

func TestWorkerRejectsWhenQueueFull(t *testing.T) {
	m := newFakeMessenger("executor-1")
	NewWorker(m, nil, WorkerConfig{QueueSize: 1}, nil)

	m.deliver(t, assign("a", "implement a", domain.PriorityMedium, 1))
	m.deliver(t, assign("b", "implement b", domain.PriorityMedium, 1))

	reports := m.reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "b", reports[0].TaskID)
	assert.Equal(t, domain.PayloadTaskFailed, reports[0].Type)
	assert.Equal(t, ErrQueueFull.Error(), reports[0].Error)
}

func TestWorkerWritesArtifacts(t *testing.T) {
	gw, err := fs.NewGateway(t.TempDir(), "executor-1", nil)
	require.NoError(t, err)
	m := newFakeMessenger("executor-1")
	w := NewWorker(m, nil, WorkerConfig{Artifacts: gw}, nil)
	startWorker(t, w)

	m.deliver(t, assign("task-9", "write docs", domain.PriorityMedium, 1))
	r := waitReports(t, m, 1)[0]
	assert.Equal(t, "task-9/result.json", resultField(t, r, "artifact"))

	data, err := gw.ReadFile(context.Background(), "task-9", "result.json")
	require.NoError(t, err)
	assert.Contains(t, string(data), "write docs")
}

func TestWorkerAnswersStatusRequest(t *testing.T) {
	m := newFakeMessenger("executor-1")
	NewWorker(m, nil, WorkerConfig{}, nil)
	m.deliver(t, domain.StatusRequestPayload{Type: domain.PayloadStatusRequest})

	resp, ok := m.find(func(o outbound) bool {
		_, ok := o.payload.(domain.StatusResponsePayload)
		return ok
	})
	require.True(t, ok)
	var st WorkerStatus
	require.NoError(t, json.Unmarshal(resp.payload.(domain.StatusResponsePayload).Status, &st))
	assert.Equal(t, "executor-1", st.AgentID)
}

func TestCommandCapability(t *testing.T) {
	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}
	c := &CommandCapability{Argv: []string{"echo"}, Keywords: []string{"shell"}}
	task := domain.Task{Description: "run shell step", Metadata: domain.TaskMetadata{Constraints: []string{"be quick"}}}
	require.True(t, c.CanExecute(task))
	assert.False(t, c.CanExecute(domain.Task{Description: "write docs"}))

	out, err := c.Execute(context.Background(), task, func(float64, string) {})
	require.NoError(t, err)
	fields := out.(map[string]any)
	assert.Equal(t, "command", fields["capability"])
	assert.Contains(t, fields["output"], "Task: run shell step")
	assert.Contains(t, fields["output"], "- be quick")

	_, err = (&CommandCapability{Argv: []string{"false"}}).Execute(context.Background(), task, func(float64, string) {})
	assert.Error(t, err)
}

func TestCapabilitiesByName(t *testing.T) {
	caps, err := CapabilitiesByName([]string{"code", "doc"}, nil)
	require.NoError(t, err)
	require.Len(t, caps, 2)
	assert.Equal(t, "doc", caps[1].Name())

	_, err = CapabilitiesByName([]string{"command"}, nil)
	assert.Error(t, err)
	_, err = CapabilitiesByName([]string{"magic"}, nil)
	assert.Error(t, err)
}
