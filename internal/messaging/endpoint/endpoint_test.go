package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentlink/internal/domain"
	"agentlink/internal/messaging"
	"agentlink/internal/messaging/inproc"
)

type frame struct {
	addr string
	env  domain.Envelope
}

type fakeTransport struct {
	mu    sync.Mutex
	sent  []frame
	fail  map[string]bool
	inbox chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fail: make(map[string]bool), inbox: make(chan []byte, 16)}
}

func (f *fakeTransport) Send(_ context.Context, address string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[address] {
		return errors.New("link down")
	}
	env, err := messaging.Unmarshal(data)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, frame{addr: address, env: env})
	return nil
}

func (f *fakeTransport) Receive() <-chan []byte { return f.inbox }

func (f *fakeTransport) frames() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frame(nil), f.sent...)
}

func (f *fakeTransport) inject(t *testing.T, env domain.Envelope) {
	t.Helper()
	data, err := messaging.Marshal(env)
	require.NoError(t, err)
	f.inbox <- data
}

func fastConfig() Config {
	return Config{
		MaxRetries:     2,
		RetryDelay:     5 * time.Millisecond,
		MessageTimeout: 30 * time.Millisecond,
		SweepInterval:  5 * time.Millisecond,
		DrainTimeout:   200 * time.Millisecond,
		IdleWait:       5 * time.Millisecond,
	}
}

func origin(id string) domain.Origin {
	return domain.Origin{Role: domain.RoleWorker, ID: id, Priority: domain.PriorityMedium}
}

func startEndpoint(t *testing.T, ep *Endpoint) {
	t.Helper()
	require.NoError(t, ep.Start(context.Background()))
	t.Cleanup(ep.Stop)
}

func taskPayload(id string) map[string]any {
	return map[string]any{"type": "note", "id": id}
}

func TestSendRequiresRoute(t *testing.T) {
	ep := New(origin("a"), newFakeTransport(), fastConfig(), nil)
	_, err := ep.Send("b", taskPayload("1"), domain.QoSAcknowledged, domain.PriorityLow, nil)
	assert.ErrorIs(t, err, ErrNotRoutable)

	ep.AddRoute("b", "")
	assert.Equal(t, map[string]string{"b": "b"}, ep.Routes())
	_, err = ep.Send("b", taskPayload("1"), domain.QoSAcknowledged, domain.PriorityLow, nil)
	assert.NoError(t, err)

	ep.RemoveRoute("b")
	_, err = ep.Send("b", taskPayload("2"), domain.QoSAcknowledged, domain.PriorityLow, nil)
	assert.ErrorIs(t, err, ErrNotRoutable)
}

func TestQoS1IsNeverTracked(t *testing.T) {
	tr := newFakeTransport()
	ep := New(origin("a"), tr, fastConfig(), nil)
	ep.AddRoute("b", "b")

	id, err := ep.Send("b", taskPayload("1"), domain.QoSFireAndForget, domain.PriorityLow, nil)
	require.NoError(t, err)
	assert.False(t, ep.IsPending(id))
	assert.Empty(t, ep.Pending())

	startEndpoint(t, ep)
	require.Eventually(t, func() bool { return len(tr.frames()) == 1 }, time.Second, 5*time.Millisecond)

	status, ok := ep.EnvelopeStatus(id)
	require.True(t, ok)
	assert.Equal(t, domain.EnvelopeStatusSent, status)
	assert.Empty(t, ep.Pending())
	assert.Equal(t, int64(1), ep.Stats().Sent)
}

func TestCriticalLeavesBeforeLow(t *testing.T) {
	tr := newFakeTransport()
	ep := New(origin("a"), tr, fastConfig(), nil)
	ep.AddRoute("b", "b")

	lowID, err := ep.Send("b", taskPayload("low"), domain.QoSFireAndForget, domain.PriorityLow, nil)
	require.NoError(t, err)
	medID, err := ep.Send("b", taskPayload("medium"), domain.QoSFireAndForget, domain.PriorityMedium, nil)
	require.NoError(t, err)
	critID, err := ep.Send("b", taskPayload("critical"), domain.QoSFireAndForget, domain.PriorityCritical, nil)
	require.NoError(t, err)

	startEndpoint(t, ep)
	require.Eventually(t, func() bool { return len(tr.frames()) == 3 }, time.Second, 5*time.Millisecond)

	frames := tr.frames()
	assert.Equal(t, critID, frames[0].env.ID)
	assert.Equal(t, medID, frames[1].env.ID)
	assert.Equal(t, lowID, frames[2].env.ID)
}

func TestDispatchKey(t *testing.T) {
	now := time.Now()
	fresh := &domain.Envelope{Priority: domain.PriorityMedium}
	assert.Equal(t, 20, dispatchKey(fresh, now))

	retried := &domain.Envelope{Priority: domain.PriorityMedium, RetryCount: 9}
	assert.Equal(t, 15, dispatchKey(retried, now))

	last := now.Add(-35 * time.Second)
	waited := &domain.Envelope{Priority: domain.PriorityMedium, RetryCount: 1, LastSentAt: &last}
	assert.Equal(t, 16, dispatchKey(waited, now))

	ancient := now.Add(-time.Hour)
	capped := &domain.Envelope{Priority: domain.PriorityLow, RetryCount: 5, LastSentAt: &ancient}
	assert.Equal(t, 15, dispatchKey(capped, now))
}

func TestQoS2ExpiresWithoutAck(t *testing.T) {
	tr := newFakeTransport()
	ep := New(origin("a"), tr, fastConfig(), nil)
	ep.AddRoute("b", "b")

	id, err := ep.Send("b", taskPayload("1"), domain.QoSAcknowledged, domain.PriorityHigh, nil)
	require.NoError(t, err)
	assert.True(t, ep.IsPending(id))

	startEndpoint(t, ep)
	require.Eventually(t, func() bool {
		status, _ := ep.EnvelopeStatus(id)
		return status == domain.EnvelopeStatusExpired
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, ep.IsPending(id))
	assert.Len(t, tr.frames(), 3)
	stats := ep.Stats()
	assert.Equal(t, int64(1), stats.Expired)
	assert.Equal(t, int64(2), stats.Retried)
}

func TestAckClearsPending(t *testing.T) {
	hub := inproc.New(16)
	linkA, err := hub.Attach("a")
	require.NoError(t, err)
	linkB, err := hub.Attach("b")
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.MessageTimeout = time.Second
	a := New(origin("a"), linkA, cfg, nil)
	b := New(origin("b"), linkB, cfg, nil)
	a.AddRoute("b", "b")
	b.AddRoute("a", "a")

	got := make(chan domain.Envelope, 4)
	b.RegisterHandler("note", func(_ context.Context, env domain.Envelope) error {
		got <- env
		return nil
	})
	startEndpoint(t, a)
	startEndpoint(t, b)

	id, err := a.Send("b", taskPayload("1"), domain.QoSAcknowledged, domain.PriorityMedium, map[string]string{"trace": "x"})
	require.NoError(t, err)

	select {
	case env := <-got:
		assert.Equal(t, id, env.ID)
		assert.Equal(t, "x", env.Metadata["trace"])
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
	require.Eventually(t, func() bool { return !a.IsPending(id) }, time.Second, 5*time.Millisecond)

	status, ok := a.EnvelopeStatus(id)
	require.True(t, ok)
	assert.Equal(t, domain.EnvelopeStatusDelivered, status)
	assert.Equal(t, int64(1), a.Stats().Delivered)
	assert.GreaterOrEqual(t, a.Stats().AvgDeliverySecs, 0.0)
}

func TestTamperedEnvelopeIsDropped(t *testing.T) {
	tr := newFakeTransport()
	ep := New(origin("b"), tr, fastConfig(), nil)
	ep.AddRoute("a", "a")

	calls := make(chan struct{}, 1)
	ep.RegisterHandler("note", func(context.Context, domain.Envelope) error {
		calls <- struct{}{}
		return nil
	})
	startEndpoint(t, ep)

	env, err := messaging.NewEnvelope(origin("a"), "b", taskPayload("1"), domain.QoSAcknowledged, domain.PriorityHigh)
	require.NoError(t, err)
	env.Payload = json.RawMessage(`{"id":"2","type":"note"}`)
	tr.inject(t, env)

	require.Eventually(t, func() bool { return ep.Stats().IntegrityFailures == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-calls:
		t.Fatal("handler invoked for tampered envelope")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Empty(t, tr.frames(), "tampered envelopes are not acknowledged")
	assert.Equal(t, int64(0), ep.Stats().Received)
}

func TestSendFailureBacksOffPerEnvelope(t *testing.T) {
	tr := newFakeTransport()
	tr.fail["down"] = true

	cfg := fastConfig()
	cfg.RetryDelay = time.Hour
	ep := New(origin("a"), tr, cfg, nil)
	ep.AddRoute("down", "down")
	ep.AddRoute("up", "up")
	startEndpoint(t, ep)

	stuck, err := ep.Send("down", taskPayload("1"), domain.QoSAcknowledged, domain.PriorityCritical, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ep.Stats().Retried == 1 }, time.Second, 5*time.Millisecond)

	ok, err := ep.Send("up", taskPayload("2"), domain.QoSFireAndForget, domain.PriorityLow, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(tr.frames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ok, tr.frames()[0].env.ID)

	status, _ := ep.EnvelopeStatus(stuck)
	assert.Equal(t, domain.EnvelopeStatusPending, status)
	assert.True(t, ep.IsPending(stuck))
}

func TestSendFailureExhaustsRetries(t *testing.T) {
	tr := newFakeTransport()
	tr.fail["down"] = true
	ep := New(origin("a"), tr, fastConfig(), nil)
	ep.AddRoute("down", "down")
	startEndpoint(t, ep)

	id, err := ep.Send("down", taskPayload("1"), domain.QoSAcknowledged, domain.PriorityHigh, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, _ := ep.EnvelopeStatus(id)
		return status == domain.EnvelopeStatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, ep.IsPending(id))
	assert.Equal(t, int64(1), ep.Stats().Failed)
	assert.Equal(t, int64(2), ep.Stats().Retried)
}

func TestOrderedDeliveryDropsDuplicates(t *testing.T) {
	tr := newFakeTransport()
	ep := New(origin("b"), tr, fastConfig(), nil)
	ep.AddRoute("a", "a")

	var mu sync.Mutex
	var seen []string
	ep.RegisterHandler("note", func(_ context.Context, env domain.Envelope) error {
		p, err := messaging.DecodePayload[map[string]string](env)
		if err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, p["id"])
		mu.Unlock()
		return nil
	})
	startEndpoint(t, ep)

	ordered := func(id, seq string) domain.Envelope {
		env, err := messaging.NewEnvelope(origin("a"), "b", taskPayload(id), domain.QoSOrdered, domain.PriorityMedium)
		require.NoError(t, err)
		env.Metadata = map[string]string{"seq": seq}
		return env
	}
	first := ordered("first", "1")
	second := ordered("second", "2")

	tr.inject(t, second)
	tr.inject(t, first)
	tr.inject(t, first)

	require.Eventually(t, func() bool { return ep.Stats().Received == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, seen)
	mu.Unlock()
	assert.Equal(t, int64(1), ep.Stats().Duplicates)
	assert.Len(t, tr.frames(), 3, "every arrival is acknowledged")
}

func TestSenderStampsSequence(t *testing.T) {
	ep := New(origin("a"), newFakeTransport(), fastConfig(), nil)
	ep.AddRoute("b", "b")
	ep.AddRoute("c", "c")

	for _, dest := range []string{"b", "b", "c"} {
		_, err := ep.Send(dest, taskPayload(dest), domain.QoSOrdered, domain.PriorityMedium, nil)
		require.NoError(t, err)
	}
	seqs := map[string][]string{}
	for _, env := range ep.Pending() {
		seqs[env.Destination] = append(seqs[env.Destination], env.Metadata["seq"])
	}
	assert.ElementsMatch(t, []string{"1", "2"}, seqs["b"])
	assert.Equal(t, []string{"1"}, seqs["c"])
}

func TestSequencerSkipsGapWhenWindowFills(t *testing.T) {
	s := newSequencer(2)
	now := time.Now()
	env := func(id string) domain.Envelope {
		return domain.Envelope{ID: id, Origin: origin("a")}
	}

	ready, dup := s.accept(env("3"), 3, now)
	assert.False(t, dup)
	assert.Empty(t, ready)
	ready, _ = s.accept(env("4"), 4, now)
	assert.Empty(t, ready)
	ready, _ = s.accept(env("5"), 5, now)
	require.Len(t, ready, 3)
	assert.Equal(t, "3", ready[0].ID)

	_, dup = s.accept(env("1"), 1, now)
	assert.True(t, dup)

	ready, _ = s.accept(env("8"), 8, now)
	assert.Empty(t, ready)
	flushed := s.flushStale(now.Add(time.Second))
	require.Len(t, flushed, 1)
	assert.Equal(t, "8", flushed[0].ID)
	assert.Equal(t, uint64(9), s.positions()["a"])
}

func TestHandlerPanicDoesNotStopLoop(t *testing.T) {
	tr := newFakeTransport()
	ep := New(origin("b"), tr, fastConfig(), nil)
	ep.AddRoute("a", "a")

	done := make(chan struct{})
	ep.RegisterHandler("note", func(context.Context, domain.Envelope) error { panic("boom") })
	ep.RegisterHandler("other", func(context.Context, domain.Envelope) error {
		close(done)
		return nil
	})
	startEndpoint(t, ep)

	bad, err := messaging.NewEnvelope(origin("a"), "b", taskPayload("1"), domain.QoSFireAndForget, domain.PriorityLow)
	require.NoError(t, err)
	unknown, err := messaging.NewEnvelope(origin("a"), "b", map[string]any{"type": "mystery"}, domain.QoSFireAndForget, domain.PriorityLow)
	require.NoError(t, err)
	good, err := messaging.NewEnvelope(origin("a"), "b", map[string]any{"type": "other"}, domain.QoSFireAndForget, domain.PriorityLow)
	require.NoError(t, err)
	tr.inject(t, bad)
	tr.inject(t, unknown)
	tr.inject(t, good)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop stopped after handler panic")
	}
	stats := ep.Stats()
	assert.Equal(t, int64(1), stats.HandlerErrors)
	assert.Equal(t, int64(1), stats.Unhandled)
}

func TestStopIsIdempotentAndRejectsSends(t *testing.T) {
	ep := New(origin("a"), newFakeTransport(), fastConfig(), nil)
	ep.AddRoute("b", "b")
	require.NoError(t, ep.Start(context.Background()))
	assert.ErrorIs(t, ep.Start(context.Background()), ErrAlreadyStarted)

	ep.Stop()
	ep.Stop()

	_, err := ep.Send("b", taskPayload("1"), domain.QoSFireAndForget, domain.PriorityLow, nil)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, ep.Start(context.Background()), ErrStopped)
}

func TestStopDrainsQueue(t *testing.T) {
	tr := newFakeTransport()
	ep := New(origin("a"), tr, fastConfig(), nil)
	ep.AddRoute("b", "b")
	for i := 0; i < 5; i++ {
		_, err := ep.Send("b", taskPayload("x"), domain.QoSFireAndForget, domain.PriorityLow, nil)
		require.NoError(t, err)
	}
	require.NoError(t, ep.Start(context.Background()))
	ep.Stop()
	assert.Len(t, tr.frames(), 5)
}

func TestLoopsExitedRejectsSendsAndStopReturnsPromptly(t *testing.T) {
	tr := newFakeTransport()
	tr.fail["b"] = true
	cfg := fastConfig()
	cfg.RetryDelay = time.Hour
	cfg.DrainTimeout = 2 * time.Second
	ep := New(origin("a"), tr, cfg, nil)
	ep.AddRoute("b", "b")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ep.Start(ctx))
	_, err := ep.Send("b", taskPayload("parked"), domain.QoSAcknowledged, domain.PriorityLow, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ep.Stats().Retried == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	_, err = ep.Send("b", taskPayload("late"), domain.QoSAcknowledged, domain.PriorityLow, nil)
	assert.ErrorIs(t, err, ErrStopped)

	started := time.Now()
	ep.Stop()
	assert.Less(t, time.Since(started), time.Second)
	assert.Empty(t, tr.frames())
}

func TestNoRetriesFailsOnFirstSendError(t *testing.T) {
	tr := newFakeTransport()
	tr.fail["b"] = true
	cfg := fastConfig()
	cfg.MaxRetries = NoRetries
	ep := New(origin("a"), tr, cfg, nil)
	ep.AddRoute("b", "b")
	startEndpoint(t, ep)

	id, err := ep.Send("b", taskPayload("1"), domain.QoSAcknowledged, domain.PriorityHigh, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, ok := ep.EnvelopeStatus(id)
		return ok && st == domain.EnvelopeStatusFailed
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, ep.Stats().Retried)
}

func TestSnapshotRestore(t *testing.T) {
	ep := New(origin("a"), newFakeTransport(), fastConfig(), nil)
	ep.AddRoute("b", "b")
	id, err := ep.Send("b", taskPayload("1"), domain.QoSOrdered, domain.PriorityHigh, nil)
	require.NoError(t, err)
	_, err = ep.Send("b", taskPayload("2"), domain.QoSFireAndForget, domain.PriorityLow, nil)
	require.NoError(t, err)

	st := ep.Snapshot()
	require.Len(t, st.Pending, 1)
	require.Len(t, st.Queued, 1)
	assert.Equal(t, uint64(1), st.SendSeq["b"])

	data, err := json.Marshal(st)
	require.NoError(t, err)
	var decoded State
	require.NoError(t, json.Unmarshal(data, &decoded))

	tr := newFakeTransport()
	restored := New(origin("a"), tr, fastConfig(), nil)
	restored.AddRoute("b", "b")
	require.NoError(t, restored.Restore(decoded))
	assert.True(t, restored.IsPending(id))

	next, err := restored.Send("b", taskPayload("3"), domain.QoSOrdered, domain.PriorityHigh, nil)
	require.NoError(t, err)
	for _, env := range restored.Pending() {
		if env.ID == next {
			assert.Equal(t, "2", env.Metadata["seq"])
		}
	}

	startEndpoint(t, restored)
	require.Eventually(t, func() bool { return len(tr.frames()) >= 3 }, time.Second, 5*time.Millisecond)
	assert.Error(t, restored.Restore(decoded))
}

type rolePolicy map[string]domain.Role

func (p rolePolicy) CanMessage(o domain.Origin, payloadType string) (bool, string) {
	role, ok := p[payloadType]
	if !ok || role == o.Role {
		return true, ""
	}
	return false, "wrong role"
}

func TestPolicyDeniesButStillAcks(t *testing.T) {
	tr := newFakeTransport()
	cfg := fastConfig()
	cfg.Policy = rolePolicy{"note": domain.RoleCoordinator}
	ep := New(origin("b"), tr, cfg, nil)
	ep.AddRoute("a", "a")

	handled := make(chan struct{}, 1)
	ep.RegisterHandler("note", func(context.Context, domain.Envelope) error {
		handled <- struct{}{}
		return nil
	})
	startEndpoint(t, ep)

	env, err := messaging.NewEnvelope(origin("a"), "b", taskPayload("1"), domain.QoSAcknowledged, domain.PriorityLow)
	require.NoError(t, err)
	tr.inject(t, env)

	require.Eventually(t, func() bool { return ep.Stats().Denied == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, f := range tr.frames() {
			if messaging.PayloadType(f.env) == domain.PayloadAck {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	select {
	case <-handled:
		t.Fatal("denied envelope reached its handler")
	default:
	}
}
