package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"agentlink/internal/dedupe"
	"agentlink/internal/domain"
	"agentlink/internal/messaging"
)

var (
	ErrNotRoutable    = errors.New("destination has no route")
	ErrStopped        = errors.New("endpoint is stopped")
	ErrAlreadyStarted = errors.New("endpoint already started")
)

const metaSeq = "seq"

// NoRetries as Config.MaxRetries disables redelivery.
const NoRetries = -1

// Transport moves raw envelopes between endpoints. The in-memory hub is one
// implementation; a socket or broker backed one fits the same contract.
type Transport interface {
	Send(ctx context.Context, address string, data []byte) error
	Receive() <-chan []byte
}

// Handler processes one verified inbound envelope.
type Handler func(ctx context.Context, env domain.Envelope) error

// Policy decides whether an origin may deliver a payload type here.
type Policy interface {
	CanMessage(origin domain.Origin, payloadType string) (bool, string)
}

type Config struct {
	MaxRetries     int
	RetryDelay     time.Duration
	MaxBackoff     time.Duration
	MessageTimeout time.Duration
	SweepInterval  time.Duration
	DrainTimeout   time.Duration
	SendTimeout    time.Duration
	IdleWait       time.Duration
	DedupeTTL      time.Duration
	DedupeSize     int
	ReorderWindow  int
	HistorySize    int
	// Policy, when set, filters inbound envelopes before dispatch. Denied
	// envelopes are still acknowledged so the sender stops retrying.
	Policy Policy
}

func (c Config) withDefaults() Config {
	switch {
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	case c.MaxRetries == 0:
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 100 * time.Millisecond
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 10 * time.Minute
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = 10000
	}
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 1024
	}
	return c
}

// Endpoint is one agent's reliable messaging surface: a priority outbox, a
// pending-ack table, a route table and the loops that drive them.
type Endpoint struct {
	origin    domain.Origin
	transport Transport
	cfg       Config
	logger    *slog.Logger

	routesMu sync.RWMutex
	routes   map[string]string

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu      sync.Mutex
	out     outbox
	pending map[string]*domain.Envelope
	unacked map[string]*domain.Envelope
	sendSeq map[string]uint64
	history *history
	latency float64

	wake chan struct{}

	inbound *sequencer
	seen    *dedupe.Cache

	counters counters

	lifeMu   sync.Mutex
	started  bool
	stopped  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	group    *errgroup.Group
	done     <-chan struct{}
}

func New(origin domain.Origin, transport Transport, cfg Config, logger *slog.Logger) *Endpoint {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if origin.Priority == "" {
		origin.Priority = domain.PriorityMedium
	}
	return &Endpoint{
		origin:    origin,
		transport: transport,
		cfg:       cfg,
		logger:    logger.With("component", "endpoint", "agent", origin.ID),
		routes:    make(map[string]string),
		handlers:  make(map[string]Handler),
		pending:   make(map[string]*domain.Envelope),
		unacked:   make(map[string]*domain.Envelope),
		sendSeq:   make(map[string]uint64),
		history:   newHistory(cfg.HistorySize),
		wake:      make(chan struct{}, 1),
		inbound:   newSequencer(cfg.ReorderWindow),
		seen:      dedupe.New(cfg.DedupeTTL, cfg.DedupeSize),
	}
}

func (e *Endpoint) ID() string {
	return e.origin.ID
}

func (e *Endpoint) Origin() domain.Origin {
	return e.origin
}

func (e *Endpoint) AddRoute(agentID, address string) {
	if address == "" {
		address = agentID
	}
	e.routesMu.Lock()
	defer e.routesMu.Unlock()
	e.routes[agentID] = address
}

func (e *Endpoint) RemoveRoute(agentID string) {
	e.routesMu.Lock()
	defer e.routesMu.Unlock()
	delete(e.routes, agentID)
}

func (e *Endpoint) Routes() map[string]string {
	e.routesMu.RLock()
	defer e.routesMu.RUnlock()
	out := make(map[string]string, len(e.routes))
	for k, v := range e.routes {
		out[k] = v
	}
	return out
}

func (e *Endpoint) route(agentID string) (string, bool) {
	e.routesMu.RLock()
	defer e.routesMu.RUnlock()
	addr, ok := e.routes[agentID]
	return addr, ok
}

// RegisterHandler binds payloadType to h, replacing any previous handler.
func (e *Endpoint) RegisterHandler(payloadType string, h Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[payloadType] = h
}

func (e *Endpoint) handler(payloadType string) (Handler, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	h, ok := e.handlers[payloadType]
	return h, ok
}

// Send enqueues payload for destination and returns the envelope id. It
// never performs I/O; delivery happens on the outgoing loop. Once Stop is
// called or the loops have exited it returns ErrStopped.
func (e *Endpoint) Send(destination string, payload any, qos domain.QoS, priority domain.Priority, metadata map[string]string) (string, error) {
	if e.halted() {
		return "", ErrStopped
	}
	return e.enqueue(destination, payload, qos, priority, metadata)
}

func (e *Endpoint) enqueue(destination string, payload any, qos domain.QoS, priority domain.Priority, metadata map[string]string) (string, error) {
	if _, ok := e.route(destination); !ok {
		return "", fmt.Errorf("%w: %s", ErrNotRoutable, destination)
	}
	env, err := messaging.NewEnvelope(e.origin, destination, payload, qos, priority)
	if err != nil {
		return "", err
	}
	if len(metadata) > 0 {
		env.Metadata = make(map[string]string, len(metadata)+1)
		for k, v := range metadata {
			env.Metadata[k] = v
		}
	}

	e.mu.Lock()
	if qos == domain.QoSOrdered {
		if env.Metadata == nil {
			env.Metadata = make(map[string]string, 1)
		}
		e.sendSeq[destination]++
		env.Metadata[metaSeq] = strconv.FormatUint(e.sendSeq[destination], 10)
	}
	tracked := &env
	if qos.RequiresAck() {
		e.pending[env.ID] = tracked
	} else {
		e.unacked[env.ID] = tracked
	}
	e.out.push(tracked, time.Now())
	e.mu.Unlock()

	e.notify()
	return env.ID, nil
}

func (e *Endpoint) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Start launches the outgoing, incoming and sweep loops. They run until ctx
// is cancelled or Stop is called.
func (e *Endpoint) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.stopped.Load() {
		return ErrStopped
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	e.cancel = cancel
	e.group = g
	e.done = gctx.Done()

	g.Go(func() error { return e.outgoingLoop(gctx) })
	g.Go(func() error { return e.incomingLoop(gctx) })
	g.Go(func() error { return e.sweepLoop(gctx) })

	e.logger.Info("endpoint started", "routes", len(e.Routes()))
	return nil
}

// Stop refuses new sends, gives the outbox up to DrainTimeout to empty, then
// stops the loops. Calling it more than once is harmless.
func (e *Endpoint) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)

		e.lifeMu.Lock()
		started := e.started
		cancel := e.cancel
		g := e.group
		done := e.done
		e.lifeMu.Unlock()

		if started {
			if left := e.drain(done, e.cfg.DrainTimeout); left > 0 {
				e.logger.Warn("endpoint stopped with undelivered envelopes", "queued", left)
			}
			cancel()
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("endpoint loop failed", "error", err)
			}
		}
		e.seen.Close()
		e.logger.Info("endpoint stopped")
	})
}

// halted reports whether the endpoint can no longer deliver: Stop was
// called, or the loops started by Start have exited.
func (e *Endpoint) halted() bool {
	if e.stopped.Load() {
		return true
	}
	e.lifeMu.Lock()
	done := e.done
	e.lifeMu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// drain waits for the outbox to empty. It gives up at the timeout or as soon
// as done closes, since nothing consumes the outbox after that.
func (e *Endpoint) drain(done <-chan struct{}, timeout time.Duration) int {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		e.mu.Lock()
		left := e.out.len()
		e.mu.Unlock()
		if left == 0 {
			return 0
		}
		select {
		case <-done:
			return left
		case <-deadline.C:
			return left
		case <-tick.C:
		}
	}
}

// Pending returns copies of the envelopes awaiting acknowledgement.
func (e *Endpoint) Pending() []domain.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Envelope, 0, len(e.pending))
	for _, env := range e.pending {
		out = append(out, env.Clone())
	}
	return out
}

func (e *Endpoint) IsPending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[id]
	return ok
}

// EnvelopeStatus reports the current or final status of an envelope sent by
// this endpoint. Finished envelopes are remembered up to HistorySize.
func (e *Endpoint) EnvelopeStatus(id string) (domain.EnvelopeStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if env, ok := e.pending[id]; ok {
		return env.Status, true
	}
	if env, ok := e.unacked[id]; ok {
		return env.Status, true
	}
	return e.history.get(id)
}

// finish drops an envelope from tracking and records its final status.
// Callers hold e.mu.
func (e *Endpoint) finish(env *domain.Envelope, status domain.EnvelopeStatus) {
	env.Status = status
	delete(e.pending, env.ID)
	delete(e.unacked, env.ID)
	e.history.put(env.ID, status)
}
