package inproc

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrAgentNotRegistered = errors.New("agent is not registered in hub")
	ErrAgentQueueFull     = errors.New("agent queue is full")
	ErrAgentRegistered    = errors.New("agent is already attached to hub")
)

// Hub is an in-memory delivery fabric. Each attached agent gets a Link whose
// inbound channel receives raw envelopes addressed to it.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]chan []byte
	buffer int
}

func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[string]chan []byte),
		buffer: buffer,
	}
}

func (h *Hub) Attach(agentID string) (*Link, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[agentID]; ok {
		return nil, ErrAgentRegistered
	}
	ch := make(chan []byte, h.buffer)
	h.subs[agentID] = ch
	return &Link{hub: h, agentID: agentID, inbox: ch}, nil
}

func (h *Hub) Detach(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subs[agentID]
	if !ok {
		return
	}
	delete(h.subs, agentID)
	close(ch)
}

func (h *Hub) Agents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.subs))
	for id := range h.subs {
		out = append(out, id)
	}
	return out
}

func (h *Hub) publish(ctx context.Context, address string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.subs[address]
	if !ok {
		return ErrAgentNotRegistered
	}
	buf := append([]byte(nil), data...)
	select {
	case ch <- buf:
		return nil
	default:
		return ErrAgentQueueFull
	}
}

// Link is one agent's attachment to the hub.
type Link struct {
	hub     *Hub
	agentID string
	inbox   chan []byte
}

func (l *Link) Send(ctx context.Context, address string, data []byte) error {
	return l.hub.publish(ctx, address, data)
}

func (l *Link) Receive() <-chan []byte {
	return l.inbox
}

func (l *Link) Address() string {
	return l.agentID
}

func (l *Link) Close() {
	l.hub.Detach(l.agentID)
}
