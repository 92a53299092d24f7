package endpoint

import (
	"errors"
	"time"

	"agentlink/internal/domain"
)

// State is the restart-relevant part of an endpoint: everything still owed
// to a peer plus the QoS 3 sequence positions on both sides.
type State struct {
	AgentID string            `json:"agent_id"`
	Pending []domain.Envelope `json:"pending"`
	Queued  []domain.Envelope `json:"queued"`
	SendSeq map[string]uint64 `json:"send_seq"`
	RecvSeq map[string]uint64 `json:"recv_seq"`
}

func (e *Endpoint) Snapshot() State {
	e.mu.Lock()
	st := State{
		AgentID: e.origin.ID,
		Pending: make([]domain.Envelope, 0, len(e.pending)),
		Queued:  make([]domain.Envelope, 0, len(e.unacked)),
		SendSeq: make(map[string]uint64, len(e.sendSeq)),
	}
	for _, env := range e.pending {
		st.Pending = append(st.Pending, env.Clone())
	}
	for _, env := range e.unacked {
		st.Queued = append(st.Queued, env.Clone())
	}
	for dest, n := range e.sendSeq {
		st.SendSeq[dest] = n
	}
	e.mu.Unlock()

	st.RecvSeq = e.inbound.positions()
	return st
}

// Restore reloads a snapshot taken by Snapshot. It must run before Start;
// every restored envelope is queued for another send.
func (e *Endpoint) Restore(st State) error {
	e.lifeMu.Lock()
	started := e.started
	e.lifeMu.Unlock()
	if started {
		return errors.New("restore endpoint: already started")
	}

	now := time.Now()
	e.mu.Lock()
	requeue := func(env domain.Envelope, table map[string]*domain.Envelope) {
		if _, exists := table[env.ID]; exists {
			return
		}
		tracked := env.Clone()
		tracked.Status = domain.EnvelopeStatusPending
		table[tracked.ID] = &tracked
		e.out.push(&tracked, now)
	}
	for _, env := range st.Pending {
		requeue(env, e.pending)
	}
	for _, env := range st.Queued {
		requeue(env, e.unacked)
	}
	for dest, n := range st.SendSeq {
		if n > e.sendSeq[dest] {
			e.sendSeq[dest] = n
		}
	}
	e.mu.Unlock()

	e.inbound.restore(st.RecvSeq)
	return nil
}
