package endpoint

import (
	"sync/atomic"

	"agentlink/internal/domain"
)

type counters struct {
	sent          atomic.Int64
	delivered     atomic.Int64
	received      atomic.Int64
	retried       atomic.Int64
	failed        atomic.Int64
	expired       atomic.Int64
	integrity     atomic.Int64
	malformed     atomic.Int64
	duplicates    atomic.Int64
	unhandled     atomic.Int64
	denied        atomic.Int64
	handlerErrors atomic.Int64
}

type Stats struct {
	AgentID           string  `json:"agent_id"`
	Sent              int64   `json:"sent"`
	Delivered         int64   `json:"delivered"`
	Received          int64   `json:"received"`
	Retried           int64   `json:"retried"`
	Failed            int64   `json:"failed"`
	Expired           int64   `json:"expired"`
	IntegrityFailures int64   `json:"integrity_failures"`
	Malformed         int64   `json:"malformed"`
	Duplicates        int64   `json:"duplicates"`
	Unhandled         int64   `json:"unhandled"`
	Denied            int64   `json:"denied"`
	HandlerErrors     int64   `json:"handler_errors"`
	AvgDeliverySecs   float64 `json:"avg_delivery_secs"`
	Pending           int     `json:"pending"`
	Queued            int     `json:"queued"`
}

func (e *Endpoint) Stats() Stats {
	e.mu.Lock()
	pending := len(e.pending)
	queued := e.out.len()
	latency := e.latency
	e.mu.Unlock()

	return Stats{
		AgentID:           e.origin.ID,
		Sent:              e.counters.sent.Load(),
		Delivered:         e.counters.delivered.Load(),
		Received:          e.counters.received.Load(),
		Retried:           e.counters.retried.Load(),
		Failed:            e.counters.failed.Load(),
		Expired:           e.counters.expired.Load(),
		IntegrityFailures: e.counters.integrity.Load(),
		Malformed:         e.counters.malformed.Load(),
		Duplicates:        e.counters.duplicates.Load(),
		Unhandled:         e.counters.unhandled.Load(),
		Denied:            e.counters.denied.Load(),
		HandlerErrors:     e.counters.handlerErrors.Load(),
		AvgDeliverySecs:   latency,
		Pending:           pending,
		Queued:            queued,
	}
}

// history is a fixed-size record of final envelope statuses, oldest evicted first.
type history struct {
	size   int
	ring   []string
	cursor int
	status map[string]domain.EnvelopeStatus
}

func newHistory(size int) *history {
	return &history{
		size:   size,
		ring:   make([]string, size),
		status: make(map[string]domain.EnvelopeStatus, size),
	}
}

func (h *history) put(id string, status domain.EnvelopeStatus) {
	if _, ok := h.status[id]; ok {
		h.status[id] = status
		return
	}
	if old := h.ring[h.cursor]; old != "" {
		delete(h.status, old)
	}
	h.ring[h.cursor] = id
	h.cursor = (h.cursor + 1) % h.size
	h.status[id] = status
}

func (h *history) get(id string) (domain.EnvelopeStatus, bool) {
	s, ok := h.status[id]
	return s, ok
}
