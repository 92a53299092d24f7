package endpoint

import (
	"sort"
	"sync"
	"time"

	"agentlink/internal/domain"
)

type heldEnvelope struct {
	env     domain.Envelope
	arrived time.Time
}

type stream struct {
	next uint64
	held map[uint64]heldEnvelope
}

// sequencer restores per-origin order for QoS 3 envelopes. Out-of-order
// arrivals wait for the gap to fill; a full window or a stale hold skips it.
type sequencer struct {
	mu      sync.Mutex
	window  int
	streams map[string]*stream
}

func newSequencer(window int) *sequencer {
	return &sequencer{window: window, streams: make(map[string]*stream)}
}

func (s *sequencer) stream(origin string) *stream {
	st, ok := s.streams[origin]
	if !ok {
		st = &stream{next: 1, held: make(map[uint64]heldEnvelope)}
		s.streams[origin] = st
	}
	return st
}

func (s *sequencer) accept(env domain.Envelope, seq uint64, now time.Time) ([]domain.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(env.Origin.ID)
	if seq < st.next {
		return nil, true
	}
	if _, ok := st.held[seq]; ok {
		return nil, true
	}
	st.held[seq] = heldEnvelope{env: env, arrived: now}
	if seq != st.next && len(st.held) > s.window {
		st.next = lowestHeld(st)
	}
	return st.release(), false
}

// flushStale skips gaps whose oldest waiting envelope arrived before cutoff.
func (s *sequencer) flushStale(cutoff time.Time) []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Envelope
	for _, origin := range sortedOrigins(s.streams) {
		st := s.streams[origin]
		for len(st.held) > 0 && oldestArrival(st).Before(cutoff) {
			st.next = lowestHeld(st)
			out = append(out, st.release()...)
		}
	}
	return out
}

func (st *stream) release() []domain.Envelope {
	var out []domain.Envelope
	for {
		h, ok := st.held[st.next]
		if !ok {
			return out
		}
		delete(st.held, st.next)
		out = append(out, h.env)
		st.next++
	}
}

func (s *sequencer) positions() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.streams))
	for origin, st := range s.streams {
		out[origin] = st.next
	}
	return out
}

func (s *sequencer) restore(next map[string]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for origin, n := range next {
		st := s.stream(origin)
		if n > st.next {
			st.next = n
		}
	}
}

func lowestHeld(st *stream) uint64 {
	var lowest uint64
	for seq := range st.held {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	return lowest
}

func oldestArrival(st *stream) time.Time {
	var oldest time.Time
	for _, h := range st.held {
		if oldest.IsZero() || h.arrived.Before(oldest) {
			oldest = h.arrived
		}
	}
	return oldest
}

func sortedOrigins(streams map[string]*stream) []string {
	out := make([]string, 0, len(streams))
	for origin := range streams {
		out = append(out, origin)
	}
	sort.Strings(out)
	return out
}
