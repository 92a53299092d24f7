package endpoint

import (
	"container/heap"
	"time"

	"agentlink/internal/domain"
)

const (
	maxRetryBoost = 5
	maxWaitBoost  = 10
)

// dispatchKey orders outgoing envelopes; lower values leave first. Retried
// envelopes and envelopes that have waited since their last send gain ground
// on fresh ones of the same priority.
func dispatchKey(e *domain.Envelope, now time.Time) int {
	key := e.Priority.Base() - min(maxRetryBoost, e.RetryCount)
	if e.LastSentAt != nil {
		waited := int(now.Sub(*e.LastSentAt).Seconds()) / 10
		key -= min(maxWaitBoost, max(0, waited))
	}
	return key
}

type queued struct {
	env   *domain.Envelope
	key   int
	order uint64
}

type readyQueue []queued

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool {
	if q[i].key != q[j].key {
		return q[i].key < q[j].key
	}
	return q[i].order < q[j].order
}
func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any)   { *q = append(*q, x.(queued)) }
func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = queued{}
	*q = old[:n-1]
	return item
}

type parked struct {
	env       *domain.Envelope
	notBefore time.Time
}

// delayQueue holds envelopes waiting out their retry backoff.
type delayQueue []parked

func (q delayQueue) Len() int           { return len(q) }
func (q delayQueue) Less(i, j int) bool { return q[i].notBefore.Before(q[j].notBefore) }
func (q delayQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *delayQueue) Push(x any)        { *q = append(*q, x.(parked)) }
func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = parked{}
	*q = old[:n-1]
	return item
}

func (q delayQueue) peek() (parked, bool) {
	if len(q) == 0 {
		return parked{}, false
	}
	return q[0], true
}

// outbox bundles both heaps. Callers hold Endpoint.mu.
type outbox struct {
	ready   readyQueue
	delayed delayQueue
	counter uint64
}

func (o *outbox) push(e *domain.Envelope, now time.Time) {
	o.counter++
	heap.Push(&o.ready, queued{env: e, key: dispatchKey(e, now), order: o.counter})
}

func (o *outbox) park(e *domain.Envelope, notBefore time.Time) {
	heap.Push(&o.delayed, parked{env: e, notBefore: notBefore})
}

// promote moves envelopes whose backoff has elapsed into the ready heap.
func (o *outbox) promote(now time.Time) {
	for {
		next, ok := o.delayed.peek()
		if !ok || next.notBefore.After(now) {
			return
		}
		heap.Pop(&o.delayed)
		o.push(next.env, now)
	}
}

func (o *outbox) pop() (*domain.Envelope, bool) {
	if o.ready.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&o.ready).(queued)
	return item.env, true
}

// nextDue reports how long until the earliest parked envelope is due.
func (o *outbox) nextDue(now time.Time) (time.Duration, bool) {
	next, ok := o.delayed.peek()
	if !ok {
		return 0, false
	}
	return next.notBefore.Sub(now), true
}

func (o *outbox) len() int {
	return o.ready.Len() + o.delayed.Len()
}

func (o *outbox) envelopes() []domain.Envelope {
	out := make([]domain.Envelope, 0, o.len())
	for _, item := range o.ready {
		out = append(out, item.env.Clone())
	}
	for _, item := range o.delayed {
		out = append(out, item.env.Clone())
	}
	return out
}
