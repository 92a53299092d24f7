package agent

import (
	"context"

	"agentlink/internal/domain"
)

// rank orders queued tasks; lower runs first.
func rank(p domain.Priority) int {
	switch p {
	case domain.PriorityCritical:
		return -10
	case domain.PriorityHigh:
		return 0
	case domain.PriorityLow:
		return 20
	default:
		return 10
	}
}

type job struct {
	task      domain.Task
	attempt   int
	replyTo   string
	seq       uint64
	cancel    context.CancelFunc
	cancelled bool
}

type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }
func (q jobQueue) Less(i, j int) bool {
	ri, rj := rank(q[i].task.Priority), rank(q[j].task.Priority)
	if ri != rj {
		return ri < rj
	}
	return q[i].seq < q[j].seq
}
func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *jobQueue) Push(x any)   { *q = append(*q, x.(*job)) }
func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (q jobQueue) index(taskID string) int {
	for i, j := range q {
		if j.task.ID == taskID {
			return i
		}
	}
	return -1
}
