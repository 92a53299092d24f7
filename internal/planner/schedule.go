package planner

import (
	"fmt"
	"sync"

	"agentlink/internal/domain"
)

// RoundRobin hands out worker ids in rotation.
type RoundRobin struct {
	mu      sync.Mutex
	workers []string
	next    int
}

func NewRoundRobin(workers []string) *RoundRobin {
	return &RoundRobin{workers: append([]string(nil), workers...)}
}

func (r *RoundRobin) Next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.workers) == 0 {
		return "", false
	}
	id := r.workers[r.next%len(r.workers)]
	r.next++
	return id, true
}

func (r *RoundRobin) Add(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w == workerID {
			return
		}
	}
	r.workers = append(r.workers, workerID)
}

func (r *RoundRobin) Remove(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.workers {
		if w == workerID {
			r.workers = append(r.workers[:i], r.workers[i+1:]...)
			return
		}
	}
}

func (r *RoundRobin) Workers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.workers...)
}

// Instructions are the execution steps shipped with an assignment.
func Instructions(task domain.Task) []string {
	steps := []string{
		fmt.Sprintf("Prepare to execute: %s", task.Description),
		"Collect the required resources and information",
		"Carry out the task following established practice",
		"Record the process and the result",
		"Verify the outcome",
	}
	for _, c := range task.Metadata.Constraints {
		steps = append(steps, "Respect constraint: "+c)
	}
	if task.Metadata.Critical {
		steps = append(steps, "This step is critical: report failure immediately")
	}
	return steps
}
