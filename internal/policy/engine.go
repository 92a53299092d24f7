package policy

import (
	"fmt"
	"sync"

	"agentlink/internal/domain"
)

// Engine maps payload types to the origin roles allowed to send them.
// Payload types without a rule are allowed.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]map[domain.Role]bool
}

func New(rules map[string][]domain.Role) *Engine {
	e := &Engine{rules: make(map[string]map[domain.Role]bool, len(rules))}
	for payloadType, roles := range rules {
		e.Allow(payloadType, roles...)
	}
	return e
}

// Default is the rule set the orchestrator runs with: assignments and
// cancellations come from coordinators, task reports from workers, new work
// from clients or coordinators.
func Default() *Engine {
	return New(map[string][]domain.Role{
		domain.PayloadTaskAssignment:     {domain.RoleCoordinator},
		domain.PayloadCancelTask:         {domain.RoleCoordinator},
		domain.PayloadTaskAccepted:       {domain.RoleWorker},
		domain.PayloadTaskProgress:       {domain.RoleWorker},
		domain.PayloadTaskCompleted:      {domain.RoleWorker},
		domain.PayloadTaskFailed:         {domain.RoleWorker},
		domain.PayloadTaskCancelResponse: {domain.RoleWorker},
		domain.PayloadCreateTask:         {domain.RoleClient, domain.RoleCoordinator},
		domain.PayloadRequestPlan:        {domain.RoleClient, domain.RoleCoordinator, domain.RoleWorker},
	})
}

func (e *Engine) Allow(payloadType string, roles ...domain.Role) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.rules[payloadType]
	if !ok {
		set = make(map[domain.Role]bool)
		e.rules[payloadType] = set
	}
	for _, r := range roles {
		set[r] = true
	}
}

func (e *Engine) CanMessage(origin domain.Origin, payloadType string) (bool, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set, ok := e.rules[payloadType]
	if !ok {
		return true, "no rule"
	}
	if set[origin.Role] {
		return true, "allowed"
	}
	return false, fmt.Sprintf("role %q may not send %s", origin.Role, payloadType)
}
