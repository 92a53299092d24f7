package policy

import (
	"testing"

	"agentlink/internal/domain"
)

func TestDefaultRules(t *testing.T) {
	e := Default()
	worker := domain.Origin{Role: domain.RoleWorker, ID: "executor-1"}
	coordinator := domain.Origin{Role: domain.RoleCoordinator, ID: "planner"}

	if ok, reason := e.CanMessage(worker, domain.PayloadTaskAssignment); ok {
		t.Fatalf("expected worker assignment to be denied")
	} else if reason == "" {
		t.Fatalf("expected a denial reason")
	}
	if ok, _ := e.CanMessage(coordinator, domain.PayloadTaskAssignment); !ok {
		t.Fatalf("expected coordinator assignment to be allowed")
	}
	if ok, _ := e.CanMessage(worker, domain.PayloadTaskCompleted); !ok {
		t.Fatalf("expected worker report to be allowed")
	}
	if ok, _ := e.CanMessage(worker, domain.PayloadStatusRequest); !ok {
		t.Fatalf("expected unruled payload type to be allowed")
	}
}

func TestAllowExtendsRule(t *testing.T) {
	e := New(map[string][]domain.Role{"deploy": {domain.RoleCoordinator}})
	client := domain.Origin{Role: domain.RoleClient, ID: "cli"}
	if ok, _ := e.CanMessage(client, "deploy"); ok {
		t.Fatalf("expected client deploy to be denied")
	}
	e.Allow("deploy", domain.RoleClient)
	if ok, _ := e.CanMessage(client, "deploy"); !ok {
		t.Fatalf("expected client deploy to be allowed after Allow")
	}
}
