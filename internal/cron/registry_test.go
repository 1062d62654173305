package cron

import (
	"context"
	"testing"
)

type namedJob string

func (n namedJob) Name() string              { return string(n) }
func (n namedJob) Run(context.Context) error { return nil }

func TestRegistryKeepsOrderAndRejectsDuplicates(t *testing.T) {
	registry := NewRegistry(namedJob("merchant-status-refresh"), nil, namedJob("plan-sync-retry"))
	if registry.Register(namedJob("plan-sync-retry")) {
		t.Fatalf("duplicate job name should be rejected")
	}
	if !registry.Register(namedJob("outbox-retention")) {
		t.Fatalf("new job should register")
	}

	jobs := registry.Jobs()
	want := []string{"merchant-status-refresh", "plan-sync-retry", "outbox-retention"}
	if len(jobs) != len(want) {
		t.Fatalf("expected %d jobs, got %d", len(want), len(jobs))
	}
	for i, name := range want {
		if jobs[i].Name() != name {
			t.Fatalf("job %d: expected %s, got %s", i, name, jobs[i].Name())
		}
	}

	jobs[0] = nil
	if registry.Jobs()[0] == nil {
		t.Fatalf("Jobs leaked the internal slice")
	}
}
