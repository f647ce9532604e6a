package store

import (
	"context"
	"testing"
	"time"

	"github.com/nevindra/pipeworks/core"
)

func TestMemStoreChainReadiness(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	steps := []core.Step{
		{ID: "s1", Scope: "default"},
		{ID: "s2", Scope: "default", Parents: []string{"s1"}},
		{ID: "s3", Scope: "default", Parents: []string{"s2"}},
	}
	if err := s.Submit(ctx, steps); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, err := s.GetSteps(ctx, []string{"default"}, false, "w1", 10, time.Hour)
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("expected only s1 ready, got %v", got)
	}

	if outcome := s.Dones(ctx, []string{"s1"}); len(outcome.Applied) != 1 {
		t.Fatalf("Dones(s1) applied = %v, failed = %v", outcome.Applied, outcome.Failed)
	}

	got, err = s.GetSteps(ctx, []string{"default"}, false, "w1", 10, time.Hour)
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s2" {
		t.Fatalf("expected only s2 ready after s1 success, got %v", got)
	}
}

func TestMemStoreDanglingParentRejected(t *testing.T) {
	s := NewMemStore()
	err := s.Submit(context.Background(), []core.Step{{ID: "s1", Scope: "default", Parents: []string{"ghost"}}})
	if err == nil {
		t.Fatalf("expected dangling parent to be rejected")
	}
}

func TestMemStorePriorityOrdering(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	steps := []core.Step{
		{ID: "low", Scope: "default", Priority: 5},
		{ID: "high", Scope: "default", Priority: 1},
	}
	if err := s.Submit(ctx, steps); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got, err := s.GetSteps(ctx, []string{"default"}, false, "w1", 10, time.Hour)
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	if len(got) != 2 || got[0].ID != "high" || got[1].ID != "low" {
		t.Fatalf("expected [high, low], got %v", got)
	}
}

func TestMemStoreScopeOrderSkipsEmpty(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	if err := s.Submit(ctx, []core.Step{{ID: "s1", Scope: "B"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got, err := s.GetSteps(ctx, []string{"A", "B"}, false, "w1", 10, time.Hour)
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("expected scope B's step when A is empty, got %v", got)
	}
}

func TestMemStoreCancelPropagatesToDescendants(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	steps := []core.Step{
		{ID: "s1", Scope: "default"},
		{ID: "s2", Scope: "default", Parents: []string{"s1"}},
		{ID: "s3", Scope: "default", Parents: []string{"s2"}},
	}
	if err := s.Submit(ctx, steps); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.Cancels(ctx, []string{"s1"})

	all, err := s.BulkGetStep(ctx, []string{"s1", "s2", "s3"})
	if err != nil {
		t.Fatalf("BulkGetStep: %v", err)
	}
	for _, id := range []string{"s1", "s2", "s3"} {
		if all[id].Status != core.StatusCancel {
			t.Errorf("step %s status = %s, want cancel", id, all[id].Status)
		}
	}
}

func TestMemStoreLeaseExpiryRequeues(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	if err := s.Submit(ctx, []core.Step{{ID: "s1", Scope: "default"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := s.GetSteps(ctx, []string{"default"}, false, "w1", 10, time.Millisecond); err != nil {
		t.Fatalf("GetSteps: %v", err)
	}

	n, err := s.ReapExpiredLeases(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ReapExpiredLeases: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reaped lease, got %d", n)
	}

	got, err := s.GetSteps(ctx, []string{"default"}, false, "w2", 10, time.Hour)
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("expected s1 to be re-dispatchable after lease expiry, got %v", got)
	}
}

func TestMemStoreDoneIdempotent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	steps := []core.Step{
		{ID: "s1", Scope: "default"},
		{ID: "s2", Scope: "default", Parents: []string{"s1"}},
	}
	if err := s.Submit(ctx, steps); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.Dones(ctx, []string{"s1"})
	s.Dones(ctx, []string{"s1"}) // second application must not double-decrement s2's counter

	got, err := s.GetSteps(ctx, []string{"default"}, false, "w1", 10, time.Hour)
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s2" {
		t.Fatalf("expected s2 ready exactly once, got %v", got)
	}
}

func TestMemStoreErrorIncrementsAttempts(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	if err := s.Submit(ctx, []core.Step{{ID: "s1", Scope: "default"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Error(ctx, "s1", "Job timed out", ""); err != nil {
		t.Fatalf("Error: %v", err)
	}
	all, err := s.BulkGetStep(ctx, []string{"s1"})
	if err != nil {
		t.Fatalf("BulkGetStep: %v", err)
	}
	if all["s1"].Status != core.StatusError || all["s1"].Attempts != 1 {
		t.Fatalf("got %+v, want status=error attempts=1", all["s1"])
	}
}
