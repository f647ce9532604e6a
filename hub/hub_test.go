package hub

import (
	"context"
	"testing"
	"time"

	"github.com/nevindra/pipeworks/core"
	"github.com/nevindra/pipeworks/hub/store"
	"go.uber.org/goleak"
)

const testPort = 61699

func startTestHub(t *testing.T) (*Client, func()) {
	t.Helper()
	st := store.NewMemStore()
	srv := NewServer(st, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx, "127.0.0.1", testPort)
	}()

	client := NewClient("127.0.0.1", testPort)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := client.Submit(context.Background(), nil); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return client, func() {
		cancel()
		<-errCh
	}
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubmitAndGetSteps(t *testing.T) {
	client, stop := startTestHub(t)
	defer stop()
	ctx := context.Background()

	steps := []core.Step{
		{ID: "s1", Scope: "default"},
		{ID: "s2", Scope: "default", Parents: []string{"s1"}},
	}
	if err := client.Submit(ctx, steps); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, err := client.GetSteps(ctx, []string{"default"}, false, "w1", 10, time.Hour)
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	if len(got) != 1 || got[0] != "s1" {
		t.Fatalf("expected only s1 ready, got %v", got)
	}
}

func TestSubmitRejectsDanglingParent(t *testing.T) {
	client, stop := startTestHub(t)
	defer stop()

	err := client.Submit(context.Background(), []core.Step{{ID: "s1", Scope: "default", Parents: []string{"ghost"}}})
	if err == nil {
		t.Fatalf("expected dangling parent rejection")
	}
}

func TestDonesAdvancesReadiness(t *testing.T) {
	client, stop := startTestHub(t)
	defer stop()
	ctx := context.Background()

	steps := []core.Step{
		{ID: "s1", Scope: "default"},
		{ID: "s2", Scope: "default", Parents: []string{"s1"}},
	}
	if err := client.Submit(ctx, steps); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := client.GetSteps(ctx, []string{"default"}, false, "w1", 10, time.Hour); err != nil {
		t.Fatalf("GetSteps: %v", err)
	}

	applied, failed, err := client.Dones(ctx, []string{"s1"})
	if err != nil {
		t.Fatalf("Dones: %v", err)
	}
	if len(applied) != 1 || len(failed) != 0 {
		t.Fatalf("Dones applied=%v failed=%v", applied, failed)
	}

	got, err := client.GetSteps(ctx, []string{"default"}, false, "w1", 10, time.Hour)
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	if len(got) != 1 || got[0] != "s2" {
		t.Fatalf("expected s2 ready after s1 done, got %v", got)
	}
}

func TestCancelsPropagate(t *testing.T) {
	client, stop := startTestHub(t)
	defer stop()
	ctx := context.Background()

	steps := []core.Step{
		{ID: "s1", Scope: "default"},
		{ID: "s2", Scope: "default", Parents: []string{"s1"}},
	}
	if err := client.Submit(ctx, steps); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, _, err := client.Cancels(ctx, []string{"s1"}); err != nil {
		t.Fatalf("Cancels: %v", err)
	}

	all, err := client.BulkGetStep(ctx, []string{"s1", "s2"})
	if err != nil {
		t.Fatalf("BulkGetStep: %v", err)
	}
	for _, id := range []string{"s1", "s2"} {
		if all[id].Status != core.StatusCancel {
			t.Errorf("step %s status = %s, want cancel", id, all[id].Status)
		}
	}
}

func TestErrorIncrementsAttempts(t *testing.T) {
	client, stop := startTestHub(t)
	defer stop()
	ctx := context.Background()

	if err := client.Submit(ctx, []core.Step{{ID: "s1", Scope: "default"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := client.Error(ctx, "s1", "Job timed out", ""); err != nil {
		t.Fatalf("Error: %v", err)
	}
	all, err := client.BulkGetStep(ctx, []string{"s1"})
	if err != nil {
		t.Fatalf("BulkGetStep: %v", err)
	}
	if all["s1"].Status != core.StatusError || all["s1"].Attempts != 1 {
		t.Fatalf("got %+v, want status=error attempts=1", all["s1"])
	}
}
