package worker

import (
	"context"
	"testing"
	"time"

	"github.com/nevindra/pipeworks/core"
)

func TestDrainerAppliesDonesInBulk(t *testing.T) {
	bucketClient, stopBucket := startTestBucket(t)
	defer stopBucket()
	hubClient, stopHub := startTestHub(t, bucketClient)
	defer stopHub()

	ctx := context.Background()
	steps := []core.Step{{ID: "d1", Scope: "default"}, {ID: "d2", Scope: "default"}}
	if err := hubClient.Submit(ctx, steps); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := hubClient.GetSteps(ctx, []string{"default"}, false, "w1", 10, time.Hour); err != nil {
		t.Fatalf("GetSteps: %v", err)
	}

	d := NewDrainer(bucketClient, hubClient, nil)
	defer d.Close()

	// Submit both before waiting so they land in the same batch.
	r1, err := d.Submit(ctx, transaction{Kind: kindDone, StepID: "d1", Data: []byte("a")})
	if err != nil {
		t.Fatalf("Submit d1: %v", err)
	}
	r2, err := d.Submit(ctx, transaction{Kind: kindDone, StepID: "d2", Data: []byte("b")})
	if err != nil {
		t.Fatalf("Submit d2: %v", err)
	}
	if err := r1.Wait(ctx); err != nil || r1.Job.err != nil {
		t.Fatalf("d1: wait=%v job=%v", err, r1.Job.err)
	}
	if err := r2.Wait(ctx); err != nil || r2.Job.err != nil {
		t.Fatalf("d2: wait=%v job=%v", err, r2.Job.err)
	}

	all, err := hubClient.BulkGetStep(ctx, []string{"d1", "d2"})
	if err != nil {
		t.Fatalf("BulkGetStep: %v", err)
	}
	for _, id := range []string{"d1", "d2"} {
		if all[id].Status != core.StatusSuccess {
			t.Errorf("step %s status = %s, want success", id, all[id].Status)
		}
	}

	data, ok, err := bucketClient.Get(ctx, "d1")
	if err != nil || !ok || string(data) != "a" {
		t.Fatalf("Get(d1) = (%q, %v, %v)", data, ok, err)
	}
}

func TestDrainerErrorTransitionIncrementsAttempts(t *testing.T) {
	bucketClient, stopBucket := startTestBucket(t)
	defer stopBucket()
	hubClient, stopHub := startTestHub(t, bucketClient)
	defer stopHub()

	ctx := context.Background()
	if err := hubClient.Submit(ctx, []core.Step{{ID: "e1", Scope: "default"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	d := NewDrainer(bucketClient, hubClient, nil)
	defer d.Close()

	if err := d.SubmitAndWait(ctx, transaction{Kind: kindError, StepID: "e1", Message: "boom"}); err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}

	all, err := hubClient.BulkGetStep(ctx, []string{"e1"})
	if err != nil {
		t.Fatalf("BulkGetStep: %v", err)
	}
	if all["e1"].Status != core.StatusError || all["e1"].Attempts != 1 {
		t.Fatalf("got %+v, want status=error attempts=1", all["e1"])
	}
}

func TestDrainerGroupsPendingsByDelay(t *testing.T) {
	bucketClient, stopBucket := startTestBucket(t)
	defer stopBucket()
	hubClient, stopHub := startTestHub(t, bucketClient)
	defer stopHub()

	ctx := context.Background()
	if err := hubClient.Submit(ctx, []core.Step{{ID: "p1", Scope: "default"}, {ID: "p2", Scope: "default"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	d := NewDrainer(bucketClient, hubClient, nil)
	defer d.Close()

	r1, err := d.Submit(ctx, transaction{Kind: kindPending, StepID: "p1", Delay: time.Hour})
	if err != nil {
		t.Fatalf("Submit p1: %v", err)
	}
	r2, err := d.Submit(ctx, transaction{Kind: kindPending, StepID: "p2", Delay: 2 * time.Hour})
	if err != nil {
		t.Fatalf("Submit p2: %v", err)
	}
	if err := r1.Wait(ctx); err != nil || r1.Job.err != nil {
		t.Fatalf("r1 wait: %v, job err: %v", err, r1.Job.err)
	}
	if err := r2.Wait(ctx); err != nil || r2.Job.err != nil {
		t.Fatalf("r2 wait: %v, job err: %v", err, r2.Job.err)
	}

	all, err := hubClient.BulkGetStep(ctx, []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("BulkGetStep: %v", err)
	}
	for _, id := range []string{"p1", "p2"} {
		if all[id].Status != core.StatusPending {
			t.Errorf("step %s status = %s, want pending", id, all[id].Status)
		}
	}
}
