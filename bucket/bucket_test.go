package bucket

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func startTestServer(t *testing.T) (*Client, func()) {
	t.Helper()
	store, err := NewMemStore(t.TempDir(), DefaultMaxMemoryBytes, nil)
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	srv := NewServer(store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx, "127.0.0.1", testPort)
	}()
	waitForPort(t, testPort)

	client := NewClient("127.0.0.1", testPort)
	return client, func() {
		cancel()
		<-errCh
	}
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSetGetRoundTrip(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	ctx := context.Background()
	if err := client.Set(ctx, "hello", []byte("world")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	data, ok, err := client.Get(ctx, "hello")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(data) != "world" {
		t.Fatalf("Get = (%q, %v), want (world, true)", data, ok)
	}
}

func TestGetMissingKey(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	_, ok, err := client.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing key")
	}
}

func TestDelete(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	ctx := context.Background()
	if err := client.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := client.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := client.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be gone after delete")
	}
}

func TestBigPayloadRoundTrip(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	big := make([]byte, 10*1024*1024)
	rand.New(rand.NewSource(1)).Read(big)

	ctx := context.Background()
	if err := client.Set(ctx, "big", big); err != nil {
		t.Fatalf("Set: %v", err)
	}
	data, ok, err := client.Get(ctx, "big")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || !bytes.Equal(data, big) {
		t.Fatalf("big payload round trip mismatch")
	}

	// A second get must return the same bytes. At 10 MiB the payload stays
	// within the default 50 MiB memory budget, so it is still held in memory.
	data2, ok2, err := client.Get(ctx, "big")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if !ok2 || !bytes.Equal(data2, big) {
		t.Fatalf("second big payload round trip mismatch")
	}
}

func TestEvictionUnderMemoryBudget(t *testing.T) {
	store, err := NewMemStore(t.TempDir(), 1024, nil)
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		key := string(rune('a' + i%26))
		if err := store.Set(ctx, key, bytes.Repeat([]byte{byte(i)}, 100)); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if store.EvictionCount() == 0 {
		t.Fatalf("expected evictions under a tight memory budget")
	}
	if store.MemoryFootprint() > 1024 {
		t.Fatalf("footprint %d exceeds budget", store.MemoryFootprint())
	}
}

const testPort = 61599

func waitForPort(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c := NewClient("127.0.0.1", port)
		if err := c.Delete(context.Background(), "__ping__"); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
