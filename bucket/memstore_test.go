package bucket

import (
	"bytes"
	"context"
	"testing"
)

func TestMemStoreSetGet(t *testing.T) {
	store, err := NewMemStore(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	data, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || string(data) != "v" {
		t.Fatalf("Get = (%q, %v, %v), want (v, true, nil)", data, ok, err)
	}
}

func TestMemStoreGetMissing(t *testing.T) {
	store, err := NewMemStore(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	_, ok, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing key")
	}
}

func TestMemStoreServesFromDiskAfterEviction(t *testing.T) {
	store, err := NewMemStore(t.TempDir(), 50, nil)
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Set(ctx, "first", bytes.Repeat([]byte{1}, 40)); err != nil {
		t.Fatalf("Set first: %v", err)
	}
	// Pushes "first" out of the in-memory budget, but its disk copy must
	// remain servable.
	if err := store.Set(ctx, "second", bytes.Repeat([]byte{2}, 40)); err != nil {
		t.Fatalf("Set second: %v", err)
	}
	if store.EvictionCount() == 0 {
		t.Fatalf("expected an eviction")
	}

	data, ok, err := store.Get(ctx, "first")
	if err != nil {
		t.Fatalf("Get after eviction: %v", err)
	}
	if !ok || !bytes.Equal(data, bytes.Repeat([]byte{1}, 40)) {
		t.Fatalf("evicted key did not serve correctly from disk")
	}
}

func TestMemStoreDeleteRemovesDiskFile(t *testing.T) {
	store, err := NewMemStore(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if ok {
		t.Fatalf("expected key gone after delete")
	}
}

func TestMemStoreDeleteMissingIsNotError(t *testing.T) {
	store, err := NewMemStore(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	if err := store.Delete(context.Background(), "never-set"); err != nil {
		t.Fatalf("Delete of missing key should not error: %v", err)
	}
}
