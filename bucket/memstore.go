package bucket

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// DefaultMaxMemoryBytes is the in-memory footprint budget.
const DefaultMaxMemoryBytes = 50 * 1024 * 1024

// MemStore is the default bucket backend: an in-memory map with FIFO
// eviction, mirrored to one file per key on disk. The memory map and its
// insertion-order list are the only shared mutable state, held under a
// single lock.
type MemStore struct {
	mu         sync.Mutex
	data       map[string][]byte
	order      []string // insertion order, oldest first
	footprint  int
	maxBytes   int
	dir        string
	logger     *slog.Logger
	evictCount int
}

// NewMemStore creates a MemStore backed by dir (created if absent), with an
// in-memory budget of maxBytes (DefaultMaxMemoryBytes if <= 0).
func NewMemStore(dir string, maxBytes int, logger *slog.Logger) (*MemStore, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMemoryBytes
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bucket: create storage dir: %w", err)
	}
	return &MemStore{
		data:     make(map[string][]byte),
		maxBytes: maxBytes,
		dir:      dir,
		logger:   logger,
	}, nil
}

// EvictionCount returns the number of evictions performed so far (test hook
// and metrics source).
func (m *MemStore) EvictionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictCount
}

// MemoryFootprint returns the current in-memory byte count.
func (m *MemStore) MemoryFootprint() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.footprint
}

func (m *MemStore) diskPath(key string) string {
	return filepath.Join(m.dir, url.QueryEscape(key))
}

func (m *MemStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	if data, ok := m.data[key]; ok {
		out := make([]byte, len(data))
		copy(out, data)
		m.mu.Unlock()
		return out, true, nil
	}
	m.mu.Unlock()

	// Memory miss: consult disk. Re-materialize into the map on hit.
	data, err := os.ReadFile(m.diskPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("bucket: read disk file for %q: %w", key, err)
	}

	m.mu.Lock()
	m.insertLocked(key, data)
	m.mu.Unlock()
	return data, true, nil
}

func (m *MemStore) Set(ctx context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	m.insertLocked(key, cp)
	m.mu.Unlock()

	// Disk write happens synchronously before Set returns, so the
	// acknowledgment implies durability.
	if err := os.WriteFile(m.diskPath(key), data, 0o644); err != nil {
		return fmt.Errorf("bucket: write disk file for %q: %w", key, err)
	}
	return nil
}

// insertLocked records key/data, replacing any prior in-memory entry, and
// runs the FIFO eviction sweep. Caller must hold m.mu.
func (m *MemStore) insertLocked(key string, data []byte) {
	if old, exists := m.data[key]; exists {
		m.footprint -= len(old)
	} else {
		m.order = append(m.order, key)
	}
	m.data[key] = data
	m.footprint += len(data)
	m.evictLocked()
}

// evictLocked removes entries in insertion order until under budget. Disk
// copies are untouched; evicted keys re-materialize on next Get. Caller must
// hold m.mu.
func (m *MemStore) evictLocked() {
	for m.footprint > m.maxBytes && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		if data, ok := m.data[oldest]; ok {
			m.footprint -= len(data)
			delete(m.data, oldest)
			m.evictCount++
			m.logger.Debug("bucket: evicted key", "key", oldest, "footprint", m.footprint, "budget", m.maxBytes)
		}
	}
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	if data, ok := m.data[key]; ok {
		m.footprint -= len(data)
		delete(m.data, key)
		for i, k := range m.order {
			if k == key {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if err := os.Remove(m.diskPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bucket: delete disk file for %q: %w", key, err)
	}
	return nil
}

func (m *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
