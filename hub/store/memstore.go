package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nevindra/pipeworks/core"
)

// MemStore is an in-process reference Store, used to unit test dispatch and
// readiness logic independent of a SQL backend. It is not a durable
// persistence layer; production deployments use the postgres or sqlite
// subpackages.
type MemStore struct {
	mu       sync.Mutex
	steps    map[string]core.Step
	pending  map[string]int      // pending-parent counter
	children map[string][]string // parent id -> dependent child ids
	leases   map[string]Lease
	seq      map[string]int64
	nextSeq  int64
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		steps:    make(map[string]core.Step),
		pending:  make(map[string]int),
		children: make(map[string][]string),
		leases:   make(map[string]Lease),
		seq:      make(map[string]int64),
	}
}

func (m *MemStore) Submit(ctx context.Context, steps []core.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := func(id string) bool {
		_, ok := m.steps[id]
		return ok
	}
	if err := core.ValidateDAG(steps, existing); err != nil {
		return err
	}

	for _, st := range steps {
		st.Status = core.StatusQueued
		st.Attempts = 0
		m.steps[st.ID] = st
		m.nextSeq++
		m.seq[st.ID] = m.nextSeq
	}
	for _, st := range steps {
		count := 0
		for _, p := range st.Parents {
			if parent, ok := m.steps[p]; !ok || parent.Status != core.StatusSuccess {
				count++
			}
			m.children[p] = append(m.children[p], st.ID)
		}
		m.pending[st.ID] = count
	}
	return nil
}

func (m *MemStore) GetSteps(ctx context.Context, scopes []string, reverse bool, workerID string, batchSize int, defaultTimeout time.Duration) ([]core.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, scope := range scopes {
		var ready []core.Step
		for _, st := range m.steps {
			if st.Scope == scope && st.Status == core.StatusQueued && m.pending[st.ID] == 0 {
				ready = append(ready, st)
			}
		}
		if len(ready) == 0 {
			continue
		}
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].Priority != ready[j].Priority {
				if reverse {
					return ready[i].Priority > ready[j].Priority
				}
				return ready[i].Priority < ready[j].Priority
			}
			return m.seq[ready[i].ID] < m.seq[ready[j].ID]
		})
		if batchSize > 0 && len(ready) > batchSize {
			ready = ready[:batchSize]
		}

		timeout := defaultTimeout
		now := time.Now()
		out := make([]core.Step, 0, len(ready))
		for _, st := range ready {
			st.Status = core.StatusWorking
			if st.Timeout > 0 {
				timeout = time.Duration(st.Timeout) * time.Second
			} else {
				timeout = defaultTimeout
			}
			m.steps[st.ID] = st
			m.leases[st.ID] = Lease{StepID: st.ID, WorkerID: workerID, Deadline: now.Add(timeout)}
			out = append(out, st)
		}
		return out, nil
	}
	return nil, nil
}

func (m *MemStore) BulkGetStep(ctx context.Context, ids []string) (map[string]core.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]core.Step, len(ids))
	for _, id := range ids {
		if st, ok := m.steps[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (m *MemStore) Dones(ctx context.Context, ids []string) BatchOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome := BatchOutcome{Failed: make(map[string]error)}
	for _, id := range ids {
		st, ok := m.steps[id]
		if !ok {
			outcome.Failed[id] = core.ErrNotFound
			continue
		}
		if st.Status != core.StatusSuccess {
			st.Status = core.StatusSuccess
			m.steps[id] = st
			delete(m.leases, id)
			for _, child := range m.children[id] {
				if m.pending[child] > 0 {
					m.pending[child]--
				}
			}
		}
		outcome.Applied = append(outcome.Applied, id)
	}
	return outcome
}

func (m *MemStore) Pendings(ctx context.Context, ids []string, delay time.Duration) BatchOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome := BatchOutcome{Failed: make(map[string]error)}
	for _, id := range ids {
		st, ok := m.steps[id]
		if !ok {
			outcome.Failed[id] = core.ErrNotFound
			continue
		}
		st.Status = core.StatusPending
		m.steps[id] = st
		delete(m.leases, id)
		outcome.Applied = append(outcome.Applied, id)

		id := id
		time.AfterFunc(delay, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if cur, ok := m.steps[id]; ok && cur.Status == core.StatusPending {
				cur.Status = core.StatusQueued
				m.steps[id] = cur
			}
		})
	}
	return outcome
}

func (m *MemStore) Resets(ctx context.Context, ids []string) BatchOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome := BatchOutcome{Failed: make(map[string]error)}
	for _, id := range ids {
		st, ok := m.steps[id]
		if !ok {
			outcome.Failed[id] = core.ErrNotFound
			continue
		}
		st.Status = core.StatusQueued
		st.Attempts = 0
		st.LastError = ""
		m.steps[id] = st
		delete(m.leases, id)
		outcome.Applied = append(outcome.Applied, id)
	}
	return outcome
}

func (m *MemStore) Cancels(ctx context.Context, ids []string) BatchOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome := BatchOutcome{Failed: make(map[string]error)}
	for _, id := range ids {
		if _, ok := m.steps[id]; !ok {
			outcome.Failed[id] = core.ErrNotFound
			continue
		}
		m.cancelSubtreeLocked(id)
		outcome.Applied = append(outcome.Applied, id)
	}
	return outcome
}

// cancelSubtreeLocked cancels id and every transitive descendant. Caller
// must hold m.mu.
func (m *MemStore) cancelSubtreeLocked(root string) {
	stack := []string{root}
	visited := make(map[string]bool)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		if st, ok := m.steps[id]; ok {
			st.Status = core.StatusCancel
			m.steps[id] = st
			delete(m.leases, id)
		}
		stack = append(stack, m.children[id]...)
	}
}

func (m *MemStore) Error(ctx context.Context, id string, message, trace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.steps[id]
	if !ok {
		return core.ErrNotFound
	}
	st.Status = core.StatusError
	st.Attempts++
	if trace != "" {
		st.LastError = message + "\n" + trace
	} else {
		st.LastError = message
	}
	m.steps[id] = st
	delete(m.leases, id)
	return nil
}

func (m *MemStore) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, lease := range m.leases {
		if now.After(lease.Deadline) {
			if st, ok := m.steps[id]; ok && st.Status == core.StatusWorking {
				st.Status = core.StatusQueued
				m.steps[id] = st
			}
			delete(m.leases, id)
			count++
		}
	}
	return count, nil
}

func (m *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
