// Package store defines the persistence contract for the hub: step
// records, readiness counters, and scope-ordered leasing. Concrete
// backends live in the postgres and sqlite subpackages.
package store

import (
	"context"
	"time"

	"github.com/nevindra/pipeworks/core"
)

// Lease is handed out by GetSteps and records exclusive dispatch of a step
// to a worker until Deadline.
type Lease struct {
	StepID   string
	WorkerID string
	Deadline time.Time
}

// BatchOutcome reports the per-id result of a transition batch: ids that
// committed and the first error encountered for ids that did not (used by
// the worker's drainer bulk-then-fallback path).
type BatchOutcome struct {
	Applied []string
	Failed  map[string]error
}

// Store is the hub's persistence and dispatch contract. All transition
// methods are idempotent per step id, so an at-least-once retry from the
// worker is safe.
type Store interface {
	// Submit inserts steps atomically, rejecting the whole batch if any
	// parent reference dangles (core.ErrDanglingParent) or the batch
	// contains a cycle (core.ErrCycle).
	Submit(ctx context.Context, steps []core.Step) error

	// GetSteps leases up to batchSize ready steps, scanning scopes in
	// order and returning from the first scope with ready work. Within a
	// scope, steps are ordered by priority (ascending, or descending if
	// reverse), ties broken by submission order. Leased steps transition
	// to working and are stamped with a lease of workerID, deadline
	// derived from defaultTimeout unless the step declares its own.
	GetSteps(ctx context.Context, scopes []string, reverse bool, workerID string, batchSize int, defaultTimeout time.Duration) ([]core.Step, error)

	// BulkGetStep returns full records for the requested ids. Unknown ids
	// are simply absent from the result map.
	BulkGetStep(ctx context.Context, ids []string) (map[string]core.Step, error)

	// Dones marks steps success, decrementing each dependent child's
	// pending-parent counter; a queued child whose counter reaches zero
	// becomes dispatchable.
	Dones(ctx context.Context, ids []string) BatchOutcome
	// Pendings defers steps: they transition to pending and re-enter
	// queued after delay.
	Pendings(ctx context.Context, ids []string, delay time.Duration) BatchOutcome
	// Resets clears accumulated error state and re-queues immediately.
	Resets(ctx context.Context, ids []string) BatchOutcome
	// Cancels transitions the named steps, and all of their transitive
	// descendants, to cancel.
	Cancels(ctx context.Context, ids []string) BatchOutcome

	// Error records a step failure: increments attempts, stores message
	// and trace, and moves the step to error.
	Error(ctx context.Context, id string, message, trace string) error

	// ReapExpiredLeases returns steps whose lease deadline has passed to
	// queued, making them dispatchable again. The postgres and sqlite
	// backends also move pending steps whose delay has elapsed back to
	// queued here; MemStore re-queues pending steps on its own timer
	// instead. Returns the number of steps re-queued.
	ReapExpiredLeases(ctx context.Context, now time.Time) (int, error)

	Close() error
}
