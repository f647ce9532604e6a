// Package postgres implements store.Store using PostgreSQL via pgx/pgxpool.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/pipeworks/core"
	"github.com/nevindra/pipeworks/hub/store"
)

// Store implements store.Store backed by a steps table plus a step_parents
// edge table, with row-level locking via SELECT ... FOR UPDATE SKIP LOCKED
// for lease dispatch.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it; Close is a no-op passthrough so
// Store satisfies store.Store without double-closing a shared pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.Store = (*Store)(nil)

// Init creates the schema. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			timeout_seconds INTEGER NOT NULL DEFAULT 0,
			code BYTEA,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			pending_count INTEGER NOT NULL DEFAULT 0,
			seq BIGSERIAL,
			lease_worker TEXT,
			lease_deadline TIMESTAMPTZ,
			pending_until TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS steps_dispatch_idx ON steps(scope, status, pending_count)`,
		`CREATE TABLE IF NOT EXISTS step_parents (
			step_id TEXT NOT NULL REFERENCES steps(id) ON DELETE CASCADE,
			parent_id TEXT NOT NULL,
			PRIMARY KEY (step_id, parent_id)
		)`,
		`CREATE INDEX IF NOT EXISTS step_parents_parent_idx ON step_parents(parent_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

func (s *Store) Submit(ctx context.Context, steps []core.Step) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	existing := func(id string) bool {
		var found bool
		_ = tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM steps WHERE id = $1)`, id).Scan(&found)
		return found
	}
	if err := core.ValidateDAG(steps, existing); err != nil {
		return err
	}

	for _, st := range steps {
		if _, err := tx.Exec(ctx, `
			INSERT INTO steps (id, name, scope, priority, timeout_seconds, code, status, attempts, last_error, pending_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, '', 0)
		`, st.ID, st.Name, st.Scope, st.Priority, st.Timeout, st.Code, core.StatusQueued); err != nil {
			return fmt.Errorf("postgres: insert step %q: %w", st.ID, err)
		}
	}
	for _, st := range steps {
		count := 0
		for _, p := range st.Parents {
			if _, err := tx.Exec(ctx, `INSERT INTO step_parents (step_id, parent_id) VALUES ($1, $2)`, st.ID, p); err != nil {
				return fmt.Errorf("postgres: insert parent edge %q<-%q: %w", st.ID, p, err)
			}
			var parentStatus string
			err := tx.QueryRow(ctx, `SELECT status FROM steps WHERE id = $1`, p).Scan(&parentStatus)
			if err != nil || parentStatus != string(core.StatusSuccess) {
				count++
			}
		}
		if count > 0 {
			if _, err := tx.Exec(ctx, `UPDATE steps SET pending_count = $2 WHERE id = $1`, st.ID, count); err != nil {
				return fmt.Errorf("postgres: set pending_count for %q: %w", st.ID, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit submit: %w", err)
	}
	return nil
}

func (s *Store) GetSteps(ctx context.Context, scopes []string, reverse bool, workerID string, batchSize int, defaultTimeout time.Duration) ([]core.Step, error) {
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	for _, scope := range scopes {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("postgres: begin tx: %w", err)
		}

		rows, err := tx.Query(ctx, fmt.Sprintf(`
			SELECT id, name, scope, priority, timeout_seconds, code, attempts, last_error
			FROM steps
			WHERE scope = $1 AND status = $2 AND pending_count = 0
			ORDER BY priority %s, seq ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		`, order), scope, core.StatusQueued, batchSize)
		if err != nil {
			tx.Rollback(ctx) //nolint:errcheck
			return nil, fmt.Errorf("postgres: select ready steps: %w", err)
		}

		var out []core.Step
		for rows.Next() {
			var st core.Step
			if err := rows.Scan(&st.ID, &st.Name, &st.Scope, &st.Priority, &st.Timeout, &st.Code, &st.Attempts, &st.LastError); err != nil {
				rows.Close()
				tx.Rollback(ctx) //nolint:errcheck
				return nil, fmt.Errorf("postgres: scan ready step: %w", err)
			}
			st.Status = core.StatusWorking
			out = append(out, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			tx.Rollback(ctx) //nolint:errcheck
			return nil, fmt.Errorf("postgres: iterate ready steps: %w", err)
		}

		if len(out) == 0 {
			tx.Rollback(ctx) //nolint:errcheck
			continue
		}

		now := time.Now()
		for _, st := range out {
			timeout := defaultTimeout
			if st.Timeout > 0 {
				timeout = time.Duration(st.Timeout) * time.Second
			}
			if _, err := tx.Exec(ctx, `
				UPDATE steps SET status = $2, lease_worker = $3, lease_deadline = $4 WHERE id = $1
			`, st.ID, core.StatusWorking, workerID, now.Add(timeout)); err != nil {
				tx.Rollback(ctx) //nolint:errcheck
				return nil, fmt.Errorf("postgres: lease step %q: %w", st.ID, err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("postgres: commit lease: %w", err)
		}
		return out, nil
	}
	return nil, nil
}

func (s *Store) BulkGetStep(ctx context.Context, ids []string) (map[string]core.Step, error) {
	out := make(map[string]core.Step, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, scope, priority, timeout_seconds, code, status, attempts, last_error
		FROM steps WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: bulk get step: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st core.Step
		if err := rows.Scan(&st.ID, &st.Name, &st.Scope, &st.Priority, &st.Timeout, &st.Code, &st.Status, &st.Attempts, &st.LastError); err != nil {
			return nil, fmt.Errorf("postgres: scan step: %w", err)
		}
		out[st.ID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate steps: %w", err)
	}
	return out, nil
}

func (s *Store) Dones(ctx context.Context, ids []string) store.BatchOutcome {
	return s.batch(ctx, ids, func(tx pgx.Tx, id string) error {
		tag, err := tx.Exec(ctx, `
			UPDATE steps SET status = $2, lease_worker = NULL, lease_deadline = NULL
			WHERE id = $1 AND status <> $2
		`, id, core.StatusSuccess)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil // already success: idempotent no-op
		}
		_, err = tx.Exec(ctx, `
			UPDATE steps SET pending_count = pending_count - 1
			WHERE pending_count > 0 AND id IN (SELECT step_id FROM step_parents WHERE parent_id = $1)
		`, id)
		return err
	})
}

func (s *Store) Pendings(ctx context.Context, ids []string, delay time.Duration) store.BatchOutcome {
	return s.batch(ctx, ids, func(tx pgx.Tx, id string) error {
		_, err := tx.Exec(ctx, `
			UPDATE steps SET status = $2, lease_worker = NULL, lease_deadline = NULL, pending_until = $3
			WHERE id = $1
		`, id, core.StatusPending, time.Now().Add(delay))
		return err
	})
}

func (s *Store) Resets(ctx context.Context, ids []string) store.BatchOutcome {
	return s.batch(ctx, ids, func(tx pgx.Tx, id string) error {
		_, err := tx.Exec(ctx, `
			UPDATE steps SET status = $2, attempts = 0, last_error = '', lease_worker = NULL, lease_deadline = NULL
			WHERE id = $1
		`, id, core.StatusQueued)
		return err
	})
}

func (s *Store) Cancels(ctx context.Context, ids []string) store.BatchOutcome {
	return s.batch(ctx, ids, func(tx pgx.Tx, id string) error {
		_, err := tx.Exec(ctx, `
			WITH RECURSIVE descendants(id) AS (
				SELECT $1::text
				UNION
				SELECT sp.step_id FROM step_parents sp JOIN descendants d ON sp.parent_id = d.id
			)
			UPDATE steps SET status = $2, lease_worker = NULL, lease_deadline = NULL
			WHERE id IN (SELECT id FROM descendants)
		`, id, core.StatusCancel)
		return err
	})
}

// batch runs fn for every id inside one transaction, amortizing commit
// cost across the batch, and returns per-id outcomes. A per-id failure
// does not abort sibling ids in the batch.
func (s *Store) batch(ctx context.Context, ids []string, fn func(tx pgx.Tx, id string) error) store.BatchOutcome {
	outcome := store.BatchOutcome{Failed: make(map[string]error)}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		for _, id := range ids {
			outcome.Failed[id] = fmt.Errorf("postgres: begin tx: %w", err)
		}
		return outcome
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, id := range ids {
		if err := fn(tx, id); err != nil {
			outcome.Failed[id] = err
			continue
		}
		outcome.Applied = append(outcome.Applied, id)
	}
	if err := tx.Commit(ctx); err != nil {
		outcome.Failed = map[string]error{}
		for _, id := range ids {
			outcome.Failed[id] = fmt.Errorf("postgres: commit batch: %w", err)
		}
		outcome.Applied = nil
	}
	return outcome
}

func (s *Store) Error(ctx context.Context, id string, message, trace string) error {
	lastError := message
	if trace != "" {
		lastError = message + "\n" + trace
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE steps SET status = $2, attempts = attempts + 1, last_error = $3, lease_worker = NULL, lease_deadline = NULL
		WHERE id = $1
	`, id, core.StatusError, lastError)
	if err != nil {
		return fmt.Errorf("postgres: record error for %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *Store) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE steps SET status = $2, lease_worker = NULL, lease_deadline = NULL
		WHERE status = $3 AND lease_deadline < $1
	`, now, core.StatusQueued, core.StatusWorking)
	if err != nil {
		return 0, fmt.Errorf("postgres: reap expired leases: %w", err)
	}
	leaseCount := int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx, `
		UPDATE steps SET status = $2, pending_until = NULL
		WHERE status = $3 AND pending_until <= $1
	`, now, core.StatusQueued, core.StatusPending)
	if err != nil {
		return leaseCount, fmt.Errorf("postgres: reap expired pendings: %w", err)
	}
	return leaseCount + int(tag.RowsAffected()), nil
}

// Close is a no-op: the pool is externally owned (see New).
func (s *Store) Close() error { return nil }
