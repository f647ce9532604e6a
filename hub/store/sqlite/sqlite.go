// Package sqlite implements store.Store using pure-Go SQLite. All
// concurrent callers serialize through a single connection (SetMaxOpenConns
// 1), so row-level locking isn't needed for lease dispatch.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nevindra/pipeworks/core"
	"github.com/nevindra/pipeworks/hub/store"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger. If unset, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements store.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

var nopLogger = slog.New(slog.DiscardHandler)

// New opens dbPath with a single serialized connection.
func New(dbPath string, opts ...Option) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the schema. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			timeout_seconds INTEGER NOT NULL DEFAULT 0,
			code BLOB,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			pending_count INTEGER NOT NULL DEFAULT 0,
			lease_worker TEXT,
			lease_deadline INTEGER,
			pending_until INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS step_parents (
			step_id TEXT NOT NULL,
			parent_id TEXT NOT NULL,
			PRIMARY KEY (step_id, parent_id)
		)`,
		`CREATE INDEX IF NOT EXISTS step_parents_parent_idx ON step_parents(parent_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

func (s *Store) Submit(ctx context.Context, steps []core.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	existing := func(id string) bool {
		var found int
		_ = tx.QueryRowContext(ctx, `SELECT 1 FROM steps WHERE id = ?`, id).Scan(&found)
		return found == 1
	}
	if err := core.ValidateDAG(steps, existing); err != nil {
		return err
	}

	for _, st := range steps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO steps (id, name, scope, priority, timeout_seconds, code, status, attempts, last_error, pending_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', 0)
		`, st.ID, st.Name, st.Scope, st.Priority, st.Timeout, st.Code, string(core.StatusQueued)); err != nil {
			return fmt.Errorf("sqlite: insert step %q: %w", st.ID, err)
		}
	}
	for _, st := range steps {
		count := 0
		for _, p := range st.Parents {
			if _, err := tx.ExecContext(ctx, `INSERT INTO step_parents (step_id, parent_id) VALUES (?, ?)`, st.ID, p); err != nil {
				return fmt.Errorf("sqlite: insert parent edge %q<-%q: %w", st.ID, p, err)
			}
			var parentStatus string
			err := tx.QueryRowContext(ctx, `SELECT status FROM steps WHERE id = ?`, p).Scan(&parentStatus)
			if err != nil || parentStatus != string(core.StatusSuccess) {
				count++
			}
		}
		if count > 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE steps SET pending_count = ? WHERE id = ?`, count, st.ID); err != nil {
				return fmt.Errorf("sqlite: set pending_count for %q: %w", st.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit submit: %w", err)
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
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("sqlite: begin tx: %w", err)
		}

		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
			SELECT id, name, scope, priority, timeout_seconds, code, attempts, last_error
			FROM steps
			WHERE scope = ? AND status = ? AND pending_count = 0
			ORDER BY priority %s, rowid ASC
			LIMIT ?
		`, order), scope, string(core.StatusQueued), batchSize)
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return nil, fmt.Errorf("sqlite: select ready steps: %w", err)
		}

		var out []core.Step
		for rows.Next() {
			var st core.Step
			if err := rows.Scan(&st.ID, &st.Name, &st.Scope, &st.Priority, &st.Timeout, &st.Code, &st.Attempts, &st.LastError); err != nil {
				rows.Close()
				tx.Rollback() //nolint:errcheck
				return nil, fmt.Errorf("sqlite: scan ready step: %w", err)
			}
			st.Status = core.StatusWorking
			out = append(out, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			tx.Rollback() //nolint:errcheck
			return nil, fmt.Errorf("sqlite: iterate ready steps: %w", err)
		}

		if len(out) == 0 {
			tx.Rollback() //nolint:errcheck
			continue
		}

		now := time.Now()
		for _, st := range out {
			timeout := defaultTimeout
			if st.Timeout > 0 {
				timeout = time.Duration(st.Timeout) * time.Second
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE steps SET status = ?, lease_worker = ?, lease_deadline = ? WHERE id = ?
			`, string(core.StatusWorking), workerID, now.Add(timeout).Unix(), st.ID); err != nil {
				tx.Rollback() //nolint:errcheck
				return nil, fmt.Errorf("sqlite: lease step %q: %w", st.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("sqlite: commit lease: %w", err)
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
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, name, scope, priority, timeout_seconds, code, status, attempts, last_error
		FROM steps WHERE id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: bulk get step: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st core.Step
		var status string
		if err := rows.Scan(&st.ID, &st.Name, &st.Scope, &st.Priority, &st.Timeout, &st.Code, &status, &st.Attempts, &st.LastError); err != nil {
			return nil, fmt.Errorf("sqlite: scan step: %w", err)
		}
		st.Status = core.StepStatus(status)
		out[st.ID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate steps: %w", err)
	}
	return out, nil
}

func (s *Store) Dones(ctx context.Context, ids []string) store.BatchOutcome {
	return s.batch(ctx, ids, func(tx *sql.Tx, id string) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE steps SET status = ?, lease_worker = NULL, lease_deadline = NULL
			WHERE id = ? AND status <> ?
		`, string(core.StatusSuccess), id, string(core.StatusSuccess))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil // already success: idempotent no-op
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE steps SET pending_count = pending_count - 1
			WHERE pending_count > 0 AND id IN (SELECT step_id FROM step_parents WHERE parent_id = ?)
		`, id)
		return err
	})
}

func (s *Store) Pendings(ctx context.Context, ids []string, delay time.Duration) store.BatchOutcome {
	return s.batch(ctx, ids, func(tx *sql.Tx, id string) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE steps SET status = ?, lease_worker = NULL, lease_deadline = NULL, pending_until = ?
			WHERE id = ?
		`, string(core.StatusPending), time.Now().Add(delay).Unix(), id)
		return err
	})
}

func (s *Store) Resets(ctx context.Context, ids []string) store.BatchOutcome {
	return s.batch(ctx, ids, func(tx *sql.Tx, id string) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE steps SET status = ?, attempts = 0, last_error = '', lease_worker = NULL, lease_deadline = NULL
			WHERE id = ?
		`, string(core.StatusQueued), id)
		return err
	})
}

func (s *Store) Cancels(ctx context.Context, ids []string) store.BatchOutcome {
	return s.batch(ctx, ids, func(tx *sql.Tx, id string) error {
		_, err := tx.ExecContext(ctx, `
			WITH RECURSIVE descendants(id) AS (
				SELECT ?
				UNION
				SELECT sp.step_id FROM step_parents sp JOIN descendants d ON sp.parent_id = d.id
			)
			UPDATE steps SET status = ?, lease_worker = NULL, lease_deadline = NULL
			WHERE id IN (SELECT id FROM descendants)
		`, id, string(core.StatusCancel))
		return err
	})
}

// batch runs fn for every id inside one transaction, amortizing commit
// cost across the batch.
func (s *Store) batch(ctx context.Context, ids []string, fn func(tx *sql.Tx, id string) error) store.BatchOutcome {
	outcome := store.BatchOutcome{Failed: make(map[string]error)}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		for _, id := range ids {
			outcome.Failed[id] = fmt.Errorf("sqlite: begin tx: %w", err)
		}
		return outcome
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range ids {
		if err := fn(tx, id); err != nil {
			outcome.Failed[id] = err
			continue
		}
		outcome.Applied = append(outcome.Applied, id)
	}
	if err := tx.Commit(); err != nil {
		outcome.Failed = make(map[string]error, len(ids))
		for _, id := range ids {
			outcome.Failed[id] = fmt.Errorf("sqlite: commit batch: %w", err)
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps SET status = ?, attempts = attempts + 1, last_error = ?, lease_worker = NULL, lease_deadline = NULL
		WHERE id = ?
	`, string(core.StatusError), lastError, id)
	if err != nil {
		return fmt.Errorf("sqlite: record error for %q: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *Store) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps SET status = ?, lease_worker = NULL, lease_deadline = NULL
		WHERE status = ? AND lease_deadline < ?
	`, string(core.StatusQueued), string(core.StatusWorking), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sqlite: reap expired leases: %w", err)
	}
	n1, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		UPDATE steps SET status = ?, pending_until = NULL
		WHERE status = ? AND pending_until <= ?
	`, string(core.StatusQueued), string(core.StatusPending), now.Unix())
	if err != nil {
		return int(n1), fmt.Errorf("sqlite: reap expired pendings: %w", err)
	}
	n2, _ := res.RowsAffected()
	return int(n1 + n2), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
