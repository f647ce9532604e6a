// Package postgres declares the interface user step bodies use to reach a
// relational database. pipeworks itself never opens this connection or
// drives its schema; a subprocess-mode step or an in-process StepRunner
// that needs a database takes a Querier and supplies its own pgxpool.Pool
// (or any other implementation) at construction time.
package postgres

import "context"

// Row is the subset of pgx.Row a step body typically needs.
type Row interface {
	Scan(dest ...any) error
}

// Querier is implemented by *pgxpool.Pool and is the only relational-
// database surface pipeworks exposes to step code.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
}

// Config names the connection parameters a step body reads from its own
// environment (typically POSTGRES_* variables set by the process
// supervisor, not by pipeworks).
type Config struct {
	DSN string
}
