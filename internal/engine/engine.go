// Package engine defines the narrow driver contract the runtime uses to
// talk to embedded database engines. Concrete drivers live in
// subpackages: kuzu for the graph engine, duckdb for the staging engine.
//
// Statements may contain named placeholders ($name); parameter values are
// always bound, never interpolated into statement text.
package engine

import (
	"context"
	"time"
)

// Opener creates handles bound to a database path.
type Opener interface {
	// Open opens one live handle on the database at path, creating the
	// database if it does not exist.
	Open(ctx context.Context, path string) (Handle, error)

	// Concurrent reports whether multiple simultaneously-usable handles
	// may safely target the same writable database path. Engines that
	// lock the database file per handle return false, and the pool
	// serializes access through a single slot per key.
	Concurrent() bool
}

// Handle is one live engine connection. Handles are not safe for
// concurrent use; the pool guarantees single ownership between Acquire
// and Release.
type Handle interface {
	// Ping verifies the handle is still usable. Used as the pool's
	// health probe on reuse.
	Ping(ctx context.Context) error

	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, stmt string, params map[string]any) error

	// Query runs a statement and returns a forward-only cursor.
	Query(ctx context.Context, stmt string, params map[string]any) (Rows, error)

	// Close releases the underlying connection.
	Close() error
}

// Rows is a forward-only result cursor.
type Rows interface {
	Columns() []string
	Next() bool
	Values() ([]any, error)
	Err() error
	Close() error
}

// Result is a fully buffered query result.
type Result struct {
	Columns  []string
	Rows     [][]any
	RowCount int64
	Elapsed  time.Duration
}

// Collect drains rows into a Result and closes the cursor.
func Collect(rows Rows) (*Result, error) {
	defer func() { _ = rows.Close() }()

	res := &Result{Columns: rows.Columns()}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowCount = int64(len(res.Rows))
	return res, nil
}
