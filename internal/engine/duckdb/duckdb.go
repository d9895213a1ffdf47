// Package duckdb implements the engine driver contract on DuckDB via
// database/sql. It backs the staging pool; staging databases are plain
// DuckDB files materialized from external columnar file sets.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nestgraph/nestgraph/internal/engine"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

// Opener opens DuckDB databases. Use ":memory:" as the path for an
// in-memory database.
type Opener struct{}

// NewOpener creates a DuckDB opener.
func NewOpener() *Opener {
	return &Opener{}
}

// Concurrent reports false: each Open creates its own DuckDB instance,
// and two instances cannot hold the same database file.
func (o *Opener) Concurrent() bool { return false }

// Open opens the DuckDB database at path, creating the parent
// directory if needed.
func (o *Opener) Open(ctx context.Context, path string) (engine.Handle, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create duckdb dir for %s: %w", path, err)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb at %s: %w", path, err)
	}

	// A pool slot is one logical connection; database/sql should not
	// fan out underneath it.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping duckdb at %s: %w", path, err)
	}

	return &handle{db: db}, nil
}

type handle struct {
	db *sql.DB
}

func (h *handle) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

func (h *handle) Exec(ctx context.Context, stmt string, params map[string]any) error {
	_, err := h.db.ExecContext(ctx, stmt, namedArgs(params)...)
	return err
}

func (h *handle) Query(ctx context.Context, stmt string, params map[string]any) (engine.Rows, error) {
	rows, err := h.db.QueryContext(ctx, stmt, namedArgs(params)...)
	if err != nil {
		return nil, err
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	return &sqlRows{rows: rows, cols: cols}, nil
}

func (h *handle) Close() error {
	return h.db.Close()
}

// namedArgs converts a params map into sql.Named arguments for $name
// placeholders.
func namedArgs(params map[string]any) []any {
	if len(params) == 0 {
		return nil
	}
	args := make([]any, 0, len(params))
	for name, value := range params {
		args = append(args, sql.Named(name, value))
	}
	return args
}

type sqlRows struct {
	rows *sql.Rows
	cols []string
}

func (r *sqlRows) Columns() []string { return r.cols }

func (r *sqlRows) Next() bool { return r.rows.Next() }

func (r *sqlRows) Values() ([]any, error) {
	vals := make([]any, len(r.cols))
	ptrs := make([]any, len(r.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

func (r *sqlRows) Err() error { return r.rows.Err() }

func (r *sqlRows) Close() error { return r.rows.Close() }

var _ engine.Opener = (*Opener)(nil)
