// Package kuzu implements the engine driver contract on the embedded Kuzu
// graph engine. One handle owns one database object and one connection;
// Kuzu locks the database directory per process handle, so the opener
// reports no concurrent multi-handle capability and the pool serializes
// writers through a single slot per graph.
package kuzu

import (
	"context"
	"fmt"

	"github.com/nestgraph/nestgraph/internal/engine"

	kuzudb "github.com/kuzudb/go-kuzu"
)

// Opener opens Kuzu graph databases.
type Opener struct {
	// BufferPoolSize caps the engine buffer pool in bytes. Zero keeps
	// the engine default.
	BufferPoolSize uint64
}

// NewOpener creates a Kuzu opener.
func NewOpener() *Opener {
	return &Opener{}
}

// Concurrent reports false: two handles on the same writable database
// directory are not safe.
func (o *Opener) Concurrent() bool { return false }

// Open opens the Kuzu database at path, creating it if absent.
func (o *Opener) Open(ctx context.Context, path string) (engine.Handle, error) {
	cfg := kuzudb.DefaultSystemConfig()
	if o.BufferPoolSize > 0 {
		cfg.BufferPoolSize = o.BufferPoolSize
	}

	db, err := kuzudb.OpenDatabase(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open kuzu database at %s: %w", path, err)
	}

	conn, err := kuzudb.OpenConnection(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open kuzu connection at %s: %w", path, err)
	}

	return &handle{db: db, conn: conn}, nil
}

type handle struct {
	db   *kuzudb.Database
	conn *kuzudb.Connection
}

func (h *handle) Ping(ctx context.Context) error {
	res, err := h.run(ctx, "RETURN 1", nil)
	if err != nil {
		return err
	}
	res.Close()
	return nil
}

func (h *handle) Exec(ctx context.Context, stmt string, params map[string]any) error {
	res, err := h.run(ctx, stmt, params)
	if err != nil {
		return err
	}
	res.Close()
	return nil
}

func (h *handle) Query(ctx context.Context, stmt string, params map[string]any) (engine.Rows, error) {
	res, err := h.run(ctx, stmt, params)
	if err != nil {
		return nil, err
	}
	return &kuzuRows{res: res, cols: res.GetColumnNames()}, nil
}

// run executes the statement, interrupting the connection if ctx ends
// before the engine call returns.
func (h *handle) run(ctx context.Context, stmt string, params map[string]any) (*kuzudb.QueryResult, error) {
	done := make(chan struct{})
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.conn.Interrupt()
			case <-done:
			}
		}()
	}
	defer close(done)

	if len(params) == 0 {
		res, err := h.conn.Query(stmt)
		if err != nil {
			return nil, wrapCtxErr(ctx, err)
		}
		return res, nil
	}

	prepared, err := h.conn.Prepare(stmt)
	if err != nil {
		return nil, wrapCtxErr(ctx, err)
	}
	defer prepared.Close()

	res, err := h.conn.Execute(prepared, params)
	if err != nil {
		return nil, wrapCtxErr(ctx, err)
	}
	return res, nil
}

// wrapCtxErr prefers the context error when an interrupt caused the
// engine failure.
func wrapCtxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

func (h *handle) Close() error {
	h.conn.Close()
	h.db.Close()
	return nil
}

type kuzuRows struct {
	res  *kuzudb.QueryResult
	cols []string
	err  error
}

func (r *kuzuRows) Columns() []string { return r.cols }

func (r *kuzuRows) Next() bool {
	return r.err == nil && r.res.HasNext()
}

func (r *kuzuRows) Values() ([]any, error) {
	tuple, err := r.res.Next()
	if err != nil {
		r.err = err
		return nil, err
	}
	vals, err := tuple.GetAsSlice()
	if err != nil {
		r.err = err
		return nil, err
	}
	return vals, nil
}

func (r *kuzuRows) Err() error { return r.err }

func (r *kuzuRows) Close() error {
	r.res.Close()
	return nil
}

var _ engine.Opener = (*Opener)(nil)
