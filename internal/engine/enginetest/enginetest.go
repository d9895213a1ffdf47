// Package enginetest provides an in-memory fake engine driver for tests
// that exercise pool and lifecycle behavior without a real engine.
package enginetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nestgraph/nestgraph/internal/engine"
)

// Opener is a fake engine.Opener that tracks every handle it creates.
type Opener struct {
	// ConcurrentHandles controls the Concurrent capability flag.
	ConcurrentHandles bool

	// OpenErr, when set, makes every Open fail with this error.
	OpenErr error

	mu      sync.Mutex
	handles []*Handle
	opens   atomic.Int64
}

// NewOpener creates a fake opener.
func NewOpener() *Opener {
	return &Opener{}
}

func (o *Opener) Concurrent() bool { return o.ConcurrentHandles }

// Open returns a new fake handle bound to path.
func (o *Opener) Open(ctx context.Context, path string) (engine.Handle, error) {
	o.opens.Add(1)
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	h := &Handle{Path: path}
	o.mu.Lock()
	o.handles = append(o.handles, h)
	o.mu.Unlock()
	return h, nil
}

// OpenCount reports how many Open calls were made.
func (o *Opener) OpenCount() int { return int(o.opens.Load()) }

// Handles returns every handle created so far.
func (o *Opener) Handles() []*Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Handle, len(o.handles))
	copy(out, o.handles)
	return out
}

// LiveCount reports how many created handles are not yet closed.
func (o *Opener) LiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, h := range o.handles {
		if !h.Closed() {
			n++
		}
	}
	return n
}

// Handle is a fake engine.Handle. Exec and Query record statements;
// PingErr makes health probes fail.
type Handle struct {
	Path string

	mu      sync.Mutex
	pingErr error
	execErr error
	stmts   []string
	closed  bool

	// BlockExec, when set, makes Exec and Query wait for ctx
	// cancellation, simulating a slow engine call.
	BlockExec bool
}

// FailPing makes subsequent Ping calls return err.
func (h *Handle) FailPing(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pingErr = err
}

// FailExec makes subsequent Exec and Query calls return err.
func (h *Handle) FailExec(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.execErr = err
}

func (h *Handle) Ping(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("handle closed")
	}
	return h.pingErr
}

func (h *Handle) Exec(ctx context.Context, stmt string, params map[string]any) error {
	h.mu.Lock()
	blocked := h.BlockExec
	err := h.execErr
	h.stmts = append(h.stmts, stmt)
	h.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (h *Handle) Query(ctx context.Context, stmt string, params map[string]any) (engine.Rows, error) {
	if err := h.Exec(ctx, stmt, params); err != nil {
		return nil, err
	}
	return &rows{cols: []string{"ok"}, data: [][]any{{int64(1)}}}, nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

var _ engine.Opener = (*Opener)(nil)

// Statements returns every statement passed to Exec or Query.
func (h *Handle) Statements() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.stmts))
	copy(out, h.stmts)
	return out
}

type rows struct {
	cols []string
	data [][]any
	idx  int
}

func (r *rows) Columns() []string { return r.cols }

func (r *rows) Next() bool { return r.idx < len(r.data) }

func (r *rows) Values() ([]any, error) {
	v := r.data[r.idx]
	r.idx++
	return v, nil
}

func (r *rows) Err() error { return nil }

func (r *rows) Close() error { return nil }
