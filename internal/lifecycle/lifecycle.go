// Package lifecycle manages graph database creation, deletion and query
// execution on the local instance. It owns the graph connection pool;
// nothing below the pool holds a reference back up. Existence of a
// database is authoritative on disk and reconciled into memory at
// startup, since pool and registry state do not survive a restart.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nestgraph/nestgraph/internal/engine"
	"github.com/nestgraph/nestgraph/internal/errdefs"
	"github.com/nestgraph/nestgraph/internal/ident"
	"github.com/nestgraph/nestgraph/internal/pool"
	"github.com/nestgraph/nestgraph/internal/staging"
)

// DatabaseInfo is the metadata record for one hosted graph database.
type DatabaseInfo struct {
	GraphID   ident.GraphID
	Path      string
	ReadOnly  bool
	CreatedAt time.Time
	SizeBytes int64
}

// Config holds lifecycle manager settings.
type Config struct {
	// InstanceID identifies this instance in capacity errors.
	InstanceID string

	// DataDir is the root directory for graph databases.
	DataDir string

	// MaxDatabases caps the live database count on this instance.
	MaxDatabases int

	// DrainTimeout bounds the wait for in-use connections during a
	// non-forced delete.
	DrainTimeout time.Duration

	Logger *slog.Logger
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.MaxDatabases <= 0 {
		c.MaxDatabases = 64
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 15 * time.Second
	}
}

// DatabasePath derives the on-disk path for a graph database. The pool
// over the graph engine must use the same derivation.
func DatabasePath(dataDir, key string) string {
	return filepath.Join(dataDir, key)
}

// Manager creates, deletes and queries graph databases.
type Manager struct {
	pool   *pool.Pool
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	databases map[ident.GraphID]*DatabaseInfo
	creating  map[ident.GraphID]struct{}
}

// New creates a manager and reconciles its database set against the
// data directory.
func New(p *pool.Pool, cfg Config) (*Manager, error) {
	cfg.ApplyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	m := &Manager{
		pool:      p,
		cfg:       cfg,
		logger:    logger,
		databases: make(map[ident.GraphID]*DatabaseInfo),
		creating:  make(map[ident.GraphID]struct{}),
	}
	if err := m.reconcile(); err != nil {
		return nil, err
	}
	return m, nil
}

// reconcile rebuilds the in-memory database set from disk.
func (m *Manager) reconcile() error {
	if err := os.MkdirAll(m.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	entries, err := os.ReadDir(m.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to read data dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		graphID, err := ident.ParseGraphID(entry.Name())
		if err != nil {
			m.logger.Warn("skipping unrecognized entry in data dir", "name", entry.Name())
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", entry.Name(), err)
		}
		path := DatabasePath(m.cfg.DataDir, graphID.String())
		m.databases[graphID] = &DatabaseInfo{
			GraphID:   graphID,
			Path:      path,
			CreatedAt: info.ModTime(),
			SizeBytes: dirSize(path),
		}
	}

	m.logger.Info("reconciled databases from disk", "count", len(m.databases))
	return nil
}

// Create allocates a new graph database and applies its schema DDL.
// Fails if the database already exists or the instance is at capacity.
func (m *Manager) Create(ctx context.Context, graphID ident.GraphID, schemaDDL string, readOnly bool) (*DatabaseInfo, error) {
	path := DatabasePath(m.cfg.DataDir, graphID.String())

	m.mu.Lock()
	if _, exists := m.databases[graphID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("database %s already exists", graphID)
	}
	if _, inflight := m.creating[graphID]; inflight {
		m.mu.Unlock()
		return nil, fmt.Errorf("database %s is being created", graphID)
	}
	if len(m.databases)+len(m.creating) >= m.cfg.MaxDatabases {
		m.mu.Unlock()
		return nil, &errdefs.CapacityExceededError{InstanceID: m.cfg.InstanceID, Limit: m.cfg.MaxDatabases}
	}
	m.creating[graphID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.creating, graphID)
		m.mu.Unlock()
	}()

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("database path %s already exists on disk", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat database path: %w", err)
	}

	// Opening the engine at the path creates the database.
	conn, err := m.pool.Acquire(ctx, graphID.String())
	if err != nil {
		return nil, err
	}

	if err := m.applyDDL(ctx, conn.Handle(), graphID, schemaDDL); err != nil {
		conn.Discard()
		_ = os.RemoveAll(path)
		return nil, err
	}
	conn.Release()

	info := &DatabaseInfo{
		GraphID:   graphID,
		Path:      path,
		ReadOnly:  readOnly,
		CreatedAt: time.Now(),
		SizeBytes: dirSize(path),
	}
	m.mu.Lock()
	m.databases[graphID] = info
	m.mu.Unlock()

	m.logger.Info("created database", "graph_id", graphID, "read_only", readOnly)
	return info, nil
}

// applyDDL executes each statement of the opaque schema DDL.
func (m *Manager) applyDDL(ctx context.Context, h engine.Handle, graphID ident.GraphID, schemaDDL string) error {
	for _, stmt := range splitStatements(schemaDDL) {
		if err := h.Exec(ctx, stmt, nil); err != nil {
			return &errdefs.QueryError{GraphID: graphID.String(), Err: fmt.Errorf("schema DDL failed: %w", err)}
		}
	}
	return nil
}

// Delete drains the database's pooled connections and removes its
// on-disk data. Without force, fails when draining cannot finish within
// the drain timeout because connections are still in use.
func (m *Manager) Delete(ctx context.Context, graphID ident.GraphID, force bool) error {
	m.mu.Lock()
	info, exists := m.databases[graphID]
	m.mu.Unlock()
	if !exists {
		return fmt.Errorf("database %s: %w", graphID, errdefs.ErrNotFound)
	}

	drainCtx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeout)
	defer cancel()
	if err := m.pool.DrainKey(drainCtx, graphID.String(), force); err != nil {
		return fmt.Errorf("failed to drain connections for %s: %w", graphID, err)
	}

	if err := os.RemoveAll(info.Path); err != nil {
		return fmt.Errorf("failed to remove database %s: %w", graphID, err)
	}

	m.mu.Lock()
	delete(m.databases, graphID)
	m.mu.Unlock()

	m.logger.Info("deleted database", "graph_id", graphID, "forced", force)
	return nil
}

// Execute runs a query against the graph under the given timeout. On
// timeout the handle is discarded rather than reused, since its state
// is no longer trusted.
func (m *Manager) Execute(ctx context.Context, graphID ident.GraphID, query string, params map[string]any, timeout time.Duration) (*engine.Result, error) {
	if !m.Exists(graphID) {
		return nil, fmt.Errorf("database %s: %w", graphID, errdefs.ErrNotFound)
	}

	conn, err := m.pool.Acquire(ctx, graphID.String())
	if err != nil {
		return nil, err
	}

	queryCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		queryCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := conn.Handle().Query(queryCtx, query, params)
	if err != nil {
		if errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
			conn.Discard()
			return nil, &errdefs.QueryTimeoutError{GraphID: graphID.String(), Timeout: timeout}
		}
		conn.Release()
		return nil, &errdefs.QueryError{GraphID: graphID.String(), Err: err}
	}

	res, err := engine.Collect(rows)
	if err != nil {
		if errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
			conn.Discard()
			return nil, &errdefs.QueryTimeoutError{GraphID: graphID.String(), Timeout: timeout}
		}
		conn.Release()
		return nil, &errdefs.QueryError{GraphID: graphID.String(), Err: err}
	}
	conn.Release()

	res.Elapsed = time.Since(start)
	return res, nil
}

// BulkCopy ingests a finalized staging table, exported at parquetPath,
// into the graph's target table. The shape contract is enforced here,
// before the copy: node tables lead with the identifier column, edge
// tables with the canonical endpoint pair.
func (m *Manager) BulkCopy(ctx context.Context, graphID ident.GraphID, target string, shape *staging.ShapeInfo, parquetPath string) error {
	if err := ident.Validate("target table", target); err != nil {
		return err
	}
	if err := checkShape(shape); err != nil {
		return err
	}
	if !m.Exists(graphID) {
		return fmt.Errorf("database %s: %w", graphID, errdefs.ErrNotFound)
	}

	conn, err := m.pool.Acquire(ctx, graphID.String())
	if err != nil {
		return err
	}
	defer conn.Release()

	stmt := fmt.Sprintf("COPY %s FROM '%s'", target, strings.ReplaceAll(parquetPath, "'", "''"))
	if err := conn.Handle().Exec(ctx, stmt, nil); err != nil {
		return &errdefs.QueryError{GraphID: graphID.String(), Err: fmt.Errorf("bulk copy failed: %w", err)}
	}

	m.logger.Info("bulk copied staging data", "graph_id", graphID, "target", target, "rows", shape.RowCount)
	return nil
}

// checkShape validates the ingestion handoff column contract.
func checkShape(shape *staging.ShapeInfo) error {
	switch shape.Kind {
	case staging.KindNode:
		if len(shape.Columns) == 0 || shape.Columns[0] != staging.IdentifierColumn {
			return &errdefs.ValidationError{
				Field:  "table shape",
				Value:  strings.Join(shape.Columns, ","),
				Reason: "node-like table must lead with the identifier column",
			}
		}
	case staging.KindEdge:
		if len(shape.Columns) < 2 ||
			shape.Columns[0] != staging.CanonicalSrcColumn ||
			shape.Columns[1] != staging.CanonicalDstColumn {
			return &errdefs.ValidationError{
				Field:  "table shape",
				Value:  strings.Join(shape.Columns, ","),
				Reason: "edge-like table must lead with the canonical endpoint pair",
			}
		}
	default:
		return &errdefs.ValidationError{Field: "table shape", Value: string(shape.Kind), Reason: "unknown table kind"}
	}
	return nil
}

// Exists reports whether the graph database is hosted here.
func (m *Manager) Exists(graphID ident.GraphID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.databases[graphID]
	return ok
}

// Get returns the metadata record for a hosted database.
func (m *Manager) Get(graphID ident.GraphID) (*DatabaseInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.databases[graphID]
	if !ok {
		return nil, fmt.Errorf("database %s: %w", graphID, errdefs.ErrNotFound)
	}
	cp := *info
	return &cp, nil
}

// List returns metadata for every hosted database.
func (m *Manager) List() []*DatabaseInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DatabaseInfo, 0, len(m.databases))
	for _, info := range m.databases {
		cp := *info
		out = append(out, &cp)
	}
	return out
}

// Capacity reports live database count against the instance limit.
func (m *Manager) Capacity() (live, max int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.databases), m.cfg.MaxDatabases
}

// splitStatements splits opaque DDL text on statement terminators,
// dropping empty fragments.
func splitStatements(ddl string) []string {
	parts := strings.Split(ddl, ";")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// dirSize sums file sizes under path; best effort.
func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
