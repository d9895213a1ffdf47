// Package staging materializes externally stored columnar files into
// per-graph DuckDB staging databases, where they are deduplicated,
// normalized and validated before bulk ingestion into the graph engine.
//
// Staging tables are ephemeral by design. Table and column identifiers
// are validated against an allow-list before they reach generated SQL;
// data values are always bound parameters.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nestgraph/nestgraph/internal/engine"
	"github.com/nestgraph/nestgraph/internal/errdefs"
	"github.com/nestgraph/nestgraph/internal/ident"
	"github.com/nestgraph/nestgraph/internal/objstore"
	"github.com/nestgraph/nestgraph/internal/pool"
)

const (
	// IdentifierColumn is the column every node-like table keys on.
	IdentifierColumn = "identifier"

	// CanonicalSrcColumn and CanonicalDstColumn are the first two
	// columns of a finalized edge-like table, the layout the ingestion
	// target expects.
	CanonicalSrcColumn = "src"
	CanonicalDstColumn = "dst"

	// fileIDColumn tags each row with its originating logical file.
	fileIDColumn = "__file_id"

	tablesMetaTable = "__nestgraph_tables"
	filesMetaTable  = "__nestgraph_files"
)

// Kind declares a table's column shape.
type Kind string

const (
	// KindNode tables carry an identifier column; each distinct
	// identifier appears exactly once.
	KindNode Kind = "node"

	// KindEdge tables carry two endpoint columns; each unordered
	// endpoint pair appears exactly once.
	KindEdge Kind = "edge"
)

// TableSpec declares how a staging table is canonicalized.
type TableSpec struct {
	Kind Kind

	// EndpointColumns names the two endpoint columns of an edge-like
	// table in their source order. Ignored for node tables.
	EndpointColumns [2]string
}

// SourceFile is one input file for materialization. Order is
// significant: under duplicate identifiers or endpoint pairs, the first
// file in the list wins.
type SourceFile struct {
	// Path is a local parquet or CSV file.
	Path string

	// FileID optionally tags rows for later partial deletion. Either
	// every source carries a FileID or none does.
	FileID string
}

// TableInfo describes a materialized staging table.
type TableInfo struct {
	Name     string
	Kind     Kind
	RowCount int64
	Tagged   bool
}

// Config holds staging manager settings.
type Config struct {
	// ScratchDir receives objects fetched from remote storage.
	ScratchDir string

	// ChunkSize bounds streaming query chunks.
	ChunkSize int

	Logger *slog.Logger
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000
	}
}

// Manager creates and maintains staging tables through the staging
// connection pool. Safe for concurrent use; per-table mutations are
// serialized by the staging database's engine handle.
type Manager struct {
	pool   *pool.Pool
	store  objstore.Reader
	cfg    Config
	logger *slog.Logger
}

// New creates a staging manager on the staging pool. store may be nil
// when all sources are local files.
func New(p *pool.Pool, store objstore.Reader, cfg Config) *Manager {
	cfg.ApplyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{pool: p, store: store, cfg: cfg, logger: logger}
}

// CreateTable materializes sources into a deduplicated staging table.
// Node-like tables keep the first row per identifier; edge-like tables
// keep the first row per unordered endpoint pair and are rewritten to
// the canonical src/dst first-two-column layout. First occurrence is
// decided by source order, then row order within the file.
func (m *Manager) CreateTable(ctx context.Context, graphID ident.GraphID, table string, sources []SourceFile, spec TableSpec) (*TableInfo, error) {
	if err := checkTableName(table); err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, &errdefs.ValidationError{Field: "sources", Value: table, Reason: "at least one source file required"}
	}
	if spec.Kind == KindEdge {
		for _, col := range spec.EndpointColumns {
			if err := ident.Validate("endpoint column", col); err != nil {
				return nil, err
			}
		}
	}
	tagged, err := taggingMode(sources)
	if err != nil {
		return nil, err
	}

	conn, err := m.pool.Acquire(ctx, graphID.String())
	if err != nil {
		return nil, err
	}
	defer conn.Release()
	h := conn.Handle()

	if err := m.ensureMetaTables(ctx, h); err != nil {
		return nil, err
	}

	stmt, err := buildMaterializeSQL(table, sources, spec, tagged)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("materializing staging table",
		"graph_id", graphID, "table", table, "kind", spec.Kind, "files", len(sources))

	if err := h.Exec(ctx, stmt, nil); err != nil {
		return nil, &errdefs.QueryError{GraphID: graphID.String(), Err: err}
	}

	if err := m.recordTable(ctx, h, table, sources, spec, tagged); err != nil {
		return nil, err
	}

	count, err := m.countRows(ctx, h, table)
	if err != nil {
		return nil, err
	}

	return &TableInfo{Name: table, Kind: spec.Kind, RowCount: count, Tagged: tagged}, nil
}

// MaterializeFromStore fetches the named objects into the scratch
// directory and materializes them. keys follow source-order semantics;
// fileIDs, when non-nil, must parallel keys.
func (m *Manager) MaterializeFromStore(ctx context.Context, graphID ident.GraphID, table string, keys []string, fileIDs []string, spec TableSpec) (*TableInfo, error) {
	if m.store == nil {
		return nil, fmt.Errorf("no object store configured")
	}
	if fileIDs != nil && len(fileIDs) != len(keys) {
		return nil, &errdefs.ValidationError{Field: "file_id_map", Value: table, Reason: "file id list must match key list"}
	}

	scratch := m.cfg.ScratchDir + "/" + graphID.String()
	sources := make([]SourceFile, 0, len(keys))
	for i, key := range keys {
		path, err := objstore.Fetch(ctx, m.store, key, scratch)
		if err != nil {
			return nil, err
		}
		sf := SourceFile{Path: path}
		if fileIDs != nil {
			sf.FileID = fileIDs[i]
		}
		sources = append(sources, sf)
	}
	return m.CreateTable(ctx, graphID, table, sources, spec)
}

// DeleteFileData removes exactly the rows tagged with fileID and
// returns how many were removed.
func (m *Manager) DeleteFileData(ctx context.Context, graphID ident.GraphID, table, fileID string) (int64, error) {
	if err := checkTableName(table); err != nil {
		return 0, err
	}

	conn, err := m.pool.Acquire(ctx, graphID.String())
	if err != nil {
		return 0, err
	}
	defer conn.Release()
	h := conn.Handle()

	meta, err := m.tableMeta(ctx, h, table)
	if err != nil {
		return 0, err
	}
	if !meta.Tagged {
		return 0, &errdefs.ValidationError{Field: "table", Value: table, Reason: "not tagged with file ids"}
	}

	params := map[string]any{"file_id": fileID}
	res, err := h.Query(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s = $file_id`, quoteIdent(table), quoteIdent(fileIDColumn)),
		params)
	if err != nil {
		return 0, &errdefs.QueryError{GraphID: graphID.String(), Err: err}
	}
	collected, err := engine.Collect(res)
	if err != nil {
		return 0, &errdefs.QueryError{GraphID: graphID.String(), Err: err}
	}
	count := asInt64(collected.Rows[0][0])

	if err := h.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s = $file_id`, quoteIdent(table), quoteIdent(fileIDColumn)),
		params); err != nil {
		return 0, &errdefs.QueryError{GraphID: graphID.String(), Err: err}
	}

	if err := h.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE table_name = $table_name AND file_id = $file_id`, filesMetaTable),
		map[string]any{"table_name": table, "file_id": fileID}); err != nil {
		return 0, &errdefs.QueryError{GraphID: graphID.String(), Err: err}
	}

	m.logger.Debug("deleted file data", "graph_id", graphID, "table", table, "file_id", fileID, "rows", count)
	return count, nil
}

// RefreshTable rebuilds the table from its current file registry,
// reclaiming space and re-normalizing after incremental changes.
func (m *Manager) RefreshTable(ctx context.Context, graphID ident.GraphID, table string) (*TableInfo, error) {
	if err := checkTableName(table); err != nil {
		return nil, err
	}

	conn, err := m.pool.Acquire(ctx, graphID.String())
	if err != nil {
		return nil, err
	}
	defer conn.Release()
	h := conn.Handle()

	meta, err := m.tableMeta(ctx, h, table)
	if err != nil {
		return nil, err
	}
	sources, err := m.registeredFiles(ctx, h, table)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no registered files for table %s", table)
	}

	spec := TableSpec{Kind: meta.Kind, EndpointColumns: meta.Endpoints}
	stmt, err := buildMaterializeSQL(table, sources, spec, meta.Tagged)
	if err != nil {
		return nil, err
	}
	if err := h.Exec(ctx, stmt, nil); err != nil {
		return nil, &errdefs.QueryError{GraphID: graphID.String(), Err: err}
	}

	count, err := m.countRows(ctx, h, table)
	if err != nil {
		return nil, err
	}

	m.logger.Info("refreshed staging table", "graph_id", graphID, "table", table, "rows", count)
	return &TableInfo{Name: table, Kind: meta.Kind, RowCount: count, Tagged: meta.Tagged}, nil
}

// DeleteTable drops the staging table and its registry entries. The
// staging database itself is reclaimed by the pool's idle eviction.
func (m *Manager) DeleteTable(ctx context.Context, graphID ident.GraphID, table string) error {
	if err := checkTableName(table); err != nil {
		return err
	}

	conn, err := m.pool.Acquire(ctx, graphID.String())
	if err != nil {
		return err
	}
	defer conn.Release()
	h := conn.Handle()

	if err := h.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(table)), nil); err != nil {
		return &errdefs.QueryError{GraphID: graphID.String(), Err: err}
	}
	for _, meta := range []string{filesMetaTable, tablesMetaTable} {
		if err := h.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE table_name = $table_name`, meta),
			map[string]any{"table_name": table}); err != nil {
			return &errdefs.QueryError{GraphID: graphID.String(), Err: err}
		}
	}
	return nil
}

// checkTableName validates a caller-supplied table name. The reserved
// bookkeeping namespace is rejected on every public entry point, not
// just creation: a DROP or metadata write against the bookkeeping
// tables would break every other table in the staging database.
func checkTableName(table string) error {
	if err := ident.Validate("table name", table); err != nil {
		return err
	}
	if strings.HasPrefix(table, "__nestgraph") {
		return &errdefs.ValidationError{Field: "table name", Value: table, Reason: "reserved prefix"}
	}
	return nil
}

// taggingMode checks the all-or-nothing file id rule.
func taggingMode(sources []SourceFile) (bool, error) {
	tagged := sources[0].FileID != ""
	for _, s := range sources[1:] {
		if (s.FileID != "") != tagged {
			return false, &errdefs.ValidationError{
				Field:  "file_id_map",
				Value:  s.Path,
				Reason: "either all source files carry a file id or none do",
			}
		}
	}
	return tagged, nil
}

func (m *Manager) countRows(ctx context.Context, h engine.Handle, table string) (int64, error) {
	rows, err := h.Query(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, quoteIdent(table)), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	res, err := engine.Collect(rows)
	if err != nil {
		return 0, err
	}
	return asInt64(res.Rows[0][0]), nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
