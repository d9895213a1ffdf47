package staging

// query.go - read paths over staging tables: buffered and streaming
// queries, shape inspection and the parquet export used by the
// ingestion handoff.

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nestgraph/nestgraph/internal/engine"
	"github.com/nestgraph/nestgraph/internal/errdefs"
	"github.com/nestgraph/nestgraph/internal/ident"
)

// Chunk is one bounded slice of a streaming result.
type Chunk struct {
	Index   int
	Columns []string
	Rows    [][]any
	IsLast  bool
}

// ShapeInfo describes a staging table's column layout for the ingestion
// shape contract.
type ShapeInfo struct {
	Kind     Kind
	Columns  []string
	RowCount int64
	Tagged   bool
}

// QueryTable runs a read-only, parameter-bound query against the
// graph's staging database and buffers the full result.
func (m *Manager) QueryTable(ctx context.Context, graphID ident.GraphID, query string, params map[string]any) (*engine.Result, error) {
	if err := checkReadOnly(query); err != nil {
		return nil, err
	}

	conn, err := m.pool.Acquire(ctx, graphID.String())
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	start := time.Now()
	rows, err := conn.Handle().Query(ctx, query, params)
	if err != nil {
		return nil, &errdefs.QueryError{GraphID: graphID.String(), Err: err}
	}
	res, err := engine.Collect(rows)
	if err != nil {
		return nil, &errdefs.QueryError{GraphID: graphID.String(), Err: err}
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

// QueryTableStreaming runs a read-only query and delivers the result in
// bounded chunks, so callers never buffer a full result set. fn is
// called once per chunk in order; exactly one chunk carries IsLast.
// Returning an error from fn stops the stream.
func (m *Manager) QueryTableStreaming(ctx context.Context, graphID ident.GraphID, query string, params map[string]any, fn func(Chunk) error) error {
	if err := checkReadOnly(query); err != nil {
		return err
	}

	conn, err := m.pool.Acquire(ctx, graphID.String())
	if err != nil {
		return err
	}
	defer conn.Release()

	rows, err := conn.Handle().Query(ctx, query, params)
	if err != nil {
		return &errdefs.QueryError{GraphID: graphID.String(), Err: err}
	}
	defer func() { _ = rows.Close() }()

	cols := rows.Columns()
	buf := make([][]any, 0, m.cfg.ChunkSize)
	index := 0

	// One row of lookahead decides IsLast without buffering beyond the
	// chunk size.
	hasNext := rows.Next()
	for hasNext {
		vals, err := rows.Values()
		if err != nil {
			return &errdefs.QueryError{GraphID: graphID.String(), Err: err}
		}
		buf = append(buf, vals)
		hasNext = rows.Next()

		if len(buf) == m.cfg.ChunkSize || !hasNext {
			if err := fn(Chunk{Index: index, Columns: cols, Rows: buf, IsLast: !hasNext}); err != nil {
				return err
			}
			index++
			buf = make([][]any, 0, m.cfg.ChunkSize)
		}
	}
	if err := rows.Err(); err != nil {
		return &errdefs.QueryError{GraphID: graphID.String(), Err: err}
	}
	if index == 0 {
		// Empty result still yields one terminal chunk.
		return fn(Chunk{Index: 0, Columns: cols, Rows: nil, IsLast: true})
	}
	return nil
}

// TableShape reports the table's declared kind and actual column
// layout. The lifecycle manager enforces the handoff shape contract
// against this before bulk copy.
func (m *Manager) TableShape(ctx context.Context, graphID ident.GraphID, table string) (*ShapeInfo, error) {
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

	rows, err := h.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_name = $table_name ORDER BY ordinal_position`,
		map[string]any{"table_name": table})
	if err != nil {
		return nil, fmt.Errorf("failed to query column metadata: %w", err)
	}
	res, err := engine.Collect(rows)
	if err != nil {
		return nil, err
	}

	cols := make([]string, 0, res.RowCount)
	for _, row := range res.Rows {
		cols = append(cols, asString(row[0]))
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("staging table %s: %w", table, errdefs.ErrNotFound)
	}

	count, err := m.countRows(ctx, h, table)
	if err != nil {
		return nil, err
	}

	return &ShapeInfo{Kind: meta.Kind, Columns: cols, RowCount: count, Tagged: meta.Tagged}, nil
}

// ExportParquet writes the finalized table to a parquet file for the
// ingestion handoff, stripping the provenance column.
func (m *Manager) ExportParquet(ctx context.Context, graphID ident.GraphID, table, destPath string) error {
	if err := checkTableName(table); err != nil {
		return err
	}

	conn, err := m.pool.Acquire(ctx, graphID.String())
	if err != nil {
		return err
	}
	defer conn.Release()
	h := conn.Handle()

	meta, err := m.tableMeta(ctx, h, table)
	if err != nil {
		return err
	}

	sel := fmt.Sprintf("SELECT * FROM %s", quoteIdent(table))
	if meta.Tagged {
		sel = fmt.Sprintf("SELECT * EXCLUDE (%s) FROM %s", quoteIdent(fileIDColumn), quoteIdent(table))
	}
	stmt := fmt.Sprintf("COPY (%s) TO %s (FORMAT parquet)", sel, quotePath(destPath))

	if err := h.Exec(ctx, stmt, nil); err != nil {
		return &errdefs.QueryError{GraphID: graphID.String(), Err: err}
	}
	return nil
}

// checkReadOnly rejects statements other than SELECT and WITH queries.
func checkReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)
	if strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH") {
		return nil
	}
	return &errdefs.ValidationError{
		Field:  "query",
		Value:  firstWord(trimmed),
		Reason: "only read-only SELECT or WITH queries are allowed",
	}
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t\r\n"); i > 0 {
		return s[:i]
	}
	return s
}
