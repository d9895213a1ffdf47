package staging

// sql.go - generated-SQL builders and staging metadata bookkeeping.
//
// Identifier fragments are validated before they get here and are
// double-quoted on embedding. Source file ids are validated against a
// narrow pattern as well; user-facing query and delete paths only ever
// bind values as parameters.

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nestgraph/nestgraph/internal/engine"
	"github.com/nestgraph/nestgraph/internal/errdefs"
)

var fileIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// quoteIdent double-quotes a previously validated identifier.
func quoteIdent(name string) string {
	return `"` + name + `"`
}

// quotePath single-quotes a local file path for a read function call.
func quotePath(path string) string {
	return "'" + strings.ReplaceAll(path, "'", "''") + "'"
}

// readExpr picks the DuckDB read function for a source file.
func readExpr(path string) (string, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".parquet"):
		return "read_parquet(" + quotePath(path) + ")", nil
	case strings.HasSuffix(lower, ".csv"), strings.HasSuffix(lower, ".csv.gz"):
		return "read_csv_auto(" + quotePath(path) + ", header=true)", nil
	default:
		return "", &errdefs.ValidationError{Field: "source file", Value: path, Reason: "unsupported file format"}
	}
}

// buildMaterializeSQL produces the CREATE OR REPLACE TABLE statement
// implementing the canonicalization rules: first-file-wins dedup per
// identifier (node) or unordered endpoint pair (edge), with edge tables
// rewritten to the canonical src/dst first-two-column layout.
func buildMaterializeSQL(table string, sources []SourceFile, spec TableSpec, tagged bool) (string, error) {
	selects := make([]string, 0, len(sources))
	for i, src := range sources {
		read, err := readExpr(src.Path)
		if err != nil {
			return "", err
		}
		cols := fmt.Sprintf("*, %d AS __file_seq, row_number() OVER () AS __row_seq", i)
		if tagged {
			if !fileIDPattern.MatchString(src.FileID) {
				return "", &errdefs.ValidationError{Field: "file_id", Value: src.FileID, Reason: "must match ^[A-Za-z0-9._-]{1,128}$"}
			}
			cols += fmt.Sprintf(", '%s' AS %s", src.FileID, fileIDColumn)
		}
		selects = append(selects, fmt.Sprintf("SELECT %s FROM %s", cols, read))
	}
	union := strings.Join(selects, "\n    UNION ALL\n    ")

	internal := "__file_seq, __row_seq, __rank"

	var partition, projection string
	switch spec.Kind {
	case KindNode:
		idCol := quoteIdent(IdentifierColumn)
		partition = idCol
		projection = fmt.Sprintf("%s, * EXCLUDE (%s, %s)", idCol, idCol, internal)
	case KindEdge:
		a := quoteIdent(spec.EndpointColumns[0])
		b := quoteIdent(spec.EndpointColumns[1])
		// The unordered pair is the dedup key: (a,b) and (b,a) are the
		// same edge.
		partition = fmt.Sprintf(
			"least(CAST(%s AS VARCHAR), CAST(%s AS VARCHAR)), greatest(CAST(%s AS VARCHAR), CAST(%s AS VARCHAR))",
			a, b, a, b)
		projection = fmt.Sprintf("%s AS %s, %s AS %s, * EXCLUDE (%s, %s, %s)",
			a, quoteIdent(CanonicalSrcColumn),
			b, quoteIdent(CanonicalDstColumn),
			a, b, internal)
	default:
		return "", &errdefs.ValidationError{Field: "kind", Value: string(spec.Kind), Reason: "must be node or edge"}
	}

	stmt := fmt.Sprintf(`CREATE OR REPLACE TABLE %s AS
WITH __src AS (
    %s
),
__ranked AS (
    SELECT *, row_number() OVER (PARTITION BY %s ORDER BY __file_seq, __row_seq) AS __rank
    FROM __src
)
SELECT %s FROM __ranked WHERE __rank = 1`,
		quoteIdent(table), union, partition, projection)

	return stmt, nil
}

// tableMetaInfo is the persisted canonicalization record for a table.
type tableMetaInfo struct {
	Kind      Kind
	Endpoints [2]string
	Tagged    bool
}

func (m *Manager) ensureMetaTables(ctx context.Context, h engine.Handle) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			table_name VARCHAR PRIMARY KEY,
			kind VARCHAR NOT NULL,
			src_col VARCHAR,
			dst_col VARCHAR,
			tagged BOOLEAN NOT NULL
		)`, tablesMetaTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			table_name VARCHAR NOT NULL,
			file_id VARCHAR,
			path VARCHAR NOT NULL,
			file_seq INTEGER NOT NULL
		)`, filesMetaTable),
	}
	for _, stmt := range stmts {
		if err := h.Exec(ctx, stmt, nil); err != nil {
			return fmt.Errorf("failed to create staging metadata tables: %w", err)
		}
	}
	return nil
}

// recordTable replaces the metadata and file registry rows for table.
func (m *Manager) recordTable(ctx context.Context, h engine.Handle, table string, sources []SourceFile, spec TableSpec, tagged bool) error {
	for _, meta := range []string{tablesMetaTable, filesMetaTable} {
		if err := h.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE table_name = $table_name`, meta),
			map[string]any{"table_name": table}); err != nil {
			return fmt.Errorf("failed to clear staging metadata: %w", err)
		}
	}

	if err := h.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (table_name, kind, src_col, dst_col, tagged)
			VALUES ($table_name, $kind, $src_col, $dst_col, $tagged)`, tablesMetaTable),
		map[string]any{
			"table_name": table,
			"kind":       string(spec.Kind),
			"src_col":    spec.EndpointColumns[0],
			"dst_col":    spec.EndpointColumns[1],
			"tagged":     tagged,
		}); err != nil {
		return fmt.Errorf("failed to record staging table metadata: %w", err)
	}

	for i, src := range sources {
		if err := h.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (table_name, file_id, path, file_seq)
				VALUES ($table_name, $file_id, $path, $file_seq)`, filesMetaTable),
			map[string]any{
				"table_name": table,
				"file_id":    src.FileID,
				"path":       src.Path,
				"file_seq":   i,
			}); err != nil {
			return fmt.Errorf("failed to record staging file: %w", err)
		}
	}
	return nil
}

func (m *Manager) tableMeta(ctx context.Context, h engine.Handle, table string) (*tableMetaInfo, error) {
	// A fresh staging database has no bookkeeping tables yet; reads on
	// it must still report NotFound rather than a catalog error.
	if err := m.ensureMetaTables(ctx, h); err != nil {
		return nil, err
	}

	rows, err := h.Query(ctx,
		fmt.Sprintf(`SELECT kind, src_col, dst_col, tagged FROM %s WHERE table_name = $table_name`, tablesMetaTable),
		map[string]any{"table_name": table})
	if err != nil {
		return nil, fmt.Errorf("failed to read staging table metadata: %w", err)
	}
	res, err := engine.Collect(rows)
	if err != nil {
		return nil, err
	}
	if res.RowCount == 0 {
		return nil, fmt.Errorf("staging table %s: %w", table, errdefs.ErrNotFound)
	}

	row := res.Rows[0]
	meta := &tableMetaInfo{Kind: Kind(asString(row[0]))}
	meta.Endpoints[0] = asString(row[1])
	meta.Endpoints[1] = asString(row[2])
	meta.Tagged = asBool(row[3])
	return meta, nil
}

func (m *Manager) registeredFiles(ctx context.Context, h engine.Handle, table string) ([]SourceFile, error) {
	rows, err := h.Query(ctx,
		fmt.Sprintf(`SELECT file_id, path FROM %s WHERE table_name = $table_name ORDER BY file_seq`, filesMetaTable),
		map[string]any{"table_name": table})
	if err != nil {
		return nil, fmt.Errorf("failed to read staging file registry: %w", err)
	}
	res, err := engine.Collect(rows)
	if err != nil {
		return nil, err
	}

	out := make([]SourceFile, 0, res.RowCount)
	for _, row := range res.Rows {
		out = append(out, SourceFile{FileID: asString(row[0]), Path: asString(row[1])})
	}
	return out, nil
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return asInt64(v) != 0
}
