package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestgraph/nestgraph/internal/engine/duckdb"
	"github.com/nestgraph/nestgraph/internal/errdefs"
	"github.com/nestgraph/nestgraph/internal/ident"
	"github.com/nestgraph/nestgraph/internal/objstore"
	"github.com/nestgraph/nestgraph/internal/pool"
	"github.com/nestgraph/nestgraph/internal/testutil"
)

const testGraph = ident.GraphID("testgraph")

func newTestManager(t *testing.T, cfg Config) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	logger := testutil.NewTestLogger(t)

	p := pool.New(duckdb.NewOpener(), func(key string) string {
		return filepath.Join(dir, key+".duckdb")
	}, pool.Config{Logger: logger})
	t.Cleanup(p.Shutdown)

	cfg.ScratchDir = filepath.Join(dir, "scratch")
	cfg.Logger = logger
	return New(p, objstore.NewLocal(filepath.Join(dir, "objects")), cfg), dir
}

func writeCSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func str(v any) string { return fmt.Sprintf("%v", v) }

func TestCreateNodeTableFirstFileWins(t *testing.T) {
	m, dir := newTestManager(t, Config{})
	f1 := writeCSV(t, dir, "f1.csv", "identifier,val\n1,one\n2,two\n3,three\n")
	f2 := writeCSV(t, dir, "f2.csv", "identifier,val\n2,TWO\n3,THREE\n4,four\n")

	info, err := m.CreateTable(context.Background(), testGraph, "people",
		[]SourceFile{{Path: f1}, {Path: f2}}, TableSpec{Kind: KindNode})
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.RowCount)
	assert.Equal(t, KindNode, info.Kind)
	assert.False(t, info.Tagged)

	res, err := m.QueryTable(context.Background(), testGraph,
		`SELECT identifier, val FROM people ORDER BY identifier`, nil)
	require.NoError(t, err)
	require.Equal(t, int64(4), res.RowCount)

	// Duplicate identifiers keep the first file's row.
	assert.Equal(t, "two", str(res.Rows[1][1]))
	assert.Equal(t, "three", str(res.Rows[2][1]))
	assert.Equal(t, "four", str(res.Rows[3][1]))
}

func TestCreateEdgeTableCanonicalLayout(t *testing.T) {
	m, dir := newTestManager(t, Config{})
	f := writeCSV(t, dir, "edges.csv",
		"from_id,to_id,weight\na,b,1\nb,a,2\nc,d,3\n")

	info, err := m.CreateTable(context.Background(), testGraph, "knows",
		[]SourceFile{{Path: f}},
		TableSpec{Kind: KindEdge, EndpointColumns: [2]string{"from_id", "to_id"}})
	require.NoError(t, err)

	// (a,b) and (b,a) are the same unordered pair; the first row wins.
	assert.Equal(t, int64(2), info.RowCount)

	shape, err := m.TableShape(context.Background(), testGraph, "knows")
	require.NoError(t, err)
	assert.Equal(t, KindEdge, shape.Kind)
	require.GreaterOrEqual(t, len(shape.Columns), 2)
	assert.Equal(t, CanonicalSrcColumn, shape.Columns[0])
	assert.Equal(t, CanonicalDstColumn, shape.Columns[1])

	res, err := m.QueryTable(context.Background(), testGraph,
		`SELECT src, dst, weight FROM knows ORDER BY src`, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", str(res.Rows[0][0]))
	assert.Equal(t, "b", str(res.Rows[0][1]))
	assert.Equal(t, "1", str(res.Rows[0][2]))
}

func TestCreateTableValidation(t *testing.T) {
	m, dir := newTestManager(t, Config{})
	f := writeCSV(t, dir, "f.csv", "identifier\n1\n")
	ctx := context.Background()

	var valErr *errdefs.ValidationError

	_, err := m.CreateTable(ctx, testGraph, "bad name", []SourceFile{{Path: f}}, TableSpec{Kind: KindNode})
	assert.ErrorAs(t, err, &valErr)

	_, err = m.CreateTable(ctx, testGraph, "__nestgraph_tables", []SourceFile{{Path: f}}, TableSpec{Kind: KindNode})
	assert.ErrorAs(t, err, &valErr)

	_, err = m.CreateTable(ctx, testGraph, "people", nil, TableSpec{Kind: KindNode})
	assert.ErrorAs(t, err, &valErr)

	_, err = m.CreateTable(ctx, testGraph, "people",
		[]SourceFile{{Path: f, FileID: "f1"}, {Path: f}}, TableSpec{Kind: KindNode})
	assert.ErrorAs(t, err, &valErr)

	_, err = m.CreateTable(ctx, testGraph, "knows", []SourceFile{{Path: f}},
		TableSpec{Kind: KindEdge, EndpointColumns: [2]string{"ok", "bad col"}})
	assert.ErrorAs(t, err, &valErr)

	_, err = m.CreateTable(ctx, testGraph, "people",
		[]SourceFile{{Path: filepath.Join(dir, "data.json")}}, TableSpec{Kind: KindNode})
	assert.ErrorAs(t, err, &valErr)
}

func TestDeleteFileDataRemovesExactlyTaggedRows(t *testing.T) {
	m, dir := newTestManager(t, Config{})
	f1 := writeCSV(t, dir, "f1.csv", "identifier,val\n1,one\n2,two\n3,three\n")
	f2 := writeCSV(t, dir, "f2.csv", "identifier,val\n2,TWO\n3,THREE\n4,four\n")
	ctx := context.Background()

	info, err := m.CreateTable(ctx, testGraph, "people",
		[]SourceFile{{Path: f1, FileID: "f1"}, {Path: f2, FileID: "f2"}},
		TableSpec{Kind: KindNode})
	require.NoError(t, err)
	assert.True(t, info.Tagged)
	assert.Equal(t, int64(4), info.RowCount)

	// After dedup only identifier 4 survives from f2.
	n, err := m.DeleteFileData(ctx, testGraph, "people", "f2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res, err := m.QueryTable(ctx, testGraph, `SELECT count(*) FROM people`, nil)
	require.NoError(t, err)
	assert.Equal(t, "3", str(res.Rows[0][0]))

	// The file registry no longer lists f2, so a refresh rebuilds from
	// f1 alone.
	refreshed, err := m.RefreshTable(ctx, testGraph, "people")
	require.NoError(t, err)
	assert.Equal(t, int64(3), refreshed.RowCount)
}

func TestDeleteFileDataOnUntaggedTable(t *testing.T) {
	m, dir := newTestManager(t, Config{})
	f := writeCSV(t, dir, "f.csv", "identifier\n1\n")
	ctx := context.Background()

	_, err := m.CreateTable(ctx, testGraph, "people", []SourceFile{{Path: f}}, TableSpec{Kind: KindNode})
	require.NoError(t, err)

	_, err = m.DeleteFileData(ctx, testGraph, "people", "f1")
	var valErr *errdefs.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestQueryTableBindsParameters(t *testing.T) {
	m, dir := newTestManager(t, Config{})
	f := writeCSV(t, dir, "f.csv", "identifier,score\n1,10\n2,20\n3,30\n")
	ctx := context.Background()

	_, err := m.CreateTable(ctx, testGraph, "people", []SourceFile{{Path: f}}, TableSpec{Kind: KindNode})
	require.NoError(t, err)

	res, err := m.QueryTable(ctx, testGraph,
		`SELECT identifier FROM people WHERE score > $min ORDER BY identifier`,
		map[string]any{"min": 15})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowCount)
}

func TestQueryTableRejectsWrites(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	var valErr *errdefs.ValidationError
	for _, q := range []string{
		"DELETE FROM people",
		"DROP TABLE people",
		"UPDATE people SET val = 'x'",
		"CREATE TABLE evil (x INT)",
	} {
		_, err := m.QueryTable(ctx, testGraph, q, nil)
		assert.ErrorAs(t, err, &valErr, q)
	}

	err := m.QueryTableStreaming(ctx, testGraph, "DELETE FROM people", nil, func(Chunk) error { return nil })
	assert.ErrorAs(t, err, &valErr)
}

func TestQueryTableStreamingChunks(t *testing.T) {
	m, dir := newTestManager(t, Config{ChunkSize: 2})
	f := writeCSV(t, dir, "f.csv", "identifier\n1\n2\n3\n4\n5\n")
	ctx := context.Background()

	_, err := m.CreateTable(ctx, testGraph, "people", []SourceFile{{Path: f}}, TableSpec{Kind: KindNode})
	require.NoError(t, err)

	var chunks []Chunk
	err = m.QueryTableStreaming(ctx, testGraph,
		`SELECT identifier FROM people ORDER BY identifier`, nil,
		func(c Chunk) error {
			chunks = append(chunks, c)
			return nil
		})
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Equal(t, 2, len(chunks[0].Rows))
	assert.Equal(t, 2, len(chunks[1].Rows))
	assert.Equal(t, 1, len(chunks[2].Rows))
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, i == len(chunks)-1, c.IsLast)
	}
}

func TestQueryTableStreamingEmptyResult(t *testing.T) {
	m, dir := newTestManager(t, Config{ChunkSize: 2})
	f := writeCSV(t, dir, "f.csv", "identifier\n1\n")
	ctx := context.Background()

	_, err := m.CreateTable(ctx, testGraph, "people", []SourceFile{{Path: f}}, TableSpec{Kind: KindNode})
	require.NoError(t, err)

	var chunks []Chunk
	err = m.QueryTableStreaming(ctx, testGraph,
		`SELECT identifier FROM people WHERE identifier < 0`, nil,
		func(c Chunk) error {
			chunks = append(chunks, c)
			return nil
		})
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].IsLast)
	assert.Empty(t, chunks[0].Rows)
}

func TestReservedTablesAreProtected(t *testing.T) {
	m, dir := newTestManager(t, Config{})
	f := writeCSV(t, dir, "f.csv", "identifier\n1\n")
	ctx := context.Background()

	_, err := m.CreateTable(ctx, testGraph, "people", []SourceFile{{Path: f}}, TableSpec{Kind: KindNode})
	require.NoError(t, err)

	var valErr *errdefs.ValidationError
	assert.ErrorAs(t, m.DeleteTable(ctx, testGraph, "__nestgraph_tables"), &valErr)
	assert.ErrorAs(t, m.ExportParquet(ctx, testGraph, "__nestgraph_tables", filepath.Join(dir, "out.parquet")), &valErr)

	_, err = m.RefreshTable(ctx, testGraph, "__nestgraph_files")
	assert.ErrorAs(t, err, &valErr)
	_, err = m.TableShape(ctx, testGraph, "__nestgraph_tables")
	assert.ErrorAs(t, err, &valErr)
	_, err = m.DeleteFileData(ctx, testGraph, "__nestgraph_files", "f1")
	assert.ErrorAs(t, err, &valErr)

	// The bookkeeping tables survived; normal tables still resolve.
	shape, err := m.TableShape(ctx, testGraph, "people")
	require.NoError(t, err)
	assert.Equal(t, KindNode, shape.Kind)
}

func TestTableShapeUnknownTable(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	_, err := m.TableShape(context.Background(), testGraph, "missing")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestExportParquetStripsProvenance(t *testing.T) {
	m, dir := newTestManager(t, Config{})
	f := writeCSV(t, dir, "f.csv", "identifier,val\n1,one\n2,two\n")
	ctx := context.Background()

	_, err := m.CreateTable(ctx, testGraph, "people",
		[]SourceFile{{Path: f, FileID: "f1"}}, TableSpec{Kind: KindNode})
	require.NoError(t, err)

	dest := filepath.Join(dir, "handoff.parquet")
	require.NoError(t, m.ExportParquet(ctx, testGraph, "people", dest))
	require.FileExists(t, dest)

	res, err := m.QueryTable(ctx, testGraph,
		fmt.Sprintf(`SELECT * FROM read_parquet('%s')`, dest), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowCount)
	assert.NotContains(t, res.Columns, "__file_id")
	assert.Equal(t, IdentifierColumn, res.Columns[0])
}

func TestDeleteTable(t *testing.T) {
	m, dir := newTestManager(t, Config{})
	f := writeCSV(t, dir, "f.csv", "identifier\n1\n")
	ctx := context.Background()

	_, err := m.CreateTable(ctx, testGraph, "people", []SourceFile{{Path: f}}, TableSpec{Kind: KindNode})
	require.NoError(t, err)

	require.NoError(t, m.DeleteTable(ctx, testGraph, "people"))

	_, err = m.TableShape(ctx, testGraph, "people")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestMaterializeFromStore(t *testing.T) {
	m, dir := newTestManager(t, Config{})
	writeCSV(t, filepath.Join(dir, "objects", "exports"), "people.csv", "identifier,val\n1,one\n2,two\n")

	info, err := m.MaterializeFromStore(context.Background(), testGraph, "people",
		[]string{"exports/people.csv"}, nil, TableSpec{Kind: KindNode})
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.RowCount)

	// The fetched copy lives under the graph's scratch directory.
	entries, err := os.ReadDir(filepath.Join(dir, "scratch", testGraph.String()))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMaterializeFromStoreMismatchedFileIDs(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	_, err := m.MaterializeFromStore(context.Background(), testGraph, "people",
		[]string{"a.csv", "b.csv"}, []string{"only-one"}, TableSpec{Kind: KindNode})
	var valErr *errdefs.ValidationError
	assert.ErrorAs(t, err, &valErr)
}
