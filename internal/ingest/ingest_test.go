package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestgraph/nestgraph/internal/engine/duckdb"
	"github.com/nestgraph/nestgraph/internal/engine/enginetest"
	"github.com/nestgraph/nestgraph/internal/ident"
	"github.com/nestgraph/nestgraph/internal/lifecycle"
	"github.com/nestgraph/nestgraph/internal/pool"
	"github.com/nestgraph/nestgraph/internal/staging"
	"github.com/nestgraph/nestgraph/internal/task"
	"github.com/nestgraph/nestgraph/internal/testutil"
)

const testGraph = ident.GraphID("socialnet")

type fixture struct {
	pipeline  *Pipeline
	staging   *staging.Manager
	lifecycle *lifecycle.Manager
	tasks     *task.Coordinator
	engine    *enginetest.Opener
	dir       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := testutil.NewTestLogger(t)

	stagingPool := pool.New(duckdb.NewOpener(), func(key string) string {
		return filepath.Join(dir, "staging", key+".duckdb")
	}, pool.Config{Logger: logger})
	t.Cleanup(stagingPool.Shutdown)

	sm := staging.New(stagingPool, nil, staging.Config{
		ScratchDir: filepath.Join(dir, "scratch"),
		Logger:     logger,
	})

	opener := enginetest.NewOpener()
	graphPool := pool.New(opener, func(key string) string {
		return lifecycle.DatabasePath(filepath.Join(dir, "graphs"), key)
	}, pool.Config{Logger: logger})
	t.Cleanup(graphPool.Shutdown)

	lm, err := lifecycle.New(graphPool, lifecycle.Config{
		InstanceID: "test-0",
		DataDir:    filepath.Join(dir, "graphs"),
		Logger:     logger,
	})
	require.NoError(t, err)

	store := task.NewStore()
	require.NoError(t, store.Open(filepath.Join(dir, "tasks.db")))
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.InitSchema())
	tc := task.NewCoordinator(store, task.Config{
		PollInterval: 10 * time.Millisecond,
		Logger:       logger,
	})

	return &fixture{
		pipeline:  New(sm, lm, tc, filepath.Join(dir, "scratch"), logger),
		staging:   sm,
		lifecycle: lm,
		tasks:     tc,
		engine:    opener,
		dir:       dir,
	}
}

func waitTerminal(t *testing.T, f *fixture, taskID string) task.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := f.tasks.Subscribe(ctx, taskID)
	require.NoError(t, err)

	var last task.Event
	prev := -1.0
	for ev := range events {
		assert.GreaterOrEqual(t, ev.Progress, prev)
		prev = ev.Progress
		last = ev
	}
	require.True(t, last.Terminal, "subscription ended without a terminal event")
	return last
}

func TestPipelineIngestsNodeTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.lifecycle.Create(ctx, testGraph,
		"CREATE NODE TABLE person(identifier INT64, val STRING, PRIMARY KEY(identifier));", false)
	require.NoError(t, err)

	csv := filepath.Join(f.dir, "people.csv")
	require.NoError(t, os.WriteFile(csv, []byte("identifier,val\n1,one\n2,two\n3,three\n"), 0o644))
	_, err = f.staging.CreateTable(ctx, testGraph, "people",
		[]staging.SourceFile{{Path: csv}}, staging.TableSpec{Kind: staging.KindNode})
	require.NoError(t, err)

	taskID, err := f.pipeline.Start(ctx, Request{GraphID: testGraph, Table: "people", Target: "person"})
	require.NoError(t, err)

	last := waitTerminal(t, f, taskID)
	assert.Equal(t, task.StateCompleted, last.State)
	assert.Equal(t, float64(100), last.Progress)
	assert.Equal(t, "3 rows ingested", last.Result)

	handles := f.engine.Handles()
	require.NotEmpty(t, handles)
	var copied bool
	for _, stmt := range handles[0].Statements() {
		if strings.HasPrefix(stmt, "COPY person FROM") {
			copied = true
		}
	}
	assert.True(t, copied, "expected a COPY into the graph engine")

	// The parquet handoff file is cleaned up after the copy.
	_, err = os.Stat(filepath.Join(f.dir, "scratch", testGraph.String(), "people.parquet"))
	assert.True(t, os.IsNotExist(err))
}

func TestPipelineOutlivesCallerCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.lifecycle.Create(ctx, testGraph, "CREATE NODE TABLE person(identifier INT64, PRIMARY KEY(identifier));", false)
	require.NoError(t, err)

	csv := filepath.Join(f.dir, "people.csv")
	require.NoError(t, os.WriteFile(csv, []byte("identifier\n1\n2\n"), 0o644))
	_, err = f.staging.CreateTable(ctx, testGraph, "people",
		[]staging.SourceFile{{Path: csv}}, staging.TableSpec{Kind: staging.KindNode})
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(ctx)
	taskID, err := f.pipeline.Start(reqCtx, Request{GraphID: testGraph, Table: "people", Target: "person"})
	require.NoError(t, err)
	cancel()

	last := waitTerminal(t, f, taskID)
	assert.Equal(t, task.StateCompleted, last.State)
	assert.Equal(t, "2 rows ingested", last.Result)
}

func TestPipelineFailsOnUnknownStagingTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.lifecycle.Create(ctx, testGraph, "CREATE NODE TABLE person(identifier INT64, PRIMARY KEY(identifier));", false)
	require.NoError(t, err)

	taskID, err := f.pipeline.Start(ctx, Request{GraphID: testGraph, Table: "missing", Target: "person"})
	require.NoError(t, err)

	last := waitTerminal(t, f, taskID)
	assert.Equal(t, task.StateFailed, last.State)
	assert.NotEmpty(t, last.Error)
}

func TestPipelineFailsWhenGraphMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	csv := filepath.Join(f.dir, "people.csv")
	require.NoError(t, os.WriteFile(csv, []byte("identifier\n1\n"), 0o644))
	_, err := f.staging.CreateTable(ctx, testGraph, "people",
		[]staging.SourceFile{{Path: csv}}, staging.TableSpec{Kind: staging.KindNode})
	require.NoError(t, err)

	taskID, err := f.pipeline.Start(ctx, Request{GraphID: testGraph, Table: "people", Target: "person"})
	require.NoError(t, err)

	last := waitTerminal(t, f, taskID)
	assert.Equal(t, task.StateFailed, last.State)
	assert.Contains(t, last.Error, "not found")
}
