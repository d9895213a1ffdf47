// Package ingest orchestrates the bulk-load pipeline: a finalized
// staging table is exported to parquet, shape-checked and copied into
// the graph engine, with progress tracked through the task coordinator.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nestgraph/nestgraph/internal/ident"
	"github.com/nestgraph/nestgraph/internal/lifecycle"
	"github.com/nestgraph/nestgraph/internal/staging"
	"github.com/nestgraph/nestgraph/internal/task"
)

// TaskKind identifies bulk ingestion tasks in the task store.
const TaskKind = "bulk_ingest"

// Request names a staging table and its ingestion target.
type Request struct {
	GraphID ident.GraphID
	Table   string
	Target  string
}

// Pipeline runs bulk ingestions.
type Pipeline struct {
	staging    *staging.Manager
	lifecycle  *lifecycle.Manager
	tasks      *task.Coordinator
	scratchDir string
	logger     *slog.Logger
}

// New creates an ingestion pipeline. Exported parquet handoff files are
// written under scratchDir.
func New(sm *staging.Manager, lm *lifecycle.Manager, tc *task.Coordinator, scratchDir string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{staging: sm, lifecycle: lm, tasks: tc, scratchDir: scratchDir, logger: logger}
}

// Start creates the tracking task and runs the ingestion in the
// background, returning the task id immediately.
func (p *Pipeline) Start(ctx context.Context, req Request) (string, error) {
	t, err := p.tasks.Create(TaskKind, fmt.Sprintf("%s/%s -> %s", req.GraphID, req.Table, req.Target))
	if err != nil {
		return "", err
	}

	// The worker outlives the request that started it; a caller-side
	// cancel must not abort an ingestion the task store already reports
	// as running.
	runCtx := context.WithoutCancel(ctx)

	go func() {
		if err := p.run(runCtx, t.ID, req); err != nil {
			p.logger.Error("bulk ingestion failed",
				"task_id", t.ID, "graph_id", req.GraphID, "table", req.Table, "error", err)
			_ = p.tasks.Fail(t.ID, err.Error())
		}
	}()

	return t.ID, nil
}

// run performs the staged handoff. Progress updates after a cooperative
// cancel are rejected by the store, which ends the pipeline without
// aborting the in-flight engine call.
func (p *Pipeline) run(ctx context.Context, taskID string, req Request) error {
	if err := p.tasks.Start(taskID); err != nil {
		return err
	}

	shape, err := p.staging.TableShape(ctx, req.GraphID, req.Table)
	if err != nil {
		return fmt.Errorf("failed to inspect staging table: %w", err)
	}
	if err := p.tasks.UpdateProgress(taskID, 20, "staging table validated"); err != nil {
		return err
	}

	handoff := filepath.Join(p.scratchDir, req.GraphID.String(), req.Table+".parquet")
	if err := os.MkdirAll(filepath.Dir(handoff), 0o755); err != nil {
		return fmt.Errorf("failed to create handoff dir: %w", err)
	}
	defer func() { _ = os.Remove(handoff) }()

	if err := p.staging.ExportParquet(ctx, req.GraphID, req.Table, handoff); err != nil {
		return fmt.Errorf("failed to export staging table: %w", err)
	}
	if err := p.tasks.UpdateProgress(taskID, 60, "staging table exported"); err != nil {
		return err
	}

	if err := p.lifecycle.BulkCopy(ctx, req.GraphID, req.Target, shape, handoff); err != nil {
		return err
	}
	if err := p.tasks.UpdateProgress(taskID, 95, "copied into graph engine"); err != nil {
		return err
	}

	return p.tasks.Complete(taskID, fmt.Sprintf("%d rows ingested", shape.RowCount))
}
