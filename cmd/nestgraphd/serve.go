package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nestgraph/nestgraph/internal/admission"
	"github.com/nestgraph/nestgraph/internal/config"
	"github.com/nestgraph/nestgraph/internal/engine/duckdb"
	"github.com/nestgraph/nestgraph/internal/engine/kuzu"
	"github.com/nestgraph/nestgraph/internal/health"
	"github.com/nestgraph/nestgraph/internal/ident"
	"github.com/nestgraph/nestgraph/internal/ingest"
	"github.com/nestgraph/nestgraph/internal/lifecycle"
	"github.com/nestgraph/nestgraph/internal/objstore"
	"github.com/nestgraph/nestgraph/internal/pool"
	"github.com/nestgraph/nestgraph/internal/registry"
	"github.com/nestgraph/nestgraph/internal/router"
	"github.com/nestgraph/nestgraph/internal/staging"
	"github.com/nestgraph/nestgraph/internal/task"
)

func newServeCmd() *cobra.Command {
	var (
		cfgFile string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cluster instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			}))

			return serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: environment and built-in defaults)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	return cmd
}

// server holds the wired runtime. The router and ingestion pipeline
// are the entry points an API transport attaches to.
type server struct {
	cfg    *config.Config
	logger *slog.Logger

	graphPool   *pool.Pool
	stagingPool *pool.Pool
	lifecycle   *lifecycle.Manager
	staging     *staging.Manager
	admission   *admission.Controller
	registry    registry.Client
	router      *router.Router
	tasks       *task.Coordinator
	taskStore   *task.Store
	ingest      *ingest.Pipeline
	health      *health.Service

	closers []func() error
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.shutdown()

	logger.Info("instance starting",
		"instance_id", cfg.Instance.ID,
		"role", cfg.Instance.Role,
		"data_dir", cfg.DataDir)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.admission.Run(gctx)
		return nil
	})
	g.Go(func() error {
		srv.tasks.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.heartbeatLoop(gctx)
	})

	err = g.Wait()
	logger.Info("instance stopping", "instance_id", cfg.Instance.ID)
	return err
}

func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*server, error) {
	for _, dir := range []string{cfg.DataDir, cfg.StagingDir, cfg.ScratchDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if dir := filepath.Dir(cfg.Tasks.StorePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create task store directory: %w", err)
		}
	}

	srv := &server{cfg: cfg, logger: logger}

	srv.graphPool = pool.New(kuzu.NewOpener(), func(key string) string {
		return lifecycle.DatabasePath(cfg.DataDir, key)
	}, poolConfig(cfg.GraphPool, logger.With("pool", "graph")))

	srv.stagingPool = pool.New(duckdb.NewOpener(), func(key string) string {
		return filepath.Join(cfg.StagingDir, key+".duckdb")
	}, poolConfig(cfg.StagingPool, logger.With("pool", "staging")))

	lm, err := lifecycle.New(srv.graphPool, lifecycle.Config{
		InstanceID:   cfg.Instance.ID,
		DataDir:      cfg.DataDir,
		MaxDatabases: cfg.MaxDatabases,
		DrainTimeout: cfg.DrainTimeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	srv.lifecycle = lm

	store, err := newObjectStore(cfg.ObjectStore)
	if err != nil {
		return nil, err
	}
	srv.staging = staging.New(srv.stagingPool, store, staging.Config{
		ScratchDir: cfg.ScratchDir,
		ChunkSize:  cfg.ChunkSize,
		Logger:     logger,
	})

	srv.taskStore = task.NewStore()
	if err := srv.taskStore.Open(cfg.Tasks.StorePath); err != nil {
		return nil, err
	}
	srv.closers = append(srv.closers, srv.taskStore.Close)
	if err := srv.taskStore.InitSchema(); err != nil {
		return nil, err
	}
	srv.tasks = task.NewCoordinator(srv.taskStore, task.Config{
		PollInterval: cfg.Tasks.PollInterval,
		Grace:        cfg.Tasks.Grace,
		ReapInterval: cfg.Tasks.ReapInterval,
		Logger:       logger,
	})

	srv.admission = admission.New(admission.Config{
		Interval:           cfg.Admission.Interval,
		CPUWarningPercent:  cfg.Admission.CPUWarningPercent,
		CPUCriticalPercent: cfg.Admission.CPUCriticalPercent,
		MemWarningPercent:  cfg.Admission.MemWarningPercent,
		MemCriticalPercent: cfg.Admission.MemCriticalPercent,
		CriticalSamples:    cfg.Admission.CriticalSamples,
		RecoverySamples:    cfg.Admission.RecoverySamples,
		Logger:             logger,
	})

	reg, err := newRegistry(ctx, cfg.Registry, srv)
	if err != nil {
		return nil, err
	}
	srv.registry = reg

	if err := reg.RegisterInstance(ctx, &registry.Instance{
		ID:            cfg.Instance.ID,
		Address:       cfg.Instance.Address,
		Role:          registry.Role(cfg.Instance.Role),
		LastHeartbeat: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to register instance: %w", err)
	}

	srv.router = router.New(reg, srv.admission, srv.lifecycleProvider, router.Config{
		MaxFailoverCandidates: cfg.Router.MaxFailoverCandidates,
		HeartbeatTimeout:      cfg.Router.HeartbeatTimeout,
		Logger:                logger,
	})

	srv.ingest = ingest.New(srv.staging, srv.lifecycle, srv.tasks, cfg.ScratchDir, logger)
	srv.health = health.NewService(srv.admission, srv.lifecycle, srv.graphPool, srv.stagingPool)

	return srv, nil
}

// lifecycleProvider returns the local lifecycle manager for this
// instance. Remote creation goes through the API transport, which is
// deployment-specific and not wired here.
func (s *server) lifecycleProvider(inst *registry.Instance) (router.LifecycleClient, error) {
	if inst.ID != s.cfg.Instance.ID {
		return nil, fmt.Errorf("no lifecycle transport for remote instance %s", inst.ID)
	}
	return localLifecycle{s.lifecycle}, nil
}

type localLifecycle struct {
	m *lifecycle.Manager
}

func (l localLifecycle) Create(ctx context.Context, graphID ident.GraphID, schemaDDL string, readOnly bool) error {
	_, err := l.m.Create(ctx, graphID, schemaDDL, readOnly)
	return err
}

// heartbeatLoop refreshes this instance's registry record with current
// load metrics until ctx ends.
func (s *server) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Instance.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		snap := s.health.Snapshot()
		err := s.registry.Heartbeat(ctx, s.cfg.Instance.ID, registry.Metrics{
			CPUPercent:    snap.CPUPercent,
			MemoryPercent: snap.MemoryPercent,
			DatabaseCount: snap.DatabaseCount,
		})
		if err != nil {
			s.logger.Warn("heartbeat failed", "error", err)
			continue
		}
		s.logger.Debug("heartbeat",
			"status", snap.Status,
			"cpu_percent", snap.CPUPercent,
			"memory_percent", snap.MemoryPercent,
			"databases", snap.DatabaseCount)
	}
}

func (s *server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.registry != nil {
		if err := s.registry.DeregisterInstance(ctx, s.cfg.Instance.ID); err != nil {
			s.logger.Warn("failed to deregister instance", "error", err)
		}
	}
	if s.graphPool != nil {
		s.graphPool.Shutdown()
	}
	if s.stagingPool != nil {
		s.stagingPool.Shutdown()
	}
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			s.logger.Warn("shutdown close failed", "error", err)
		}
	}
}

func poolConfig(pc config.PoolConfig, logger *slog.Logger) pool.Config {
	return pool.Config{
		MaxPerKey:     pc.MaxPerKey,
		WaitTimeout:   pc.WaitTimeout,
		IdleTimeout:   pc.IdleTimeout,
		ConnectionTTL: pc.ConnectionTTL,
		SweepInterval: pc.SweepInterval,
		Logger:        logger,
	}
}

func newObjectStore(cfg config.ObjectStoreConfig) (objstore.Reader, error) {
	switch cfg.Backend {
	case "local":
		return objstore.NewLocal(cfg.LocalDir), nil
	case "minio":
		return objstore.NewMinio(objstore.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown object store backend: %s", cfg.Backend)
	}
}

func newRegistry(ctx context.Context, cfg config.RegistryConfig, srv *server) (registry.Client, error) {
	switch cfg.Backend {
	case "memory":
		return registry.NewMemory(), nil
	case "redis":
		r, err := registry.NewRedis(ctx, registry.RedisConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			InstanceTTL: cfg.Redis.InstanceTTL,
		})
		if err != nil {
			return nil, err
		}
		srv.closers = append(srv.closers, r.Close)
		return r, nil
	default:
		return nil, fmt.Errorf("unknown registry backend: %s", cfg.Backend)
	}
}
