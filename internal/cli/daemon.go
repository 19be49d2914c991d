package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/kairo/internal/config"
	"github.com/harun/kairo/internal/logger"
	"github.com/harun/kairo/pkg/agent"
	"github.com/harun/kairo/pkg/catalog"
	"github.com/harun/kairo/pkg/jobqueue"
	"github.com/harun/kairo/pkg/materialize"
	"github.com/harun/kairo/pkg/mcp"
	"github.com/harun/kairo/pkg/memory"
	"github.com/harun/kairo/pkg/paginate"
	"github.com/harun/kairo/pkg/planner"
)

// daemon holds the wired component graph behind the start and run commands.
type daemon struct {
	cfg     *config.Config
	log     *logger.Logger
	catalog *catalog.Catalog
	watcher *catalog.Watcher
	store   *materialize.Store
	memory  *memory.Store
	loop    *agent.Loop
	queue   *jobqueue.Queue
}

// buildDaemon wires every component from config. The queue is created but
// not started; callers decide whether background workers are needed.
func buildDaemon(cfg *config.Config) (*daemon, error) {
	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	zl := log.GetZerolog()

	dataDir := cfg.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".kairo")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.Catalog.Path == "" {
		return nil, fmt.Errorf("catalog path is required")
	}
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tool catalog: %w", err)
	}
	zl.Info().Int("tools", cat.Len()).Str("path", cfg.Catalog.Path).Msg("Tool catalog loaded")

	var watcher *catalog.Watcher
	if cfg.Catalog.Watch {
		watcher, err = catalog.NewWatcher(cat, cfg.Catalog.Path, time.Second, zl)
		if err != nil {
			return nil, fmt.Errorf("failed to create catalog watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return nil, fmt.Errorf("failed to start catalog watcher: %w", err)
		}
	}

	sessions := mcp.NewSessionManager(nil, zl)
	client, err := mcp.NewClient(mcp.ClientConfig{
		Servers:  cfg.Servers,
		Catalog:  cat,
		Sessions: sessions,
		Logger:   zl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create protocol client: %w", err)
	}

	pager := paginate.NewEngine(client, cfg.Pagination.MaxBatches, zl)

	storePath := cfg.Materializer.StorePath
	if storePath == "" {
		storePath = filepath.Join(dataDir, "results.db")
	}
	store, err := materialize.NewStore(materialize.Config{
		Path:           storePath,
		ThresholdBytes: cfg.Materializer.ThresholdBytes,
		Logger:         zl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open result store: %w", err)
	}

	memPath := cfg.Memory.Path
	if memPath == "" {
		memPath = filepath.Join(dataDir, "memory.db")
	}
	mem, err := memory.NewStore(memPath, zl)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	profiles := make([]planner.Profile, len(cfg.Planner.Profiles))
	for i, p := range cfg.Planner.Profiles {
		profiles[i] = planner.Profile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Model:    p.Model,
			Priority: p.Priority,
		}
	}
	llm, err := planner.NewLLMPlanner(profiles, zl)
	if err != nil {
		return nil, fmt.Errorf("failed to create planner: %w", err)
	}

	executor, err := agent.NewExecutor(agent.ExecutorConfig{
		Client:  client,
		Pager:   pager,
		Store:   store,
		Catalog: cat,
		Logger:  zl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	serverKeys := make([]string, 0, len(cfg.Servers))
	for key := range cfg.Servers {
		serverKeys = append(serverKeys, key)
	}

	loop, err := agent.NewLoop(agent.LoopConfig{
		Planner:       llm,
		Synthesizer:   llm,
		Executor:      executor,
		Catalog:       cat,
		Memory:        mem,
		Logger:        zl,
		MaxIterations: cfg.Agent.MaxIterations,
		GuardKinds:    cfg.Agent.DuplicateGuardKinds,
		ServerKeys:    serverKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent loop: %w", err)
	}

	queue, err := jobqueue.New(jobqueue.Config{
		Concurrency:        cfg.Queue.Concurrency,
		MaxAttempts:        cfg.Queue.MaxAttempts,
		BackoffBase:        cfg.Queue.BackoffBase,
		JobTimeout:         cfg.Queue.JobTimeout,
		RetentionCompleted: cfg.Queue.RetentionCompleted,
		RetentionFailed:    cfg.Queue.RetentionFailed,
		SweepSchedule:      cfg.Queue.SweepSchedule,
		Logger:             zl,
	}, runHandler(loop))
	if err != nil {
		return nil, fmt.Errorf("failed to create job queue: %w", err)
	}

	return &daemon{
		cfg:     cfg,
		log:     log,
		catalog: cat,
		watcher: watcher,
		store:   store,
		memory:  mem,
		loop:    loop,
		queue:   queue,
	}, nil
}

// runHandler adapts the agent loop into a job queue handler. The payload
// is an agent.RunParams; iteration progress fans out to attached sinks.
func runHandler(loop *agent.Loop) jobqueue.Handler {
	return func(ctx context.Context, payload interface{}, report func(jobqueue.Progress)) (interface{}, error) {
		params, ok := payload.(agent.RunParams)
		if !ok {
			return nil, fmt.Errorf("unexpected job payload type %T", payload)
		}

		params.OnStep = func(iteration, maxIterations int, action string) {
			report(jobqueue.Progress{
				Current:    iteration,
				Total:      maxIterations,
				Percentage: float64(iteration) / float64(maxIterations) * 100,
				Stage:      action,
			})
		}
		params.OnPaginate = func(event paginate.ProgressEvent) {
			report(jobqueue.Progress{
				Current:    event.Current,
				Total:      event.Total,
				Percentage: event.Percentage,
				Stage:      fmt.Sprintf("draining batch %d", event.BatchNumber),
			})
		}

		result, err := loop.Run(ctx, params)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

func (d *daemon) close() {
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.log.Warn().Err(err).Msg("Failed to close job queue")
		}
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.log.Warn().Err(err).Msg("Failed to stop catalog watcher")
		}
	}
	if d.memory != nil {
		if err := d.memory.Close(); err != nil {
			d.log.Warn().Err(err).Msg("Failed to close memory store")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warn().Err(err).Msg("Failed to close result store")
		}
	}
	_ = d.log.Close()
}
