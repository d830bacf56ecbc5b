// Package coordinator assembles the runtime: storage, the decomposition
// pipeline, the scheduler, lock and checkpoint machinery, and the
// background workers that keep them honest.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/flightline-ai/squawk/agent"
	"github.com/flightline-ai/squawk/bus"
	"github.com/flightline-ai/squawk/checkpoint"
	"github.com/flightline-ai/squawk/config"
	"github.com/flightline-ai/squawk/conflict"
	"github.com/flightline-ai/squawk/decompose"
	"github.com/flightline-ai/squawk/emit"
	"github.com/flightline-ai/squawk/httpapi"
	"github.com/flightline-ai/squawk/llm"
	"github.com/flightline-ai/squawk/llm/anthropic"
	"github.com/flightline-ai/squawk/llm/google"
	"github.com/flightline-ai/squawk/llm/openai"
	"github.com/flightline-ai/squawk/lock"
	"github.com/flightline-ai/squawk/metrics"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/recovery"
	"github.com/flightline-ai/squawk/sched"
	"github.com/flightline-ai/squawk/store"
)

// gaugeRefreshInterval paces the active-lock and active-specialist
// gauge updates.
const gaugeRefreshInterval = 15 * time.Second

// Coordinator owns every long-lived component. Construct with New, start
// the workers with Start, and Close before exit.
type Coordinator struct {
	cfg    *config.Config
	logger *slog.Logger

	DB       *store.DB
	Emitter  emit.Emitter
	Pipeline *decompose.Pipeline
	Sched    *sched.Scheduler
	Locks    *lock.Manager
	Engine   *checkpoint.Engine
	Recovery *recovery.Manager
	Watcher  *agent.HeartbeatWatcher
	Bus      *bus.Bus
	Resolver *conflict.Resolver
	Metrics  *metrics.Metrics

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the full component graph from the configuration. The data
// directory and its subdirectories are created as needed.
func New(cfg *config.Config, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{cfg.DataDir, cfg.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	db, err := store.Open(store.DriverSQLite, cfg.DatabasePath(), model.SystemClock{})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	emitter := emit.NewLogEmitter(os.Stdout, true)

	client, err := buildLLMClient(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	// Each planning attempt is bounded by the configured ceiling; retries
	// wrap the timeout so a timed-out attempt is not retried.
	pipeline := decompose.NewPipeline(
		decompose.NewPlanner(llm.WithRetry(llm.WithTimeout(client, cfg.LLMTimeout()), 3, 0)),
		nil, db.Patterns(), emitter, db.Clock(), cfg.TechOrdersDir,
	)

	files, err := checkpoint.NewFileStore(cfg.CheckpointDir())
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	c := &Coordinator{
		cfg:      cfg,
		logger:   logger,
		DB:       db,
		Emitter:  emitter,
		Pipeline: pipeline,
		Metrics:  metrics.New(nil),
	}
	c.Locks = lock.NewManager(db, emitter)
	c.Sched = sched.NewScheduler(db, c.Locks, c, emitter, 0)
	c.Engine = checkpoint.NewEngine(db, files, emitter, cfg.CheckpointRetention())
	c.Recovery = recovery.NewManager(db, c.Engine, c.Locks, emitter, cfg.LogDir())
	c.Watcher = agent.NewHeartbeatWatcher(db, emitter, cfg.HeartbeatTimeout(), logger)
	c.Bus = bus.NewBus(db, emitter)
	c.Resolver = conflict.NewResolver(db, emitter, model.Severity(cfg.AutoresolveThreshold), logger)
	return c, nil
}

func buildLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return anthropic.New(cfg.LLM.APIKey, cfg.LLM.Model)
	case "openai":
		return openai.New(cfg.LLM.APIKey, cfg.LLM.Model)
	case "google":
		return google.New(context.Background(), cfg.LLM.APIKey, cfg.LLM.Model)
	case "mock":
		return &llm.MockClient{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

// Launch runs a specialist in-process for a dispatched sortie. It
// satisfies sched.Launcher; the runner lives on the coordinator's own
// context, not the dispatch request's.
func (c *Coordinator) Launch(ctx context.Context, sortie model.Sortie, specialistID string) error {
	if c.runCtx == nil {
		return fmt.Errorf("coordinator not started")
	}
	runner := agent.NewRunner(c.DB, c.Emitter, c.logger, agent.Config{
		SpecialistID:      specialistID,
		Name:              specialistID,
		Type:              recovery.AgentTypeFor(sortie.Title),
		SortieID:          sortie.ID,
		HeartbeatInterval: c.cfg.HeartbeatInterval(),
	})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := runner.Run(c.runCtx); err != nil {
			c.logger.Error("specialist run failed",
				"specialist_id", specialistID, "sortie_id", sortie.ID, "error", err)
		}
	}()
	return nil
}

// Start launches the background workers. Call once; Close stops them.
func (c *Coordinator) Start(ctx context.Context) {
	c.runCtx, c.cancel = context.WithCancel(ctx)

	reaper := lock.NewReaper(c.Locks, c.cfg.ReaperInterval(), c.logger)
	sweeper := conflict.NewSweepWorker(c.Resolver, 0, c.logger)
	cleaner := checkpoint.NewCleaner(c.Engine, 0, c.logger)
	reconciler := checkpoint.NewReconciler(c.Engine, c.logger)

	c.spawn(func() { reaper.Run(c.runCtx) })
	c.spawn(func() { sweeper.Run(c.runCtx) })
	c.spawn(func() { c.Watcher.Run(c.runCtx, c.cfg.HeartbeatInterval()) })
	c.spawn(func() { cleaner.Run(c.runCtx) })
	c.spawn(func() {
		if err := reconciler.Run(c.runCtx); err != nil && c.runCtx.Err() == nil {
			c.logger.Error("checkpoint reconciler stopped", "error", err)
		}
	})
	c.spawn(func() { c.refreshGauges(c.runCtx) })
}

func (c *Coordinator) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Coordinator) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if locks, err := c.Locks.GetActive(ctx); err == nil {
				c.Metrics.SetActiveLocks(len(locks))
			}
			if active, err := c.DB.Specialists().ListByStatus(ctx, model.SpecialistActive); err == nil {
				c.Metrics.SetActiveSpecialists(len(active))
			}
		}
	}
}

// Handler returns the HTTP API over the assembled components.
func (c *Coordinator) Handler() http.Handler {
	srv := httpapi.New(httpapi.Deps{
		DB:       c.DB,
		Pipeline: c.Pipeline,
		Sched:    c.Sched,
		Locks:    c.Locks,
		Engine:   c.Engine,
		Recovery: c.Recovery,
		Watcher:  c.Watcher,
		Bus:      c.Bus,
		Metrics:  c.Metrics,
		Logger:   c.logger,
	})
	return srv.Handler()
}

// Close stops the workers, waits for in-flight specialists, and closes
// the store.
func (c *Coordinator) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.DB.Close()
}
