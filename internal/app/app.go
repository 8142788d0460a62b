// Package app wires the engine core (spec §4) to its collaborators and
// exposes the lifecycle a command-line entrypoint drives: construct from
// configuration, start the worker pool and its satellite loops, run until
// asked to stop. Grounded on the teacher's internal/app.App (New/Run,
// ArangoDB bring-up, graceful shutdown on SIGINT/SIGTERM), generalized
// from the teacher's gin HTTP server lifecycle to the execution engine's
// worker-pool lifecycle — this module has no HTTP surface.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/workflowcore/internal/agentclient"
	"github.com/aosanya/workflowcore/internal/config"
	"github.com/aosanya/workflowcore/internal/dag"
	"github.com/aosanya/workflowcore/internal/database"
	"github.com/aosanya/workflowcore/internal/dispatcher"
	"github.com/aosanya/workflowcore/internal/engine"
	"github.com/aosanya/workflowcore/internal/events"
	"github.com/aosanya/workflowcore/internal/metrics"
	"github.com/aosanya/workflowcore/internal/repository"
	"github.com/aosanya/workflowcore/internal/workflow"
)

// App owns every collaborator the Scheduler/ExecutionEngine depends on
// and the lifecycle to bring them up and tear them down together.
type App struct {
	cfg *config.Config

	dbClient  *database.ArangoClient
	repo      repository.Repository
	templates workflow.Repository
	tracker   *dag.Tracker
	dispatch  *dispatcher.Dispatcher
	eventBus  *events.Processor
	metricsExp *metrics.Exporter

	Engine *engine.Engine
}

// New constructs an App from cfg. agentClient is the AgentTaskDispatcher's
// external AI service contract; pass a *agentclient.StubClient for a demo
// deployment that never leaves the process.
func New(cfg *config.Config, agentClient agentclient.Client) (*App, error) {
	configureLogging(cfg)

	a := &App{cfg: cfg}

	repo, dbClient, err := newRepository(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize repository: %w", err)
	}
	a.repo = repo
	a.dbClient = dbClient
	a.templates = workflow.NewMemoryRepository()
	a.tracker = dag.NewTracker()

	a.dispatch = dispatcher.New(dispatcher.DefaultConfig(), agentClient)

	a.eventBus = events.NewProcessor(events.DefaultProcessorConfig())
	// LoggingHandler.CanHandle is unconditionally true, so it is registered
	// as a global handler rather than against the fixed allEventTypes()
	// list: every event type this engine ever adds reaches it with no
	// registration change required.
	if err := a.eventBus.RegisterHandler(events.NewLoggingHandler()); err != nil {
		return nil, fmt.Errorf("register logging handler: %w", err)
	}
	if err := a.eventBus.RegisterHandler(events.NewLifecycleHandler(), allEventTypes()...); err != nil {
		return nil, fmt.Errorf("register lifecycle handler: %w", err)
	}

	a.metricsExp = metrics.New()

	engCfg := engine.Config{
		WorkerCount:              cfg.Engine.WorkerPoolSize,
		QueuePopTimeout:          500 * time.Millisecond,
		MonitorInterval:          time.Duration(cfg.Engine.MonitorIntervalSeconds) * time.Second,
		ContextCleanupTTL:        time.Duration(cfg.Engine.ContextCleanupTTLSeconds) * time.Second,
		InstanceCapacity:         cfg.Engine.InstanceCapacity,
		TaskRetryLimit:           cfg.Engine.TaskRetryLimit,
		AdvisoryInstanceDeadline: time.Duration(cfg.Engine.AdvisoryInstanceDeadlineMinutes) * time.Minute,
		OrphanScanLimit:          100,
	}
	a.Engine = engine.New(engCfg, a.templates, a.repo, a.tracker, a.dispatch, a.eventBus, a.metricsExp)

	return a, nil
}

// Templates exposes the template store so callers (the demo command) can
// register workflows before execution.
func (a *App) Templates() workflow.Repository { return a.templates }

// Metrics exposes the Prometheus exporter for a caller that wants to
// serve its Handler() itself; this module does not run an HTTP server.
func (a *App) Metrics() *metrics.Exporter { return a.metricsExp }

// Start brings up the event processor and engine worker pool without
// blocking. Callers that need to run a single ExecuteWorkflow and exit
// (the demo command) call this instead of Run.
func (a *App) Start() error {
	if err := a.eventBus.Start(); err != nil {
		return fmt.Errorf("start event processor: %w", err)
	}
	a.Engine.Start()
	log.Info("workflow engine started")
	return nil
}

// Run starts the event processor and engine, then blocks until ctx is
// cancelled or SIGINT/SIGTERM is received, and shuts everything down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("shutdown signal received")
	case <-ctx.Done():
		log.Info("context cancelled")
	}

	return a.Stop()
}

// Stop tears down the engine and its collaborators. Safe to call after Run
// returns from a signal, or directly from a one-shot command.
func (a *App) Stop() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Engine.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("engine shutdown error")
	}
	if err := a.eventBus.Stop(); err != nil {
		log.WithError(err).Error("event processor shutdown error")
	}
	if a.dbClient != nil {
		if err := a.dbClient.Close(); err != nil {
			log.WithError(err).Error("database close error")
		}
	}
	return nil
}

func newRepository(cfg *config.Config) (repository.Repository, *database.ArangoClient, error) {
	if cfg.Database.Type != "arangodb" {
		return repository.NewMemoryRepository(), nil, nil
	}

	dbClient, err := database.NewArangoClient(&cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := dbClient.Ping(); err != nil {
		log.WithError(err).Warn("ArangoDB ping failed, continuing")
	}
	repo, err := repository.NewArangoRepository(context.Background(), dbClient.Database(), log.StandardLogger())
	if err != nil {
		return nil, nil, err
	}
	return repo, dbClient, nil
}

func configureLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Warn("invalid log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

func allEventTypes() []events.EventType {
	return []events.EventType{
		events.EventTypeWorkflowStarted,
		events.EventTypeWorkflowCompleted,
		events.EventTypeWorkflowFailed,
		events.EventTypeWorkflowCancelled,
		events.EventTypeTaskAssigned,
		events.EventTypeTaskCompleted,
		events.EventTypeTaskFailed,
		events.EventTypeNodeReady,
	}
}
