// Package app wires the lifecycle components into one runtime.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"jobline/internal/arbiter"
	"jobline/internal/config"
	"jobline/internal/db"
	"jobline/internal/engine"
	"jobline/internal/hub"
	"jobline/internal/ingest"
	"jobline/internal/ledger"
	"jobline/internal/llm"
	"jobline/internal/migrate"
	"jobline/internal/planner"
	"jobline/internal/review"
	"jobline/internal/server"
	"jobline/internal/workqueue"
)

// Runtime holds the process-scoped registries and services.
type Runtime struct {
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Queue     *workqueue.Queue
	Planner   *planner.Planner
	Ledger    ledger.Client
	Ingestor  *ingest.Ingestor
	Arbiter   *arbiter.Arbiter
	Review    *review.Service
	TaskHub   *hub.Hub
	ReviewHub *hub.Hub
	LLM       llm.Client
	Logger    *log.Logger
}

type Options struct {
	Workspace string
	// DBPath overrides the workspace database location.
	DBPath string
	Logger *log.Logger
	// Ledger and LLM replace the configured clients when set.
	Ledger ledger.Client
	LLM    llm.Client
}

// Open connects the workspace database, applies migrations and builds the runtime.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.MigrateContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if len(applied) > 0 {
		logger.Printf("app: applied migrations %s", strings.Join(applied, ", "))
	}
	rt, err := Build(cfg, conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return rt, nil
}

// OpenLedger returns the configured ledger client. The memory driver keeps a
// hash-chained file in the workspace.
func OpenLedger(cfg config.LedgerConfig, workspace string) (ledger.Client, error) {
	switch cfg.Driver {
	case "rpc":
		return ledger.NewRPC(cfg.RPCURL, cfg.Contract), nil
	case "", "memory":
		if workspace == "" {
			return ledger.NewLocal(), nil
		}
		return ledger.OpenLocal(LocalLedgerPath(workspace))
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

// LocalLedgerPath is where the memory driver keeps its blocks.
func LocalLedgerPath(workspace string) string {
	return filepath.Join(workspace, ".jobline", "ledger.jsonl")
}

// Build wires the components around an open, migrated database.
func Build(cfg *config.Config, conn *sql.DB, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	client := opts.LLM
	if client == nil {
		client = llm.New(cfg.LLM)
	}
	chain := opts.Ledger
	if chain == nil {
		var err error
		if chain, err = OpenLedger(cfg.Ledger, opts.Workspace); err != nil {
			return nil, err
		}
	}

	taskHub := hub.New("tasks", cfg.Notifications.Buffer)
	taskHub.Logger = logger
	reviewHub := hub.New("review", cfg.Notifications.Buffer)
	reviewHub.Logger = logger

	eng := engine.New(conn)
	eng.Logger = logger
	eng.Notifier = taskHub

	q := workqueue.New(eng)
	q.Logger = logger
	p := planner.New(conn, client, cfg.Revisions.DecomposeTimeout(), cfg.Revisions.UndoWindow())
	p.Logger = logger
	p.Notifier = taskHub
	p.Lock = eng.LockJob
	eng.Queue = q
	eng.Planner = p
	// The queue and planner keep copies of the engine; refresh them now that
	// its collaborators are set.
	q.Engine = eng

	in := ingest.New(eng, chain, ingest.Options{
		StartBlock: cfg.Ledger.StartBlock,
		BatchSize:  cfg.Ledger.BatchSize,
		Lookback:   cfg.Ledger.LookbackBlocks,
	})
	in.Logger = logger

	arb := &arbiter.Arbiter{
		Engine:    eng,
		Ledger:    chain,
		Heuristic: arbiter.NewHeuristic(cfg.Arbiter),
		Deadline:  cfg.Revisions.Deadline(),
		Logger:    logger,
	}
	svc := &review.Service{
		Engine:   eng,
		LLM:      client,
		Notifier: reviewHub,
		Timeout:  cfg.Revisions.DecomposeTimeout(),
		Logger:   logger,
	}
	reviewHub.History = svc.History

	return &Runtime{
		Config:    cfg,
		DB:        conn,
		Engine:    eng,
		Queue:     q,
		Planner:   p,
		Ledger:    chain,
		Ingestor:  in,
		Arbiter:   arb,
		Review:    svc,
		TaskHub:   taskHub,
		ReviewHub: reviewHub,
		LLM:       client,
		Logger:    logger,
	}, nil
}

// ServerConfig exposes the runtime through the HTTP API.
func (rt *Runtime) ServerConfig() server.Config {
	return server.Config{
		Engine:    rt.Engine,
		Queue:     rt.Queue,
		Planner:   rt.Planner,
		Ingestor:  rt.Ingestor,
		Arbiter:   rt.Arbiter,
		Review:    rt.Review,
		TaskHub:   rt.TaskHub,
		ReviewHub: rt.ReviewHub,
		Heartbeat: rt.Config.Notifications.Heartbeat(),
		Auth: server.AuthConfig{
			JWTSecret:        rt.Config.Server.JWTSecret,
			AllowActorHeader: rt.Config.Server.AllowActorHeader,
			Logger:           rt.Logger,
		},
	}
}

// ApplyConfig takes over the settings that may change while serving.
func (rt *Runtime) ApplyConfig(cfg *config.Config) {
	rt.Arbiter.Heuristic.Update(cfg.Arbiter)
	rt.Logger.Printf("app: arbiter thresholds now release>=%.2f refund<%.2f (%d markers)",
		cfg.Arbiter.ReleaseRatio, cfg.Arbiter.RefundRatio, len(cfg.Arbiter.NegativeMarkers))
}

// Close stops the hubs and closes the database.
func (rt *Runtime) Close() error {
	rt.TaskHub.Close()
	rt.ReviewHub.Close()
	return rt.DB.Close()
}
