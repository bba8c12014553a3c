package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"missioncontrol/internal/approvals"
	"missioncontrol/internal/authz"
	"missioncontrol/internal/config"
	"missioncontrol/internal/db"
	"missioncontrol/internal/events"
	"missioncontrol/internal/metrics"
	"missioncontrol/internal/migrate"
	"missioncontrol/internal/policy"
	"missioncontrol/internal/repo"
	"missioncontrol/internal/snapshot"
	"missioncontrol/internal/units"
)

// App wires every component around one store handle.
type App struct {
	Config    *config.Config
	Workspace string
	Logger    *slog.Logger

	Engine    *db.Engine
	Repo      repo.Repo
	Events    *events.Log
	Approvals *approvals.Store
	Units     *units.Registry
	Gate      policy.Checker
	Builder   *snapshot.Builder
	Snapshots *snapshot.Cache
	Policy    authz.Policy
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// New opens the workspace store, brings its schema up to date and builds the
// components. Callers own Close.
func New(ctx context.Context, cfg *config.Config, workspace string, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	engine, err := db.Open(db.Config{
		Workspace:     workspace,
		Path:          StoragePath(cfg, workspace),
		BusyTimeoutMS: cfg.Storage.BusyTimeoutMS,
		MaxOpenConns:  cfg.Storage.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := migrate.Run(ctx, engine, logger); err != nil {
		engine.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return Wire(engine, cfg, workspace, logger), nil
}

// Wire builds the components on an already migrated engine.
func Wire(engine *db.Engine, cfg *config.Config, workspace string, logger *slog.Logger) *App {
	m := metrics.New()
	a := &App{
		Config:    cfg,
		Workspace: workspace,
		Logger:    logger,
		Engine:    engine,
		Repo:      repo.Repo{DB: engine.DB},
		Policy:    authz.NewPolicy(cfg.RolePermissions()),
		Metrics:   m,
	}

	a.Events = events.New(engine, cfg.Events.Retention)
	a.Events.Recorder = m

	a.Approvals = approvals.New(engine, a.Events)
	a.Approvals.SeedFile = cfg.SeedFile(workspace)
	a.Approvals.RequireVersion = cfg.Approvals.RequireVersion
	a.Approvals.Logger = logger.With("component", "approvals")
	a.Approvals.Recorder = m

	a.Units = units.New(engine)
	a.Gate = policy.Checker{Approvals: a.Approvals}

	a.Builder = &snapshot.Builder{Repo: a.Repo, Units: a.Units, Logger: logger.With("component", "snapshot")}
	a.Snapshots = snapshot.NewCache(engine, cfg.Snapshots.TTL.Duration, cfg.Snapshots.Keep, func(ctx context.Context) (any, error) {
		if err := a.Approvals.EnsureSeeded(ctx); err != nil {
			return nil, err
		}
		return a.Builder.Build(ctx)
	})
	a.Snapshots.Recorder = m
	return a
}

func (a *App) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *App) Close() error {
	return a.Engine.Close()
}

// StoragePath resolves storage.path against the workspace. Empty means the
// default location under .mc.
func StoragePath(cfg *config.Config, workspace string) string {
	p := cfg.Storage.Path
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}
