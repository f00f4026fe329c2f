package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/devserve/internal/config"
	"git.home.luguber.info/inful/devserve/internal/engine"
	"git.home.luguber.info/inful/devserve/internal/engine/fsengine"
	"git.home.luguber.info/inful/devserve/internal/events"
	"git.home.luguber.info/inful/devserve/internal/hub"
	"git.home.luguber.info/inful/devserve/internal/issues"
	"git.home.luguber.info/inful/devserve/internal/journal"
	"git.home.luguber.info/inful/devserve/internal/maintenance"
	"git.home.luguber.info/inful/devserve/internal/manifest"
	"git.home.luguber.info/inful/devserve/internal/metrics"
	"git.home.luguber.info/inful/devserve/internal/mirror"
	"git.home.luguber.info/inful/devserve/internal/orchestrator"
	"git.home.luguber.info/inful/devserve/internal/server"
	"git.home.luguber.info/inful/devserve/internal/vcs"
	"git.home.luguber.info/inful/devserve/internal/version"
)

// clientSweepInterval paces the stalled-client sweep.
const clientSweepInterval = 30 * time.Second

// runServe wires the full daemon and blocks until SIGINT/SIGTERM.
func runServe(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.NewBus()
	defer bus.Close()

	reg := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(reg)

	ledger := issues.NewLedger()
	manifests := manifest.NewAggregator(cfg.OutputDir)

	store, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	go journal.NewConsumer(store, bus).Run(ctx)

	if cfg.Mirror.Enabled {
		m, mirrorErr := mirror.New(cfg.Mirror, bus)
		if mirrorErr != nil {
			return mirrorErr
		}
		defer m.Close()
		go m.Run(ctx)
	}

	scheduler, err := maintenance.NewScheduler()
	if err != nil {
		return err
	}
	if err := scheduler.ScheduleJournalPrune(store, cfg.Journal); err != nil {
		return err
	}

	eng := fsengine.New()
	project, err := eng.CreateProject(ctx, engine.ProjectConfig{
		RootDir:   cfg.ProjectDir,
		OutputDir: cfg.OutputDir,
		DevMode:   true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = project.Close() }()

	commit, branch := vcs.Head(cfg.ProjectDir)
	slog.Info("Starting devserve",
		"project", cfg.ProjectDir,
		"version", version.Version,
		"commit", commit,
		"branch", branch,
	)

	// The hub needs the orchestrator's hash and the orchestrator broadcasts
	// through the hub; a deferred binding breaks the construction cycle.
	binding := &lateBinding{}
	h := hub.New(ctx, ledger, project, binding, hub.VersionInfo{
		Version: version.Version,
		Commit:  commit,
	}, recorder, bus)
	defer h.Shutdown()

	if err := scheduler.ScheduleClientSweep(h, clientSweepInterval); err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		if stopErr := scheduler.Stop(); stopErr != nil {
			slog.Warn("scheduler stop failed", "error", stopErr)
		}
	}()

	orch := orchestrator.New(project, ledger, manifests, h, orchestrator.Options{
		CoalesceWindow:     cfg.Coalesce.Window,
		UpdateInfoInterval: cfg.Engine.UpdateInfoInterval,
		Metrics:            recorder,
		Bus:                bus,
	})
	binding.orch = orch
	defer orch.Shutdown()

	orchErr := make(chan error, 1)
	go func() { orchErr <- orch.Run(ctx) }()

	srv := server.New(cfg, orch, h, ledger, store, reg)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(ctx) }()

	select {
	case err := <-orchErr:
		cancel()
		<-serveErr
		return err
	case err := <-serveErr:
		cancel()
		return err
	}
}

// lateBinding defers the hub's hash source to the orchestrator created after
// the hub.
type lateBinding struct {
	orch *orchestrator.Orchestrator
}

func (b *lateBinding) CurrentHash() string {
	if b.orch == nil {
		return "0"
	}
	return b.orch.CurrentHash()
}
