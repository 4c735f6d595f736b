// Command server runs the task orchestrator behind its HTTP API and
// websocket broadcaster.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"taskpilot/internal/api"
	"taskpilot/internal/config"
	"taskpilot/internal/db"
	"taskpilot/internal/logging"
	"taskpilot/pkg/audit"
	"taskpilot/pkg/broadcast"
	"taskpilot/pkg/executor"
	"taskpilot/pkg/orchestrator"
	"taskpilot/pkg/permission"
	"taskpilot/pkg/planner"
	"taskpilot/pkg/principal"
	"taskpilot/pkg/task"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

type stores struct {
	tasks      task.Store
	principals principal.Store
	grants     permission.Store
	audit      audit.Store
}

func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*stores, func(), error) {
	if cfg.Database.URL == "" {
		log.Warn("database.url not set, using in-memory stores")
		return &stores{
			tasks:      task.NewMemStore(),
			principals: principal.NewMemStore(),
			grants:     permission.NewMemStore(),
			audit:      audit.NewMemStore(),
		}, func() {}, nil
	}

	pool, err := db.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	s := &stores{
		tasks:      task.NewPgStore(pool),
		principals: principal.NewPgStore(pool),
		grants:     permission.NewPgStore(pool),
		audit:      audit.NewPgStore(pool),
	}
	tables := []struct {
		name   string
		ensure func(context.Context) error
	}{
		{"tasks", s.tasks.EnsureTable},
		{"principals", s.principals.EnsureTable},
		{"grants", s.grants.EnsureTable},
		{"audit", s.audit.EnsureTable},
	}
	for _, t := range tables {
		if err := t.ensure(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensure %s table: %w", t.name, err)
		}
	}
	return s, pool.Close, nil
}

func newPlanner(cfg config.PlannerConfig) (planner.Planner, error) {
	switch cfg.Kind {
	case "cli":
		return planner.NewCLIPlanner(cfg.Command, cfg.WorkDir, cfg.Timeout), nil
	default:
		return planner.LoadFile(cfg.PlansFile)
	}
}

// bootstrapAdmin registers an admin principal when none exist and logs its
// API key once.
func bootstrapAdmin(ctx context.Context, principals principal.Store, log *slog.Logger) error {
	existing, err := principals.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	p, key, err := principals.Register(ctx, "admin", principal.RoleAdmin, permission.DefaultsFor(principal.RoleAdmin))
	if err != nil {
		return err
	}
	log.Warn("created bootstrap admin, store this key now", "principal", p.ID, "api_key", key)
	return nil
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	st, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	if err := bootstrapAdmin(ctx, st.principals, log); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	plan, err := newPlanner(cfg.Planner)
	if err != nil {
		return fmt.Errorf("planner: %w", err)
	}

	checker := permission.NewChecker(st.principals, st.grants, log)
	recorder := audit.NewRecorder(st.audit, log)
	registry := executor.NewRegistry()

	orch := orchestrator.New(orchestrator.Deps{
		Tasks:       st.tasks,
		Permissions: checker,
		Executors:   registry,
		Planner:     plan,
		Audit:       recorder,
		Logger:      log,
	}, orchestrator.Options{
		StepTimeout:    cfg.Orchestrator.StepTimeout,
		PersistRetries: cfg.Orchestrator.PersistRetries,
		RetryBackoff:   orchestrator.DefaultOptions().RetryBackoff,
	})

	hub := broadcast.NewHub(orch, st.principals, log, broadcast.Options{
		PingInterval:   cfg.Broadcast.PingInterval,
		PongTimeout:    cfg.Broadcast.PongTimeout,
		SendBuffer:     cfg.Broadcast.SendBuffer,
		OriginPatterns: cfg.Server.AllowedOrigins,
	})
	orch.SetNotifier(hub)
	registerExecutors(registry, cfg.Executors, hub, recorder)

	if n, err := orch.RecoverInterrupted(ctx); err != nil {
		log.Error("recover interrupted tasks", "error", err)
	} else if n > 0 {
		log.Warn("marked interrupted tasks failed", "count", n)
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.New(api.Deps{
			Orchestrator: orch,
			Principals:   st.principals,
			Permissions:  checker,
			Audit:        recorder,
			Hub:          hub,
			Logger:       log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("taskpilot listening", "addr", srv.Addr, "executors", registry.List())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
