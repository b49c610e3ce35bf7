package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/agent/catalog"
	"github.com/agendo/agendo/internal/agent/credentials"
	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/gateway"
	"github.com/agendo/agendo/internal/session/reconcile"
	"github.com/agendo/agendo/internal/session/runner"
	"github.com/agendo/agendo/internal/session/store"
	"github.com/agendo/agendo/internal/session/supervisor"
	"github.com/agendo/agendo/internal/session/team"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	workerID := workerIdentity()
	log.Info("Starting session worker", zap.String("worker_id", workerID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.Session.LogDir, 0o755); err != nil {
		log.Fatal("Failed to create session log directory", zap.Error(err))
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()
	log.Info("Session store ready", zap.String("driver", cfg.Database.Driver))

	eventBus, err := openBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	agents := catalog.New(log)
	agents.LoadDefaults()
	log.Info("Loaded agent catalog", zap.Int("agents", len(agents.List())))

	creds := credentials.NewResolver(log)
	creds.AddProvider(credentials.NewEnvProvider("AGENDO_"))
	if credsFile := os.Getenv("AGENDO_CREDENTIALS_FILE"); credsFile != "" {
		creds.AddProvider(credentials.NewFileProvider(credsFile))
	}

	// The factory and the runner reference each other: restart-flagged
	// exits re-enqueue through the runner the factory belongs to.
	var sched *runner.Runner

	teamAttach := func(sup *supervisor.Supervisor) {
		teamCfg, ok := team.ConfigForLeader(cfg.Teams.ConfigDir, sup.SessionID(), log)
		if !ok {
			return
		}
		team.NewMonitor(teamCfg, sup, cfg.Teams, log).Start()
	}

	factory := func(ctx context.Context, sessionID string) (*supervisor.Supervisor, error) {
		row, err := st.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
		}
		def, err := agents.Lookup(row.AgentID)
		if err != nil {
			return nil, err
		}
		ad, err := agents.NewAdapter(def, log)
		if err != nil {
			return nil, err
		}
		return supervisor.New(supervisor.Options{
			SessionID:       sessionID,
			WorkerID:        workerID,
			Store:           st,
			Bus:             eventBus,
			Adapter:         ad,
			Config:          cfg.Session,
			Logger:          log,
			BaseEnv:         creds.Resolve(def.CredentialEnv),
			Requeue:         func(id string) { sched.Requeue(id) },
			TeamAttach:      teamAttach,
			TeamIdleTimeout: time.Duration(cfg.Teams.IdleTimeoutSec) * time.Second,
		}), nil
	}

	sched = runner.New(cfg.Session, factory, log)

	// Boot pass: release zombie rows, requeue resumable ones, fail orphaned
	// executions. Runs before the runner accepts work so recovered sessions
	// queue ahead of new submissions.
	reconciler := reconcile.New(st, sched, cfg.Session, workerID, log)
	if err := reconciler.Run(ctx); err != nil {
		log.Error("Zombie reconciliation failed", zap.Error(err))
	}

	sched.Start()

	handler := gateway.NewHandler(st, eventBus, sched, workerID, log)
	router := gateway.NewRouter(handler, log)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// No WriteTimeout: the SSE and websocket bridges hold their
		// responses open for the lifetime of the session.
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down session worker...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Terminate live sessions so their rows land on idle and resume on the
	// next boot instead of tripping the zombie reconciler.
	sched.Shutdown(shutdownCtx)

	log.Info("Session worker stopped")
}

// workerIdentity returns a stable worker id. It must survive restarts so
// the boot reconciler can find sessions the previous incarnation claimed.
func workerIdentity() string {
	if id := os.Getenv("AGENDO_WORKER_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-" + uuid.NewString()[:8]
	}
	return host
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Database.Path)
	case "postgres":
		return store.NewPostgresStore(cfg.Database.PostgresDSN(), cfg.Database.MaxConns)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func openBus(cfg *config.Config, log *logger.Logger) (bus.Bus, error) {
	if cfg.NATS.Embedded {
		return bus.NewMemoryBus(log), nil
	}
	return bus.NewNATSBus(cfg.NATS, log)
}
