// Package main is the entrypoint for the dbtester gateway server.
// The gateway starts test runs in the background, serves their live state
// and lets clients cancel and export them. It also tests connections and
// provisions test user roles.
//
// Startup fails if the store is unreachable or a migration fails. A missing
// vault key does not stop startup; /readyz reports it instead.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite store driver

	"github.com/canonica-labs/dbtester/internal/accounts"
	"github.com/canonica-labs/dbtester/internal/config"
	"github.com/canonica-labs/dbtester/internal/engine"
	"github.com/canonica-labs/dbtester/internal/executor"
	"github.com/canonica-labs/dbtester/internal/gateway"
	"github.com/canonica-labs/dbtester/internal/observability"
	"github.com/canonica-labs/dbtester/internal/probe"
	"github.com/canonica-labs/dbtester/internal/status"
	"github.com/canonica-labs/dbtester/internal/storage"
	"github.com/canonica-labs/dbtester/internal/vault"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dbtester-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "config file (default: ~/.dbtester/dbtester.yaml)")
		port       = flag.Int("port", 0, "HTTP listen port (overrides config)")
		showVer    = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("dbtester-gateway %s (commit: %s, built: %s)\n", version, commit, date)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger, err := observability.NewLogger(cfg.LogOptions())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		repo  storage.Repository
		audit observability.AuditLogger = observability.NoopLogger{}
		db    *sql.DB
	)
	if strings.EqualFold(cfg.Store.Driver, "memory") {
		logger.Warn("using in-memory store; runs are lost on restart")
		repo = storage.NewMemoryRepository()
	} else {
		var attempts storage.RetryResult
		db, attempts, err = storage.OpenWithRetry(ctx, cfg.StoreOptions(), storage.DefaultRetryConfig())
		if err != nil {
			return fmt.Errorf("store unavailable (%s): %w", attempts, err)
		}
		defer db.Close()
		if attempts.Attempts > 1 {
			logger.Info("store reachable", zap.String("retry", attempts.String()))
		}

		if cfg.Store.Migrate {
			logger.Info("running store migrations")
			applied, err := storage.NewMigrationRunner(db).Run(ctx)
			if err != nil {
				return err
			}
			logger.Info("store migrations completed", zap.Strings("applied", applied))
		}

		repo = storage.NewPostgresRepository(db)
		if cfg.Store.Audit {
			persistent, err := observability.NewPersistentLogger(db)
			if err != nil {
				return err
			}
			audit = persistent
		}
		logger.Info("connected to store", zap.String("driver", cfg.Store.Driver))
	}

	var cipher vault.Cipher
	if v, err := cfg.NewVault(); err != nil {
		logger.Warn("vault unavailable; runs needing credentials will fail", zap.Error(err))
	} else {
		cipher = v
	}

	prober := probe.New(append(cfg.ProberOptions(), probe.WithLogger(logger))...)
	svc := executor.NewService(executor.Dependencies{
		Workflows:   repo,
		Connections: repo,
		Runs:        repo,
		Runner:      prober,
		Tester:      engine.New(prober, cipher, engine.WithLogger(logger)),
		Cipher:      cipher,
		Audit:       audit,
		Logger:      logger,
	})

	readiness := status.NewChecker().
		Add("store", status.StoreCheck(repo)).
		Add("vault", status.VaultCheck(cipher))

	gw := gateway.New(gateway.Dependencies{
		Runs:      svc,
		Workflows: repo,
		Audit:     audit,
		Accounts:  accounts.New(prober, repo, cipher, accounts.WithLogger(logger)),
		Readiness: readiness,
		Logger:    logger,
		Version:   version,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := gw.Server(addr, config.Duration(cfg.Server.ReadTimeout), config.Duration(cfg.Server.WriteTimeout))
	server.IdleTimeout = 60 * time.Second

	// Handle graceful shutdown
	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down gateway")
		ctx, cancel := context.WithTimeout(context.Background(), config.Duration(cfg.Server.ShutdownTimeout))
		defer cancel()

		if err := svc.Shutdown(ctx); err != nil {
			logger.Warn("runs still active at shutdown", zap.Error(err))
		}
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		close(done)
	}()

	logger.Info("dbtester gateway starting",
		zap.String("addr", addr),
		zap.String("version", version),
		zap.String("commit", commit),
	)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info("gateway stopped")
	return nil
}
