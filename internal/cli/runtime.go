package cli

import (
	"context"
	"database/sql"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite store driver

	"github.com/canonica-labs/dbtester/internal/accounts"
	"github.com/canonica-labs/dbtester/internal/engine"
	"github.com/canonica-labs/dbtester/internal/executor"
	"github.com/canonica-labs/dbtester/internal/observability"
	"github.com/canonica-labs/dbtester/internal/probe"
	"github.com/canonica-labs/dbtester/internal/storage"
	"github.com/canonica-labs/dbtester/internal/vault"
)

// runtime is the local execution stack built from the loaded config.
type runtime struct {
	logger *zap.Logger
	db     *sql.DB
	repo   storage.Repository
	vault  *vault.Vault
	audit  observability.AuditLogger
	prober *probe.Prober
	engine *engine.Engine
	svc    *executor.Service

	accounts *accounts.Service
}

// openRuntime opens the store and assembles the executor. With needVault
// set, a missing vault key is a configuration error; otherwise commands
// that never decrypt can run without one.
func (c *CLI) openRuntime(ctx context.Context, needVault bool) (*runtime, error) {
	rt := &runtime{}

	logCfg := c.cfg.LogOptions()
	if c.debug {
		logCfg.Level = "debug"
		logCfg.Format = "console"
	} else {
		logCfg.Level = "warn"
	}
	logger, err := observability.NewLogger(logCfg)
	if err != nil {
		return nil, err
	}
	rt.logger = logger

	if strings.EqualFold(c.cfg.Store.Driver, "memory") {
		rt.repo = storage.NewMemoryRepository()
		rt.audit = observability.NoopLogger{}
	} else {
		db, err := storage.Open(ctx, c.cfg.StoreOptions())
		if err != nil {
			return nil, err
		}
		rt.db = db
		if c.cfg.Store.Migrate {
			applied, err := storage.NewMigrationRunner(db).Run(ctx)
			if err != nil {
				db.Close()
				return nil, err
			}
			for _, name := range applied {
				c.debugf("applied migration %s\n", name)
			}
		}
		rt.repo = storage.NewPostgresRepository(db)
		rt.audit = observability.NoopLogger{}
		if c.cfg.Store.Audit {
			audit, err := observability.NewPersistentLogger(db)
			if err != nil {
				db.Close()
				return nil, err
			}
			rt.audit = audit
		}
	}

	var cipher vault.Cipher
	if strings.TrimSpace(c.cfg.Vault.Key) != "" || needVault {
		v, err := c.cfg.NewVault()
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.vault = v
		cipher = v
	}

	opts := append(c.cfg.ProberOptions(), probe.WithLogger(logger))
	rt.prober = probe.New(append(opts, c.proberOpts...)...)
	rt.engine = engine.New(rt.prober, cipher, engine.WithLogger(logger))
	rt.svc = executor.NewService(executor.Dependencies{
		Workflows:   rt.repo,
		Connections: rt.repo,
		Runs:        rt.repo,
		Runner:      rt.prober,
		Tester:      rt.engine,
		Cipher:      cipher,
		Audit:       rt.audit,
		Logger:      logger,
	})
	rt.accounts = accounts.New(rt.prober, rt.repo, cipher, accounts.WithLogger(logger))
	return rt, nil
}

// Close releases the store.
func (rt *runtime) Close() {
	if rt.logger != nil {
		_ = rt.logger.Sync()
	}
	if rt.db != nil {
		rt.db.Close()
	}
}
