package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/migrations"
)

// MigrationRunner applies the embedded schema migrations. The SQL is kept
// portable so the same files run on PostgreSQL and SQLite stores.
type MigrationRunner struct {
	db     *sql.DB
	source fs.FS
	now    func() time.Time
}

// Migration is one schema migration file.
type Migration struct {
	Version string
	Name    string
	Applied bool
	content []byte
}

// NewMigrationRunner creates a runner over the embedded migrations.
func NewMigrationRunner(db *sql.DB) *MigrationRunner {
	return &MigrationRunner{db: db, source: migrations.FS, now: time.Now}
}

// Run applies every pending migration in version order and returns the
// names it applied. The store fails startup on any migration error.
func (r *MigrationRunner) Run(ctx context.Context) ([]string, error) {
	all, err := r.Status(ctx)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range all {
		if m.Applied {
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return applied, errors.NewMigrationFailed(m.Name, err)
		}
		applied = append(applied, m.Name)
	}
	return applied, nil
}

// Status lists every known migration and whether it has been applied.
func (r *MigrationRunner) Status(ctx context.Context) ([]Migration, error) {
	if err := r.ensureMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	done, err := r.appliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	files, err := r.files()
	if err != nil {
		return nil, fmt.Errorf("failed to read migration files: %w", err)
	}
	for i := range files {
		files[i].Applied = done[files[i].Version]
	}
	return files, nil
}

// SchemaVersion returns the highest applied migration version and the
// highest version known to this build. current is empty on a fresh store.
func (r *MigrationRunner) SchemaVersion(ctx context.Context) (current, latest string, err error) {
	all, err := r.Status(ctx)
	if err != nil {
		return "", "", err
	}
	for _, m := range all {
		if m.Applied && m.Version > current {
			current = m.Version
		}
		if m.Version > latest {
			latest = m.Version
		}
	}
	return current, latest, nil
}

func (r *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`)
	return err
}

func (r *MigrationRunner) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// files reads NNNNNN_name.up.sql files sorted by version.
func (r *MigrationRunner) files() ([]Migration, error) {
	entries, err := fs.ReadDir(r.source, ".")
	if err != nil {
		return nil, err
	}

	var list []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		content, err := fs.ReadFile(r.source, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		list = append(list, Migration{
			Version: version,
			Name:    strings.TrimSuffix(name, ".up.sql"),
			content: content,
		})
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Version < list[j].Version
	})
	return list, nil
}

func (r *MigrationRunner) apply(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(m.content)); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`,
		m.Version, r.now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}
