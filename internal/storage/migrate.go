package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/ignite/addon-stats/internal/pkg/distlock"
	"github.com/ignite/addon-stats/internal/pkg/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationsTable = "stats_schema_migrations"

// Migrate applies the embedded schema files not yet recorded in
// stats_schema_migrations, in name order, one transaction each. Concurrent
// servers serialize on an advisory lock. It returns the files it applied.
func (b *PostgresBackend) Migrate(ctx context.Context) ([]string, error) {
	var applied []string
	err := distlock.WithLock(ctx, b.NewLock(migrationsTable), 100*time.Millisecond, func(ctx context.Context) error {
		var err error
		applied, err = b.migrate(ctx)
		return err
	})
	if err != nil {
		return applied, err
	}
	if len(applied) > 0 {
		logger.Info("stats schema migrated", "applied", applied)
	}
	return applied, nil
}

func (b *PostgresBackend) migrate(ctx context.Context) ([]string, error) {
	if _, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return nil, fmt.Errorf("creating %s: %w", migrationsTable, err)
	}

	done := make(map[string]bool)
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM `+migrationsTable)
	if err != nil {
		return nil, fmt.Errorf("listing applied migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning migration name: %w", err)
		}
		done[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing applied migrations: %w", err)
	}

	files, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var applied []string
	for _, file := range files {
		name := path.Base(file)
		if done[name] {
			continue
		}
		data, err := migrationFS.ReadFile(file)
		if err != nil {
			return applied, err
		}
		if err := b.applyMigration(ctx, name, string(data)); err != nil {
			return applied, err
		}
		applied = append(applied, name)
	}
	return applied, nil
}

func (b *PostgresBackend) applyMigration(ctx context.Context, name, script string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %s: %w", name, err)
	}
	defer tx.Rollback()

	if strings.TrimSpace(script) != "" {
		if _, err := tx.ExecContext(ctx, script); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO `+migrationsTable+` (name) VALUES ($1)`, name); err != nil {
		return fmt.Errorf("recording migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %s: %w", name, err)
	}
	return nil
}
