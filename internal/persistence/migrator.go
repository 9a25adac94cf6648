package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Migrator applies {version}_{name}.up.sql / .down.sql files from a
// directory, recording applied versions in public.schema_migrations.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: logger}
}

// Migration is one up-file and whether it has been applied
type Migration struct {
	Version  string
	Filename string
	Applied  bool
}

// Up applies all pending up-migrations in order, each in its own
// transaction. It returns how many were applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	pending, err := m.pending(ctx)
	if err != nil {
		return 0, err
	}

	for i, mig := range pending {
		m.logger.Info().Str("migration", mig.Filename).Msg("applying migration")
		if err := m.apply(ctx, mig.Filename,
			`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
			mig.Version, mig.Filename,
		); err != nil {
			return i, err
		}
	}
	return len(pending), nil
}

// Down rolls back the last applied migration. It reports false when there
// was nothing to roll back.
func (m *Migrator) Down(ctx context.Context) (bool, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return false, err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get latest migration: %w", err)
	}

	downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
	if err := m.apply(ctx, downFile,
		`DELETE FROM public.schema_migrations WHERE version = $1`, version,
	); err != nil {
		return false, err
	}
	m.logger.Info().Str("migration", downFile).Msg("rolled back migration")
	return true, nil
}

// Status lists every up-migration on disk with its applied flag
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := m.getAppliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("get applied versions: %w", err)
	}
	files, err := ListMigrationFiles(m.migrationsDir, ".up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	out := make([]Migration, 0, len(files))
	for _, f := range files {
		v := ExtractVersion(f)
		out = append(out, Migration{Version: v, Filename: f, Applied: applied[v]})
	}
	return out, nil
}

func (m *Migrator) pending(ctx context.Context) ([]Migration, error) {
	all, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, mig := range all {
		if !mig.Applied {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

// apply runs file and the bookkeeping statement in one transaction
func (m *Migrator) apply(ctx context.Context, file, bookkeeping string, args ...interface{}) error {
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) getAppliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// ListMigrationFiles returns the names in dir ending in suffix, sorted
func ListMigrationFiles(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// ExtractVersion returns the numeric prefix of a migration filename,
// e.g. "000001_event_log.up.sql" -> "000001".
func ExtractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
