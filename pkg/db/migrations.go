package db

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zeebo/blake3"
)

const migrationsLogPrefix = "db:migrations"

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	name     TEXT PRIMARY KEY,
	checksum TEXT NOT NULL,
	applied  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Migration is one .sql file. Name orders migrations and identifies them in schema_migrations.
type Migration struct {
	Name     string
	SQL      string
	Checksum string
}

// LoadMigrations reads the .sql files at the root of fsys, ordered by name.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, err
		}
		sum := blake3.Sum256(data)
		out = append(out, Migration{Name: e.Name(), SQL: string(data), Checksum: hex.EncodeToString(sum[:])})
	}
	return out, nil
}

// LoadMigrationDir is LoadMigrations over a directory on disk.
func LoadMigrationDir(dir string) ([]Migration, error) {
	out, err := LoadMigrations(os.DirFS(dir))
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migration files from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}

// RunMigrations applies every migration not yet recorded in schema_migrations,
// each in its own transaction.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) error {
	if _, err := pool.Exec(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("%s - failed to create schema_migrations: %w", migrationsLogPrefix, err)
	}
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return err
	}

	ran := 0
	for _, m := range migrations {
		if sum, ok := applied[m.Name]; ok {
			if sum != m.Checksum {
				slog.Warn(fmt.Sprintf("%s - %s changed since it was applied; not re-running", migrationsLogPrefix, m.Name))
			}
			continue
		}
		if err := applyMigration(ctx, pool, m); err != nil {
			return err
		}
		ran++
	}
	slog.Info(fmt.Sprintf("%s - Migrations complete (%d applied, %d already present)", migrationsLogPrefix, ran, len(migrations)-ran))
	return nil
}

func applyMigration(ctx context.Context, pool *pgxpool.Pool, m Migration) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s - begin %s: %w", migrationsLogPrefix, m.Name, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("%s - migration %s failed: %w", migrationsLogPrefix, m.Name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`, m.Name, m.Checksum); err != nil {
		return fmt.Errorf("%s - record %s: %w", migrationsLogPrefix, m.Name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s - commit %s: %w", migrationsLogPrefix, m.Name, err)
	}
	slog.Info(fmt.Sprintf("%s - Applied %s", migrationsLogPrefix, m.Name))
	return nil
}

// appliedMigrations maps migration name to recorded checksum. A missing
// schema_migrations table means nothing is applied.
func appliedMigrations(ctx context.Context, pool *pgxpool.Pool) (map[string]string, error) {
	rows, err := pool.Query(ctx, `SELECT name, checksum FROM schema_migrations`)
	if err != nil {
		if isUndefinedTable(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("%s - failed to read schema_migrations: %w", migrationsLogPrefix, err)
	}
	applied := map[string]string{}
	for rows.Next() {
		var name, sum string
		if err := rows.Scan(&name, &sum); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s - scan schema_migrations: %w", migrationsLogPrefix, err)
		}
		applied[name] = sum
	}
	if err := rows.Err(); err != nil && !isUndefinedTable(err) {
		return nil, fmt.Errorf("%s - failed to read schema_migrations: %w", migrationsLogPrefix, err)
	}
	return applied, nil
}

// isUndefinedTable reports SQLSTATE 42P01.
func isUndefinedTable(err error) bool {
	var sqlErr interface{ SQLState() string }
	return errors.As(err, &sqlErr) && sqlErr.SQLState() == "42P01"
}

// MigrationState lists applied and pending migrations by name.
type MigrationState struct {
	Path    string
	Applied []string
	Pending []string
}

func (s MigrationState) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Migration status: %d applied, %d pending in %s", len(s.Applied), len(s.Pending), s.Path)
	for _, name := range s.Pending {
		fmt.Fprintf(&b, "\n  pending: %s", name)
	}
	if len(s.Pending) > 0 {
		b.WriteString("\nRun 'router migrate' to apply.")
	}
	return b.String()
}

// MigrationStatus compares the files in migrationPath with schema_migrations.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string) (*MigrationState, error) {
	migrations, err := LoadMigrationDir(migrationPath)
	if err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return nil, err
	}
	return migrationState(migrationPath, migrations, applied), nil
}

func migrationState(migrationPath string, migrations []Migration, applied map[string]string) *MigrationState {
	state := &MigrationState{Path: migrationPath}
	for _, m := range migrations {
		if _, ok := applied[m.Name]; ok {
			state.Applied = append(state.Applied, m.Name)
		} else {
			state.Pending = append(state.Pending, m.Name)
		}
	}
	return state
}
