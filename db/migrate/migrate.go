// Package migrate applies the monitor's schema — monitoring_targets,
// monitoring_probes, monitoring_cycles, connectivity_metrics, target_status,
// outage_events — from SQL files embedded in the binary, so a deployed
// monitor never depends on a separate migrations directory shipped
// alongside it.
//
// # Usage
//
// Call Run() once, right after connecting to the store and before any
// scheduler goroutine starts:
//
//	pool, _ := pgxpool.New(ctx, cfg.DatabaseURL)
//	if err := migrate.Run(ctx, pool, logger); err != nil {
//	    return fmt.Errorf("running migrations: %w", err)
//	}
//
// # Migration files
//
// Files live under migrations/ with the name NNN_description.sql, where NNN
// is a zero-padded, strictly increasing version number (001, 002, 003, ...).
// Each file is applied in full, in one transaction, in version order.
//
// # Version tracking
//
// schema_migrations records which versions have already run:
//
//	CREATE TABLE schema_migrations (
//	    version    INTEGER PRIMARY KEY,
//	    name       TEXT NOT NULL,
//	    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
// Re-running Run against an already-current database is a no-op.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// Record is one row of schema_migrations: a migration that has already run.
type Record struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// Status summarizes which migrations have run and which remain, for the
// monitor's -migrate-status diagnostic.
type Status struct {
	Applied []Record `json:"applied"`
	Pending []string `json:"pending"`
}

// migration is one embedded SQL file, parsed from its filename.
type migration struct {
	version int
	name    string
	sql     string
}

// Run brings the database schema up to date: it creates schema_migrations
// if missing, then applies every embedded migration not yet recorded there,
// each in its own transaction, in ascending version order.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	logger.Info("checking monitor schema migrations")

	if err := ensureMigrationsTable(ctx, pool); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	applied, err := getAppliedMigrations(ctx, pool)
	if err != nil {
		return fmt.Errorf("reading applied migrations: %w", err)
	}
	appliedSet := make(map[int]bool, len(applied))
	for _, rec := range applied {
		appliedSet[rec.Version] = true
	}

	available, err := getAvailableMigrations()
	if err != nil {
		return fmt.Errorf("reading embedded migration files: %w", err)
	}

	applyCount := 0
	for _, mig := range available {
		if appliedSet[mig.version] {
			continue
		}

		logger.Info("applying schema migration", "version", mig.version, "name", mig.name)
		if err := applyMigration(ctx, pool, mig); err != nil {
			return fmt.Errorf("applying migration %03d_%s: %w", mig.version, mig.name, err)
		}
		applyCount++
		logger.Info("schema migration applied", "version", mig.version, "name", mig.name)
	}

	if applyCount == 0 {
		logger.Info("monitor schema already current", "schema_version", len(applied))
	} else {
		logger.Info("monitor schema migrations complete",
			"applied", applyCount,
			"schema_version", len(applied)+applyCount,
		)
	}
	return nil
}

// CurrentVersion returns the highest applied schema_migrations version, or 0
// if schema_migrations doesn't exist yet (the database has never been
// migrated). Used by the monitor's -migrate-status flag.
func CurrentVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	exists, err := migrationsTableExists(ctx, pool)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("reading current schema version: %w", err)
	}
	return version, nil
}

// GetStatus reports which migrations have applied and which are pending,
// without applying anything. Surfaced via the monitor's -migrate-status flag
// for operators diagnosing a deploy without spinning up probe schedulers.
func GetStatus(ctx context.Context, pool *pgxpool.Pool) (*Status, error) {
	exists, err := migrationsTableExists(ctx, pool)
	if err != nil {
		return nil, err
	}

	status := &Status{}
	if exists {
		status.Applied, err = getAppliedMigrations(ctx, pool)
		if err != nil {
			return nil, err
		}
	}

	appliedSet := make(map[int]bool, len(status.Applied))
	for _, rec := range status.Applied {
		appliedSet[rec.Version] = true
	}

	available, err := getAvailableMigrations()
	if err != nil {
		return nil, err
	}
	for _, mig := range available {
		if !appliedSet[mig.version] {
			status.Pending = append(status.Pending, fmt.Sprintf("%03d_%s", mig.version, mig.name))
		}
	}
	return status, nil
}

// Rollback removes the most recently applied migration's schema_migrations
// row without undoing its SQL. It exists for local development against a
// disposable database, never for a deployed monitor's production schema.
func Rollback(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	var version int
	var name string
	err := pool.QueryRow(ctx, `
		SELECT version, name FROM schema_migrations
		ORDER BY version DESC LIMIT 1
	`).Scan(&version, &name)
	if err == pgx.ErrNoRows {
		logger.Info("no schema migrations recorded, nothing to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading most recent migration: %w", err)
	}

	if _, err := pool.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, version); err != nil {
		return fmt.Errorf("removing migration record %d: %w", version, err)
	}

	logger.Info("schema_migrations record removed; SQL itself was not reverted",
		"version", version,
		"name", name,
	)
	return nil
}

func migrationsTableExists(ctx context.Context, pool *pgxpool.Pool) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = 'schema_migrations'
		)
	`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking for schema_migrations table: %w", err)
	}
	return exists, nil
}

func ensureMigrationsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func getAppliedMigrations(ctx context.Context, pool *pgxpool.Pool) ([]Record, error) {
	rows, err := pool.Query(ctx, `
		SELECT version, name, applied_at FROM schema_migrations ORDER BY version
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Version, &rec.Name, &rec.AppliedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// getAvailableMigrations reads and parses every *.sql file embedded under
// migrations/, sorted ascending by version.
func getAvailableMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("reading embedded %s directory: %w", migrationsDir, err)
	}

	migrations := make([]migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, err := parseMigrationFilename(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("parsing migration filename %s: %w", entry.Name(), err)
		}

		content, err := fs.ReadFile(migrationsFS, migrationsDir+"/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, migration{version: version, name: name, sql: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

// parseMigrationFilename splits "NNN_description.sql" into its version
// number and description.
func parseMigrationFilename(filename string) (int, string, error) {
	base := strings.TrimSuffix(filename, ".sql")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("invalid migration filename %s, expected NNN_description.sql", filename)
	}
	version, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("invalid version number in %s: %w", filename, err)
	}
	return version, parts[1], nil
}

// applyMigration runs one migration's SQL and records it in the same
// transaction, so a failure partway through never leaves a half-applied
// schema marked as migrated.
func applyMigration(ctx context.Context, pool *pgxpool.Pool, mig migration) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting migration transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, mig.sql); err != nil {
		return fmt.Errorf("executing migration SQL: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_migrations (version, name) VALUES ($1, $2)
	`, mig.version, mig.name); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}

	return tx.Commit(ctx)
}
