package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// migrationFile is one NNNN_description.sql file on disk.
type migrationFile struct {
	version int
	name    string
	path    string
}

const ledgerTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// RunMigrations applies pending SQL migrations from migrationsDir in
// version order. A session advisory lock serializes runs, so several
// instances can race at startup and only one applies anything.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrationsDir string, logger *zap.Logger) error {
	files, err := listMigrations(migrationsDir, logger)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logger.Warn("no migration files found", zap.String("dir", migrationsDir))
		return nil
	}

	// The advisory lock is session-scoped, so hold one connection for
	// the whole run.
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	const migrationLockID int64 = 0x6F70656E626D7067 // "openbmpg" as int64
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)

	if _, err := conn.Exec(ctx, ledgerTable); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}

	for _, f := range files {
		if applied[f.version] {
			logger.Debug("migration already applied", zap.Int("version", f.version))
			continue
		}
		if err := applyMigration(ctx, conn, f, logger); err != nil {
			return err
		}
	}

	return nil
}

// listMigrations returns the .sql files in dir sorted by numeric
// version prefix. Files without a parseable NNNN_ prefix are skipped;
// two files claiming the same version are an error.
func listMigrations(dir string, logger *zap.Logger) ([]migrationFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory %s: %w", dir, err)
	}

	byVersion := make(map[int]string)
	var files []migrationFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		ver, err := strconv.Atoi(prefix)
		if err != nil {
			logger.Warn("skipping non-numeric migration file", zap.String("file", e.Name()))
			continue
		}
		if prev, dup := byVersion[ver]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", ver, prev, e.Name())
		}
		byVersion[ver] = e.Name()
		files = append(files, migrationFile{version: ver, name: e.Name(), path: filepath.Join(dir, e.Name())})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

func appliedVersions(ctx context.Context, conn *pgxpool.Conn) (map[int]bool, error) {
	rows, err := conn.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("querying applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating migration rows: %w", err)
	}
	return applied, nil
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, f migrationFile, logger *zap.Logger) error {
	sql, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", f.name, err)
	}

	logger.Info("applying migration", zap.Int("version", f.version), zap.String("file", f.name))

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", f.version, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("executing migration %d (%s): %w", f.version, f.name, err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", f.version); err != nil {
		return fmt.Errorf("recording migration %d: %w", f.version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing migration %d: %w", f.version, err)
	}

	return nil
}
