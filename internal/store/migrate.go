package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"

	"github.com/jackc/pgx/v5"
)

// migrationLockID serializes Migrate across replicas starting at the same time.
const migrationLockID = 72_410_553

// ErrMigrationChanged means an applied migration file was edited afterwards.
var ErrMigrationChanged = errors.New("applied migration changed on disk")

// migration is one embedded *.sql file, identified by its file name.
type migration struct {
	version  string
	sql      string
	checksum string
}

func loadMigrations(migrationsFS fs.FS) ([]migration, error) {
	names, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}
	slices.Sort(names)

	out := make([]migration, 0, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", name, err)
		}
		sum := sha256.Sum256(body)
		out = append(out, migration{version: name, sql: string(body), checksum: hex.EncodeToString(sum[:])})
	}
	return out, nil
}

// Migrate applies pending migrations in file-name order, one transaction each.
// Applied versions are skipped; an applied version whose checksum no longer
// matches fails with ErrMigrationChanged.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return err
	}
	applied := 0
	for _, m := range migrations {
		ran, err := s.apply(ctx, m)
		if err != nil {
			return err
		}
		if ran {
			applied++
			slog.Info("migration applied", "version", m.version)
		}
	}
	slog.Debug("migrations up to date", "total", len(migrations), "applied", applied)
	return nil
}

// apply runs m under the advisory lock unless it is already recorded.
func (s *PostgresStore) apply(ctx context.Context, m migration) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("migration %s: begin: %w", m.version, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		return false, fmt.Errorf("migration %s: lock: %w", m.version, err)
	}

	var recorded string
	err = tx.QueryRow(ctx, "SELECT checksum FROM schema_migrations WHERE version = $1", m.version).Scan(&recorded)
	switch {
	case err == nil:
		if recorded != m.checksum {
			return false, fmt.Errorf("%w: %s", ErrMigrationChanged, m.version)
		}
		return false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return false, fmt.Errorf("migration %s: lookup: %w", m.version, err)
	}

	if _, err := tx.Exec(ctx, m.sql); err != nil {
		return false, fmt.Errorf("migration %s: exec: %w", m.version, err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)", m.version, m.checksum,
	); err != nil {
		return false, fmt.Errorf("migration %s: record: %w", m.version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("migration %s: commit: %w", m.version, err)
	}
	return true, nil
}
