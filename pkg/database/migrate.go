package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// migrationLockID serializes migrations across instances starting together.
const migrationLockID = 7_412_903_113

// isConnectionError reports whether err looks like a transient connection
// problem rather than a SQL error. Only connection errors are retried.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception.
		return strings.HasPrefix(pgErr.Code, "08")
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	msg := err.Error()
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"dial tcp",
		"server closed the connection unexpectedly",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// RunMigrations applies every *.up.sql file in migrations in lexical order.
// Applied versions are tracked in schema_migrations and each file runs in its
// own transaction. Transient connection errors are retried; SQL errors are not.
func RunMigrations(ctx context.Context, db DB, migrations fs.FS, logger *slog.Logger) error {
	names, err := upFiles(migrations)
	if err != nil {
		return err
	}

	var sqlErr error
	err = retry(ctx, "run migrations", logger, func() error {
		err := runMigrationsOnce(ctx, db, migrations, names, logger)
		if err != nil && !isConnectionError(err) {
			sqlErr = err
			return nil
		}
		return err
	})
	if sqlErr != nil {
		return sqlErr
	}
	return err
}

func upFiles(migrations fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func runMigrationsOnce(ctx context.Context, db DB, migrations fs.FS, names []string, logger *slog.Logger) error {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	for _, name := range names {
		content, err := fs.ReadFile(migrations, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		applied := false
		err = WithTx(ctx, db, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(migrationLockID)); err != nil {
				return fmt.Errorf("lock migrations: %w", err)
			}

			var exists bool
			if err := tx.QueryRow(ctx,
				"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", name,
			).Scan(&exists); err != nil {
				return fmt.Errorf("check migration %s: %w", name, err)
			}
			if exists {
				return nil
			}

			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return fmt.Errorf("execute migration %s: %w", name, err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", name); err != nil {
				return fmt.Errorf("record migration %s: %w", name, err)
			}
			applied = true
			return nil
		})
		if err != nil {
			return err
		}

		if applied {
			logger.Info("migration applied", slog.String("version", name))
		} else {
			logger.Debug("migration already applied, skipping", slog.String("version", name))
		}
	}

	return nil
}
