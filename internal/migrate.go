package internal

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockID serializes migrations between the server and worker, which
// both migrate on startup.
const migrationLockID = 4817203365

// withMigrationLock runs fn while holding a session advisory lock. The lock
// is taken on a dedicated connection so the unlock runs on the same session.
func withMigrationLock(ctx context.Context, pool *pgxpool.Pool, fn func() error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migration lock: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockID)

	return fn()
}

func newSchemaMigrator(pool *pgxpool.Pool) (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, "pgx5://"+pool.Config().ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

func migrateRiver(ctx context.Context, pool *pgxpool.Pool, direction rivermigrate.Direction) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, direction, nil); err != nil {
		return fmt.Errorf("failed to run river migrations %s: %w", direction, err)
	}
	return nil
}

// MigrateUp installs River's queue tables and then the conversion_history
// schema.
func MigrateUp(ctx context.Context, pool *pgxpool.Pool) error {
	return withMigrationLock(ctx, pool, func() error {
		if err := migrateRiver(ctx, pool, rivermigrate.DirectionUp); err != nil {
			return err
		}

		m, err := newSchemaMigrator(pool)
		if err != nil {
			return err
		}
		defer m.Close()

		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to run history migrations up: %w", err)
		}
		return nil
	})
}

// MigrateDown removes everything MigrateUp created, in reverse order.
func MigrateDown(ctx context.Context, pool *pgxpool.Pool) error {
	return withMigrationLock(ctx, pool, func() error {
		m, err := newSchemaMigrator(pool)
		if err != nil {
			return err
		}
		defer m.Close()

		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to run history migrations down: %w", err)
		}

		return migrateRiver(ctx, pool, rivermigrate.DirectionDown)
	})
}
