// Package migrations runs the fill journal schema migrations through golang-migrate.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/exchangelink/db/migrations"
	"github.com/coachpo/exchangelink/internal/observability"
	"github.com/coachpo/exchangelink/internal/telemetry"
)

var (
	errInvalidSteps = errors.New("rollback steps must be positive")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the database reachable via dsn up to the latest embedded migration.
func Apply(ctx context.Context, dsn string, logger observability.Logger) error {
	return ApplyFS(ctx, dsn, dbmigrations.Files, logger)
}

// ApplyFS applies the *.sql migrations found at the root of files.
func ApplyFS(ctx context.Context, dsn string, files fs.FS, logger observability.Logger) error {
	logger = observability.OrDefault(logger)
	return withMigrator(ctx, dsn, files, logger, func(m *migrate.Migrate) error {
		logger.Info("running database migrations")
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "up", "noop")
				logger.Info("database migrations up-to-date")
				return nil
			}
			recordMigrationMetric(ctx, "up", "failed")
			return fmt.Errorf("apply migrations: %w", err)
		}
		recordMigrationMetric(ctx, "up", "applied")
		logger.Info("database migrations applied")
		return nil
	})
}

// Rollback reverts the most recent steps embedded migrations.
func Rollback(ctx context.Context, dsn string, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return errInvalidSteps
	}
	logger = observability.OrDefault(logger)
	return withMigrator(ctx, dsn, dbmigrations.Files, logger, func(m *migrate.Migrate) error {
		logger.Info("rolling back database migrations", observability.F("steps", steps))
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "down", "noop")
				return nil
			}
			recordMigrationMetric(ctx, "down", "failed")
			return fmt.Errorf("rollback migrations: %w", err)
		}
		recordMigrationMetric(ctx, "down", "applied")
		return nil
	})
}

func withMigrator(ctx context.Context, dsn string, files fs.FS, logger observability.Logger, fn func(*migrate.Migrate) error) error {
	source, err := iofs.New(files, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("database migrations close", observability.Err(cerr))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("database migrations source close", observability.Err(sourceErr))
		}
		if dbErr != nil {
			logger.Warn("database migrations db close", observability.Err(dbErr))
		}
	}()
	return fn(m)
}

func recordMigrationMetric(ctx context.Context, direction, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("exchangelink.migrations")
		counter, err := meter.Int64Counter("exchangelink_db_migrations_total",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("direction", direction),
		attribute.String("result", result),
	))
}
