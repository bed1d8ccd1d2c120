package db

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations
var migrationsFS embed.FS

// slogMigrateLogger adapts slog.Logger to the migrate.Logger interface
type slogMigrateLogger struct {
	log *slog.Logger
}

func (l *slogMigrateLogger) Printf(format string, v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogMigrateLogger) Verbose() bool {
	return false
}

// MigrationStatus reports the applied schema version.
type MigrationStatus struct {
	Version uint
	Dirty   bool
}

// RunPostgresMigrations applies the embedded postgres migrations through the pool.
func RunPostgresMigrations(log *slog.Logger, pool *pgxpool.Pool) (MigrationStatus, error) {
	// Closing this handle does not close the pool.
	sqlDB := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(sqlDB, &migratepgx.Config{})
	if err != nil {
		_ = sqlDB.Close()
		return MigrationStatus{}, fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations/postgres")
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to initialise migrations: %w", err)
	}
	return applyMigrations(log, m)
}

// RunSQLiteMigrations applies the embedded sqlite migrations to the database
// file at path, using its own connection.
func RunSQLiteMigrations(log *slog.Logger, path string) (MigrationStatus, error) {
	source, err := iofs.New(migrationsFS, "migrations/sqlite")
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, "sqlite3://"+path)
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to initialise migrations: %w", err)
	}
	return applyMigrations(log, m)
}

func applyMigrations(log *slog.Logger, m *migrate.Migrate) (MigrationStatus, error) {
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.Warn("failed to close migration handles", "source_error", srcErr, "database_error", dbErr)
		}
	}()
	m.Log = &slogMigrateLogger{log: log}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return MigrationStatus{}, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, fmt.Errorf("failed to read migration version: %w", err)
	}
	if dirty {
		return MigrationStatus{Version: version, Dirty: true}, fmt.Errorf("schema version %d is dirty", version)
	}

	log.Debug("migrations applied", "version", version)
	return MigrationStatus{Version: version}, nil
}
