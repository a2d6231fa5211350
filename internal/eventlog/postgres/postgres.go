// Package postgres implements the eventlog.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/loomworks/loom/internal/event"
	"github.com/loomworks/loom/internal/eventlog"
	"github.com/loomworks/loom/internal/governance"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements eventlog.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time checks that PostgresStore implements eventlog.Store and
// governance.AuditSink.
var (
	_ eventlog.Store       = (*PostgresStore)(nil)
	_ governance.AuditSink = (*PostgresStore)(nil)
)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) RecordEvent(ctx context.Context, topic string, ev event.Event) error {
	return queryRecordEvent(ctx, s.db, topic, ev)
}

func (s *PostgresStore) RecordAudit(ctx context.Context, entry governance.AuditEntry) error {
	return queryRecordAudit(ctx, s.db, entry)
}

func (s *PostgresStore) ListEvents(ctx context.Context, f eventlog.EventFilter) ([]eventlog.StoredEvent, error) {
	return queryListEvents(ctx, s.db, f)
}

func (s *PostgresStore) ListAudit(ctx context.Context, f eventlog.AuditFilter) ([]governance.AuditEntry, error) {
	return queryListAudit(ctx, s.db, f)
}
