// Package store provides the durable SQL storage for timeline nodes, migration
// records and process flows. SQLite is the default driver; Postgres is used
// for hosted deployments.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// schemaSQL is shared by both drivers; %[1]s is the timestamp column type.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS timeline_nodes (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	title               TEXT NOT NULL DEFAULT '',
	kind                TEXT NOT NULL,
	parent_id           TEXT REFERENCES timeline_nodes(id),
	position            INTEGER NOT NULL DEFAULT 0,
	default_duration_ms BIGINT,
	chosen_child_id     TEXT REFERENCES timeline_nodes(id) ON DELETE SET NULL,
	detached            INTEGER NOT NULL DEFAULT 0,
	created_at          %[1]s NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at          %[1]s NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_timeline_nodes_user ON timeline_nodes(user_id);
CREATE INDEX IF NOT EXISTS idx_timeline_nodes_parent ON timeline_nodes(parent_id);

CREATE TABLE IF NOT EXISTS timeline_migrations (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	inserted    INTEGER NOT NULL DEFAULT 0,
	linked      INTEGER NOT NULL DEFAULT 0,
	created_at  %[1]s NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(user_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS timeline_migration_ids (
	migration_id TEXT NOT NULL REFERENCES timeline_migrations(id),
	local_id     TEXT NOT NULL,
	remote_id    TEXT NOT NULL,
	PRIMARY KEY (migration_id, local_id)
);

CREATE TABLE IF NOT EXISTS process_flows (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '{}',
	checksum   TEXT NOT NULL DEFAULT '',
	created_at %[1]s NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at %[1]s NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_process_flows_user ON process_flows(user_id);
`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repo runs queries against either the database or an open transaction.
// Queries are written with ? placeholders and rebound for Postgres.
type Repo struct {
	q      querier
	driver string
}

func (r *Repo) rebind(query string) string {
	if r.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (r *Repo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.rebind(query), args...)
}

func (r *Repo) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, r.rebind(query), args...)
}

func (r *Repo) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, r.rebind(query), args...)
}

// DB wraps a sql.DB with repository operations.
type DB struct {
	Repo
	conn *sql.DB
}

// Open opens (or creates) the database and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	var (
		source  = dsn
		tsType  = "DATETIME"
		maxOpen = 1
	)
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			source = dsn + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
		}
	case DriverPostgres:
		tsType = "TIMESTAMPTZ"
		maxOpen = 20
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	conn, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// A single SQLite connection keeps transactions from tripping over
	// SQLITE_BUSY under concurrent requests.
	conn.SetMaxOpenConns(maxOpen)
	if driver == DriverPostgres {
		conn.SetConnMaxIdleTime(5 * time.Minute)
		conn.SetConnMaxLifetime(30 * time.Minute)
		conn.SetMaxIdleConns(10)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(schemaSQL, tsType)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &DB{Repo: Repo{q: conn, driver: driver}, conn: conn}, nil
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(r *Repo) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(&Repo{q: tx, driver: db.driver}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

const lockUserSQL = `SELECT pg_advisory_xact_lock(hashtext(?))`

// LockUser serialises transactions that check and then create a user's
// root, such as migrations and root creation. On Postgres it takes a
// transaction-scoped advisory lock; SQLite runs one transaction at a time on
// its single connection, so it needs none.
func (r *Repo) LockUser(ctx context.Context, userID string) error {
	if r.driver != DriverPostgres {
		return nil
	}
	if _, err := r.exec(ctx, lockUserSQL, userID); err != nil {
		return fmt.Errorf("store: lock user %q: %w", userID, err)
	}
	return nil
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
