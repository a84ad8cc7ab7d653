package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:ltibridge.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/ltibridge?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS registrations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  lti_version TEXT NOT NULL,
  issuer TEXT NOT NULL DEFAULT '',
  client_id TEXT NOT NULL DEFAULT '',
  auth_login_url TEXT NOT NULL DEFAULT '',
  key_set_url TEXT NOT NULL DEFAULT '',
  token_url TEXT NOT NULL DEFAULT '',
  consumer_key TEXT NOT NULL DEFAULT '',
  shared_secret TEXT NOT NULL DEFAULT '',
  product_family TEXT NOT NULL DEFAULT '',
  UNIQUE (issuer, client_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS registrations_consumer_key
  ON registrations (consumer_key) WHERE consumer_key != '';

CREATE TABLE IF NOT EXISTS deployments (
  registration_id INTEGER NOT NULL REFERENCES registrations(id) ON DELETE CASCADE,
  deployment_id TEXT NOT NULL,
  PRIMARY KEY (registration_id, deployment_id)
);

CREATE TABLE IF NOT EXISTS oauth2_tokens (
  registration_id INTEGER NOT NULL REFERENCES registrations(id) ON DELETE CASCADE,
  user_id TEXT NOT NULL,
  service TEXT NOT NULL,
  access_token TEXT NOT NULL,
  refresh_token TEXT NOT NULL DEFAULT '',
  received_at TIMESTAMP NOT NULL,
  expires_in INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (registration_id, user_id, service)
);

CREATE TABLE IF NOT EXISTS gradebook_line_items (
  registration_id INTEGER NOT NULL REFERENCES registrations(id) ON DELETE CASCADE,
  resource_link_id TEXT NOT NULL,
  lineitem_url TEXT NOT NULL,
  label TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (registration_id, resource_link_id)
);

CREATE TABLE IF NOT EXISTS submissions (
  id TEXT PRIMARY KEY,
  registration_id INTEGER NOT NULL REFERENCES registrations(id) ON DELETE CASCADE,
  resource_link_id TEXT NOT NULL,
  platform_user_id TEXT NOT NULL,
  score REAL NOT NULL DEFAULT 0,
  label TEXT NOT NULL DEFAULT '',
  submitted_at TIMESTAMP,
  sync_status TEXT NOT NULL DEFAULT 'new',
  sync_error TEXT NOT NULL DEFAULT '',
  sync_retries INTEGER NOT NULL DEFAULT 0
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS registrations (
  id BIGSERIAL PRIMARY KEY,
  lti_version TEXT NOT NULL,
  issuer TEXT NOT NULL DEFAULT '',
  client_id TEXT NOT NULL DEFAULT '',
  auth_login_url TEXT NOT NULL DEFAULT '',
  key_set_url TEXT NOT NULL DEFAULT '',
  token_url TEXT NOT NULL DEFAULT '',
  consumer_key TEXT NOT NULL DEFAULT '',
  shared_secret TEXT NOT NULL DEFAULT '',
  product_family TEXT NOT NULL DEFAULT '',
  UNIQUE (issuer, client_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS registrations_consumer_key
  ON registrations (consumer_key) WHERE consumer_key != '';

CREATE TABLE IF NOT EXISTS deployments (
  registration_id BIGINT NOT NULL REFERENCES registrations(id) ON DELETE CASCADE,
  deployment_id TEXT NOT NULL,
  PRIMARY KEY (registration_id, deployment_id)
);

CREATE TABLE IF NOT EXISTS oauth2_tokens (
  registration_id BIGINT NOT NULL REFERENCES registrations(id) ON DELETE CASCADE,
  user_id TEXT NOT NULL,
  service TEXT NOT NULL,
  access_token TEXT NOT NULL,
  refresh_token TEXT NOT NULL DEFAULT '',
  received_at TIMESTAMPTZ NOT NULL,
  expires_in BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (registration_id, user_id, service)
);

CREATE TABLE IF NOT EXISTS gradebook_line_items (
  registration_id BIGINT NOT NULL REFERENCES registrations(id) ON DELETE CASCADE,
  resource_link_id TEXT NOT NULL,
  lineitem_url TEXT NOT NULL,
  label TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (registration_id, resource_link_id)
);

CREATE TABLE IF NOT EXISTS submissions (
  id TEXT PRIMARY KEY,
  registration_id BIGINT NOT NULL REFERENCES registrations(id) ON DELETE CASCADE,
  resource_link_id TEXT NOT NULL,
  platform_user_id TEXT NOT NULL,
  score DOUBLE PRECISION NOT NULL DEFAULT 0,
  label TEXT NOT NULL DEFAULT '',
  submitted_at TIMESTAMPTZ,
  sync_status TEXT NOT NULL DEFAULT 'new',
  sync_error TEXT NOT NULL DEFAULT '',
  sync_retries INTEGER NOT NULL DEFAULT 0
);
`
