package store

import (
	"context"
	"database/sql"
	"fmt"

	"ambassador/pkg/logging"

	_ "modernc.org/sqlite"
)

// Store wraps the single *sql.DB for ambassador.db (spec.md §6 file layout).
// One Store per process; every entity repository method hangs off it.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and applies
// pending migrations inside a transaction. Migration failure is the CLI's
// exit code 3 case (spec.md §6); callers should treat a non-nil error from
// Open as fatal-at-startup.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for components (e.g. the audit sink) that need
// to participate in the same connection pool without a full repository API.
func (s *Store) DB() *sql.DB {
	return s.db
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		vault_salt BLOB NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		is_admin INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS clients (
		client_id TEXT PRIMARY KEY,
		client_name TEXT NOT NULL,
		key_prefix TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		profile_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT,
		last_used_at TEXT,
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_clients_key_prefix ON clients(key_prefix)`,
	`CREATE INDEX IF NOT EXISTS idx_clients_user_id ON clients(user_id)`,
	`CREATE TABLE IF NOT EXISTS admin_keys (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL,
		recovery_token_hash TEXT NOT NULL,
		is_active INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		rotated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS tool_profiles (
		profile_id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		allowed_tools TEXT NOT NULL DEFAULT '[]',
		denied_tools TEXT NOT NULL DEFAULT '[]',
		rate_limits TEXT NOT NULL DEFAULT '{}',
		inherited_from TEXT,
		environment_scope TEXT NOT NULL DEFAULT '',
		time_restrictions TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS mcp_catalog_entries (
		mcp_id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		transport_type TEXT NOT NULL,
		config TEXT NOT NULL,
		isolation_mode TEXT NOT NULL,
		requires_user_credentials INTEGER NOT NULL DEFAULT 0,
		credential_schema TEXT NOT NULL DEFAULT '{}',
		tool_catalog TEXT NOT NULL DEFAULT '[]',
		validation_status TEXT NOT NULL DEFAULT 'pending',
		status TEXT NOT NULL DEFAULT 'draft',
		auth_type TEXT NOT NULL DEFAULT 'none',
		oauth_config TEXT NOT NULL DEFAULT '{}',
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS groups (
		group_id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active'
	)`,
	`CREATE TABLE IF NOT EXISTS group_members (
		user_id TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		group_id TEXT NOT NULL REFERENCES groups(group_id) ON DELETE CASCADE,
		PRIMARY KEY (user_id, group_id)
	)`,
	`CREATE TABLE IF NOT EXISTS group_mcps (
		mcp_id TEXT NOT NULL REFERENCES mcp_catalog_entries(mcp_id) ON DELETE CASCADE,
		group_id TEXT NOT NULL REFERENCES groups(group_id) ON DELETE CASCADE,
		PRIMARY KEY (mcp_id, group_id)
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		subscription_id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES clients(client_id) ON DELETE CASCADE,
		mcp_id TEXT NOT NULL REFERENCES mcp_catalog_entries(mcp_id) ON DELETE CASCADE,
		selected_tools TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'active',
		subscribed_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (client_id, mcp_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_mcp_credentials (
		credential_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		mcp_id TEXT NOT NULL REFERENCES mcp_catalog_entries(mcp_id) ON DELETE CASCADE,
		encrypted_credentials BLOB NOT NULL,
		encryption_iv BLOB NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (user_id, mcp_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		client_id TEXT,
		status TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		hmac_signature TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		session_id TEXT,
		client_id TEXT,
		user_id TEXT,
		source_ip TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		authz_decision TEXT,
		authz_policy TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		response_summary TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp)`,
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying migration statement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logging.Info("Store", "database ready (%d schema statements applied)", len(schema))
	return nil
}
