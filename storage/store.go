package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - pre-versioning databases
// 1 - initial versioned schema (messages, identities, peerid_history)
const currentSchemaVersion = 1

var (
	// ErrValidation is the base of every synchronous input rejection.
	// Callers distinguish bad input from storage failures via errors.Is.
	ErrValidation = errors.New("validation failed")

	// ErrMissingRecipient indicates a message with neither a hash nor a
	// peer-id destination.
	ErrMissingRecipient = fmt.Errorf("%w: message needs a recipient hash or peer id", ErrValidation)

	// ErrEmptyPayload indicates a message with no payload bytes.
	ErrEmptyPayload = fmt.Errorf("%w: message payload is empty", ErrValidation)

	// ErrMissingHash indicates an identity operation without the hash key.
	ErrMissingHash = fmt.Errorf("%w: identity hash is required", ErrValidation)
)

// Store wraps the SQLite database holding all durable relay state.
type Store struct {
	db *sql.DB
}

// Open creates or opens the relay database at path. Pragmas and versioned
// migrations are applied before the store is returned; a failure here is
// fatal to the caller by design, since running without persistence would
// silently discard messages.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"path":           path,
		"schema_version": currentSchemaVersion,
	}).Info("storage opened")

	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway store for tests.
func OpenInMemory() (*Store, error) {
	return Open(":memory:")
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Flush deletes all durable state: messages, identities and the peer-id
// history. This is the administrative reset path and the only way history
// records are ever removed.
func (s *Store) Flush(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"messages", "identities", "peerid_history"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("flush %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}

	logrus.Warn("storage flushed: all messages, identities and history removed")
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if absent and runs versioned migrations.
// Idempotent: safe to run on every open.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental migrations based on user_version.
// Migrations are explicit and sequential; the store never infers schema
// state by catching "already exists" errors.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	// No migrations beyond v1 yet; fresh databases get the full schema
	// from schema.sql and only need their version stamped.

	if version != currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// nullable maps an empty string to SQL NULL. Optional identifier columns
// must be NULL, not "", so that IS NULL predicates (legacy addressing)
// behave.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// stringOrEmpty unwraps a nullable text column.
func stringOrEmpty(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}
