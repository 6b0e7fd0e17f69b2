// Package database provides SQLite persistence for client credentials.
package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db     *sql.DB
	sealer *sealer
}

type Option func(*SQLiteStore) error

// WithEncryptionKey seals every stored value with XChaCha20-Poly1305 under
// key, which must be 32 bytes.
func WithEncryptionKey(key []byte) Option {
	return func(s *SQLiteStore) error {
		sealer, err := newSealer(key)
		if err != nil {
			return err
		}
		s.sealer = sealer
		return nil
	}
}

func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}
	// one connection: sqlite serializes writers, and each :memory:
	// connection is its own database
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init database: %v", err)
	}

	store := &SQLiteStore{db: db}
	for _, opt := range opts {
		if err := opt(store); err != nil {
			db.Close()
			return nil, err
		}
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if err := initTable(db, "credentials", `
		CREATE TABLE IF NOT EXISTS credentials (
			key         TEXT PRIMARY KEY,
			value       BLOB NOT NULL,
			sealed      INTEGER NOT NULL DEFAULT 0,
			updated     INTEGER NOT NULL
		);`,
	); err != nil {
		return err
	}

	return nil
}

func initTable(
	db *sql.DB,
	name string,
	sql string,
) error {
	if _, err := db.Exec(sql); err != nil {
		return fmt.Errorf("failed to init '%s' table schema: %v", name, err)
	}
	return nil
}
