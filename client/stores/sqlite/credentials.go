// Package sqlite provides a SQLite-backed credential store for the portal client.
//
// Tokens live in a small key/value table under the keys "token" and
// "refresh_token". The store reads the table once when created and writes
// through on every change.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/cboard/portalclient/client"
)

// Keys used in the kv table
const (
	AccessTokenKey  = "token"
	RefreshTokenKey = "refresh_token"
)

const schemaDDL = `CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// DefaultWriteTimeout bounds each Set or Clear
const DefaultWriteTimeout = 5 * time.Second

// CredentialStore is a client.CredentialStore persisted in SQLite.
type CredentialStore struct {
	db *sql.DB
	qb sq.StatementBuilderType

	mu   sync.RWMutex
	cred client.Credential
}

var _ client.CredentialStore = (*CredentialStore)(nil)

// Open opens (creating if needed) the database at path and returns a store
// over it. The caller owns the returned store and must Close it.
func Open(ctx context.Context, path string) (*CredentialStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps writes serialized and makes :memory: usable
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New creates the kv table if needed and loads the stored credential.
func New(ctx context.Context, db *sql.DB) (*CredentialStore, error) {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	s := &CredentialStore{
		db: db,
		qb: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CredentialStore) load(ctx context.Context) error {
	query, args, err := s.qb.
		Select("key", "value").
		From("kv").
		Where(sq.Eq{"key": []string{AccessTokenKey, RefreshTokenKey}}).
		ToSql()
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	defer rows.Close()

	var cred client.Credential
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		switch key {
		case AccessTokenKey:
			cred.AccessToken = value
		case RefreshTokenKey:
			cred.RefreshToken = value
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.cred = cred
	return nil
}

// Get returns the cached credential
func (s *CredentialStore) Get() (client.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, nil
}

// Set replaces both tokens in one transaction. An empty token removes its row.
func (s *CredentialStore) Set(cred client.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(cred); err != nil {
		return err
	}
	s.cred = cred
	return nil
}

// Clear deletes both tokens. The cached credential is dropped even if the
// delete fails.
func (s *CredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cred = client.Credential{}
	return s.write(client.Credential{})
}

// Close closes the underlying database
func (s *CredentialStore) Close() error {
	return s.db.Close()
}

func (s *CredentialStore) write(cred client.Credential) error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	deleteQuery, deleteArgs, err := s.qb.
		Delete("kv").
		Where(sq.Eq{"key": []string{AccessTokenKey, RefreshTokenKey}}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, deleteQuery, deleteArgs...); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}

	now := time.Now().UTC()
	insert := s.qb.Insert("kv").Columns("key", "value", "updated_at")
	rows := 0
	if cred.AccessToken != "" {
		insert = insert.Values(AccessTokenKey, cred.AccessToken, now)
		rows++
	}
	if cred.RefreshToken != "" {
		insert = insert.Values(RefreshTokenKey, cred.RefreshToken, now)
		rows++
	}
	if rows > 0 {
		insertQuery, insertArgs, err := insert.ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertQuery, insertArgs...); err != nil {
			return fmt.Errorf("failed to store credentials: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit credentials: %w", err)
	}
	return nil
}
