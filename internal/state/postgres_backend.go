package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresStateTableName   = "ordersync_state"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps every key as one row. Update serializes writers of a key
// with a transaction-scoped advisory lock, which also covers keys that have no
// row yet.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	// initMu guards db. A failed initialization leaves db nil so the next
	// call tries again.
	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresStateTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE state_key = $1", postgresQuoteIdentifier(s.tableName))
	var payload string
	err = db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (s *PostgresStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := validateKey(key); err != nil {
		return err
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresStateLockKey(s.tableName, key)); err != nil {
		return err
	}
	selectQuery := fmt.Sprintf("SELECT value FROM %s WHERE state_key = $1", postgresQuoteIdentifier(s.tableName))
	var current []byte
	var payload string
	err = tx.QueryRowContext(ctx, selectQuery, key).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		current = []byte(payload)
	}

	next, err := fn(current)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}

	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (state_key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	if _, err := tx.ExecContext(ctx, upsertQuery, key, string(next)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PostgresStore) ensureReady(ctx context.Context) (*sql.DB, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			state_key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, postgresQuoteIdentifier(s.tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare state table: %w", err)
	}
	s.db = db
	return db, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresStateLockKey(tableName, key string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(key)))
	return int64(hasher.Sum64())
}
