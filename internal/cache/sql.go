package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tableName = "content_cache"

// SQLiteStore implements Store on the shared SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the cache table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ` + tableName + ` (
			key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			format_version TEXT NOT NULL,
			encoding TEXT NOT NULL,
			value BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get looks up key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	var kind string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, kind, format_version, encoding, value, created_at FROM `+tableName+` WHERE key = ?`, key,
	).Scan(&e.Key, &kind, &e.FormatVersion, &e.Encoding, &e.Value, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	e.Kind = Kind(kind)
	return &e, nil
}

// Put inserts entry; an existing key is left untouched.
func (s *SQLiteStore) Put(ctx context.Context, entry *Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+tableName+` (key, kind, format_version, encoding, value, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Key, string(entry.Kind), entry.FormatVersion, entry.Encoding, entry.Value, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Close is a no-op; the connection belongs to the storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}

// PostgreSQLStore implements Store on the shared PostgreSQL pool.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the cache table if needed.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, errors.New("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+tableName+` (
			key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			format_version TEXT NOT NULL,
			encoding TEXT NOT NULL,
			value BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache table: %w", err)
	}
	return &PostgreSQLStore{pool: pool}, nil
}

// Get looks up key.
func (s *PostgreSQLStore) Get(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	var kind string
	var createdAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT key, kind, format_version, encoding, value, created_at FROM `+tableName+` WHERE key = $1`, key,
	).Scan(&e.Key, &kind, &e.FormatVersion, &e.Encoding, &e.Value, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	e.Kind = Kind(kind)
	e.CreatedAt = createdAt.UTC()
	return &e, nil
}

// Put inserts entry; an existing key is left untouched.
func (s *PostgreSQLStore) Put(ctx context.Context, entry *Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+tableName+` (key, kind, format_version, encoding, value, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (key) DO NOTHING`,
		entry.Key, string(entry.Kind), entry.FormatVersion, entry.Encoding, entry.Value, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the storage layer.
func (s *PostgreSQLStore) Close() error {
	return nil
}
