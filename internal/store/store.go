// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

// Package store is the durable cache tier: a single DuckDB table keyed
// by content hash, accessed through a pinned-connection pool. Store
// satisfies cache.EntryStore.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // duckdb driver
	"github.com/veylan/edgehome/internal/cache"
	"github.com/veylan/edgehome/internal/logging"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS cache_entries (
    id            VARCHAR PRIMARY KEY,
    content_type  VARCHAR NOT NULL,
    last_modified TIMESTAMP NOT NULL,
    last_accessed TIMESTAMP NOT NULL,
    size          BIGINT NOT NULL,
    content       BLOB NOT NULL
)`

// Store persists cache entries in an embedded DuckDB database.
// All methods are safe for concurrent use; each operation pins one
// pooled session for its duration.
type Store struct {
	db   *sql.DB
	pool *Pool
}

// Config tunes the store.
type Config struct {
	// Path is the database file. Parent directories are created.
	Path string

	// PoolSize caps concurrent sessions. Default: NumCPU.
	PoolSize int

	// Threads is DuckDB's internal thread count. Default: NumCPU.
	Threads int
}

// Open opens or creates the database, verifies connectivity and
// ensures the schema exists.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = runtime.NumCPU()
	}
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d", cfg.Path, cfg.Threads)
	db, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(setupCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verifying cache database: %w", err)
	}
	if _, err := db.ExecContext(setupCtx, createTableSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Int("pool_size", cfg.PoolSize).Msg("cache store opened")

	return &Store{
		db:   db,
		pool: NewPool(db, cfg.PoolSize),
	}, nil
}

// GetByKey returns the entry for key, or (nil, nil) when absent.
func (s *Store) GetByKey(ctx context.Context, key string) (entry *cache.Entry, err error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { s.pool.Release(conn, err) }()

	row := conn.QueryRowContext(ctx,
		`SELECT content_type, last_modified, last_accessed, content
		 FROM cache_entries WHERE id = ?`, key)

	var (
		contentType  string
		lastModified time.Time
		lastAccessed time.Time
		content      []byte
	)
	err = row.Scan(&contentType, &lastModified, &lastAccessed, &content)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading entry %s: %w", key, err)
	}
	return cache.NewEntry(key, contentType, content, lastModified, lastAccessed), nil
}

// Insert stores an entry, replacing any previous row for its key.
func (s *Store) Insert(ctx context.Context, entry *cache.Entry) (err error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { s.pool.Release(conn, err) }()

	_, err = conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries
		 (id, content_type, last_modified, last_accessed, size, content)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Key, entry.ContentType, entry.LastModified, entry.LastAccessed(),
		entry.Size(), entry.Content)
	if err != nil {
		return fmt.Errorf("writing entry %s: %w", entry.Key, err)
	}
	return nil
}

// UpdateLastAccessed advances the access stamp for key. Stamps only
// move forward, and touching an evicted key is not an error.
func (s *Store) UpdateLastAccessed(ctx context.Context, key string, accessed time.Time) (err error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { s.pool.Release(conn, err) }()

	_, err = conn.ExecContext(ctx,
		`UPDATE cache_entries SET last_accessed = ? WHERE id = ? AND last_accessed < ?`,
		accessed, key, accessed)
	if err != nil {
		return fmt.Errorf("touching entry %s: %w", key, err)
	}
	return nil
}

// DeleteLeastRecentlyAccessed removes the n entries with the oldest
// access stamps.
func (s *Store) DeleteLeastRecentlyAccessed(ctx context.Context, n int64) (err error) {
	if n <= 0 {
		return nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { s.pool.Release(conn, err) }()

	_, err = conn.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE id IN
		 (SELECT id FROM cache_entries ORDER BY last_accessed ASC LIMIT ?)`, n)
	if err != nil {
		return fmt.Errorf("evicting %d entries: %w", n, err)
	}
	return nil
}

// TotalSize returns total stored bytes. Failures degrade to zero; the
// consolidation pass treats an unreadable size as nothing to evict.
func (s *Store) TotalSize(ctx context.Context) int64 {
	return s.aggregate(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_entries`)
}

// AverageSize returns the mean entry size in bytes, zero when empty or
// on failure.
func (s *Store) AverageSize(ctx context.Context) int64 {
	return s.aggregate(ctx, `SELECT CAST(COALESCE(AVG(size), 0) AS BIGINT) FROM cache_entries`)
}

func (s *Store) aggregate(ctx context.Context, query string) int64 {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("store aggregate unavailable")
		return 0
	}

	var v int64
	err = conn.QueryRowContext(ctx, query).Scan(&v)
	s.pool.Release(conn, err)
	if err != nil {
		logging.Warn().Err(err).Msg("store aggregate failed")
		return 0
	}
	return v
}

// EntryCount returns the number of stored entries.
func (s *Store) EntryCount(ctx context.Context) (n int64, err error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { s.pool.Release(conn, err) }()

	err = conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	return n, nil
}

// Checkpoint flushes WAL state into the main database file.
func (s *Store) Checkpoint(ctx context.Context) (err error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { s.pool.Release(conn, err) }()

	if _, err = conn.ExecContext(ctx, `CHECKPOINT`); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Close shuts down the pool and the database. Safe to call twice.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		logging.Warn().Err(err).Msg("closing connection pool")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing cache database: %w", err)
	}
	return nil
}
