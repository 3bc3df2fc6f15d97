// ABOUTME: SQLite implementation of the KV interface using modernc.org/sqlite
// ABOUTME: Versioned rows with TTL, bounded lists, and a background purge of expired keys

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPurgeInterval is how often expired rows are removed.
const DefaultPurgeInterval = time.Minute

// SQLiteKV implements the KV interface using SQLite.
// Versions come from a single store-wide counter so a purged key never
// reuses a version that an earlier reader may still hold.
type SQLiteKV struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSQLiteKV opens (or creates) a SQLite-backed KV at path.
// The schema is created if it doesn't exist and parent directories are
// created if needed. A purgeInterval of zero uses DefaultPurgeInterval.
func NewSQLiteKV(path string, purgeInterval time.Duration) (*SQLiteKV, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes every transaction, which is what makes
	// the read-compare-write in CompareAndSwap atomic.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", p, err)
		}
	}

	s := &SQLiteKV{
		db:     db,
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if purgeInterval <= 0 {
		purgeInterval = DefaultPurgeInterval
	}
	s.wg.Add(1)
	go s.purgeLoop(purgeInterval)

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteKV) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			version    INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at);

		CREATE TABLE IF NOT EXISTS kv_list (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_kv_list_key ON kv_list(key, id);

		CREATE TABLE IF NOT EXISTS kv_version (
			id   INTEGER PRIMARY KEY CHECK (id = 1),
			next INTEGER NOT NULL
		);

		INSERT OR IGNORE INTO kv_version (id, next) VALUES (1, 0);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteKV) deadline(ttl time.Duration) int64 {
	t := expiry(s.now(), ttl)
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func (s *SQLiteKV) isLive(expiresAt int64) bool {
	return expiresAt == 0 || s.now().UnixNano() < expiresAt
}

func nextVersion(ctx context.Context, tx *sql.Tx) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx, `UPDATE kv_version SET next = next + 1 WHERE id = 1 RETURNING next`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("allocating version: %w", err)
	}
	return v, nil
}

// Get returns the live entry for key.
func (s *SQLiteKV) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		value     []byte
		version   int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version, expires_at FROM kv WHERE key = ?`, key,
	).Scan(&value, &version, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting key: %w", err)
	}
	if !s.isLive(expiresAt) {
		return nil, ErrNotFound
	}

	e := &Entry{Key: key, Value: value, Version: version}
	if expiresAt != 0 {
		e.ExpiresAt = time.Unix(0, expiresAt)
	}
	return e, nil
}

// CompareAndSwap writes value if the current version matches.
func (s *SQLiteKV) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current, expiresAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT version, expires_at FROM kv WHERE key = ?`, key,
	).Scan(&current, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return 0, fmt.Errorf("reading version: %w", err)
	case !s.isLive(expiresAt):
		current = 0
	}

	if current != expectedVersion {
		return 0, ErrConflict
	}

	version, err := s.upsert(ctx, tx, key, value, ttl)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}
	return version, nil
}

// Set writes value unconditionally.
func (s *SQLiteKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	version, err := s.upsert(ctx, tx, key, value, ttl)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}
	return version, nil
}

func (s *SQLiteKV) upsert(ctx context.Context, tx *sql.Tx, key string, value []byte, ttl time.Duration) (int64, error) {
	version, err := nextVersion(ctx, tx)
	if err != nil {
		return 0, err
	}
	if value == nil {
		value = []byte{}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, version, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			expires_at = excluded.expires_at
	`, key, value, version, s.deadline(ttl))
	if err != nil {
		return 0, fmt.Errorf("writing key: %w", err)
	}
	return version, nil
}

// Delete removes key and any list stored under it.
func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting key: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_list WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting list: %w", err)
	}
	return tx.Commit()
}

// Expire resets the TTL of a live key or list.
func (s *SQLiteKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	now := s.now().UnixNano()
	deadline := s.deadline(ttl)

	res, err := s.db.ExecContext(ctx,
		`UPDATE kv SET expires_at = ? WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		deadline, key, now)
	if err != nil {
		return fmt.Errorf("expiring key: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE kv_list SET expires_at = ? WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		deadline, key, now)
	if err != nil {
		return fmt.Errorf("expiring list: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return ErrNotFound
}

// Append pushes value onto a list and trims it to maxLen.
func (s *SQLiteKV) Append(ctx context.Context, key string, value []byte, ttl time.Duration, maxLen int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UnixNano()
	deadline := s.deadline(ttl)

	// An expired list starts over rather than growing from stale items.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kv_list WHERE key = ? AND expires_at != 0 AND expires_at <= ?`, key, now,
	); err != nil {
		return fmt.Errorf("clearing expired list: %w", err)
	}

	if value == nil {
		value = []byte{}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv_list (key, value, expires_at) VALUES (?, ?, ?)`, key, value, deadline,
	); err != nil {
		return fmt.Errorf("appending: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE kv_list SET expires_at = ? WHERE key = ?`, deadline, key,
	); err != nil {
		return fmt.Errorf("refreshing list ttl: %w", err)
	}

	if maxLen > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM kv_list WHERE key = ? AND id NOT IN (
				SELECT id FROM kv_list WHERE key = ? ORDER BY id DESC LIMIT ?
			)
		`, key, key, maxLen); err != nil {
			return fmt.Errorf("trimming list: %w", err)
		}
	}

	return tx.Commit()
}

// List returns the live items of a list, oldest first.
func (s *SQLiteKV) List(ctx context.Context, key string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM kv_list WHERE key = ? AND (expires_at = 0 OR expires_at > ?) ORDER BY id ASC`,
		key, s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("listing: %w", err)
	}
	defer rows.Close()

	var items [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning list item: %w", err)
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

// Ping reports whether the database is reachable.
func (s *SQLiteKV) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Purge deletes expired keys and list items, returning how many rows were removed.
func (s *SQLiteKV) Purge(ctx context.Context) (int64, error) {
	now := s.now().UnixNano()
	var total int64

	for _, q := range []string{
		`DELETE FROM kv WHERE expires_at != 0 AND expires_at <= ?`,
		`DELETE FROM kv_list WHERE expires_at != 0 AND expires_at <= ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, now)
		if err != nil {
			return total, fmt.Errorf("purging: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *SQLiteKV) purgeLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n, err := s.Purge(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("purge failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("purged expired rows", "count", n)
			}
		}
	}
}

// Close stops the purge loop and closes the database connection.
func (s *SQLiteKV) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}
