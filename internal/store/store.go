package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the durable key-value store shared by every wrangler process on
// the machine. All cross-process coordination (locks, installation records,
// running-config records) goes through it; there is no shared memory.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite store at the specified path.
func Open(path string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	// Enable WAL mode for better concurrency between processes
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		conn: conn,
		path: path,
	}

	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the store connection.
func (s *Store) Close() error {
	if s.conn != nil {
		// Checkpoint the WAL to ensure all data is written to the main database file
		s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.conn.Close()
	}
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// retryBusy runs fn, retrying briefly when SQLite reports the database as
// locked by a concurrent writer (3 attempts, 5ms between). Reads and writes
// both go through it; under WAL a busy reader is rare but possible.
func retryBusy(fn func() error) error {
	maxRetries := 3
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("statement failed after %d retries: %w", maxRetries, lastErr)
}

func (s *Store) exec(query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryBusy(func() error {
		r, err := s.conn.Exec(query, args...)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// Get returns the value stored under key, and whether the key exists.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := retryBusy(func() error {
		return s.conn.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put stores value under key, replacing any existing value.
func (s *Store) Put(key string, value []byte) error {
	_, err := s.exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	_, err := s.exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Keys returns all keys with the given prefix.
func (s *Store) Keys(prefix string) ([]string, error) {
	var keys []string
	err := retryBusy(func() error {
		rows, err := s.conn.Query(
			`SELECT key FROM kv WHERE key LIKE ? ORDER BY key`,
			prefix+"%",
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		keys = nil
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	return keys, err
}

// CompareAndSwap atomically replaces the value under key with new, but only
// when the current value equals old. old == nil means the key must be absent.
// Returns whether the swap happened. The lock protocol depends on this being
// a true conditional write, not a read-then-write.
func (s *Store) CompareAndSwap(key string, old, new []byte) (bool, error) {
	var res sql.Result
	var err error
	if old == nil {
		res, err = s.exec(
			`INSERT INTO kv (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO NOTHING`,
			key, new,
		)
	} else {
		res, err = s.exec(
			`UPDATE kv SET value = ? WHERE key = ? AND value = ?`,
			new, key, old,
		)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompareAndDelete atomically removes key, but only when the current value
// equals old. Returns whether the delete happened.
func (s *Store) CompareAndDelete(key string, old []byte) (bool, error) {
	res, err := s.exec(`DELETE FROM kv WHERE key = ? AND value = ?`, key, old)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
