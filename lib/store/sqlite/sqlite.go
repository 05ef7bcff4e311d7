package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/signalstickers/gatekeeper/lib/store"

	_ "modernc.org/sqlite"
)

// Store implements store.Interface on an SQLite database through the pure Go
// modernc.org/sqlite driver.
//
// The pool is capped at a single connection, so every statement runs in
// order. Delete is one DELETE statement whose affected row count says whether
// this caller removed the row.
type Store struct {
	db *sql.DB
}

// migrations is an ordered list of SQL migrations.
// Each migration runs exactly once, tracked by the schema_version table.
var migrations = []string{
	// Migration 1: records table
	`
CREATE TABLE records (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX idx_records_expires_at ON records(expires_at);
`,
}

func open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)
	`); err != nil {
		return err
	}

	var currentVersion int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&currentVersion); err != nil {
		return err
	}

	for i := currentVersion; i < len(migrations); i++ {
		if _, err := db.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ? AND expires_at > ?`, key, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("can't delete %q from sqlite: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("can't count deleted rows for %q: %w", key, err)
	}

	if n == 0 {
		// Drop an expired leftover, if any, so it does not linger until cleanup.
		if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
			return fmt.Errorf("can't delete %q from sqlite: %w", key, err)
		}

		return fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value     []byte
		expiresAt int64
	)

	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM records WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("can't fetch %q from sqlite: %w", key, err)
	}

	if time.Now().UnixNano() >= expiresAt {
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	expiresAt := time.Now().Add(expiry).UnixNano()

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO records (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
`, key, value, expiresAt); err != nil {
		return fmt.Errorf("can't set %q in sqlite: %w", key, err)
	}

	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key FROM records
WHERE substr(key, 1, length(?)) = ? AND expires_at > ?
`, prefix, prefix, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("can't list keys with prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		result = append(result, key)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE expires_at <= ?`, time.Now().UnixNano())
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (s *Store) cleanupThread(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.db.Close(); err != nil {
				slog.Error("error closing sqlite database", "err", err)
			}
			return
		case <-t.C:
			n, err := s.cleanup(ctx)
			if err != nil {
				slog.Error("error during sqlite cleanup", "err", err)
				continue
			}
			if n != 0 {
				slog.Debug("sqlite cleanup removed expired records", "count", n)
			}
		}
	}
}
