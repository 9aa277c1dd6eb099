package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS spendwatch_kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// SQLiteStore runs every statement over a single connection, which makes each
// Update transaction exclusive for this process. SQLite's own file locking
// serializes writers across processes.
type SQLiteStore struct {
	path string
	mu   sync.Mutex

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStore{path: path}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM spendwatch_kv WHERE key = ?", key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	return s.Update(ctx, key, func([]byte) ([]byte, error) {
		return value, nil
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return s.Update(ctx, key, func([]byte) ([]byte, error) {
		return nil, nil
	})
}

func (s *SQLiteStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if strings.TrimSpace(key) == "" || fn == nil {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var current []byte
	var payload string
	err = tx.QueryRowContext(ctx, "SELECT value FROM spendwatch_kv WHERE key = ?", key).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		current = []byte(payload)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		if _, err := tx.ExecContext(ctx, "DELETE FROM spendwatch_kv WHERE key = ?", key); err != nil {
			return err
		}
	} else {
		if !json.Valid(next) {
			return ErrInvalidInput
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO spendwatch_kv (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (key)
			DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, key, string(next)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		if dir := filepath.Dir(s.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				s.initErr = err
				return
			}
		}
		db, err := sql.Open("sqlite", s.path)
		if err != nil {
			s.initErr = err
			return
		}
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		if _, err := db.Exec(sqliteSchema); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}
