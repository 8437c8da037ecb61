package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func tempDB(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_creates_database(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNew_invalid_path(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing", "dir", "db"))
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestTx_commit_and_rollback(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	if _, err := s.DB().ExecContext(ctx, "CREATE TABLE ops (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	err := s.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO ops (id, name) VALUES (1, 'create')")
		return err
	})
	if err != nil {
		t.Fatalf("Tx commit: %v", err)
	}

	errBoom := errors.New("boom")
	err = s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO ops (id, name) VALUES (2, 'restore')"); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Tx rollback error = %v, want %v", err, errBoom)
	}

	var count int
	if err := s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM ops").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("got %d rows, want 1 (second insert rolled back)", count)
	}
}

func TestMigrate_applies_in_order(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	migrations := []Migration{
		{
			Version:     1,
			Description: "create operations table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec("CREATE TABLE backup_ops (id TEXT PRIMARY KEY, operation TEXT)")
				return err
			},
		},
		{
			Version:     2,
			Description: "add status column",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec("ALTER TABLE backup_ops ADD COLUMN status TEXT")
				return err
			},
		},
	}

	if err := s.Migrate(ctx, "journal", migrations); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if _, err := s.DB().ExecContext(ctx, "INSERT INTO backup_ops (id, operation, status) VALUES ('a', 'create', 'ok')"); err != nil {
		t.Fatalf("insert after migration: %v", err)
	}

	var count int
	err := s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM _migrations WHERE component = 'journal'").Scan(&count)
	if err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Errorf("got %d migration records, want 2", count)
	}
}

func TestMigrate_skips_applied(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	callCount := 0
	migrations := []Migration{
		{
			Version:     1,
			Description: "create table",
			Up: func(tx *sql.Tx) error {
				callCount++
				_, err := tx.Exec("CREATE TABLE test_skip (id INTEGER)")
				return err
			},
		},
	}

	for i := 0; i < 2; i++ {
		if err := s.Migrate(ctx, "test", migrations); err != nil {
			t.Fatalf("Migrate #%d: %v", i+1, err)
		}
	}
	if callCount != 1 {
		t.Errorf("migration ran %d times, want 1", callCount)
	}
}

func TestMigrate_partial_failure_preserves_earlier(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	migrations := []Migration{
		{Version: 1, Description: "ok migration", Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("CREATE TABLE partial_test (id INTEGER)")
			return err
		}},
		{Version: 2, Description: "bad migration", Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("INVALID SQL")
			return err
		}},
	}

	if err := s.Migrate(ctx, "partial", migrations); err == nil {
		t.Fatal("expected error from partial migration")
	}

	var count int
	err := s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM _migrations WHERE component = 'partial'").Scan(&count)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 committed migration, got %d", count)
	}
}

func TestWAL_mode_enabled(t *testing.T) {
	s := tempDB(t)
	var mode string
	err := s.DB().QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode)
	if err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want %q", mode, "wal")
	}
}

func TestClose(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "close.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.DB().PingContext(context.Background()); err == nil {
		t.Error("expected error after Close, got nil")
	}
}
