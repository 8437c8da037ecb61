package backup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/sitebackup/internal/store"
)

// journalTimeLayout is fixed-width so stored timestamps sort lexically.
const journalTimeLayout = "2006-01-02T15:04:05.000000000Z"

// History limits.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// JournalEntry is one recorded backup operation.
type JournalEntry struct {
	ID               string    `json:"id"`
	Operation        string    `json:"operation"`
	Target           string    `json:"target,omitempty"`
	Status           string    `json:"status"`
	Detail           string    `json:"detail,omitempty"`
	PreRestoreBackup string    `json:"preRestoreBackup,omitempty"`
	Bytes            int64     `json:"bytes"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
}

var journalMigrations = []store.Migration{
	{
		Version:     1,
		Description: "create backup_operations table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE backup_operations (
					id                 TEXT    PRIMARY KEY,
					operation          TEXT    NOT NULL,
					target             TEXT    NOT NULL DEFAULT '',
					status             TEXT    NOT NULL,
					detail             TEXT    NOT NULL DEFAULT '',
					pre_restore_backup TEXT    NOT NULL DEFAULT '',
					bytes              INTEGER NOT NULL DEFAULT 0,
					started_at         TEXT    NOT NULL,
					finished_at        TEXT    NOT NULL
				)`)
			if err != nil {
				return err
			}
			_, err = tx.Exec("CREATE INDEX idx_backup_operations_started ON backup_operations(started_at)")
			return err
		},
	},
}

// Journal records backup operations in SQLite. A nil *Journal records nothing.
type Journal struct {
	db     *store.SQLiteStore
	logger *zap.Logger
}

// NewJournal migrates the journal schema and returns a Journal.
func NewJournal(ctx context.Context, db *store.SQLiteStore, logger *zap.Logger) (*Journal, error) {
	if err := db.Migrate(ctx, "journal", journalMigrations); err != nil {
		return nil, fmt.Errorf("journal migrations: %w", err)
	}
	return &Journal{db: db, logger: logger}, nil
}

// Record appends an entry. Failures are logged, never returned.
func (j *Journal) Record(ctx context.Context, e JournalEntry) {
	if j == nil {
		return
	}
	_, err := j.db.DB().ExecContext(ctx, `
		INSERT INTO backup_operations
			(id, operation, target, status, detail, pre_restore_backup, bytes, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Operation, e.Target, e.Status, e.Detail, e.PreRestoreBackup, e.Bytes,
		e.StartedAt.UTC().Format(journalTimeLayout), e.FinishedAt.UTC().Format(journalTimeLayout),
	)
	if err != nil {
		j.logger.Warn("journal write failed",
			zap.String("op", e.Operation),
			zap.String("op_id", e.ID),
			zap.Error(err),
		)
	}
}

// History returns the most recent entries, newest first. limit is clamped
// to [1, MaxHistoryLimit]; zero or negative means DefaultHistoryLimit.
func (j *Journal) History(ctx context.Context, limit int) ([]JournalEntry, error) {
	if j == nil {
		return []JournalEntry{}, nil
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	rows, err := j.db.DB().QueryContext(ctx, `
		SELECT id, operation, target, status, detail, pre_restore_backup, bytes, started_at, finished_at
		FROM backup_operations
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := make([]JournalEntry, 0, limit)
	for rows.Next() {
		var (
			e                 JournalEntry
			started, finished string
		)
		if err := rows.Scan(&e.ID, &e.Operation, &e.Target, &e.Status, &e.Detail,
			&e.PreRestoreBackup, &e.Bytes, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.StartedAt, _ = time.Parse(journalTimeLayout, started)
		e.FinishedAt, _ = time.Parse(journalTimeLayout, finished)
		out = append(out, e)
	}
	return out, rows.Err()
}
