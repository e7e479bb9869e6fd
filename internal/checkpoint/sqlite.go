package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned by every operation on a closed store.
var ErrClosed = errors.New("checkpoint store is closed")

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite checkpoint store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite for concurrent access
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL,
		etag TEXT NOT NULL,
		status TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		attempts INTEGER DEFAULT 0,
		last_error TEXT,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (bucket, key)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);
	`

	_, err := s.db.Exec(query)
	return err
}

const selectColumns = `bucket, key, run_id, size, etag, status, kind, attempts, last_error, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*TaskRecord, error) {
	var record TaskRecord
	var lastError sql.NullString

	err := row.Scan(
		&record.Bucket,
		&record.Key,
		&record.RunID,
		&record.Size,
		&record.ETag,
		&record.Status,
		&record.Kind,
		&record.Attempts,
		&lastError,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastError.Valid {
		record.LastError = lastError.String
	}
	return &record, nil
}

// GetTask retrieves a task record. A missing record is (nil, nil).
func (s *SQLiteStore) GetTask(bucket, key string) (*TaskRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var result *TaskRecord
	err := s.retryOnBusy(func() error {
		row := s.db.QueryRow(`SELECT `+selectColumns+` FROM tasks WHERE bucket = ? AND key = ?`, bucket, key)
		record, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			result = nil
			return nil
		}
		if err != nil {
			return err
		}
		result = record
		return nil
	})
	return result, err
}

// SaveTask saves or updates a task record
func (s *SQLiteStore) SaveTask(record *TaskRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		return s.saveTaskWithTransaction(record)
	})
}

func (s *SQLiteStore) saveTaskWithTransaction(record *TaskRecord) error {
	record.UpdatedAt = time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // This will be ignored if Commit() succeeds

	// Use UPSERT to avoid DELETE+INSERT of REPLACE which increases lock contention
	query := `
    INSERT INTO tasks
    (bucket, key, run_id, size, etag, status, kind, attempts, last_error, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(bucket, key) DO UPDATE SET
        run_id = excluded.run_id,
        size = excluded.size,
        etag = excluded.etag,
        status = excluded.status,
        kind = excluded.kind,
        attempts = excluded.attempts,
        last_error = excluded.last_error,
        updated_at = excluded.updated_at
    `

	_, err = tx.Exec(query,
		record.Bucket,
		record.Key,
		record.RunID,
		record.Size,
		record.ETag,
		record.Status,
		record.Kind,
		record.Attempts,
		record.LastError,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to execute insert: %w", err)
	}

	return tx.Commit()
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	const maxRetries = 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}
		if attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			time.Sleep(delay + jitter)
		}
	}
	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// ListFailedTasks returns failed and skipped records, oldest first. An
// empty bucket lists every bucket.
func (s *SQLiteStore) ListFailedTasks(bucket string) ([]*TaskRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	query := `SELECT ` + selectColumns + ` FROM tasks WHERE status IN (?, ?)`
	args := []any{StatusFailed, StatusSkipped}
	if bucket != "" {
		query += ` AND bucket = ?`
		args = append(args, bucket)
	}
	query += ` ORDER BY bucket ASC, updated_at ASC, key ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TaskRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
