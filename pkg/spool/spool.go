package spool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/travigo/redongo/pkg/bulk"
	"github.com/travigo/redongo/pkg/message"
	"go.mongodb.org/mongo-driver/bson"

	_ "modernc.org/sqlite"
)

var ErrLocked = errors.New("spool directory is in use by another process")

// Stays well below SQLite's limit on bound parameters per statement
const maxIDsPerStatement = 500

const schema = `CREATE TABLE IF NOT EXISTS overflow (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	application TEXT NOT NULL,
	operation   TEXT NOT NULL,
	document    BLOB NOT NULL,
	enqueued_at TEXT NOT NULL,
	spooled_at  TEXT NOT NULL,
	failed      TEXT,
	attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS overflow_application ON overflow (application, failed, id);`

// Spool keeps records on disk while their Mongo target is unreachable and
// memory is full. Only one process may own a spool directory.
type Spool struct {
	db   *sql.DB
	lock *flock.Flock

	Directory string
}

type Counts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

type Entry struct {
	ID          int64
	Application string
	Operation   message.Operation
	Document    bson.M
	EnqueuedAt  time.Time
	SpooledAt   time.Time
	Failed      string
	Attempts    int
}

func Open(directory string) (*Spool, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}

	lock := flock.New(filepath.Join(directory, "spool.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire spool lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, directory)
	}

	db, err := sql.Open("sqlite", filepath.Join(directory, "spool.db"))
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open spool db: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("create spool schema: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	return &Spool{db: db, lock: lock, Directory: directory}, nil
}

// migrate brings spool files written by older versions up to the current
// schema
func migrate(db *sql.DB) error {
	var hasAttempts int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('overflow') WHERE name = 'attempts'`).Scan(&hasAttempts)
	if err != nil {
		return fmt.Errorf("inspect spool schema: %w", err)
	}

	if hasAttempts == 0 {
		if _, err := db.Exec(`ALTER TABLE overflow ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add attempts column: %w", err)
		}
	}

	return nil
}

func (s *Spool) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return errors.Join(s.db.Close(), s.lock.Unlock())
}

// Put writes records for application in one transaction
func (s *Spool) Put(ctx context.Context, application string, records []*bulk.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin spool write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statement, err := tx.PrepareContext(ctx,
		`INSERT INTO overflow (application, operation, document, enqueued_at, spooled_at, attempts) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare spool write: %w", err)
	}
	defer statement.Close()

	spooledAt := time.Now().UTC().Format(time.RFC3339Nano)
	for _, record := range records {
		document, err := bson.Marshal(record.Document)
		if err != nil {
			return fmt.Errorf("encode spooled document: %w", err)
		}

		operation := record.Operation
		if operation == "" {
			operation = message.OperationSave
		}

		if _, err := statement.ExecContext(ctx,
			application,
			string(operation),
			document,
			record.EnqueuedAt.UTC().Format(time.RFC3339Nano),
			spooledAt,
			record.Attempts,
		); err != nil {
			return fmt.Errorf("spool record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit spool write: %w", err)
	}

	return nil
}

// Applications lists the applications with pending records
func (s *Spool) Applications(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT application FROM overflow WHERE failed IS NULL ORDER BY application`)
	if err != nil {
		return nil, fmt.Errorf("list spooled applications: %w", err)
	}
	defer rows.Close()

	var applications []string
	for rows.Next() {
		var application string
		if err := rows.Scan(&application); err != nil {
			return nil, err
		}
		applications = append(applications, application)
	}

	return applications, rows.Err()
}

// Take returns up to limit of the oldest pending records for application.
// They stay on disk until Delete or MarkFailed.
func (s *Spool) Take(ctx context.Context, application string, limit int) ([]*bulk.Record, error) {
	entries, err := s.entries(ctx,
		`SELECT id, application, operation, document, enqueued_at, spooled_at, failed, attempts
		FROM overflow WHERE application = ? AND failed IS NULL ORDER BY id LIMIT ?`,
		application, limit)
	if err != nil {
		return nil, err
	}

	records := make([]*bulk.Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, &bulk.Record{
			Operation:  e.Operation,
			Document:   e.Document,
			SpoolID:    e.ID,
			EnqueuedAt: e.EnqueuedAt,
			ReceivedAt: e.SpooledAt,
			Attempts:   e.Attempts,
		})
	}

	return records, nil
}

// Inspect returns pending and failed entries for application, oldest first
func (s *Spool) Inspect(ctx context.Context, application string, limit int) ([]*Entry, error) {
	return s.entries(ctx,
		`SELECT id, application, operation, document, enqueued_at, spooled_at, failed, attempts
		FROM overflow WHERE application = ? ORDER BY id LIMIT ?`,
		application, limit)
}

func (s *Spool) entries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			entry      Entry
			operation  string
			document   []byte
			enqueuedAt string
			spooledAt  string
			failed     sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.Application, &operation, &document, &enqueuedAt, &spooledAt, &failed, &entry.Attempts); err != nil {
			return nil, err
		}

		if err := bson.Unmarshal(document, &entry.Document); err != nil {
			return nil, fmt.Errorf("decode spooled document %d: %w", entry.ID, err)
		}
		entry.Operation = message.Operation(operation)
		entry.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
		entry.SpooledAt, _ = time.Parse(time.RFC3339Nano, spooledAt)
		entry.Failed = failed.String

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

func (s *Spool) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	for chunk := range slices.Chunk(ids, maxIDsPerStatement) {
		query, args := inClause(`DELETE FROM overflow WHERE id IN `, chunk)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete spooled records: %w", err)
		}
	}

	return nil
}

// MarkFailed keeps records that Mongo refused out of future replays
func (s *Spool) MarkFailed(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}

	for chunk := range slices.Chunk(ids, maxIDsPerStatement) {
		query, args := inClause(`UPDATE overflow SET failed = ? WHERE id IN `, chunk)
		args = append([]any{reason}, args...)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("mark spooled records failed: %w", err)
		}
	}

	return nil
}

func (s *Spool) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM overflow WHERE failed IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count spool: %w", err)
	}

	return count, nil
}

func (s *Spool) CountByApplication(ctx context.Context) (map[string]Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT application, failed IS NOT NULL, COUNT(*) FROM overflow GROUP BY application, failed IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("count spool: %w", err)
	}
	defer rows.Close()

	counts := map[string]Counts{}
	for rows.Next() {
		var (
			application string
			failed      bool
			count       int
		)
		if err := rows.Scan(&application, &failed, &count); err != nil {
			return nil, err
		}

		c := counts[application]
		if failed {
			c.Failed += count
		} else {
			c.Pending += count
		}
		counts[application] = c
	}

	return counts, rows.Err()
}

func inClause(prefix string, ids []int64) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	return prefix + "(" + placeholders + ")", args
}
