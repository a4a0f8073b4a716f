// Package ledger persists one row per dispatch so outcomes survive the
// process and can be queried over the API.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmarsh/gaffer/internal/batch"
)

// maxStderrBytes caps stderr stored per dispatch.
const maxStderrBytes = 64 * 1024

type Ledger struct {
	db *sql.DB
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Record inserts a running dispatch row at launch time.
func (l *Ledger) Record(ctx context.Context, id, worker string, itemCount int) error {
	if id == "" {
		return fmt.Errorf("dispatch id is empty")
	}
	if worker == "" {
		return fmt.Errorf("worker is empty")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := l.db.ExecContext(ctx, `
INSERT INTO dispatch_log(id, worker, status, item_count, created_at)
VALUES(?, ?, ?, ?, ?);
`, id, worker, batch.StatusRunning, itemCount, now)
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

// Complete marks a dispatch terminal, storing records on success and the
// error/stderr on failure.
func (l *Ledger) Complete(ctx context.Context, id string, status batch.Status, records []batch.ResultRecord, lastError, stderr *string) error {
	if id == "" {
		return fmt.Errorf("dispatch id is empty")
	}
	if !status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	var recordsJSON any
	if records != nil {
		data, err := json.Marshal(records)
		if err != nil {
			return fmt.Errorf("marshal records: %w", err)
		}
		recordsJSON = string(data)
	}

	if stderr != nil && len(*stderr) > maxStderrBytes {
		trimmed := (*stderr)[:maxStderrBytes]
		stderr = &trimmed
	}

	completedAt := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := l.db.ExecContext(ctx, `
UPDATE dispatch_log
SET status = ?, records = ?, completed_at = ?, last_error = ?, stderr = ?
WHERE id = ?;
`, status, recordsJSON, completedAt, lastError, stderr, id)
	if err != nil {
		return fmt.Errorf("complete dispatch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete dispatch: %w", err)
	}
	if n == 0 {
		return ErrDispatchNotFound
	}
	return nil
}

// Get returns one dispatch by id.
func (l *Ledger) Get(ctx context.Context, id string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT id, worker, status, item_count, records, created_at, completed_at, last_error, stderr
FROM dispatch_log
WHERE id = ?;
`, id)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDispatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch: %w", err)
	}
	return entry, nil
}

// Recent returns up to limit dispatches, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx, `
SELECT id, worker, status, item_count, records, created_at, completed_at, last_error, stderr
FROM dispatch_log
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	return entries, nil
}

// Active returns the number of dispatches still running.
func (l *Ledger) Active(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM dispatch_log WHERE status = ?;
`, batch.StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active dispatches: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e            Entry
		statusS      string
		records      sql.NullString
		createdAtS   string
		completedAtS sql.NullString
		lastError    sql.NullString
		stderr       sql.NullString
	)
	if err := row.Scan(
		&e.ID, &e.Worker, &statusS, &e.ItemCount, &records,
		&createdAtS, &completedAtS, &lastError, &stderr,
	); err != nil {
		return nil, err
	}

	e.Status = batch.Status(statusS)
	if records.Valid {
		e.Records = []byte(records.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		e.CreatedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			e.CompletedAt = &t
		}
	}
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	if stderr.Valid {
		e.Stderr = &stderr.String
	}
	return &e, nil
}
