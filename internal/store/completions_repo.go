package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hourwatch/internal/core"
)

// SQLiteLog is the completion log kept in the completions table. Rows are
// only ever inserted; each Update batch is one transaction.
type SQLiteLog struct {
	store  *Store
	logger *slog.Logger
	mu     sync.Mutex
}

// NewSQLiteLog returns a completion log on the store's database.
func NewSQLiteLog(s *Store, logger *slog.Logger) *SQLiteLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteLog{store: s, logger: logger}
}

// Load returns all completions in insertion order.
func (l *SQLiteLog) Load(ctx context.Context) ([]core.CompletionRecord, error) {
	records, err := l.load(ctx)
	if err != nil {
		return nil, &core.PersistenceError{Op: "load", Err: err}
	}
	return records, nil
}

// Update appends the records returned by fn in a single transaction.
func (l *SQLiteLog) Update(ctx context.Context, fn func(log []core.CompletionRecord) ([]core.CompletionRecord, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.load(ctx)
	if err != nil {
		return &core.PersistenceError{Op: "load", Err: err}
	}
	added, err := fn(records)
	if err != nil {
		return err
	}
	if len(added) == 0 {
		return nil
	}

	tx, err := l.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return &core.PersistenceError{Op: "begin", Err: err}
	}
	createdAt := time.Now().UTC().Format(timeLayout)
	for _, rec := range added {
		var atCompletion any
		if rec.RuntimeAtCompletion.Known {
			atCompletion = rec.RuntimeAtCompletion.Hours
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO completions (user, task, machine, timestamp, runtime_when_due, runtime_at_completion, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rec.User, rec.Task, rec.Machine, rec.Timestamp.Format(time.RFC3339Nano),
			rec.RuntimeWhenDue, atCompletion, createdAt); err != nil {
			_ = tx.Rollback()
			return &core.PersistenceError{Op: "append", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &core.PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

func (l *SQLiteLog) load(ctx context.Context) ([]core.CompletionRecord, error) {
	rows, err := l.store.DB.QueryContext(ctx, `
		SELECT seq, user, task, machine, timestamp, runtime_when_due, runtime_at_completion
		FROM completions
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("query completions: %w", err)
	}
	defer rows.Close()
	var records []core.CompletionRecord
	for rows.Next() {
		var (
			seq          int64
			rec          core.CompletionRecord
			timestamp    string
			atCompletion sql.NullFloat64
		)
		if err := rows.Scan(&seq, &rec.User, &rec.Task, &rec.Machine, &timestamp, &rec.RuntimeWhenDue, &atCompletion); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		ts, err := core.ParseTimestamp(timestamp)
		if err != nil {
			l.logger.Warn("skipping malformed completion record", "seq", seq, "err", err)
			continue
		}
		rec.Timestamp = ts
		if atCompletion.Valid {
			rec.RuntimeAtCompletion = core.KnownRuntime(atCompletion.Float64)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
