package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Run kinds and statuses.
const (
	RunReduce = "reduce"
	RunRank   = "rank"

	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run records one batch pass.
type Run struct {
	ID        int64
	Kind      string
	Status    string
	StartedAt time.Time
	EndedAt   *time.Time
	Scanned   int
	Persisted int
	Failed    int
	Note      string
}

// StartRun opens a run record in status running.
func (db *DB) StartRun(ctx context.Context, kind string, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO runs (kind, status, started_at) VALUES (?, 'running', ?)
	`, kind, millis(now))
	if err != nil {
		return 0, fmt.Errorf("start %s run: %w", kind, err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// FinishRun closes a run with its final counters.
func (db *DB) FinishRun(ctx context.Context, id int64, status string, scanned, persisted, failed int, note string, now time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ?, scanned = ?, persisted = ?, failed = ?, note = ?
		WHERE id = ? AND status = 'running'
	`, status, millis(now), scanned, persisted, failed, nullString(note), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %d not running: %w", id, ErrNotFound)
	}
	return nil
}

// RecentRuns returns the latest runs, newest first. An empty kind lists all.
func (db *DB) RecentRuns(ctx context.Context, kind string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	query := "SELECT id, kind, status, started_at, ended_at, scanned, persisted, failed, note FROM runs"
	args := []any{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		var ended sql.NullInt64
		var note sql.NullString
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &started, &ended, &r.Scanned, &r.Persisted, &r.Failed, &note); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = fromMillis(started)
		r.EndedAt = timePtr(ended)
		r.Note = note.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
