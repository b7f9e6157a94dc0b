// Package crashlog keeps an append-only history of supervised process
// crashes in the crash_records table.
package crashlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Record is one detected crash of the supervised process.
type Record struct {
	ID           int64
	Timestamp    time.Time
	ExitCode     int
	RestartCount int
	PID          int
	Note         string
}

// Log persists crash records. Constructed once by the supervisor entry
// point; there is no package-level instance.
type Log struct {
	db *sql.DB
}

// New wraps an open database.
func New(sqlDB *sql.DB) *Log {
	return &Log{db: sqlDB}
}

// Append records a crash. The history is append-only; records are never
// updated.
func (l *Log) Append(ctx context.Context, rec Record) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO crash_records (timestamp, exit_code, restart_count, pid, note)
		VALUES (?, ?, ?, ?, ?)
	`, ts.Unix(), rec.ExitCode, rec.RestartCount, rec.PID, rec.Note)
	if err != nil {
		return fmt.Errorf("append crash record: %w", err)
	}
	return nil
}

// Recent returns the newest crash records, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, timestamp, exit_code, restart_count, pid, COALESCE(note, '')
		FROM crash_records
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var ts int64
		if err := rows.Scan(&rec.ID, &ts, &rec.ExitCode, &rec.RestartCount, &rec.PID, &rec.Note); err != nil {
			return nil, err
		}
		rec.Timestamp = time.Unix(ts, 0)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Prune removes crash records older than the cutoff.
func (l *Log) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM crash_records WHERE timestamp < ?
	`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune crash records: %w", err)
	}
	return res.RowsAffected()
}
