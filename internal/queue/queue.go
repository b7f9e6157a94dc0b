// Package queue is the durable learning queue: an ordered record of chat
// sessions awaiting memory extraction, persisted in SQLite so it survives
// process restarts and can be shared across processes.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/ambient/internal/db"
)

// State is the lifecycle state of a queue item.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Message is a single role-tagged turn in the snapshot taken at enqueue.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Item is one queued chat session.
type Item struct {
	ID          string
	UserID      string
	SessionID   string
	Messages    []Message
	State       State
	LastError   string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

var (
	// ErrInvalidTransition signals a complete/fail call on an item that is
	// not in_progress. This is a programming error and is never swallowed.
	ErrInvalidTransition = errors.New("invalid queue state transition")

	// ErrNotFound signals a lookup for an unknown item id.
	ErrNotFound = errors.New("queue item not found")
)

// Store persists queue items. All transitions are serialized through the
// single SQLite connection, which makes them atomic with respect to each
// other.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database.
func NewStore(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB}
}

// Enqueue records a chat session for extraction. Idempotent per
// (user, session): while a non-terminal item for the pair exists, its
// message snapshot is refreshed in place — it keeps its original position,
// it is not moved to the back. Otherwise a new pending item is inserted.
func (s *Store) Enqueue(ctx context.Context, userID, sessionID string, messages []Message) (*Item, error) {
	if userID == "" || sessionID == "" {
		return nil, fmt.Errorf("enqueue: user and session ids are required")
	}

	snapshot, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("marshal message snapshot: %w", err)
	}

	var id string
	txErr := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM learning_queue
			WHERE user_id = ? AND session_id = ? AND state IN ('pending', 'in_progress')
		`, userID, sessionID).Scan(&id)

		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx, `
				UPDATE learning_queue SET messages = ? WHERE id = ?
			`, string(snapshot), id)
			return err
		case errors.Is(err, sql.ErrNoRows):
			id = uuid.New().String()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO learning_queue (id, user_id, session_id, messages, state, created_at)
				VALUES (?, ?, ?, ?, 'pending', ?)
			`, id, userID, sessionID, string(snapshot), time.Now().Unix())
			return err
		default:
			return err
		}
	})
	if txErr != nil {
		return nil, fmt.Errorf("enqueue: %w", txErr)
	}

	return s.Inspect(ctx, id)
}

// DequeueNext claims the oldest pending item, transitioning it to
// in_progress and stamping started_at. Returns (nil, nil) when the queue has
// no pending work. The claim is atomic: concurrent callers never receive the
// same item.
func (s *Store) DequeueNext(ctx context.Context) (*Item, error) {
	var id string
	txErr := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM learning_queue
			WHERE state = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		`).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			id = ""
			return nil
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE learning_queue SET state = 'in_progress', started_at = ?
			WHERE id = ? AND state = 'pending'
		`, time.Now().Unix(), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("claim raced for item %s", id)
		}
		return nil
	})
	if txErr != nil {
		return nil, fmt.Errorf("dequeue: %w", txErr)
	}
	if id == "" {
		return nil, nil
	}

	return s.Inspect(ctx, id)
}

// Complete marks an in_progress item done. For the commit protocol that
// writes extraction results in the same transaction, use CompleteTx.
func (s *Store) Complete(ctx context.Context, id string) error {
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.CompleteTx(ctx, tx, id)
	})
}

// CompleteTx transitions an item to done inside the caller's transaction.
// Rejects items not in_progress with ErrInvalidTransition.
func (s *Store) CompleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	return s.finishTx(ctx, tx, id, StateDone, "")
}

// Fail marks an in_progress item failed, recording the cause. Failed items
// are terminal: recovery happens through a later organic re-enqueue, never
// an automatic retry.
func (s *Store) Fail(ctx context.Context, id, cause string) error {
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.FailTx(ctx, tx, id, cause)
	})
}

// FailTx is Fail inside the caller's transaction.
func (s *Store) FailTx(ctx context.Context, tx *sql.Tx, id, cause string) error {
	return s.finishTx(ctx, tx, id, StateFailed, cause)
}

func (s *Store) finishTx(ctx context.Context, tx *sql.Tx, id string, to State, cause string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE learning_queue
		SET state = ?, completed_at = ?, last_error = ?
		WHERE id = ? AND state = 'in_progress'
	`, string(to), time.Now().Unix(), nullStr(cause), id)
	if err != nil {
		return fmt.Errorf("transition %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Distinguish unknown id from wrong state so the caller sees exactly
	// which invariant broke.
	var cur string
	err = tx.QueryRowContext(ctx, `SELECT state FROM learning_queue WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("transition %s: item %s: %w", to, id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("transition %s on item %s in state %s: %w", to, id, cur, ErrInvalidTransition)
}

// Inspect returns a single item by id.
func (s *Store) Inspect(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_id, messages, state, last_error,
		       created_at, started_at, completed_at
		FROM learning_queue WHERE id = ?
	`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inspect %s: %w", id, ErrNotFound)
	}
	return item, err
}

// PendingCount reports how many items await extraction.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM learning_queue WHERE state = 'pending'
	`).Scan(&n)
	return n, err
}

// ResetInFlight returns items left in_progress by a previous process to
// pending, keeping their original created_at so they re-run from scratch on
// the same snapshot without losing their queue position. Called once at
// startup.
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE learning_queue SET state = 'pending', started_at = NULL
		WHERE state = 'in_progress'
	`)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight: %w", err)
	}
	return res.RowsAffected()
}

// PruneTerminal deletes done/failed items completed before the cutoff.
func (s *Store) PruneTerminal(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM learning_queue
		WHERE state IN ('done', 'failed') AND completed_at < ?
	`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune terminal: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		item      Item
		snapshot  string
		state     string
		lastError sql.NullString
		createdAt int64
		startedAt, completedAt sql.NullInt64
	)
	err := row.Scan(&item.ID, &item.UserID, &item.SessionID, &snapshot, &state,
		&lastError, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(snapshot), &item.Messages); err != nil {
		return nil, fmt.Errorf("decode message snapshot for %s: %w", item.ID, err)
	}
	item.State = State(state)
	item.LastError = lastError.String
	item.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		item.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		item.CompletedAt = &t
	}
	return &item, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
