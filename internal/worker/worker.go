// Package worker pulls one item at a time from the learning queue, runs
// extraction, and commits the results together with the queue transition.
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/neboloop/ambient/internal/db"
	"github.com/neboloop/ambient/internal/extract"
	"github.com/neboloop/ambient/internal/memory"
	"github.com/neboloop/ambient/internal/queue"
	"github.com/neboloop/ambient/internal/telemetry"
)

// Worker processes queue items. Single-flight comes from the queue's atomic
// claim plus the arbiter invoking RunOne from one goroutine.
type Worker struct {
	db        *sql.DB
	queue     *queue.Store
	memories  *memory.Store
	extractor extract.Service
	log       *slog.Logger
	stop      func() bool
}

// New builds a worker over the shared database.
func New(sqlDB *sql.DB, q *queue.Store, mem *memory.Store, extractor extract.Service, log *slog.Logger) *Worker {
	return &Worker{
		db:        sqlDB,
		queue:     q,
		memories:  mem,
		extractor: extractor,
		log:       log,
	}
}

// SetStopCheck installs the scheduler's cooperative stop predicate,
// consulted before claiming an item.
func (w *Worker) SetStopCheck(fn func() bool) {
	w.stop = fn
}

// RunOne claims and processes the oldest pending item. It reports whether an
// item reached a terminal state. An empty queue is not an error.
//
// Extraction failures are contained here: the item is marked failed with
// the cause recorded, and nothing propagates to the foreground path. A
// cancelled context leaves the claimed item in_progress; startup recovery
// returns it to pending so it re-runs from scratch on the same snapshot.
func (w *Worker) RunOne(ctx context.Context) (bool, error) {
	// Checkpoint: never claim once the scheduler has signalled a pause.
	if w.stop != nil && w.stop() {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	item, err := w.queue.DequeueNext(ctx)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}

	w.log.Info("extracting memories",
		"item", item.ID, "user", item.UserID, "session", item.SessionID,
		"messages", len(item.Messages))

	res, err := w.extractor.Extract(ctx, item.UserID, item.Messages)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-item: leave it in_progress rather than failed so
			// the next eligible window resumes it.
			return false, ctx.Err()
		}
		if failErr := w.queue.Fail(ctx, item.ID, err.Error()); failErr != nil {
			return false, fmt.Errorf("mark item %s failed: %w", item.ID, failErr)
		}
		telemetry.ExtractionsFailed.Inc()
		w.log.Warn("extraction failed", "item", item.ID, "error", err)
		return true, nil
	}

	for i := range res.Entries {
		res.Entries[i].SourceItemID = item.ID
	}

	// Both-or-neither: the queue transition and the memory/profile writes
	// share one transaction so a chat is never marked learned without its
	// memories, or the reverse.
	err = db.WithTx(ctx, w.db, func(tx *sql.Tx) error {
		if err := w.queue.CompleteTx(ctx, tx, item.ID); err != nil {
			return err
		}
		if len(res.Entries) > 0 {
			if err := w.memories.InsertEntriesTx(ctx, tx, res.Entries); err != nil {
				return err
			}
		}
		if res.Profile != nil {
			if err := w.memories.UpsertProfileTx(ctx, tx, *res.Profile); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("commit extraction for item %s: %w", item.ID, err)
	}

	telemetry.ExtractionsDone.Inc()
	telemetry.MemoriesStored.Add(float64(len(res.Entries)))
	w.log.Info("extraction committed",
		"item", item.ID, "memories", len(res.Entries), "profile", res.Profile != nil)
	return true, nil
}
