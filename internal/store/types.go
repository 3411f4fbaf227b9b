package store

import (
	"context"
	"time"

	"untild/internal/change"
)

// Config configures the change store.
//
// Driver values:
//   - "sqlite": SQLite database file (authoritative, default)
//   - "memory": in-process maps (tests, throwaway runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the durable home of scheduled changes and their execution history.
// It is the only component permitted to mutate either table; all operations
// are atomic with respect to concurrent callers.
type Store interface {
	// Add inserts a new pending record and returns its id.
	// An empty c.ID is assigned here; a caller-provided id is kept.
	Add(ctx context.Context, c change.Change) (string, error)

	// Get returns the live record for id, or change.ErrNotFound.
	Get(ctx context.Context, id string) (change.Change, error)

	// List returns live records matching f, ordered by scheduled_at ascending.
	List(ctx context.Context, f change.Filter, p change.Page) ([]change.Change, error)

	// Count counts live records matching f.
	Count(ctx context.Context, f change.Filter) (int, error)

	// Cancel transitions pending -> cancelled.
	// Returns false (no error) if the record is absent or not pending.
	Cancel(ctx context.Context, id string) (bool, error)

	// Due returns pending records with scheduled_at <= now, oldest first,
	// capped at limit.
	Due(ctx context.Context, now time.Time, limit int) ([]change.Change, error)

	// CommitExecution atomically moves a pending record into history,
	// attaching the observed old value and execution metadata. History is
	// written before the pending row is deleted, and re-running on an
	// already-committed id is a no-op false, never a duplicate history row.
	CommitExecution(ctx context.Context, id, oldValue, executedBy string, executedAt time.Time) (bool, error)

	// History returns history records matching f, newest execution first.
	History(ctx context.Context, f change.Filter, p change.Page) ([]change.HistoryRecord, error)

	// CountHistory counts history records matching f.
	CountHistory(ctx context.Context, f change.Filter) (int, error)

	// Stats summarizes executions in the trailing window of whole days
	// ending at now.
	Stats(ctx context.Context, days int, now time.Time) (change.Stats, error)

	// PurgeHistoryBefore irreversibly deletes history executed before cutoff.
	// Returns the number of rows removed.
	PurgeHistoryBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Reconcile deletes any pending record whose id already has a history
	// entry (a crash between the history write and the pending delete).
	// Returns the number of rows repaired.
	Reconcile(ctx context.Context) (int, error)

	Close() error
}
