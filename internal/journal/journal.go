// Package journal provides the append-only change journal that drives pushes.
package journal

import (
	"context"
	"encoding/json"
	"iter"
	"time"

	"github.com/henrycorner-dev/localsync/internal/db"
	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/models"
)

// Journal records every local mutation independently of the current record state.
// Append is safe for concurrent callers; sequence ids come from the database.
type Journal struct {
	repo     *db.Repository
	now      func() time.Time
	pageSize int
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// WithPageSize sets how many entries Pending loads per query.
func WithPageSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.pageSize = n
		}
	}
}

// New creates a Journal over repo.
func New(repo *db.Repository, opts ...Option) *Journal {
	j := &Journal{repo: repo, now: time.Now, pageSize: db.DefaultPageSize}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// With returns a copy of the journal that writes through repo, typically
// a transaction-bound repository from db.Repository.WithTx.
func (j *Journal) With(repo *db.Repository) *Journal {
	c := *j
	c.repo = repo
	return &c
}

// Append adds an entry for recordID. snapshot may be nil for deletions.
// No business validation happens here; only storage failures are returned.
func (j *Journal) Append(ctx context.Context, recordID string, op models.Operation, snapshot json.RawMessage) (*models.JournalEntry, error) {
	e := &models.JournalEntry{
		RecordID:  recordID,
		Operation: op,
		Timestamp: models.Millis(j.now()),
		Snapshot:  snapshot,
	}
	if err := j.repo.InsertJournalEntry(ctx, e); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to append journal entry", err)
	}
	return e, nil
}

// Get returns one entry by sequence id.
func (j *Journal) Get(ctx context.Context, id int64) (*models.JournalEntry, error) {
	e, err := j.repo.GetJournalEntry(ctx, id)
	if db.IsNotFound(err) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "journal entry %d not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load journal entry", err)
	}
	return e, nil
}

// Pending yields unsynced entries ordered by timestamp ascending.
// The sequence is lazy and restartable: each range starts a fresh scan,
// and entries marked synced while ranging are not revisited.
func (j *Journal) Pending(ctx context.Context) iter.Seq2[*models.JournalEntry, error] {
	return func(yield func(*models.JournalEntry, error) bool) {
		var after *db.JournalKey
		for {
			page, err := j.repo.ListPendingJournal(ctx, after, j.pageSize)
			if err != nil {
				yield(nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list pending journal entries", err))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < j.pageSize {
				return
			}
			last := page[len(page)-1]
			after = &db.JournalKey{Timestamp: last.Timestamp, ID: last.ID}
		}
	}
}

// PendingFor returns a record's unsynced entries in sequence order.
func (j *Journal) PendingFor(ctx context.Context, recordID string) ([]*models.JournalEntry, error) {
	entries, err := j.repo.ListPendingJournalForRecord(ctx, recordID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list pending journal entries", err)
	}
	return entries, nil
}

// MarkSynced flags an entry as acknowledged by the remote. Idempotent.
func (j *Journal) MarkSynced(ctx context.Context, id int64) error {
	err := j.repo.MarkJournalSynced(ctx, id)
	if db.IsNotFound(err) {
		return apperrors.Newf(apperrors.ErrNotFound, "journal entry %d not found", id)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark journal entry synced", err)
	}
	return nil
}

// MarkFailed increments the entry's attempt count and stores cause as its last error.
// The synced flag is not changed; retry policy belongs to the caller.
func (j *Journal) MarkFailed(ctx context.Context, id int64, cause error) error {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	err := j.repo.MarkJournalFailed(ctx, id, reason)
	if db.IsNotFound(err) {
		return apperrors.Newf(apperrors.ErrNotFound, "journal entry %d not found", id)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark journal entry failed", err)
	}
	return nil
}

// ResetAttempts re-arms an unsynced entry so the next cycle pushes it again.
func (j *Journal) ResetAttempts(ctx context.Context, id int64) error {
	err := j.repo.ResetJournalAttempts(ctx, id)
	if db.IsNotFound(err) {
		return apperrors.Newf(apperrors.ErrNotFound, "no unsynced journal entry %d", id)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to reset journal entry", err)
	}
	return nil
}

// ResetExhausted re-arms every unsynced entry with at least maxAttempts
// failures and returns how many were reset.
func (j *Journal) ResetExhausted(ctx context.Context, maxAttempts int) (int, error) {
	if maxAttempts <= 0 {
		return 0, nil
	}
	n, err := j.repo.ResetExhaustedJournal(ctx, maxAttempts)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to reset journal entries", err)
	}
	return int(n), nil
}
