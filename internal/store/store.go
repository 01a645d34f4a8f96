// Package store provides the local record store with automatic sync metadata.
//
// Every application mutation runs in one transaction that writes the record
// and appends the matching journal entry, so the two never disagree.
// Mutations on a single record are serialized through a per-record lock that
// the sync engine shares when it writes merged or resolved state.
package store

import (
	"context"
	"encoding/json"
	"iter"
	"time"

	"github.com/henrycorner-dev/localsync/internal/db"
	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/journal"
	"github.com/henrycorner-dev/localsync/internal/logging"
	"github.com/henrycorner-dev/localsync/internal/models"
	"github.com/henrycorner-dev/localsync/internal/uuid"
)

// Mutator transforms a record payload. It receives a private copy.
type Mutator func(payload json.RawMessage) (json.RawMessage, error)

// Store is the Local Store.
type Store struct {
	repo     *db.Repository
	journal  *journal.Journal
	now      func() time.Time
	newID    func() string
	validate PayloadValidator
	locks    *keyedMutex
	pageSize int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithValidator installs a payload check run on create and update.
func WithValidator(v PayloadValidator) Option {
	return func(s *Store) { s.validate = v }
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// WithPageSize sets how many records ListDirty loads per query.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// New creates a Store writing records through repo and mutations through j.
func New(repo *db.Repository, j *journal.Journal, opts ...Option) *Store {
	s := &Store{
		repo:     repo,
		journal:  j,
		now:      time.Now,
		newID:    uuid.New,
		locks:    newKeyedMutex(),
		pageSize: db.DefaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// With returns a copy bound to repo, typically a transaction from
// db.Repository.WithTx. The copy shares the record locks.
func (s *Store) With(repo *db.Repository) *Store {
	c := *s
	c.repo = repo
	c.journal = s.journal.With(repo)
	return &c
}

// Lock serializes work on one record and returns the unlock func.
// The engine holds it around merge and push bookkeeping for id.
func (s *Store) Lock(id string) func() {
	return s.locks.Lock(id)
}

// Now returns the store clock's current time in milliseconds.
func (s *Store) Now() int64 {
	return models.Millis(s.now())
}

// nextUpdatedAt keeps updatedAt strictly increasing on a coarse or skewed clock.
func (s *Store) nextUpdatedAt(prev int64) int64 {
	now := s.Now()
	if now <= prev {
		return prev + 1
	}
	return now
}

// ValidatePayload runs the checks applied to every stored payload:
// well-formed JSON plus the configured PayloadValidator.
func (s *Store) ValidatePayload(payload json.RawMessage) error {
	if len(payload) == 0 || !json.Valid(payload) {
		return apperrors.New(apperrors.ErrValidation, "payload must be a valid JSON document")
	}
	if s.validate != nil {
		if err := s.validate(payload); err != nil {
			if apperrors.CodeOf(err) == "" {
				return apperrors.Wrap(apperrors.ErrValidation, "payload rejected", err)
			}
			return err
		}
	}
	return nil
}

// =====================================================
// Application API
// =====================================================

// Create stores a new record with a generated id.
func (s *Store) Create(ctx context.Context, payload json.RawMessage) (*models.Record, error) {
	return s.CreateWithID(ctx, s.newID(), payload)
}

// CreateWithID stores a new record under a client-chosen id:
// version 1, dirty, never synced, with an insert journal entry.
func (s *Store) CreateWithID(ctx context.Context, id string, payload json.RawMessage) (*models.Record, error) {
	if err := uuid.ValidateRecordID(id); err != nil {
		return nil, err
	}
	if err := s.ValidatePayload(payload); err != nil {
		return nil, err
	}

	unlock := s.Lock(id)
	defer unlock()

	now := s.Now()
	rec := &models.Record{
		ID:        id,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: now,
		UpdatedAt: now,
		Dirty:     true,
		Version:   1,
	}

	err := s.repo.WithTx(ctx, func(tx *db.Repository) error {
		if _, err := tx.GetRecord(ctx, id); err == nil {
			return apperrors.Newf(apperrors.ErrValidation, "record %s already exists", id)
		} else if !db.IsNotFound(err) {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to load record", err)
		}
		if err := tx.InsertRecord(ctx, rec); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to insert record", err)
		}
		return s.appendEntry(ctx, tx, rec, models.OperationInsert)
	})
	if err != nil {
		return nil, err
	}

	logging.Debug("record created", map[string]interface{}{"record_id": id})
	return rec, nil
}

// Update applies mutator to a live record's payload, bumps its version
// and marks it dirty. Missing or soft-deleted records yield NOT_FOUND.
func (s *Store) Update(ctx context.Context, id string, mutator Mutator) (*models.Record, error) {
	unlock := s.Lock(id)
	defer unlock()

	var updated *models.Record
	err := s.repo.WithTx(ctx, func(tx *db.Repository) error {
		rec, err := s.loadLive(ctx, tx, id)
		if err != nil {
			return err
		}

		payload, err := mutator(append(json.RawMessage(nil), rec.Payload...))
		if err != nil {
			return err
		}
		if err := s.ValidatePayload(payload); err != nil {
			return err
		}

		rec.Payload = payload
		rec.UpdatedAt = s.nextUpdatedAt(rec.UpdatedAt)
		rec.Version++
		rec.Dirty = true
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to update record", err)
		}
		updated = rec
		return s.appendEntry(ctx, tx, rec, models.OperationUpdate)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SoftDelete marks a live record deleted. The record stays dirty, and so
// listed by ListDirty, until the remote acknowledges the deletion.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	unlock := s.Lock(id)
	defer unlock()

	return s.repo.WithTx(ctx, func(tx *db.Repository) error {
		rec, err := s.loadLive(ctx, tx, id)
		if err != nil {
			return err
		}
		rec.UpdatedAt = s.nextUpdatedAt(rec.UpdatedAt)
		rec.DeletedAt = models.Ptr(rec.UpdatedAt)
		rec.Version++
		rec.Dirty = true
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete record", err)
		}
		return s.appendEntry(ctx, tx, rec, models.OperationDelete)
	})
}

// Get returns a live record, or nil when it is missing or soft-deleted.
func (s *Store) Get(ctx context.Context, id string) (*models.Record, error) {
	rec, err := s.GetIncludingDeleted(ctx, id)
	if err != nil || rec == nil || rec.IsDeleted() {
		return nil, err
	}
	return rec, nil
}

// GetIncludingDeleted returns a record whether or not it is soft-deleted,
// or nil when it does not exist.
func (s *Store) GetIncludingDeleted(ctx context.Context, id string) (*models.Record, error) {
	rec, err := s.repo.GetRecord(ctx, id)
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load record", err)
	}
	return rec, nil
}

// ListDirty yields dirty records, soft-deleted ones included, ordered by
// updatedAt ascending. The sequence is lazy and restartable.
func (s *Store) ListDirty(ctx context.Context) iter.Seq2[*models.Record, error] {
	return func(yield func(*models.Record, error) bool) {
		var after *db.RecordKey
		for {
			page, err := s.repo.ListDirtyRecords(ctx, after, s.pageSize)
			if err != nil {
				yield(nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list dirty records", err))
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			after = &db.RecordKey{UpdatedAt: last.UpdatedAt, ID: last.ID}
		}
	}
}

func (s *Store) loadLive(ctx context.Context, repo *db.Repository, id string) (*models.Record, error) {
	rec, err := repo.GetRecord(ctx, id)
	if db.IsNotFound(err) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load record", err)
	}
	if rec.IsDeleted() {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "record %s is deleted", id)
	}
	return rec, nil
}

// appendEntry journals rec's state. Deletions carry no snapshot.
func (s *Store) appendEntry(ctx context.Context, repo *db.Repository, rec *models.Record, op models.Operation) error {
	var snapshot json.RawMessage
	if op != models.OperationDelete {
		enc, err := rec.Snapshot().Encode()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to encode snapshot", err)
		}
		snapshot = enc
	}
	_, err := s.journal.With(repo).Append(ctx, rec.ID, op, snapshot)
	return err
}

// =====================================================
// Sync Engine API
//
// Callers hold Lock(id) for the record being written.
// =====================================================

// syncedAt is never earlier than the state it acknowledges.
func (s *Store) syncedAt(updatedAt int64) *int64 {
	now := s.Now()
	if now < updatedAt {
		now = updatedAt
	}
	return models.Ptr(now)
}

// ApplyRemote overwrites or inserts a record with remote state and marks it
// clean. No journal entry is written: the change did not originate here.
func (s *Store) ApplyRemote(ctx context.Context, snap *models.Snapshot) (*models.Record, error) {
	if err := uuid.ValidateRecordID(snap.ID); err != nil {
		return nil, err
	}
	rec := recordFrom(snap)
	rec.Dirty = false
	rec.SyncedAt = s.syncedAt(rec.UpdatedAt)

	_, err := s.repo.GetRecord(ctx, snap.ID)
	switch {
	case db.IsNotFound(err):
		err = s.repo.InsertRecord(ctx, rec)
	case err == nil:
		err = s.repo.UpdateRecord(ctx, rec)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to apply remote record", err)
	}
	return rec, nil
}

// ApplyResolved writes the outcome of a conflict resolution. When
// authoritative the record becomes clean and its pending journal entries are
// settled; otherwise it stays dirty with a fresh entry so the resolved state
// is pushed.
func (s *Store) ApplyResolved(ctx context.Context, snap *models.Snapshot, authoritative bool) (*models.Record, error) {
	rec := recordFrom(snap)
	if authoritative {
		rec.Dirty = false
		rec.SyncedAt = s.syncedAt(rec.UpdatedAt)
	} else {
		rec.Dirty = true
		if prev, err := s.repo.GetRecord(ctx, snap.ID); err == nil {
			rec.SyncedAt = prev.SyncedAt
		}
	}
	if err := s.repo.UpdateRecord(ctx, rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to write resolved record", err)
	}

	j := s.journal.With(s.repo)
	if authoritative {
		pending, err := j.PendingFor(ctx, snap.ID)
		if err != nil {
			return nil, err
		}
		for _, e := range pending {
			if err := j.MarkSynced(ctx, e.ID); err != nil {
				return nil, err
			}
		}
		return rec, nil
	}

	op := models.OperationUpdate
	if rec.IsDeleted() {
		op = models.OperationDelete
	}
	if err := s.appendEntry(ctx, s.repo, rec, op); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkClean clears the dirty flag after a confirmed push of version.
// It reports false and changes nothing when the record moved past version
// or still has pending journal entries.
func (s *Store) MarkClean(ctx context.Context, id string, version int64) (bool, error) {
	rec, err := s.repo.GetRecord(ctx, id)
	if db.IsNotFound(err) {
		return false, apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id)
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to load record", err)
	}
	if rec.Version != version {
		return false, nil
	}
	pending, err := s.journal.With(s.repo).PendingFor(ctx, id)
	if err != nil {
		return false, err
	}
	if len(pending) > 0 {
		return false, nil
	}

	rec.Dirty = false
	rec.SyncedAt = s.syncedAt(rec.UpdatedAt)
	if err := s.repo.UpdateRecord(ctx, rec); err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to mark record clean", err)
	}
	return true, nil
}

// PurgeDeleted hard-deletes soft-deleted records whose deletion the remote
// has acknowledged, along with their journal entries. Records with pending
// entries or open conflicts are kept.
func (s *Store) PurgeDeleted(ctx context.Context) (int, error) {
	candidates, err := s.repo.ListPurgeableRecords(ctx, 0)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to list purgeable records", err)
	}

	purged := 0
	for _, c := range candidates {
		ok, err := s.purgeOne(ctx, c.ID)
		if err != nil {
			return purged, err
		}
		if ok {
			purged++
		}
	}
	if purged > 0 {
		logging.Info("purged deleted records", map[string]interface{}{"count": purged})
	}
	return purged, nil
}

func (s *Store) purgeOne(ctx context.Context, id string) (bool, error) {
	unlock := s.Lock(id)
	defer unlock()

	purged := false
	err := s.repo.WithTx(ctx, func(tx *db.Repository) error {
		rec, err := tx.GetRecord(ctx, id)
		if db.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to load record", err)
		}
		if !rec.IsDeleted() || rec.Dirty {
			return nil
		}
		pending, err := tx.ListPendingJournalForRecord(ctx, id)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to list journal entries", err)
		}
		open, err := tx.HasOpenConflict(ctx, id)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to check conflicts", err)
		}
		if len(pending) > 0 || open {
			return nil
		}
		if _, err := tx.DeleteJournalForRecord(ctx, id); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete journal entries", err)
		}
		if err := tx.DeleteRecord(ctx, id); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete record", err)
		}
		purged = true
		return nil
	})
	return purged, err
}

func recordFrom(snap *models.Snapshot) *models.Record {
	c := snap.Clone()
	return &models.Record{
		ID:        c.ID,
		Payload:   c.Payload,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		DeletedAt: c.DeletedAt,
		Version:   c.Version,
	}
}
