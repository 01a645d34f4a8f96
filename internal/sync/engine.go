// Package sync provides the pull, merge and push synchronization engine.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/henrycorner-dev/localsync/internal/db"
	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/journal"
	"github.com/henrycorner-dev/localsync/internal/logging"
	"github.com/henrycorner-dev/localsync/internal/models"
	"github.com/henrycorner-dev/localsync/internal/store"
	"github.com/henrycorner-dev/localsync/internal/sync/conflict"
	"github.com/henrycorner-dev/localsync/internal/sync/retry"
	"github.com/henrycorner-dev/localsync/internal/uuid"
)

// State is the engine's position in the cycle state machine.
type State string

const (
	StateIdle    State = "idle"
	StatePulling State = "pulling"
	StateMerging State = "merging"
	StatePushing State = "pushing"
	StateFailed  State = "failed"
)

// Outcome summarizes a finished cycle.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialSuccess Outcome = "partial_success"
	OutcomeFailed         Outcome = "failed"
	OutcomeCancelled      Outcome = "cancelled"
)

// CycleResult represents the result of one sync cycle.
type CycleResult struct {
	Outcome Outcome
	// Reason is the error that failed the cycle.
	Reason error

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	Pulled    int // remote snapshots received
	Applied   int // remote snapshots written without conflict
	Skipped   int // echoes of state already reconciled
	Conflicts int // conflict records created
	Resolved  int // conflicts closed by the resolver
	Deferred  int // records held back by an open conflict

	Pushed          int // records whose state the remote accepted
	FailedPushCount int // records whose push failed or ran out of attempts
	// PermanentFailures holds a SYNC_PERMANENT_PUSH_FAILURE error per record
	// whose head journal entry exhausted its attempts.
	PermanentFailures []error

	deferred map[string]bool
}

// markDeferred counts a held-back record once per cycle.
func (r *CycleResult) markDeferred(id string) {
	if r.deferred == nil {
		r.deferred = make(map[string]bool)
	}
	if !r.deferred[id] {
		r.deferred[id] = true
		r.Deferred++
	}
}

// Engine runs synchronization cycles for one local database.
// Cycles are not re-entrant: a second request while one runs is rejected
// with SYNC_ALREADY_IN_PROGRESS.
type Engine struct {
	repo     *db.Repository
	store    *store.Store
	journal  *journal.Journal
	remote   Remote
	resolver conflict.Resolver
	policy   retry.Policy
	now      func() time.Time

	cycleMu sync.Mutex

	mu           sync.RWMutex
	state        State
	handler      SyncEventHandler
	lastSync     *time.Time
	lastErr      error
	lastResult   *CycleResult
	errorHistory []SyncErrorEntry
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver sets the conflict resolver. The default is last-write-wins.
func WithResolver(r conflict.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithRetryPolicy sets the attempt ceiling applied to pending entries.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock overrides the time source for conflict and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEventHandler installs an event handler at construction.
func WithEventHandler(h SyncEventHandler) Option {
	return func(e *Engine) { e.handler = h }
}

// NewEngine creates a new Engine. remote may be nil, in which case every
// cycle fails with SYNC_NOT_CONFIGURED.
func NewEngine(repo *db.Repository, st *store.Store, j *journal.Journal, remote Remote, opts ...Option) *Engine {
	e := &Engine{
		repo:     repo,
		store:    st,
		journal:  j,
		remote:   remote,
		resolver: conflict.LastWriteWins{},
		policy:   retry.DefaultPolicy(),
		now:      time.Now,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =====================================================
// Status
// =====================================================

// State returns the current state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// LastSync returns the end time of the last cycle that advanced the cursor.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// LastError returns the error of the last failed cycle, or nil.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// LastResult returns the result of the last finished cycle.
func (e *Engine) LastResult() *CycleResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastResult
}

// PendingChanges returns the number of unsynced journal entries.
func (e *Engine) PendingChanges(ctx context.Context) (int, error) {
	_, pending, err := e.repo.CountJournal(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count pending entries", err)
	}
	return pending, nil
}

// SetEventHandler sets the event handler for sync notifications.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// GetErrorHistory returns a copy of the recorded errors, oldest first.
func (e *Engine) GetErrorHistory() []SyncErrorEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]SyncErrorEntry(nil), e.errorHistory...)
}

// ClearErrorHistory drops all recorded errors.
func (e *Engine) ClearErrorHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorHistory = nil
}

func (e *Engine) recordError(state State, recordID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorHistory = append(e.errorHistory, SyncErrorEntry{Time: e.now(), State: state, RecordID: recordID, Err: err})
	if len(e.errorHistory) > maxErrorHistory {
		e.errorHistory = e.errorHistory[len(e.errorHistory)-maxErrorHistory:]
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.emitEvent(SyncEvent{Type: SyncEventPhaseChanged, State: s})
}

// emitEvent stamps the event if needed and hands it to the handler.
func (e *Engine) emitEvent(event SyncEvent) {
	e.mu.RLock()
	handler := e.handler
	e.mu.RUnlock()
	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	handler.OnSyncEvent(event)
}

// =====================================================
// Cycle
// =====================================================

// Sync runs one cycle using the cursor stored in sync_meta and stores the
// advanced cursor afterwards.
func (e *Engine) Sync(ctx context.Context) (*CycleResult, error) {
	meta, err := e.repo.EnsureSyncMeta(ctx, uuid.NewDeviceID())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load sync metadata", err)
	}
	if !meta.SyncEnabled {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "sync is disabled for this database")
	}

	result, next, err := e.RunCycle(ctx, Cursor(meta.LastSyncAt))
	if result == nil {
		return nil, err
	}
	if next > Cursor(meta.LastSyncAt) {
		meta.LastSyncAt = int64(next)
		if saveErr := e.repo.SaveSyncMeta(context.WithoutCancel(ctx), meta); saveErr != nil {
			return result, apperrors.Wrap(apperrors.ErrDatabase, "failed to save sync cursor", saveErr)
		}
	}
	return result, err
}

// RunCycle runs pull, merge and push once, starting from cursor, and
// returns the result together with the cursor to use next time.
//
// The returned cursor is never behind the given one. It advances only when
// pulling and merging both completed. A failed cycle returns its reason as
// the error; partial success and cancellation return a nil error. A request
// made while another cycle runs returns a nil result and
// SYNC_ALREADY_IN_PROGRESS.
//
// Cancellation of ctx is honored between phases only. Remote calls run
// detached from ctx so a phase is never cut short mid-request.
func (e *Engine) RunCycle(ctx context.Context, cursor Cursor) (*CycleResult, Cursor, error) {
	if !e.cycleMu.TryLock() {
		return nil, cursor, apperrors.New(apperrors.ErrSyncAlreadyInProgress, "sync cycle already in progress")
	}
	defer e.cycleMu.Unlock()

	result := &CycleResult{StartTime: e.now()}
	e.emitEvent(SyncEvent{Type: SyncEventStarted, State: StateIdle})

	if e.remote == nil {
		err := apperrors.New(apperrors.ErrSyncNotConfigured, "no remote configured")
		return e.fail(result, StateIdle, err), cursor, err
	}
	if ctx.Err() != nil {
		return e.cancel(result, StateIdle), cursor, nil
	}

	// Pulling: nothing local is touched until the whole batch is in.
	e.setState(StatePulling)
	pulled, err := e.remote.PullSince(context.WithoutCancel(ctx), cursor)
	if err != nil {
		err = remoteError("pull", err)
		return e.fail(result, StatePulling, err), cursor, err
	}
	result.Pulled = len(pulled.Snapshots)
	if ctx.Err() != nil {
		return e.cancel(result, StatePulling), cursor, nil
	}

	// Merging
	e.setState(StateMerging)
	for _, snap := range pulled.Snapshots {
		if err := e.merge(ctx, snap, result); err != nil {
			return e.fail(result, StateMerging, err), cursor, err
		}
	}
	next := cursor
	if pulled.Cursor > next {
		next = pulled.Cursor
	}
	if ctx.Err() != nil {
		return e.cancel(result, StateMerging), next, nil
	}

	// Pushing
	e.setState(StatePushing)
	if err := e.push(ctx, result); err != nil {
		return e.fail(result, StatePushing, err), next, err
	}

	result.Outcome = OutcomeSuccess
	if result.FailedPushCount > 0 {
		result.Outcome = OutcomePartialSuccess
	}
	e.finish(result, nil)
	e.emitEvent(SyncEvent{Type: SyncEventCompleted, State: StateIdle, Result: result})

	logging.Info("Sync cycle completed",
		map[string]interface{}{
			"outcome":     result.Outcome,
			"pulled":      result.Pulled,
			"applied":     result.Applied,
			"conflicts":   result.Conflicts,
			"deferred":    result.Deferred,
			"pushed":      result.Pushed,
			"failed":      result.FailedPushCount,
			"cursor":      next,
			"duration_ms": result.Duration.Milliseconds(),
		})
	return result, next, nil
}

// fail moves through Failed back to Idle after recording reason.
func (e *Engine) fail(result *CycleResult, at State, reason error) *CycleResult {
	result.Outcome = OutcomeFailed
	result.Reason = reason

	e.mu.Lock()
	e.state = StateFailed
	e.mu.Unlock()
	e.recordError(at, "", reason)
	e.emitEvent(SyncEvent{Type: SyncEventFailed, State: StateFailed, Err: reason, Result: result})

	logging.ErrorWithCode("Sync cycle failed", string(apperrors.CodeOf(reason)), reason,
		map[string]interface{}{"phase": at})

	e.finish(result, reason)
	return result
}

func (e *Engine) cancel(result *CycleResult, after State) *CycleResult {
	result.Outcome = OutcomeCancelled
	e.finish(result, nil)
	e.emitEvent(SyncEvent{Type: SyncEventCancelled, State: StateIdle, Result: result})
	logging.Info("Sync cycle cancelled", map[string]interface{}{"after_phase": after})
	return result
}

func (e *Engine) finish(result *CycleResult, err error) {
	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateIdle
	e.lastResult = result
	e.lastErr = err
	if result.Outcome == OutcomeSuccess || result.Outcome == OutcomePartialSuccess {
		end := result.EndTime
		e.lastSync = &end
	}
}

// =====================================================
// Merging
// =====================================================

// merge applies one remote snapshot. Only storage and resolver wiring
// errors are returned; data problems are logged and skipped.
func (e *Engine) merge(ctx context.Context, remote *models.Snapshot, result *CycleResult) error {
	if remote == nil {
		result.Skipped++
		return nil
	}
	if err := uuid.ValidateRecordID(remote.ID); err != nil {
		logging.Warn("Skipping remote snapshot with invalid id", map[string]interface{}{"record_id": remote.ID})
		result.Skipped++
		return nil
	}

	unlock := e.store.Lock(remote.ID)
	defer unlock()

	return e.repo.WithTx(ctx, func(tx *db.Repository) error {
		st := e.store.With(tx)

		local, err := tx.GetRecord(ctx, remote.ID)
		if db.IsNotFound(err) {
			if _, err := st.ApplyRemote(ctx, remote); err != nil {
				return err
			}
			result.Applied++
			return nil
		}
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to load local record", err)
		}

		if isEcho(local, remote) {
			result.Skipped++
			return nil
		}

		open, err := tx.HasOpenConflict(ctx, remote.ID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to check open conflicts", err)
		}
		if open {
			// Keep the newer remote state on record for the reviewer.
			if _, err := e.recordConflict(ctx, tx, local, remote, models.StrategyManual); err != nil {
				return err
			}
			result.Conflicts++
			result.markDeferred(remote.ID)
			return nil
		}

		if !local.Dirty {
			if _, err := st.ApplyRemote(ctx, remote); err != nil {
				return err
			}
			result.Applied++
			return nil
		}

		return e.resolve(ctx, tx, st, local, remote, result)
	})
}

// isEcho reports whether remote carries nothing the local record has not
// already reconciled: the same state, or an older state acknowledged by an
// earlier round-trip.
func isEcho(local *models.Record, remote *models.Snapshot) bool {
	if remote.Equal(local.Snapshot()) {
		return true
	}
	return local.SyncedAt != nil && remote.UpdatedAt <= *local.SyncedAt && remote.Version <= local.Version
}

// resolve records a conflict for a dirty record, then applies the resolver's answer.
func (e *Engine) resolve(ctx context.Context, tx *db.Repository, st *store.Store, local *models.Record, remote *models.Snapshot, result *CycleResult) error {
	localSnap := local.Snapshot()
	c, err := e.recordConflict(ctx, tx, local, remote, e.resolver.Strategy())
	if err != nil {
		return err
	}
	result.Conflicts++

	logging.Warn("Concurrent edit conflict detected",
		map[string]interface{}{
			"record_id":        local.ID,
			"conflict_id":      c.ID,
			"local_timestamp":  local.UpdatedAt,
			"remote_timestamp": remote.UpdatedAt,
			"local_version":    local.Version,
			"remote_version":   remote.Version,
		})
	e.emitEvent(SyncEvent{Type: SyncEventConflict, State: StateMerging, RecordID: local.ID, Message: c.ID})

	res, err := e.resolver.Resolve(localSnap, remote.Clone())
	if err != nil {
		return err
	}
	if res.Deferred {
		result.markDeferred(local.ID)
		return nil
	}

	resolved := res.Snapshot
	resolved.Version = max(local.Version, remote.Version) + 1
	if _, err := st.ApplyResolved(ctx, resolved, res.Authoritative); err != nil {
		return err
	}
	if err := e.closeConflict(ctx, tx, c, resolved); err != nil {
		return err
	}
	result.Resolved++
	return nil
}

func (e *Engine) recordConflict(ctx context.Context, tx *db.Repository, local *models.Record, remote *models.Snapshot, strategy models.Strategy) (*models.Conflict, error) {
	localEnc, err := local.Snapshot().Encode()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode local snapshot", err)
	}
	remoteEnc, err := remote.Encode()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode remote snapshot", err)
	}
	c := &models.Conflict{
		ID:             uuid.New(),
		RecordID:       local.ID,
		LocalSnapshot:  localEnc,
		RemoteSnapshot: remoteEnc,
		CreatedAt:      models.Millis(e.now()),
		Strategy:       strategy,
	}
	if err := tx.InsertConflict(ctx, c); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to record conflict", err)
	}
	return c, nil
}

func (e *Engine) closeConflict(ctx context.Context, tx *db.Repository, c *models.Conflict, resolved *models.Snapshot) error {
	enc, err := resolved.Encode()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode resolved snapshot", err)
	}
	c.Resolved = true
	c.ResolvedAt = models.Ptr(models.Millis(e.now()))
	c.ResolvedSnapshot = enc
	if err := tx.ResolveConflict(ctx, c); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to close conflict", err)
	}
	return nil
}

// =====================================================
// Pushing
// =====================================================

// push sends the current state of every record with pending journal entries.
// Records are visited in order of their oldest pending entry. A failure
// halts only that record; AUTH_FAILURE stops the phase.
func (e *Engine) push(ctx context.Context, result *CycleResult) error {
	var order []string
	seen := make(map[string]bool)
	for entry, err := range e.journal.Pending(ctx) {
		if err != nil {
			return err
		}
		if !seen[entry.RecordID] {
			seen[entry.RecordID] = true
			order = append(order, entry.RecordID)
		}
	}

	for _, id := range order {
		if err := e.pushRecord(ctx, id, result); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pushRecord(ctx context.Context, id string, result *CycleResult) error {
	// Snapshot the record and the entries it covers under the record lock.
	unlock := e.store.Lock(id)
	rec, recErr := e.store.GetIncludingDeleted(ctx, id)
	entries, entErr := e.journal.PendingFor(ctx, id)
	open, openErr := e.repo.HasOpenConflict(ctx, id)
	unlock()
	if recErr != nil {
		return recErr
	}
	if entErr != nil {
		return entErr
	}
	if openErr != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to check open conflicts", openErr)
	}
	if len(entries) == 0 {
		return nil
	}
	head := entries[0]

	if open {
		result.markDeferred(id)
		return nil
	}
	if e.policy.Exhausted(head.SyncAttempts) {
		perr := retry.PermanentFailure(head)
		result.FailedPushCount++
		result.PermanentFailures = append(result.PermanentFailures, perr)
		e.recordError(StatePushing, id, perr)
		e.emitEvent(SyncEvent{Type: SyncEventPermanentFail, State: StatePushing, RecordID: id, Err: perr})
		return nil
	}
	if rec == nil {
		return e.pushFailed(ctx, head, apperrors.Newf(apperrors.ErrNotFound, "record %s no longer exists", id), result)
	}

	snap := rec.Snapshot()
	ack, err := e.remote.Push(context.WithoutCancel(ctx), snap)
	if err != nil {
		err = remoteError("push", err)
		if ferr := e.pushFailed(ctx, head, err, result); ferr != nil {
			return ferr
		}
		if apperrors.Is(err, apperrors.ErrAuthFailure) {
			return err
		}
		return nil
	}
	if ack == nil || !ack.Accepted {
		reason := "rejected"
		if ack != nil && ack.Reason != "" {
			reason = "rejected: " + ack.Reason
		}
		return e.pushFailed(ctx, head, errors.New(reason), result)
	}

	unlock = e.store.Lock(id)
	defer unlock()
	err = e.repo.WithTx(ctx, func(tx *db.Repository) error {
		j := e.journal.With(tx)
		for _, entry := range entries {
			if err := j.MarkSynced(ctx, entry.ID); err != nil {
				return err
			}
		}
		_, err := e.store.With(tx).MarkClean(ctx, id, snap.Version)
		return err
	})
	if err != nil {
		return err
	}
	result.Pushed++
	return nil
}

// pushFailed charges the failure to the record's head entry only, so later
// entries of the same record are never pushed ahead of it.
func (e *Engine) pushFailed(ctx context.Context, head *models.JournalEntry, cause error, result *CycleResult) error {
	result.FailedPushCount++
	e.recordError(StatePushing, head.RecordID, cause)
	e.emitEvent(SyncEvent{Type: SyncEventPushFailed, State: StatePushing, RecordID: head.RecordID, Err: cause})
	logging.Warn("Push failed",
		map[string]interface{}{
			"record_id": head.RecordID,
			"entry_id":  head.ID,
			"attempts":  head.SyncAttempts + 1,
			"error":     cause.Error(),
		})
	return e.journal.MarkFailed(ctx, head.ID, cause)
}

// =====================================================
// Manual resolution
// =====================================================

// ResolveConflict closes an open conflict with payload as the record's new
// state. The result stays dirty so it is pushed on the next cycle. Every
// open conflict of the record is closed with it; a conflict superseded by a
// newer one for the same record is refused.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, payload json.RawMessage) (*models.Record, error) {
	if err := e.store.ValidatePayload(payload); err != nil {
		return nil, err
	}
	return e.resolveManually(ctx, conflictID, func(_ *models.Conflict, local *models.Record) (*models.Snapshot, error) {
		snap := local.Snapshot()
		snap.Payload = append(json.RawMessage(nil), payload...)
		snap.DeletedAt = nil
		return snap, nil
	})
}

// TakeSide closes an open conflict by keeping the local or remote snapshot
// it recorded, deletion state included.
func (e *Engine) TakeSide(ctx context.Context, conflictID string, side conflict.Winner) (*models.Record, error) {
	if side != conflict.WinnerLocal && side != conflict.WinnerRemote {
		return nil, apperrors.Newf(apperrors.ErrValidation, "side must be %q or %q", conflict.WinnerLocal, conflict.WinnerRemote)
	}
	return e.resolveManually(ctx, conflictID, func(c *models.Conflict, local *models.Record) (*models.Snapshot, error) {
		raw := c.LocalSnapshot
		if side == conflict.WinnerRemote {
			raw = c.RemoteSnapshot
		}
		chosen, err := models.DecodeSnapshot(raw)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "stored conflict snapshot is corrupt", err)
		}
		snap := local.Snapshot()
		snap.Payload = chosen.Payload
		snap.DeletedAt = chosen.DeletedAt
		return snap, nil
	})
}

func (e *Engine) resolveManually(ctx context.Context, conflictID string, choose func(*models.Conflict, *models.Record) (*models.Snapshot, error)) (*models.Record, error) {
	c, err := e.repo.GetConflict(ctx, conflictID)
	if db.IsNotFound(err) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "conflict %s not found", conflictID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load conflict", err)
	}
	if c.Resolved {
		return nil, apperrors.Newf(apperrors.ErrValidation, "conflict %s is already resolved", conflictID)
	}

	unlock := e.store.Lock(c.RecordID)
	defer unlock()

	var out *models.Record
	err = e.repo.WithTx(ctx, func(tx *db.Repository) error {
		openList, err := tx.ListConflicts(ctx, true)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflicts", err)
		}
		var open []*models.Conflict
		stillOpen := false
		for _, oc := range openList {
			if oc.RecordID == c.RecordID {
				open = append(open, oc)
				stillOpen = stillOpen || oc.ID == c.ID
			}
		}
		// A concurrent resolution may have closed it since the first read.
		if !stillOpen {
			return apperrors.Newf(apperrors.ErrValidation, "conflict %s is already resolved", c.ID)
		}
		if latest := open[len(open)-1]; latest.ID != c.ID {
			return apperrors.Newf(apperrors.ErrValidation, "conflict %s is superseded by %s", c.ID, latest.ID)
		}

		local, err := tx.GetRecord(ctx, c.RecordID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to load record", err)
		}
		remote, err := models.DecodeSnapshot(c.RemoteSnapshot)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "stored conflict snapshot is corrupt", err)
		}

		snap, err := choose(c, local)
		if err != nil {
			return err
		}
		snap.Version = max(local.Version, remote.Version) + 1
		snap.UpdatedAt = max(e.store.Now(), local.UpdatedAt+1, remote.UpdatedAt+1)
		if snap.DeletedAt != nil {
			snap.DeletedAt = models.Ptr(snap.UpdatedAt)
		}

		rec, err := e.store.With(tx).ApplyResolved(ctx, snap, false)
		if err != nil {
			return err
		}
		for _, oc := range open {
			oc.Strategy = models.StrategyManual
			if err := e.closeConflict(ctx, tx, oc, snap); err != nil {
				return err
			}
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Info("Conflict resolved manually",
		map[string]interface{}{"conflict_id": conflictID, "record_id": c.RecordID, "version": out.Version})
	return out, nil
}
