package sync_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/henrycorner-dev/localsync/internal/db"
	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/journal"
	"github.com/henrycorner-dev/localsync/internal/models"
	"github.com/henrycorner-dev/localsync/internal/store"
	"github.com/henrycorner-dev/localsync/internal/sync"
	"github.com/henrycorner-dev/localsync/internal/sync/conflict"
	"github.com/henrycorner-dev/localsync/internal/sync/remote/memory"
	"github.com/henrycorner-dev/localsync/internal/sync/retry"
)

// device is one local database synchronizing with a shared remote.
type device struct {
	repo   *db.Repository
	store  *store.Store
	j      *journal.Journal
	engine *sync.Engine
	now    time.Time
}

func newDevice(t *testing.T, remote sync.Remote, opts ...sync.Option) *device {
	t.Helper()
	database, err := db.OpenAndMigrate(db.MemoryPath)
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	d := &device{repo: repo, now: time.UnixMilli(1_700_000_000_000)}
	clock := func() time.Time { return d.now }
	d.j = journal.New(repo, journal.WithClock(clock))
	d.store = store.New(repo, d.j, store.WithClock(clock))
	d.engine = sync.NewEngine(repo, d.store, d.j, remote, append([]sync.Option{sync.WithClock(clock)}, opts...)...)
	return d
}

func (d *device) tick(ms int64) { d.now = d.now.Add(time.Duration(ms) * time.Millisecond) }

func (d *device) set(t *testing.T, id, payload string) *models.Record {
	t.Helper()
	rec, err := d.store.Update(context.Background(), id, func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(payload), nil
	})
	require.NoError(t, err)
	return rec
}

func (d *device) get(t *testing.T, id string) *models.Record {
	t.Helper()
	rec, err := d.store.GetIncludingDeleted(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec, "record %s", id)
	return rec
}

func (d *device) entries(t *testing.T, id string) []*models.JournalEntry {
	t.Helper()
	all, err := d.repo.ListJournal(context.Background(), 0, 0)
	require.NoError(t, err)
	var out []*models.JournalEntry
	for _, e := range all {
		if e.RecordID == id {
			out = append(out, e)
		}
	}
	return out
}

func (d *device) cycle(t *testing.T, cursor sync.Cursor) (*sync.CycleResult, sync.Cursor) {
	t.Helper()
	result, next, err := d.engine.RunCycle(context.Background(), cursor)
	require.NoError(t, err)
	return result, next
}

func openConflicts(t *testing.T, d *device) []*models.Conflict {
	t.Helper()
	open, err := d.repo.ListConflicts(context.Background(), true)
	require.NoError(t, err)
	return open
}

// =====================================================
// Create, update, push, conflict, failure scenarios
// =====================================================

// TestScenario_pushNewRecord verifies a fresh record is pushed and cleaned.
func TestScenario_pushNewRecord(t *testing.T) {
	remote := memory.New()
	d := newDevice(t, remote)
	ctx := context.Background()

	rec, err := d.store.CreateWithID(ctx, "r1", json.RawMessage(`{"name":"A"}`))
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.Version)
	assert.True(t, rec.Dirty)
	assert.Nil(t, rec.SyncedAt)

	d.tick(5)
	prev := rec.UpdatedAt
	rec = d.set(t, "r1", `{"name":"B"}`)
	assert.EqualValues(t, 2, rec.Version)
	assert.Greater(t, rec.UpdatedAt, prev)

	result, _ := d.cycle(t, 0)
	assert.Equal(t, sync.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 1, result.Pushed)

	rec = d.get(t, "r1")
	assert.False(t, rec.Dirty)
	require.NotNil(t, rec.SyncedAt)
	assert.GreaterOrEqual(t, *rec.SyncedAt, rec.UpdatedAt)

	entries := d.entries(t, "r1")
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, e.Synced)
	}
	assert.JSONEq(t, `{"name":"B"}`, string(remote.Get("r1").Payload))
}

// TestScenario_remoteWinsOnTimestamp verifies LWW records the conflict and takes the newer remote state.
func TestScenario_remoteWinsOnTimestamp(t *testing.T) {
	remote := memory.New()
	d := newDevice(t, remote)
	ctx := context.Background()

	_, err := d.store.CreateWithID(ctx, "r1", json.RawMessage(`{"name":"A"}`))
	require.NoError(t, err)
	d.tick(1)
	d.set(t, "r1", `{"name":"B"}`)
	_, cursor := d.cycle(t, 0)

	d.tick(1000)
	local := d.set(t, "r1", `{"name":"C"}`)
	require.EqualValues(t, 3, local.Version)
	before := local.Snapshot()

	incoming := &models.Snapshot{
		ID: "r1", Payload: json.RawMessage(`{"name":"D"}`),
		CreatedAt: local.CreatedAt, UpdatedAt: local.UpdatedAt + 500, Version: 3,
	}
	remote.Put(incoming)

	result, next := d.cycle(t, cursor)
	assert.Equal(t, sync.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 1, result.Conflicts)
	assert.Equal(t, 1, result.Resolved)
	assert.Greater(t, next, cursor)

	rec := d.get(t, "r1")
	assert.JSONEq(t, `{"name":"D"}`, string(rec.Payload))
	assert.False(t, rec.Dirty)
	assert.EqualValues(t, 4, rec.Version)
	for _, e := range d.entries(t, "r1") {
		assert.True(t, e.Synced)
	}

	conflicts, err := d.repo.ListConflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.True(t, c.Resolved)
	assert.Equal(t, models.StrategyLastWriteWins, c.Strategy)

	wantLocal, err := before.Encode()
	require.NoError(t, err)
	wantRemote, err := incoming.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(wantLocal), string(c.LocalSnapshot))
	assert.Equal(t, string(wantRemote), string(c.RemoteSnapshot))

	pending, err := d.j.PendingFor(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestScenario_localWinsIsPushed verifies a local LWW winner stays dirty and reaches the remote.
func TestScenario_localWinsIsPushed(t *testing.T) {
	remote := memory.New()
	d := newDevice(t, remote)
	ctx := context.Background()

	_, err := d.store.CreateWithID(ctx, "r1", json.RawMessage(`{"name":"A"}`))
	require.NoError(t, err)
	_, cursor := d.cycle(t, 0)

	remote.Put(&models.Snapshot{ID: "r1", Payload: json.RawMessage(`{"name":"R"}`), CreatedAt: 0, UpdatedAt: d.now.UnixMilli() + 1, Version: 2})
	d.tick(5000)
	d.set(t, "r1", `{"name":"L"}`)

	result, _ := d.cycle(t, cursor)
	assert.Equal(t, sync.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 1, result.Conflicts)
	assert.Equal(t, 1, result.Pushed)

	rec := d.get(t, "r1")
	assert.False(t, rec.Dirty)
	assert.JSONEq(t, `{"name":"L"}`, string(rec.Payload))
	assert.EqualValues(t, 3, rec.Version)
	assert.Equal(t, rec.Version, remote.Get("r1").Version)
}

// TestScenario_pullFailureLeavesStateAlone verifies a failed pull changes nothing.
func TestScenario_pullFailureLeavesStateAlone(t *testing.T) {
	remote := memory.New()
	d := newDevice(t, remote)
	ctx := context.Background()

	_, err := d.store.CreateWithID(ctx, "r1", json.RawMessage(`{"name":"A"}`))
	require.NoError(t, err)
	remote.Put(&models.Snapshot{ID: "other", Payload: json.RawMessage(`{}`), CreatedAt: 1, UpdatedAt: 1, Version: 1})
	_, err = d.engine.Sync(ctx)
	require.NoError(t, err)
	meta, err := d.repo.GetSyncMeta(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, meta.LastSyncAt)

	d.tick(10)
	require.NoError(t, d.store.SoftDelete(ctx, "r1"))
	remote.FailPull(memory.ErrOffline)

	result, err := d.engine.Sync(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrNetworkFailure))
	require.NotNil(t, result)
	assert.Equal(t, sync.OutcomeFailed, result.Outcome)
	assert.True(t, apperrors.Is(result.Reason, apperrors.ErrNetworkFailure))

	rec := d.get(t, "r1")
	assert.NotNil(t, rec.DeletedAt)
	assert.True(t, rec.Dirty)

	after, err := d.repo.GetSyncMeta(ctx)
	require.NoError(t, err)
	assert.Equal(t, meta.LastSyncAt, after.LastSyncAt)
	assert.Equal(t, sync.StateIdle, d.engine.State())
}

// TestScenario_partialPushFailure verifies one failing record does not block another.
func TestScenario_partialPushFailure(t *testing.T) {
	remote := memory.New()
	d := newDevice(t, remote)
	ctx := context.Background()

	_, err := d.store.CreateWithID(ctx, "r1", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	_, err = d.store.CreateWithID(ctx, "r2", json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	remote.FailPush("r1", memory.ErrOffline)

	result, _ := d.cycle(t, 0)
	assert.Equal(t, sync.OutcomePartialSuccess, result.Outcome)
	assert.Equal(t, 1, result.FailedPushCount)
	assert.Equal(t, 1, result.Pushed)

	assert.False(t, d.get(t, "r2").Dirty)
	assert.True(t, d.get(t, "r1").Dirty)
	entries := d.entries(t, "r1")
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].SyncAttempts)
	assert.False(t, entries[0].Synced)

	remote.FailPush("r1", nil)
	result, _ = d.cycle(t, 0)
	assert.Equal(t, sync.OutcomeSuccess, result.Outcome)
	assert.False(t, d.get(t, "r1").Dirty)
}

// TestScenario_softDeleteIsPushed verifies a deletion reaches the remote and can then be purged.
func TestScenario_softDeleteIsPushed(t *testing.T) {
	remote := memory.New()
	d := newDevice(t, remote)
	ctx := context.Background()

	_, err := d.store.CreateWithID(ctx, "r1", json.RawMessage(`{}`))
	require.NoError(t, err)
	d.tick(1)
	require.NoError(t, d.store.SoftDelete(ctx, "r1"))

	result, _ := d.cycle(t, 0)
	assert.Equal(t, 1, result.Pushed)
	assert.True(t, remote.Get("r1").IsDeleted())

	n, err := d.store.PurgeDeleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, d.entries(t, "r1"))
}

// =====================================================
// Echoes and convergence
// =====================================================

// TestScenario_echoIsSkipped verifies our own pushed state is not re-applied or flagged.
func TestScenario_echoIsSkipped(t *testing.T) {
	remote := memory.New()
	d := newDevice(t, remote)
	ctx := context.Background()

	_, err := d.store.CreateWithID(ctx, "r1", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	_, cursor := d.cycle(t, 0)

	d.tick(10)
	d.set(t, "r1", `{"n":2}`)
	result, _ := d.cycle(t, cursor)
	assert.Equal(t, 1, result.Pulled)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Conflicts)
	assert.Equal(t, 1, result.Pushed)
	assert.JSONEq(t, `{"n":2}`, string(d.get(t, "r1").Payload))
}

// TestScenario_twoDevicesConverge verifies edits flow between devices through the remote.
func TestScenario_twoDevicesConverge(t *testing.T) {
	remote := memory.New()
	a := newDevice(t, remote)
	b := newDevice(t, remote)
	b.tick(3)
	ctx := context.Background()

	_, err := a.store.CreateWithID(ctx, "shared", json.RawMessage(`{"title":"draft"}`))
	require.NoError(t, err)
	_, ca := a.cycle(t, 0)
	_, cb := b.cycle(t, 0)
	assert.JSONEq(t, `{"title":"draft"}`, string(b.get(t, "shared").Payload))
	assert.False(t, b.get(t, "shared").Dirty)

	b.tick(100)
	b.set(t, "shared", `{"title":"final"}`)
	_, cb = b.cycle(t, cb)
	_, ca = a.cycle(t, ca)

	assert.JSONEq(t, `{"title":"final"}`, string(a.get(t, "shared").Payload))
	assert.Equal(t, b.get(t, "shared").Version, a.get(t, "shared").Version)
	assert.Empty(t, openConflicts(t, a))
	assert.Empty(t, openConflicts(t, b))
}

// =====================================================
// Manual review
// =====================================================

func manualSetup(t *testing.T) (*memory.Remote, *device, sync.Cursor) {
	t.Helper()
	remote := memory.New()
	d := newDevice(t, remote, sync.WithResolver(conflict.ManualReview{}))
	_, err := d.store.CreateWithID(context.Background(), "r1", json.RawMessage(`{"name":"A"}`))
	require.NoError(t, err)
	_, cursor := d.cycle(t, 0)

	d.tick(100)
	d.set(t, "r1", `{"name":"local"}`)
	remote.Put(&models.Snapshot{ID: "r1", Payload: json.RawMessage(`{"name":"remote"}`), CreatedAt: 0, UpdatedAt: d.now.UnixMilli() + 50, Version: 2})
	return remote, d, cursor
}

// TestManualReview_blocksMergeAndPush verifies the record is held back while a conflict is open.
func TestManualReview_blocksMergeAndPush(t *testing.T) {
	remote, d, cursor := manualSetup(t)

	result, next := d.cycle(t, cursor)
	assert.Equal(t, sync.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 1, result.Conflicts)
	assert.Equal(t, 1, result.Deferred)
	assert.Zero(t, result.Pushed)

	rec := d.get(t, "r1")
	assert.True(t, rec.Dirty)
	assert.JSONEq(t, `{"name":"local"}`, string(rec.Payload))
	assert.JSONEq(t, `{"name":"remote"}`, string(remote.Get("r1").Payload))
	require.Len(t, openConflicts(t, d), 1)

	// A later cycle still holds the record back.
	result, _ = d.cycle(t, next)
	assert.Equal(t, 1, result.Deferred)
	assert.Zero(t, result.Pushed)
}

// TestManualReview_takeSide verifies resolving pushes the chosen state.
func TestManualReview_takeSide(t *testing.T) {
	remote, d, cursor := manualSetup(t)
	ctx := context.Background()
	_, next := d.cycle(t, cursor)

	open := openConflicts(t, d)
	require.Len(t, open, 1)

	rec, err := d.engine.TakeSide(ctx, open[0].ID, conflict.WinnerRemote)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"remote"}`, string(rec.Payload))
	assert.True(t, rec.Dirty)
	assert.EqualValues(t, 3, rec.Version)

	_, err = d.engine.TakeSide(ctx, open[0].ID, conflict.WinnerLocal)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "already resolved")

	result, _ := d.cycle(t, next)
	assert.Equal(t, 1, result.Pushed)
	assert.False(t, d.get(t, "r1").Dirty)
	assert.EqualValues(t, 3, remote.Get("r1").Version)
}

// TestManualReview_superseded verifies only the newest open conflict can be resolved.
func TestManualReview_superseded(t *testing.T) {
	remote, d, cursor := manualSetup(t)
	ctx := context.Background()
	_, next := d.cycle(t, cursor)

	d.tick(10)
	remote.Put(&models.Snapshot{ID: "r1", Payload: json.RawMessage(`{"name":"remote2"}`), CreatedAt: 0, UpdatedAt: d.now.UnixMilli() + 50, Version: 3})
	result, _ := d.cycle(t, next)
	assert.Equal(t, 1, result.Conflicts)

	open := openConflicts(t, d)
	require.Len(t, open, 2)

	_, err := d.engine.ResolveConflict(ctx, open[0].ID, json.RawMessage(`{"name":"merged"}`))
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	rec, err := d.engine.ResolveConflict(ctx, open[1].ID, json.RawMessage(`{"name":"merged"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"merged"}`, string(rec.Payload))
	assert.EqualValues(t, 4, rec.Version)
	assert.Empty(t, openConflicts(t, d))

	_, err = d.engine.ResolveConflict(ctx, "missing", json.RawMessage(`{}`))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestManualReview_concurrentResolve verifies racing resolutions of one conflict leave a single winner.
func TestManualReview_concurrentResolve(t *testing.T) {
	_, d, cursor := manualSetup(t)
	ctx := context.Background()
	d.cycle(t, cursor)

	open := openConflicts(t, d)
	require.Len(t, open, 1)

	// Both callers read the conflict as open before either gets the record.
	unlock := d.store.Lock("r1")
	errs := make(chan error, 2)
	for _, payload := range []string{`{"name":"first"}`, `{"name":"second"}`} {
		go func() {
			_, err := d.engine.ResolveConflict(ctx, open[0].ID, json.RawMessage(payload))
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	unlock()

	var ok, rejected int
	for range 2 {
		err := <-errs
		switch {
		case err == nil:
			ok++
		case apperrors.Is(err, apperrors.ErrValidation):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)
	assert.Empty(t, openConflicts(t, d))
	assert.EqualValues(t, 3, d.get(t, "r1").Version)
}

// =====================================================
// Fatal and permanent push failures
// =====================================================

// TestScenario_authFailureStopsPushing verifies AUTH_FAILURE fails the cycle after the pull advanced.
func TestScenario_authFailureStopsPushing(t *testing.T) {
	remote := memory.New()
	d := newDevice(t, remote)
	ctx := context.Background()

	_, err := d.store.CreateWithID(ctx, "r1", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = d.store.CreateWithID(ctx, "r2", json.RawMessage(`{}`))
	require.NoError(t, err)
	remote.Put(&models.Snapshot{ID: "r3", Payload: json.RawMessage(`{}`), CreatedAt: 1, UpdatedAt: 1, Version: 1})
	remote.FailAllPushes(memory.ErrUnauthorized)

	result, next, err := d.engine.RunCycle(ctx, 0)
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthFailure))
	assert.Equal(t, sync.OutcomeFailed, result.Outcome)
	assert.EqualValues(t, 1, next)

	_, pushes := remote.Calls()
	assert.Equal(t, 1, pushes)
	assert.Equal(t, 1, d.entries(t, "r1")[0].SyncAttempts)
	assert.Zero(t, d.entries(t, "r2")[0].SyncAttempts)
}

// TestScenario_permanentFailure verifies exhausted entries are reported and not retried.
func TestScenario_permanentFailure(t *testing.T) {
	remote := memory.New()
	policy := retry.Policy{MaxAttempts: 2, Base: time.Second, Max: time.Minute}
	d := newDevice(t, remote, sync.WithRetryPolicy(policy))
	ctx := context.Background()

	_, err := d.store.CreateWithID(ctx, "r1", json.RawMessage(`{}`))
	require.NoError(t, err)
	remote.FailPush("r1", memory.ErrOffline)

	d.cycle(t, 0)
	d.cycle(t, 0)
	_, pushesBefore := remote.Calls()

	result, _ := d.cycle(t, 0)
	assert.Equal(t, sync.OutcomePartialSuccess, result.Outcome)
	require.Len(t, result.PermanentFailures, 1)
	assert.True(t, apperrors.Is(result.PermanentFailures[0], apperrors.ErrSyncPermanentPushFailure))

	_, pushesAfter := remote.Calls()
	assert.Equal(t, pushesBefore, pushesAfter)
	assert.Equal(t, 2, d.entries(t, "r1")[0].SyncAttempts)
}
