// Package memory provides an in-process Remote for tests, demos and the
// "memory" remote kind.
package memory

import (
	"context"
	"sort"
	gosync "sync"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/models"
	"github.com/henrycorner-dev/localsync/internal/sync"
)

type entry struct {
	snap *models.Snapshot
	seq  int64
}

// Remote keeps the latest snapshot of every record together with the
// sequence number of the write that produced it. The cursor is that
// sequence: PullSince returns every record written after it.
type Remote struct {
	mu        gosync.Mutex
	seq       int64
	records   map[string]*entry
	batchSize int

	pullErr   error
	pushErrs  map[string]error
	pushAll   error
	pullCalls int
	pushCalls int
}

// Option configures a Remote.
type Option func(*Remote)

// WithBatchSize caps the number of snapshots returned per pull.
func WithBatchSize(n int) Option {
	return func(r *Remote) { r.batchSize = n }
}

// New creates an empty Remote.
func New(opts ...Option) *Remote {
	r := &Remote{
		records:  make(map[string]*entry),
		pushErrs: make(map[string]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PullSince implements sync.Remote.
func (r *Remote) PullSince(_ context.Context, cursor sync.Cursor) (*sync.PullResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pullCalls++

	if r.pullErr != nil {
		return nil, r.pullErr
	}

	var changed []*entry
	for _, e := range r.records {
		if e.seq > int64(cursor) {
			changed = append(changed, e)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].seq < changed[j].seq })
	if r.batchSize > 0 && len(changed) > r.batchSize {
		changed = changed[:r.batchSize]
	}

	res := &sync.PullResult{Cursor: cursor}
	for _, e := range changed {
		res.Snapshots = append(res.Snapshots, e.snap.Clone())
		res.Cursor = sync.Cursor(e.seq)
	}
	return res, nil
}

// Push implements sync.Remote. A snapshot whose version does not exceed the
// stored one is rejected unless it is identical to it.
func (r *Remote) Push(_ context.Context, snap *models.Snapshot) (*sync.PushAck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushCalls++

	if r.pushAll != nil {
		return nil, r.pushAll
	}
	if err, ok := r.pushErrs[snap.ID]; ok {
		return nil, err
	}

	if cur, ok := r.records[snap.ID]; ok {
		if cur.snap.Equal(snap) {
			return sync.Accepted(), nil
		}
		if cur.snap.Version >= snap.Version {
			return sync.Rejected("stale version"), nil
		}
	}
	r.put(snap)
	return sync.Accepted(), nil
}

// Put stores snap as if another device had pushed it, bypassing the
// version check.
func (r *Remote) Put(snap *models.Snapshot) sync.Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sync.Cursor(r.put(snap))
}

func (r *Remote) put(snap *models.Snapshot) int64 {
	r.seq++
	r.records[snap.ID] = &entry{snap: snap.Clone(), seq: r.seq}
	return r.seq
}

// Get returns a copy of the stored snapshot, or nil.
func (r *Remote) Get(id string) *models.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.records[id]; ok {
		return e.snap.Clone()
	}
	return nil
}

// Len returns the number of stored records.
func (r *Remote) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Cursor returns the sequence of the latest write.
func (r *Remote) Cursor() sync.Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sync.Cursor(r.seq)
}

// Calls returns how many pulls and pushes were attempted.
func (r *Remote) Calls() (pulls, pushes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pullCalls, r.pushCalls
}

// =====================================================
// Failure injection
// =====================================================

// FailPull makes every pull fail with err until cleared with nil.
func (r *Remote) FailPull(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pullErr = err
}

// FailPush makes pushes of record id fail with err until cleared with nil.
func (r *Remote) FailPush(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.pushErrs, id)
		return
	}
	r.pushErrs[id] = err
}

// FailAllPushes makes every push fail with err until cleared with nil.
func (r *Remote) FailAllPushes(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushAll = err
}

// ErrOffline is a ready-made transient failure for injection.
var ErrOffline = apperrors.New(apperrors.ErrNetworkFailure, "remote unreachable")

// ErrUnauthorized is a ready-made credential failure for injection.
var ErrUnauthorized = apperrors.New(apperrors.ErrAuthFailure, "credentials rejected")

var _ sync.Remote = (*Remote)(nil)
