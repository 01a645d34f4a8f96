// Package conflict provides conflict resolution for diverged local and remote records.
package conflict

import (
	"bytes"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/logging"
	"github.com/henrycorner-dev/localsync/internal/models"
)

// Winner names which side a resolution took its state from.
type Winner string

const (
	WinnerLocal    Winner = "local"
	WinnerRemote   Winner = "remote"
	WinnerMerged   Winner = "merged"
	WinnerDeferred Winner = "deferred"
)

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	// Snapshot is the resolved state. Its version is left for the caller to assign.
	Snapshot *models.Snapshot
	// Authoritative means no local change remains to push: the record may be marked clean.
	Authoritative bool
	// Deferred means the conflict stays open for an external decision.
	Deferred bool
	Winner   Winner
}

// Resolver turns two divergent snapshots of the same record into one.
// Implementations are pure: they perform no I/O.
type Resolver interface {
	Strategy() models.Strategy
	Resolve(local, remote *models.Snapshot) (*Resolution, error)
}

// Option configures NewResolver.
type Option func(*options)

type options struct {
	merge FieldMergeFunc
}

// WithFieldMerge sets the per-field function used by the field_merge strategy.
func WithFieldMerge(fn FieldMergeFunc) Option {
	return func(o *options) { o.merge = fn }
}

// NewResolver returns the resolver for a configured strategy.
func NewResolver(strategy models.Strategy, opts ...Option) (Resolver, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	switch strategy {
	case models.StrategyLastWriteWins:
		return LastWriteWins{}, nil
	case models.StrategyFieldMerge:
		merge := o.merge
		if merge == nil {
			merge = PreferRemote
		}
		return FieldMerge{Merge: merge}, nil
	case models.StrategyManual:
		return ManualReview{}, nil
	}
	return nil, apperrors.Newf(apperrors.ErrConfigInvalid, "unknown conflict strategy %q", strategy)
}

func checkPair(local, remote *models.Snapshot) error {
	if local == nil || remote == nil {
		return apperrors.New(apperrors.ErrResolution, "invalid conflict: both snapshots must be non-nil")
	}
	if local.ID != remote.ID {
		return apperrors.Newf(apperrors.ErrResolution, "record id mismatch: local %q, remote %q", local.ID, remote.ID)
	}
	return nil
}

// =====================================================
// Last Write Wins
// =====================================================

// LastWriteWins keeps the snapshot with the later updatedAt, breaking ties by
// higher version and then by the greater payload bytes.
//
// A remote win is authoritative. A local win is not: the remote still holds
// the losing state, so the resolved record stays dirty and is pushed.
type LastWriteWins struct{}

// Strategy implements Resolver.
func (LastWriteWins) Strategy() models.Strategy { return models.StrategyLastWriteWins }

// Resolve implements Resolver.
func (LastWriteWins) Resolve(local, remote *models.Snapshot) (*Resolution, error) {
	if err := checkPair(local, remote); err != nil {
		return nil, err
	}

	res := &Resolution{Winner: WinnerRemote, Snapshot: remote.Clone(), Authoritative: true}
	if newer(local, remote) {
		res = &Resolution{Winner: WinnerLocal, Snapshot: local.Clone()}
	}

	logging.Info("Conflict resolved using last-write-wins",
		map[string]interface{}{
			"record_id":        local.ID,
			"winner_side":      res.Winner,
			"local_timestamp":  local.UpdatedAt,
			"remote_timestamp": remote.UpdatedAt,
			"local_version":    local.Version,
			"remote_version":   remote.Version,
		})
	return res, nil
}

// newer reports whether a strictly beats b. Identical snapshots go to b.
func newer(a, b *models.Snapshot) bool {
	if a.UpdatedAt != b.UpdatedAt {
		return a.UpdatedAt > b.UpdatedAt
	}
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return bytes.Compare(a.Payload, b.Payload) > 0
}

// =====================================================
// Manual Review
// =====================================================

// ManualReview defers the decision: the local snapshot is kept unchanged and
// the conflict stays open until it is resolved externally.
type ManualReview struct{}

// Strategy implements Resolver.
func (ManualReview) Strategy() models.Strategy { return models.StrategyManual }

// Resolve implements Resolver.
func (ManualReview) Resolve(local, remote *models.Snapshot) (*Resolution, error) {
	if err := checkPair(local, remote); err != nil {
		return nil, err
	}

	logging.Warn("Conflict queued for manual review",
		map[string]interface{}{
			"record_id":        local.ID,
			"local_timestamp":  local.UpdatedAt,
			"remote_timestamp": remote.UpdatedAt,
		})
	return &Resolution{Winner: WinnerDeferred, Snapshot: local.Clone(), Deferred: true}, nil
}
