package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/henrycorner-dev/localsync/internal/models"
	"github.com/henrycorner-dev/localsync/internal/sync/conflict"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync runs one cycle from the stored cursor and persists the advanced cursor.
	Sync(ctx context.Context) (*CycleResult, error)

	// ResolveConflict closes an open conflict with an explicit payload.
	ResolveConflict(ctx context.Context, conflictID string, payload json.RawMessage) (*models.Record, error)

	// TakeSide closes an open conflict by keeping one recorded side.
	TakeSide(ctx context.Context, conflictID string, side conflict.Winner) (*models.Record, error)

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// State returns the current cycle state.
	State() State

	// LastSync returns the end time of the last cycle that completed.
	LastSync() *time.Time

	// PendingChanges returns the number of unsynced journal entries.
	PendingChanges(ctx context.Context) (int, error)

	// LastError returns the last error that failed a cycle.
	LastError() error
}

var _ SyncEngineInterface = (*Engine)(nil)
