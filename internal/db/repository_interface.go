// Package db provides repository interfaces for localsync data models.
package db

import (
	"context"

	"github.com/henrycorner-dev/localsync/internal/models"
)

// RecordRepository defines operations for record persistence.
type RecordRepository interface {
	InsertRecord(ctx context.Context, rec *models.Record) error
	UpdateRecord(ctx context.Context, rec *models.Record) error
	GetRecord(ctx context.Context, id string) (*models.Record, error)
	DeleteRecord(ctx context.Context, id string) error
	ListDirtyRecords(ctx context.Context, after *RecordKey, limit int) ([]*models.Record, error)
	ListRecords(ctx context.Context, afterID string, limit int) ([]*models.Record, error)
}

// JournalRepository defines operations for change journal persistence.
type JournalRepository interface {
	InsertJournalEntry(ctx context.Context, e *models.JournalEntry) error
	GetJournalEntry(ctx context.Context, id int64) (*models.JournalEntry, error)
	ListPendingJournal(ctx context.Context, after *JournalKey, limit int) ([]*models.JournalEntry, error)
	ListPendingJournalForRecord(ctx context.Context, recordID string) ([]*models.JournalEntry, error)
	ListJournal(ctx context.Context, afterID int64, limit int) ([]*models.JournalEntry, error)
	MarkJournalSynced(ctx context.Context, id int64) error
	MarkJournalFailed(ctx context.Context, id int64, reason string) error
	ResetJournalAttempts(ctx context.Context, id int64) error
	ResetExhaustedJournal(ctx context.Context, minAttempts int) (int64, error)
}

// ConflictRepository defines operations for conflict persistence.
type ConflictRepository interface {
	InsertConflict(ctx context.Context, c *models.Conflict) error
	ResolveConflict(ctx context.Context, c *models.Conflict) error
	GetConflict(ctx context.Context, id string) (*models.Conflict, error)
	ListConflicts(ctx context.Context, openOnly bool) ([]*models.Conflict, error)
	HasOpenConflict(ctx context.Context, recordID string) (bool, error)
}

// SyncMetaRepository defines operations on the single sync_meta row.
type SyncMetaRepository interface {
	EnsureSyncMeta(ctx context.Context, deviceID string) (*models.SyncMeta, error)
	GetSyncMeta(ctx context.Context) (*models.SyncMeta, error)
	SaveSyncMeta(ctx context.Context, m *models.SyncMeta) error
	CountSyncMeta(ctx context.Context) (int, error)
}

// ReadRepository is the read-only view the validator scans.
type ReadRepository interface {
	ListRecords(ctx context.Context, afterID string, limit int) ([]*models.Record, error)
	ListJournal(ctx context.Context, afterID int64, limit int) ([]*models.JournalEntry, error)
	ListConflicts(ctx context.Context, openOnly bool) ([]*models.Conflict, error)
	GetSyncMeta(ctx context.Context) (*models.SyncMeta, error)
	CountSyncMeta(ctx context.Context) (int, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ RecordRepository   = (*Repository)(nil)
	_ JournalRepository  = (*Repository)(nil)
	_ ConflictRepository = (*Repository)(nil)
	_ SyncMetaRepository = (*Repository)(nil)
	_ ReadRepository     = (*Repository)(nil)
)
