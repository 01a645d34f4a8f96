package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of local mutation a journal entry records.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is one of the three defined kinds.
func (op Operation) Valid() bool {
	switch op {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// JournalEntry is one mutation in the append-only change journal.
// RecordID references a record without owning it.
type JournalEntry struct {
	ID           int64           `db:"id" json:"id"`
	RecordID     string          `db:"record_id" json:"record_id"`
	Operation    Operation       `db:"operation" json:"operation"`
	Timestamp    int64           `db:"timestamp" json:"timestamp"`
	Snapshot     json.RawMessage `db:"snapshot" json:"snapshot,omitempty"` // nil for delete
	Synced       bool            `db:"synced" json:"synced"`
	SyncAttempts int             `db:"sync_attempts" json:"sync_attempts"`
	LastError    *string         `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for JournalEntry.
func (JournalEntry) TableName() string {
	return "journal"
}

// Time returns the Timestamp as time.Time.
func (e *JournalEntry) Time() time.Time {
	return TimeOf(e.Timestamp)
}
