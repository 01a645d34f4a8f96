package models

import (
	"encoding/json"
	"time"
)

// Strategy names a conflict resolution strategy.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "last_write_wins"
	StrategyFieldMerge    Strategy = "field_merge"
	StrategyManual        Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLastWriteWins, StrategyFieldMerge, StrategyManual:
		return true
	}
	return false
}

// Conflict records a divergence between the local and remote state of a record.
// Both snapshots are stored exactly as observed before any resolution.
type Conflict struct {
	ID               string          `db:"id" json:"id"`
	RecordID         string          `db:"record_id" json:"record_id"`
	LocalSnapshot    json.RawMessage `db:"local_snapshot" json:"local_snapshot"`
	RemoteSnapshot   json.RawMessage `db:"remote_snapshot" json:"remote_snapshot"`
	CreatedAt        int64           `db:"created_at" json:"created_at"`
	Resolved         bool            `db:"resolved" json:"resolved"`
	ResolvedAt       *int64          `db:"resolved_at" json:"resolved_at,omitempty"`
	Strategy         Strategy        `db:"strategy" json:"strategy"`
	ResolvedSnapshot json.RawMessage `db:"resolved_snapshot" json:"resolved_snapshot,omitempty"`
}

// TableName returns the table name for Conflict.
func (Conflict) TableName() string {
	return "conflicts"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (c *Conflict) CreatedAtTime() time.Time {
	return TimeOf(c.CreatedAt)
}
