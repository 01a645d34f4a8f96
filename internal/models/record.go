// Package models provides data model definitions for localsync.
package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Millis converts t to Unix milliseconds, the unit every timestamp column uses.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// TimeOf converts Unix milliseconds back to time.Time.
func TimeOf(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// Ptr returns a pointer to a copy of ms, for nullable timestamp fields.
func Ptr(ms int64) *int64 {
	return &ms
}

// Snapshot is the synchronizable state of a record: what is journaled,
// pushed to and pulled from the remote.
type Snapshot struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
	DeletedAt *int64          `json:"deleted_at,omitempty"`
	Version   int64           `json:"version"`
}

// Encode serializes the snapshot. Output is deterministic for equal snapshots.
func (s *Snapshot) Encode() (json.RawMessage, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses an encoded snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// IsDeleted reports whether the snapshot carries a soft delete.
func (s *Snapshot) IsDeleted() bool {
	return s.DeletedAt != nil
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Payload = append(json.RawMessage(nil), s.Payload...)
	if s.DeletedAt != nil {
		c.DeletedAt = Ptr(*s.DeletedAt)
	}
	return &c
}

// Equal reports whether two snapshots carry the same state.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.ID != o.ID || s.CreatedAt != o.CreatedAt || s.UpdatedAt != o.UpdatedAt || s.Version != o.Version {
		return false
	}
	if (s.DeletedAt == nil) != (o.DeletedAt == nil) {
		return false
	}
	if s.DeletedAt != nil && *s.DeletedAt != *o.DeletedAt {
		return false
	}
	return bytes.Equal(s.Payload, o.Payload)
}

// Record is a locally stored entity together with its sync metadata.
type Record struct {
	ID        string          `db:"id" json:"id"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	CreatedAt int64           `db:"created_at" json:"created_at"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
	DeletedAt *int64          `db:"deleted_at" json:"deleted_at,omitempty"`
	SyncedAt  *int64          `db:"synced_at" json:"synced_at,omitempty"`
	Dirty     bool            `db:"dirty" json:"dirty"`
	Version   int64           `db:"version" json:"version"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// Snapshot returns the synchronizable part of the record.
func (r *Record) Snapshot() *Snapshot {
	s := &Snapshot{
		ID:        r.ID,
		Payload:   append(json.RawMessage(nil), r.Payload...),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Version:   r.Version,
	}
	if r.DeletedAt != nil {
		s.DeletedAt = Ptr(*r.DeletedAt)
	}
	return s
}

// IsDeleted reports whether the record is soft-deleted.
func (r *Record) IsDeleted() bool {
	return r.DeletedAt != nil
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *Record) CreatedAtTime() time.Time {
	return TimeOf(r.CreatedAt)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return TimeOf(r.UpdatedAt)
}

// SyncedAtTime returns the SyncedAt as time.Time, or the zero time if never synced.
func (r *Record) SyncedAtTime() time.Time {
	if r.SyncedAt == nil {
		return time.Time{}
	}
	return TimeOf(*r.SyncedAt)
}
