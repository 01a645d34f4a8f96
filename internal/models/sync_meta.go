package models

// SyncMeta is the single-row sync state of a local database.
type SyncMeta struct {
	LastSyncAt  int64  `db:"last_sync_at" json:"last_sync_at"` // remote cursor / high-water mark
	DeviceID    string `db:"device_id" json:"device_id"`
	SyncEnabled bool   `db:"sync_enabled" json:"sync_enabled"`
}

// TableName returns the table name for SyncMeta.
func (SyncMeta) TableName() string {
	return "sync_meta"
}
