// Package db provides CRUD repository operations for localsync data models.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/henrycorner-dev/localsync/internal/models"
)

// DefaultPageSize bounds keyset-paged scans so no cursor stays open across writes.
const DefaultPageSize = 200

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository provides CRUD operations for all models.
// A repository returned by WithTx is bound to that transaction.
type Repository struct {
	db *sql.DB
	tx *sql.Tx
	q  querier

	// Prepared statement cache for frequently used queries, shared with
	// tx-bound copies but only consulted outside a transaction.
	stmtCache *sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, q: db, stmtCache: &sync.Map{}}
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return stderrors.Is(err, sql.ErrNoRows)
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine already stored one, use it and close ours
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	if r.tx != nil {
		return nil
	}
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// InTx reports whether the repository is bound to a transaction.
func (r *Repository) InTx() bool {
	return r.tx != nil
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
// fn must only use the repository it is given: the pool has a single
// connection, so touching the outer repository from fn would block.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *Repository) error) error {
	if r.tx != nil {
		return fn(r)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Repository{db: r.db, tx: tx, q: tx, stmtCache: r.stmtCache}); err != nil {
		return err
	}
	return tx.Commit()
}

// queryRow uses a cached statement outside a transaction.
func (r *Repository) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	if r.tx == nil {
		if stmt, err := r.PrepareStmt(ctx, query); err == nil {
			return stmt.QueryRowContext(ctx, args...)
		}
	}
	return r.q.QueryRowContext(ctx, query, args...)
}

func expectOne(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// =====================================================
// Record Operations
// =====================================================

const recordColumns = `id, payload, created_at, updated_at, deleted_at, synced_at, dirty, version`

func scanRecord(s scanner) (*models.Record, error) {
	var rec models.Record
	var payload []byte
	var deletedAt, syncedAt sql.NullInt64
	if err := s.Scan(&rec.ID, &payload, &rec.CreatedAt, &rec.UpdatedAt,
		&deletedAt, &syncedAt, &rec.Dirty, &rec.Version); err != nil {
		return nil, err
	}
	rec.Payload = payload
	rec.DeletedAt = nullInt(deletedAt)
	rec.SyncedAt = nullInt(syncedAt)
	return &rec, nil
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return models.Ptr(v.Int64)
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// nullBytes keeps a nil RawMessage as SQL NULL.
func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// InsertRecord inserts a new record row.
func (r *Repository) InsertRecord(ctx context.Context, rec *models.Record) error {
	query := `INSERT INTO records (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.q.ExecContext(ctx, query, rec.ID, string(rec.Payload), rec.CreatedAt, rec.UpdatedAt,
		rec.DeletedAt, rec.SyncedAt, rec.Dirty, rec.Version)
	return err
}

// UpdateRecord overwrites every column of an existing record.
func (r *Repository) UpdateRecord(ctx context.Context, rec *models.Record) error {
	query := `
	UPDATE records
	SET payload = ?, created_at = ?, updated_at = ?, deleted_at = ?, synced_at = ?, dirty = ?, version = ?
	WHERE id = ?
	`
	result, err := r.q.ExecContext(ctx, query, string(rec.Payload), rec.CreatedAt, rec.UpdatedAt,
		rec.DeletedAt, rec.SyncedAt, rec.Dirty, rec.Version, rec.ID)
	if err != nil {
		return err
	}
	return expectOne(result)
}

// GetRecord retrieves a record by ID, soft-deleted or not.
// Returns sql.ErrNoRows when no row exists.
func (r *Repository) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE id = ?`
	return scanRecord(r.queryRow(ctx, query, id))
}

// DeleteRecord hard-deletes a record row.
func (r *Repository) DeleteRecord(ctx context.Context, id string) error {
	result, err := r.q.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(result)
}

// RecordKey is the keyset position of a dirty-record scan.
type RecordKey struct {
	UpdatedAt int64
	ID        string
}

// ListDirtyRecords returns up to limit dirty records after key, ordered by
// (updated_at, id) ascending. A nil key starts from the beginning.
func (r *Repository) ListDirtyRecords(ctx context.Context, after *RecordKey, limit int) ([]*models.Record, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	var (
		query string
		args  []any
	)
	if after == nil {
		query = `SELECT ` + recordColumns + ` FROM records WHERE dirty = 1
		ORDER BY updated_at, id LIMIT ?`
		args = []any{limit}
	} else {
		query = `SELECT ` + recordColumns + ` FROM records WHERE dirty = 1
		AND (updated_at > ? OR (updated_at = ? AND id > ?))
		ORDER BY updated_at, id LIMIT ?`
		args = []any{after.UpdatedAt, after.UpdatedAt, after.ID, limit}
	}
	return r.listRecords(ctx, query, args...)
}

// ListRecords returns up to limit records with id greater than afterID, in id order.
func (r *Repository) ListRecords(ctx context.Context, afterID string, limit int) ([]*models.Record, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	query := `SELECT ` + recordColumns + ` FROM records WHERE id > ? ORDER BY id LIMIT ?`
	return r.listRecords(ctx, query, afterID, limit)
}

// ListPurgeableRecords returns soft-deleted records whose deletion the remote has acknowledged.
func (r *Repository) ListPurgeableRecords(ctx context.Context, limit int) ([]*models.Record, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	query := `SELECT ` + recordColumns + ` FROM records
	WHERE deleted_at IS NOT NULL AND dirty = 0 ORDER BY id LIMIT ?`
	return r.listRecords(ctx, query, limit)
}

func (r *Repository) listRecords(ctx context.Context, query string, args ...any) ([]*models.Record, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// CountRecords returns the total and dirty record counts.
func (r *Repository) CountRecords(ctx context.Context) (total, dirty int, err error) {
	err = r.q.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(dirty), 0) FROM records`).Scan(&total, &dirty)
	return total, dirty, err
}

// =====================================================
// Journal Operations
// =====================================================

const journalColumns = `id, record_id, operation, timestamp, snapshot, synced, sync_attempts, last_error`

func scanJournalEntry(s scanner) (*models.JournalEntry, error) {
	var e models.JournalEntry
	var op string
	var snapshot []byte
	var lastError sql.NullString
	if err := s.Scan(&e.ID, &e.RecordID, &op, &e.Timestamp, &snapshot,
		&e.Synced, &e.SyncAttempts, &lastError); err != nil {
		return nil, err
	}
	e.Operation = models.Operation(op)
	if snapshot != nil {
		e.Snapshot = snapshot
	}
	e.LastError = nullString(lastError)
	return &e, nil
}

// InsertJournalEntry appends an entry and sets its sequence ID.
func (r *Repository) InsertJournalEntry(ctx context.Context, e *models.JournalEntry) error {
	query := `
	INSERT INTO journal (record_id, operation, timestamp, snapshot, synced, sync_attempts, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.q.ExecContext(ctx, query, e.RecordID, string(e.Operation), e.Timestamp,
		nullBytes(e.Snapshot), e.Synced, e.SyncAttempts, e.LastError)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

// GetJournalEntry retrieves an entry by sequence ID.
func (r *Repository) GetJournalEntry(ctx context.Context, id int64) (*models.JournalEntry, error) {
	query := `SELECT ` + journalColumns + ` FROM journal WHERE id = ?`
	return scanJournalEntry(r.queryRow(ctx, query, id))
}

// JournalKey is the keyset position of a pending-journal scan.
type JournalKey struct {
	Timestamp int64
	ID        int64
}

// ListPendingJournal returns up to limit unsynced entries after key,
// ordered by (timestamp, id) ascending. A nil key starts from the beginning.
func (r *Repository) ListPendingJournal(ctx context.Context, after *JournalKey, limit int) ([]*models.JournalEntry, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if after == nil {
		query := `SELECT ` + journalColumns + ` FROM journal WHERE synced = 0
		ORDER BY timestamp, id LIMIT ?`
		return r.listJournal(ctx, query, limit)
	}
	query := `SELECT ` + journalColumns + ` FROM journal WHERE synced = 0
	AND (timestamp > ? OR (timestamp = ? AND id > ?))
	ORDER BY timestamp, id LIMIT ?`
	return r.listJournal(ctx, query, after.Timestamp, after.Timestamp, after.ID, limit)
}

// ListPendingJournalForRecord returns a record's unsynced entries in sequence order.
func (r *Repository) ListPendingJournalForRecord(ctx context.Context, recordID string) ([]*models.JournalEntry, error) {
	query := `SELECT ` + journalColumns + ` FROM journal WHERE record_id = ? AND synced = 0 ORDER BY id`
	return r.listJournal(ctx, query, recordID)
}

// ListJournal returns up to limit entries with id greater than afterID, in sequence order.
func (r *Repository) ListJournal(ctx context.Context, afterID int64, limit int) ([]*models.JournalEntry, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	query := `SELECT ` + journalColumns + ` FROM journal WHERE id > ? ORDER BY id LIMIT ?`
	return r.listJournal(ctx, query, afterID, limit)
}

func (r *Repository) listJournal(ctx context.Context, query string, args ...any) ([]*models.JournalEntry, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.JournalEntry
	for rows.Next() {
		e, err := scanJournalEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// MarkJournalSynced flags an entry as acknowledged. Marking twice is a no-op.
func (r *Repository) MarkJournalSynced(ctx context.Context, id int64) error {
	result, err := r.q.ExecContext(ctx, `UPDATE journal SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(result)
}

// MarkJournalFailed increments an entry's attempt count and records the error.
// The synced flag is left alone.
func (r *Repository) MarkJournalFailed(ctx context.Context, id int64, reason string) error {
	query := `UPDATE journal SET sync_attempts = sync_attempts + 1, last_error = ? WHERE id = ?`
	result, err := r.q.ExecContext(ctx, query, reason, id)
	if err != nil {
		return err
	}
	return expectOne(result)
}

// ResetJournalAttempts clears an unsynced entry's attempt count and last error.
func (r *Repository) ResetJournalAttempts(ctx context.Context, id int64) error {
	query := `UPDATE journal SET sync_attempts = 0, last_error = NULL WHERE id = ? AND synced = 0`
	result, err := r.q.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return expectOne(result)
}

// ResetExhaustedJournal clears the attempts of every unsynced entry that has
// failed at least minAttempts times.
func (r *Repository) ResetExhaustedJournal(ctx context.Context, minAttempts int) (int64, error) {
	query := `UPDATE journal SET sync_attempts = 0, last_error = NULL WHERE synced = 0 AND sync_attempts >= ?`
	result, err := r.q.ExecContext(ctx, query, minAttempts)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteJournalForRecord removes every entry referencing a record.
func (r *Repository) DeleteJournalForRecord(ctx context.Context, recordID string) (int64, error) {
	result, err := r.q.ExecContext(ctx, `DELETE FROM journal WHERE record_id = ?`, recordID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountJournal returns the total and pending entry counts.
func (r *Repository) CountJournal(ctx context.Context) (total, pending int, err error) {
	err = r.q.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0) FROM journal`).Scan(&total, &pending)
	return total, pending, err
}

// =====================================================
// Conflict Operations
// =====================================================

const conflictColumns = `id, record_id, local_snapshot, remote_snapshot, created_at, resolved, resolved_at, strategy, resolved_snapshot`

func scanConflict(s scanner) (*models.Conflict, error) {
	var c models.Conflict
	var local, remote, resolvedSnap []byte
	var strategy string
	var resolvedAt sql.NullInt64
	if err := s.Scan(&c.ID, &c.RecordID, &local, &remote, &c.CreatedAt,
		&c.Resolved, &resolvedAt, &strategy, &resolvedSnap); err != nil {
		return nil, err
	}
	c.LocalSnapshot = local
	c.RemoteSnapshot = remote
	if resolvedSnap != nil {
		c.ResolvedSnapshot = resolvedSnap
	}
	c.ResolvedAt = nullInt(resolvedAt)
	c.Strategy = models.Strategy(strategy)
	return &c, nil
}

// InsertConflict records a new conflict.
func (r *Repository) InsertConflict(ctx context.Context, c *models.Conflict) error {
	query := `INSERT INTO conflicts (` + conflictColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.q.ExecContext(ctx, query, c.ID, c.RecordID, string(c.LocalSnapshot), string(c.RemoteSnapshot),
		c.CreatedAt, c.Resolved, c.ResolvedAt, string(c.Strategy), nullBytes(c.ResolvedSnapshot))
	return err
}

// ResolveConflict stores the outcome of a conflict. The original snapshots are never rewritten.
func (r *Repository) ResolveConflict(ctx context.Context, c *models.Conflict) error {
	query := `UPDATE conflicts SET resolved = ?, resolved_at = ?, strategy = ?, resolved_snapshot = ? WHERE id = ?`
	result, err := r.q.ExecContext(ctx, query, c.Resolved, c.ResolvedAt, string(c.Strategy),
		nullBytes(c.ResolvedSnapshot), c.ID)
	if err != nil {
		return err
	}
	return expectOne(result)
}

// GetConflict retrieves a conflict by ID.
func (r *Repository) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE id = ?`
	return scanConflict(r.queryRow(ctx, query, id))
}

// ListConflicts returns conflicts in creation order, optionally only unresolved ones.
func (r *Repository) ListConflicts(ctx context.Context, openOnly bool) ([]*models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	if openOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return conflicts, nil
}

// HasOpenConflict reports whether a record has an unresolved conflict.
func (r *Repository) HasOpenConflict(ctx context.Context, recordID string) (bool, error) {
	var n int
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM conflicts WHERE record_id = ? AND resolved = 0`, recordID).Scan(&n)
	return n > 0, err
}

// =====================================================
// Sync Meta Operations
// =====================================================

// EnsureSyncMeta creates the sync_meta row with deviceID if it is missing.
func (r *Repository) EnsureSyncMeta(ctx context.Context, deviceID string) (*models.SyncMeta, error) {
	_, err := r.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO sync_meta (id, last_sync_at, device_id, sync_enabled) VALUES (1, 0, ?, 1)`, deviceID)
	if err != nil {
		return nil, err
	}
	return r.GetSyncMeta(ctx)
}

// GetSyncMeta returns the sync_meta row, or sql.ErrNoRows before EnsureSyncMeta.
func (r *Repository) GetSyncMeta(ctx context.Context) (*models.SyncMeta, error) {
	var m models.SyncMeta
	err := r.q.QueryRowContext(ctx,
		`SELECT last_sync_at, device_id, sync_enabled FROM sync_meta WHERE id = 1`).
		Scan(&m.LastSyncAt, &m.DeviceID, &m.SyncEnabled)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveSyncMeta overwrites the sync_meta row.
func (r *Repository) SaveSyncMeta(ctx context.Context, m *models.SyncMeta) error {
	result, err := r.q.ExecContext(ctx,
		`UPDATE sync_meta SET last_sync_at = ?, device_id = ?, sync_enabled = ? WHERE id = 1`,
		m.LastSyncAt, m.DeviceID, m.SyncEnabled)
	if err != nil {
		return err
	}
	return expectOne(result)
}

// CountSyncMeta returns the number of sync_meta rows, which must be one.
func (r *Repository) CountSyncMeta(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_meta`).Scan(&n)
	return n, err
}
