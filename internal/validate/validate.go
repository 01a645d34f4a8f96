// Package validate audits a local database for sync invariant violations.
//
// The audit is read-only and tolerates concurrent writers: records and
// journal entries are scanned in pages, so a report may mix states from
// slightly different moments. Data problems are reported as issues;
// only a failing database returns an error.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/henrycorner-dev/localsync/internal/db"
	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/logging"
	"github.com/henrycorner-dev/localsync/internal/models"
	"github.com/henrycorner-dev/localsync/internal/uuid"
)

// Issue codes.
const (
	CodeCreatedAfterUpdated = "created_after_updated"
	CodeDeletedBeforeCreate = "deleted_before_created"
	CodeDeletedNotPushed    = "deleted_clean_unsynced"
	CodeSyncedInFuture      = "synced_in_future"
	CodeBadVersion          = "bad_version"
	CodeCleanUnsynced       = "clean_with_unsynced_change"
	CodeBadPayload          = "bad_payload"
	CodeBadRecordID         = "bad_record_id"
	CodeEntryInFuture       = "entry_in_future"
	CodeBadOperation        = "bad_operation"
	CodeBadSnapshot         = "bad_snapshot"
	CodeSyncMetaCount       = "sync_meta_count"

	CodeClockSkew        = "clock_skew"
	CodeDirtyNoJournal   = "dirty_without_pending_entry"
	CodeOrphanEntry      = "entry_without_record"
	CodeVersionBehind    = "version_behind_journal"
	CodeConflictNoRecord = "conflict_without_record"
	CodeConflictClean    = "conflict_on_clean_record"
	CodeSyncMetaMissing  = "sync_meta_missing"
	CodeRetriedEntry     = "entry_retried"
)

// Issue is one finding. Subject names the record, journal entry or
// conflict it concerns.
type Issue struct {
	Code    string `json:"code"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Subject == "" {
		return fmt.Sprintf("%s: %s", i.Code, i.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", i.Code, i.Subject, i.Message)
}

// Stats summarizes what the audit scanned.
type Stats struct {
	Records           int   `json:"records"`
	DirtyRecords      int   `json:"dirty_records"`
	DeletedRecords    int   `json:"deleted_records"`
	JournalEntries    int   `json:"journal_entries"`
	PendingEntries    int   `json:"pending_entries"`
	FailedEntries     int   `json:"failed_entries"`
	OpenConflicts     int   `json:"open_conflicts"`
	ResolvedConflicts int   `json:"resolved_conflicts"`
	LastSyncAt        int64 `json:"last_sync_at"`
}

// Report is the result of one audit.
type Report struct {
	Errors    []Issue   `json:"errors"`
	Warnings  []Issue   `json:"warnings"`
	Stats     Stats     `json:"stats"`
	CheckedAt time.Time `json:"checked_at"`
}

// OK reports whether the audit found no invariant violations.
func (r *Report) OK() bool {
	return len(r.Errors) == 0
}

func (r *Report) errorf(code, subject, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Code: code, Subject: subject, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) warnf(code, subject, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Code: code, Subject: subject, Message: fmt.Sprintf(format, args...)})
}

// Validator scans a database through a read-only repository.
type Validator struct {
	repo     db.ReadRepository
	now      func() time.Time
	pageSize int
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the time the audit compares timestamps against.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithPageSize sets how many rows are read per query.
func WithPageSize(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.pageSize = n
		}
	}
}

// New creates a Validator.
func New(repo db.ReadRepository, opts ...Option) *Validator {
	v := &Validator{repo: repo, now: time.Now, pageSize: db.DefaultPageSize}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// journalSummary is what the record pass needs to know about a record's entries.
type journalSummary struct {
	entries int
	pending int
}

// Validate runs the audit.
func (v *Validator) Validate(ctx context.Context) (*Report, error) {
	now := v.now()
	report := &Report{Errors: []Issue{}, Warnings: []Issue{}, CheckedAt: now}
	nowMs := models.Millis(now)

	if err := v.checkSyncMeta(ctx, report); err != nil {
		return nil, err
	}

	byRecord, err := v.scanJournal(ctx, report, nowMs)
	if err != nil {
		return nil, err
	}

	dirty, err := v.scanRecords(ctx, report, nowMs, byRecord)
	if err != nil {
		return nil, err
	}

	// Remaining summaries reference records that no longer exist.
	for id, sum := range byRecord {
		if sum.pending > 0 {
			report.warnf(CodeOrphanEntry, id, "%d pending journal entries reference a missing record", sum.pending)
		}
	}

	if err := v.checkConflicts(ctx, report, dirty); err != nil {
		return nil, err
	}

	logging.Info("Validation finished",
		map[string]interface{}{
			"errors":   len(report.Errors),
			"warnings": len(report.Warnings),
			"records":  report.Stats.Records,
			"entries":  report.Stats.JournalEntries,
		})
	return report, nil
}

func (v *Validator) checkSyncMeta(ctx context.Context, report *Report) error {
	n, err := v.repo.CountSyncMeta(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to count sync metadata", err)
	}
	switch {
	case n == 0:
		report.warnf(CodeSyncMetaMissing, "", "no sync metadata; this database has never synced")
		return nil
	case n > 1:
		report.errorf(CodeSyncMetaCount, "", "expected one sync metadata row, found %d", n)
	}

	meta, err := v.repo.GetSyncMeta(ctx)
	if err != nil {
		if db.IsNotFound(err) {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read sync metadata", err)
	}
	report.Stats.LastSyncAt = meta.LastSyncAt
	return nil
}

// scanJournal checks every entry and returns per-record entry counts.
func (v *Validator) scanJournal(ctx context.Context, report *Report, nowMs int64) (map[string]*journalSummary, error) {
	byRecord := make(map[string]*journalSummary)
	var after int64
	for {
		page, err := v.repo.ListJournal(ctx, after, v.pageSize)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan journal", err)
		}
		for _, e := range page {
			v.checkEntry(report, e, nowMs)

			sum := byRecord[e.RecordID]
			if sum == nil {
				sum = &journalSummary{}
				byRecord[e.RecordID] = sum
			}
			sum.entries++
			if !e.Synced {
				sum.pending++
			}
		}
		if len(page) < v.pageSize {
			return byRecord, nil
		}
		after = page[len(page)-1].ID
	}
}

func (v *Validator) checkEntry(report *Report, e *models.JournalEntry, nowMs int64) {
	subject := fmt.Sprintf("journal:%d", e.ID)
	report.Stats.JournalEntries++
	if !e.Synced {
		report.Stats.PendingEntries++
		if e.SyncAttempts > 0 {
			report.Stats.FailedEntries++
			msg := "no error recorded"
			if e.LastError != nil {
				msg = *e.LastError
			}
			report.warnf(CodeRetriedEntry, subject, "push failed %d times: %s", e.SyncAttempts, msg)
		}
	}

	if e.Timestamp > nowMs {
		report.errorf(CodeEntryInFuture, subject, "timestamp %d is after now (%d)", e.Timestamp, nowMs)
	}
	if !e.Operation.Valid() {
		report.errorf(CodeBadOperation, subject, "unknown operation %q", e.Operation)
		return
	}

	if e.Operation == models.OperationDelete && e.Snapshot == nil {
		return
	}
	if e.Snapshot == nil {
		report.errorf(CodeBadSnapshot, subject, "%s entry has no snapshot", e.Operation)
		return
	}
	snap, err := models.DecodeSnapshot(e.Snapshot)
	if err != nil {
		report.errorf(CodeBadSnapshot, subject, "snapshot does not decode: %v", err)
		return
	}
	if snap.ID != e.RecordID {
		report.errorf(CodeBadSnapshot, subject, "snapshot id %q does not match record %q", snap.ID, e.RecordID)
	}
}

// scanRecords checks every record, consuming the matching journal
// summaries. It returns the ids of dirty records.
func (v *Validator) scanRecords(ctx context.Context, report *Report, nowMs int64, byRecord map[string]*journalSummary) (map[string]bool, error) {
	seen := make(map[string]bool)
	after := ""
	for {
		page, err := v.repo.ListRecords(ctx, after, v.pageSize)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan records", err)
		}
		for _, rec := range page {
			v.checkRecord(report, rec, nowMs, byRecord[rec.ID])
			delete(byRecord, rec.ID)
			seen[rec.ID] = rec.Dirty
		}
		if len(page) < v.pageSize {
			return seen, nil
		}
		after = page[len(page)-1].ID
	}
}

func (v *Validator) checkRecord(report *Report, rec *models.Record, nowMs int64, sum *journalSummary) {
	id := rec.ID
	report.Stats.Records++
	if rec.Dirty {
		report.Stats.DirtyRecords++
	}
	if rec.IsDeleted() {
		report.Stats.DeletedRecords++
	}

	if err := uuid.ValidateRecordID(id); err != nil {
		report.errorf(CodeBadRecordID, id, "%v", err)
	}
	if !json.Valid(rec.Payload) {
		report.errorf(CodeBadPayload, id, "payload is not valid JSON")
	}
	if rec.CreatedAt > rec.UpdatedAt {
		report.errorf(CodeCreatedAfterUpdated, id, "created_at %d is after updated_at %d", rec.CreatedAt, rec.UpdatedAt)
	}
	if rec.Version < 1 {
		report.errorf(CodeBadVersion, id, "version %d is below 1", rec.Version)
	}

	if rec.DeletedAt != nil && *rec.DeletedAt < rec.CreatedAt {
		report.errorf(CodeDeletedBeforeCreate, id, "deleted_at %d is before created_at %d", *rec.DeletedAt, rec.CreatedAt)
	}

	if rec.SyncedAt != nil && *rec.SyncedAt > nowMs {
		report.errorf(CodeSyncedInFuture, id, "synced_at %d is after now (%d)", *rec.SyncedAt, nowMs)
	}

	if !rec.Dirty {
		switch {
		case rec.SyncedAt == nil:
			if rec.IsDeleted() {
				report.errorf(CodeDeletedNotPushed, id, "deleted record is clean but was never synced")
			} else {
				report.errorf(CodeCleanUnsynced, id, "record is clean but was never synced")
			}
		case *rec.SyncedAt < rec.UpdatedAt:
			report.errorf(CodeCleanUnsynced, id, "record is clean but synced_at %d is before updated_at %d", *rec.SyncedAt, rec.UpdatedAt)
		}
	} else if rec.SyncedAt != nil && *rec.SyncedAt > rec.UpdatedAt {
		report.warnf(CodeClockSkew, id, "dirty record synced_at %d is after updated_at %d", *rec.SyncedAt, rec.UpdatedAt)
	}

	if sum == nil {
		sum = &journalSummary{}
	}
	if rec.Dirty && sum.pending == 0 {
		report.warnf(CodeDirtyNoJournal, id, "record is dirty but has no pending journal entry")
	}
	if int64(sum.entries) > rec.Version {
		report.warnf(CodeVersionBehind, id, "version %d is below its %d journal entries", rec.Version, sum.entries)
	}
}

func (v *Validator) checkConflicts(ctx context.Context, report *Report, records map[string]bool) error {
	conflicts, err := v.repo.ListConflicts(ctx, false)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflicts", err)
	}
	for _, c := range conflicts {
		if c.Resolved {
			report.Stats.ResolvedConflicts++
			continue
		}
		report.Stats.OpenConflicts++

		dirty, ok := records[c.RecordID]
		switch {
		case !ok:
			report.warnf(CodeConflictNoRecord, c.ID, "open conflict references missing record %s", c.RecordID)
		case !dirty:
			report.warnf(CodeConflictClean, c.ID, "open conflict on clean record %s", c.RecordID)
		}
	}
	return nil
}
