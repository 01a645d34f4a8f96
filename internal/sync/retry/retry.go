// Package retry provides the caller-level retry policy for failed pushes.
package retry

import (
	"errors"
	"fmt"
	"time"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/models"
)

// Defaults mirror the original queue: 2^n minutes, capped at one hour.
const (
	DefaultMaxAttempts = 5
	DefaultBase        = time.Minute
	DefaultMax         = time.Hour
)

// Policy decides how long to wait before the next attempt and when to give up.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Base: DefaultBase, Max: DefaultMax}
}

// Backoff returns the delay before the attempt following `attempts` failures.
// Formula: 2^attempts * Base, capped at Max.
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	base, ceiling := p.Base, p.Max
	if base <= 0 {
		base = DefaultBase
	}
	if ceiling <= 0 {
		ceiling = DefaultMax
	}
	// Past 2^30 the product overflows long before it matters
	if attempts > 30 {
		return ceiling
	}
	d := base << uint(attempts)
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

// Exhausted reports whether an entry with this many failed attempts must no
// longer be retried. A non-positive MaxAttempts retries forever.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// ExhaustedEntry identifies the journal entry behind a permanent failure.
// Its message is the entry's last push error.
type ExhaustedEntry struct {
	EntryID   int64
	RecordID  string
	Attempts  int
	LastError string
}

func (e *ExhaustedEntry) Error() string { return e.LastError }

// PermanentFailure builds the error surfaced for an entry that ran out of attempts.
func PermanentFailure(e *models.JournalEntry) error {
	reason := "unknown error"
	if e.LastError != nil {
		reason = *e.LastError
	}
	return apperrors.Wrap(apperrors.ErrSyncPermanentPushFailure,
		fmt.Sprintf("journal entry %d for record %s failed %d times", e.ID, e.RecordID, e.SyncAttempts),
		&ExhaustedEntry{EntryID: e.ID, RecordID: e.RecordID, Attempts: e.SyncAttempts, LastError: reason})
}

// ExhaustedEntryOf extracts the entry from an error built by PermanentFailure.
func ExhaustedEntryOf(err error) (*ExhaustedEntry, bool) {
	var entry *ExhaustedEntry
	if errors.As(err, &entry) {
		return entry, true
	}
	return nil, false
}
