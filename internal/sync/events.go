package sync

import "time"

// SyncEventType identifies a notification emitted during a cycle.
type SyncEventType string

const (
	SyncEventStarted       SyncEventType = "started"
	SyncEventPhaseChanged  SyncEventType = "phase_changed"
	SyncEventConflict      SyncEventType = "conflict"
	SyncEventPushFailed    SyncEventType = "push_failed"
	SyncEventPermanentFail SyncEventType = "permanent_failure"
	SyncEventCompleted     SyncEventType = "completed"
	SyncEventFailed        SyncEventType = "failed"
	SyncEventCancelled     SyncEventType = "cancelled"
)

// SyncEvent is one engine notification.
type SyncEvent struct {
	Type      SyncEventType
	State     State
	RecordID  string
	Message   string
	Err       error
	Result    *CycleResult // set on completed, failed and cancelled
	Timestamp time.Time
}

// SyncEventHandler receives engine notifications. Handlers are called
// synchronously on the cycle's goroutine and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent implements SyncEventHandler.
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) { f(event) }

// maxErrorHistory caps the errors kept by the engine for status reporting.
const maxErrorHistory = 50

// SyncErrorEntry is one recorded cycle or push error.
type SyncErrorEntry struct {
	Time     time.Time
	State    State
	RecordID string
	Err      error
}
