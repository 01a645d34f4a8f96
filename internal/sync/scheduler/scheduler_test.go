// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/models"
	syncpkg "github.com/henrycorner-dev/localsync/internal/sync"
	"github.com/henrycorner-dev/localsync/internal/sync/retry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =====================================================
// Test Helpers
// =====================================================

// fakeEngine counts cycles and returns whatever next produces.
type fakeEngine struct {
	mu    sync.Mutex
	calls int
	next  func(ctx context.Context) (*syncpkg.CycleResult, error)
}

func (f *fakeEngine) Sync(ctx context.Context) (*syncpkg.CycleResult, error) {
	f.mu.Lock()
	f.calls++
	next := f.next
	f.mu.Unlock()
	if next == nil {
		return &syncpkg.CycleResult{Outcome: syncpkg.OutcomeSuccess}, nil
	}
	return next(ctx)
}

func (f *fakeEngine) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeEngine) set(next func(ctx context.Context) (*syncpkg.CycleResult, error)) {
	f.mu.Lock()
	f.next = next
	f.mu.Unlock()
}

func failWith(err error) func(context.Context) (*syncpkg.CycleResult, error) {
	return func(context.Context) (*syncpkg.CycleResult, error) {
		return &syncpkg.CycleResult{Outcome: syncpkg.OutcomeFailed}, err
	}
}

// createTestScheduler creates a scheduler around a fake engine.
func createTestScheduler(t *testing.T, interval time.Duration) (*fakeEngine, *Scheduler) {
	t.Helper()
	engine := &fakeEngine{}
	config := &SchedulerConfig{
		SyncInterval: interval,
		CycleTimeout: time.Second,
		Backoff:      retry.Policy{MaxAttempts: 5, Base: 20 * time.Millisecond, Max: 80 * time.Millisecond},
	}
	return engine, NewScheduler(engine, config)
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =====================================================
// Construction Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.SyncInterval != 15*time.Minute {
		t.Errorf("SyncInterval = %v, want 15m", config.SyncInterval)
	}
	if config.CycleTimeout != 5*time.Minute {
		t.Errorf("CycleTimeout = %v, want 5m", config.CycleTimeout)
	}
	if config.Backoff != retry.DefaultPolicy() {
		t.Errorf("Backoff = %+v, want default policy", config.Backoff)
	}
}

// TestNewScheduler_defaults verifies zero values fall back to defaults.
func TestNewScheduler_defaults(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, nil)
	if s.syncInterval != 15*time.Minute || s.cycleTimeout != 5*time.Minute {
		t.Errorf("nil config: interval=%v timeout=%v", s.syncInterval, s.cycleTimeout)
	}

	s = NewScheduler(&fakeEngine{}, &SchedulerConfig{})
	if s.syncInterval != 15*time.Minute || s.cycleTimeout != 5*time.Minute {
		t.Errorf("zero config: interval=%v timeout=%v", s.syncInterval, s.cycleTimeout)
	}
	if !s.IsOnline() {
		t.Error("new scheduler should assume online")
	}
	if s.IsRunning() {
		t.Error("new scheduler should not be running")
	}
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestScheduler_Start_idempotent verifies a second Start is a no-op.
func TestScheduler_Start_idempotent(t *testing.T) {
	_, s := createTestScheduler(t, time.Hour)

	s.Start(context.Background())
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Error("scheduler should be running")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("scheduler should be stopped")
	}
}

// TestScheduler_periodic verifies cycles run on the interval.
func TestScheduler_periodic(t *testing.T) {
	engine, s := createTestScheduler(t, 10*time.Millisecond)

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, "two periodic cycles", func() bool { return engine.Calls() >= 2 })
}

// TestScheduler_parentContext verifies the loop exits with its context.
func TestScheduler_parentContext(t *testing.T) {
	_, s := createTestScheduler(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	s.Stop()
}

// TestScheduler_Stop_cancelsCycle verifies Stop cancels and waits for an
// in-flight cycle.
func TestScheduler_Stop_cancelsCycle(t *testing.T) {
	engine, s := createTestScheduler(t, time.Hour)
	started := make(chan struct{})
	var sawCancel atomic.Bool
	engine.set(func(ctx context.Context) (*syncpkg.CycleResult, error) {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return &syncpkg.CycleResult{Outcome: syncpkg.OutcomeCancelled}, nil
	})

	s.Start(context.Background())
	if !s.TriggerSync() {
		t.Fatal("TriggerSync() = false, want true")
	}
	<-started
	s.Stop()

	if !sawCancel.Load() {
		t.Error("Stop returned before the cycle observed cancellation")
	}
	if got := s.GetStatus().ConsecutiveFailures; got != 0 {
		t.Errorf("cancelled cycle counted as failure: %d", got)
	}
}

// =====================================================
// Trigger and Online Status Tests
// =====================================================

// TestScheduler_TriggerSync_coalesces verifies a pending request absorbs
// further triggers.
func TestScheduler_TriggerSync_coalesces(t *testing.T) {
	_, s := createTestScheduler(t, time.Hour)

	if !s.TriggerSync() {
		t.Error("first TriggerSync() = false, want true")
	}
	if s.TriggerSync() {
		t.Error("second TriggerSync() = true, want false while one is pending")
	}
}

// TestScheduler_offline verifies periodic cycles pause while offline and
// that reconnecting triggers a cycle.
func TestScheduler_offline(t *testing.T) {
	engine, s := createTestScheduler(t, 10*time.Millisecond)
	s.SetOnlineStatus(false)

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	if got := engine.Calls(); got != 0 {
		t.Fatalf("offline scheduler ran %d cycles", got)
	}

	s.SetOnlineStatus(true)
	waitFor(t, "cycle after reconnect", func() bool { return engine.Calls() >= 1 })
}

// TestScheduler_SetOnlineStatus_triggers verifies only the offline to
// online transition requests a cycle.
func TestScheduler_SetOnlineStatus_triggers(t *testing.T) {
	engine, s := createTestScheduler(t, time.Hour)

	s.Start(context.Background())
	defer s.Stop()

	s.SetOnlineStatus(true) // already online
	time.Sleep(30 * time.Millisecond)
	if got := engine.Calls(); got != 0 {
		t.Fatalf("no-op status change ran %d cycles", got)
	}

	s.SetOnlineStatus(false)
	s.SetOnlineStatus(true)
	waitFor(t, "cycle after reconnect", func() bool { return engine.Calls() == 1 })
}

// =====================================================
// Outcome Tests
// =====================================================

// TestScheduler_SyncNow_success verifies a successful cycle is recorded.
func TestScheduler_SyncNow_success(t *testing.T) {
	engine, s := createTestScheduler(t, time.Hour)
	engine.set(func(context.Context) (*syncpkg.CycleResult, error) {
		return &syncpkg.CycleResult{Outcome: syncpkg.OutcomeSuccess, Pushed: 2}, nil
	})

	result, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if result.Pushed != 2 {
		t.Errorf("Pushed = %d, want 2", result.Pushed)
	}

	status := s.GetStatus()
	if status.LastSyncTime == nil {
		t.Error("LastSyncTime not set after success")
	}
	if status.LastResult != result {
		t.Error("LastResult not recorded")
	}
	if status.NextDelay != time.Hour {
		t.Errorf("NextDelay = %v, want interval", status.NextDelay)
	}
}

// TestScheduler_backoff verifies consecutive failures grow the delay and a
// success resets it.
func TestScheduler_backoff(t *testing.T) {
	engine, s := createTestScheduler(t, time.Hour)
	engine.set(failWith(errors.New(errors.ErrNetworkFailure, "offline")))

	want := []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond, 80 * time.Millisecond}
	for i, d := range want {
		if _, err := s.SyncNow(context.Background()); err == nil {
			t.Fatal("SyncNow() should fail")
		}
		status := s.GetStatus()
		if status.ConsecutiveFailures != i+1 {
			t.Errorf("failures = %d, want %d", status.ConsecutiveFailures, i+1)
		}
		if status.NextDelay != d {
			t.Errorf("after %d failures NextDelay = %v, want %v", i+1, status.NextDelay, d)
		}
	}
	if s.GetStatus().LastSyncTime != nil {
		t.Error("failed cycles must not set LastSyncTime")
	}

	engine.set(nil)
	if _, err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if status := s.GetStatus(); status.ConsecutiveFailures != 0 || status.NextDelay != time.Hour {
		t.Errorf("after success: failures=%d delay=%v", status.ConsecutiveFailures, status.NextDelay)
	}
}

// TestScheduler_partialSuccess verifies a partial cycle backs off but still
// counts as a sync.
func TestScheduler_partialSuccess(t *testing.T) {
	engine, s := createTestScheduler(t, time.Hour)
	engine.set(func(context.Context) (*syncpkg.CycleResult, error) {
		return &syncpkg.CycleResult{Outcome: syncpkg.OutcomePartialSuccess, FailedPushCount: 1}, nil
	})

	if _, err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	status := s.GetStatus()
	if status.ConsecutiveFailures != 1 {
		t.Errorf("failures = %d, want 1", status.ConsecutiveFailures)
	}
	if status.LastSyncTime == nil {
		t.Error("partial success should set LastSyncTime")
	}
}

// TestScheduler_alreadyInProgress verifies a busy engine is not a failure.
func TestScheduler_alreadyInProgress(t *testing.T) {
	engine, s := createTestScheduler(t, time.Hour)
	engine.set(func(context.Context) (*syncpkg.CycleResult, error) {
		return nil, errors.New(errors.ErrSyncAlreadyInProgress, "busy")
	})

	_, err := s.SyncNow(context.Background())
	if !errors.Is(err, errors.ErrSyncAlreadyInProgress) {
		t.Fatalf("err = %v, want SYNC_ALREADY_IN_PROGRESS", err)
	}
	if got := s.GetStatus().ConsecutiveFailures; got != 0 {
		t.Errorf("failures = %d, want 0", got)
	}
}

// TestScheduler_SyncNow_overlap verifies a second SyncNow is rejected while
// one is running.
func TestScheduler_SyncNow_overlap(t *testing.T) {
	engine, s := createTestScheduler(t, time.Hour)
	started, release := make(chan struct{}), make(chan struct{})
	engine.set(func(context.Context) (*syncpkg.CycleResult, error) {
		close(started)
		<-release
		return &syncpkg.CycleResult{Outcome: syncpkg.OutcomeSuccess}, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.SyncNow(context.Background())
		done <- err
	}()
	<-started

	if !s.GetStatus().SyncInProgress {
		t.Error("SyncInProgress = false during a cycle")
	}
	if _, err := s.SyncNow(context.Background()); !errors.Is(err, errors.ErrSyncAlreadyInProgress) {
		t.Errorf("overlapping SyncNow err = %v", err)
	}
	if s.TriggerSync() {
		t.Error("TriggerSync() = true during a cycle")
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first SyncNow err = %v", err)
	}
	if engine.Calls() != 1 {
		t.Errorf("engine calls = %d, want 1", engine.Calls())
	}
}

// TestScheduler_authFailure verifies rejected credentials pause periodic
// cycles until a sync is requested explicitly.
func TestScheduler_authFailure(t *testing.T) {
	engine, s := createTestScheduler(t, 10*time.Millisecond)
	engine.set(failWith(errors.New(errors.ErrAuthFailure, "bad key")))

	if _, err := s.SyncNow(context.Background()); err == nil {
		t.Fatal("SyncNow() should fail")
	}
	if !s.GetStatus().AuthBlocked {
		t.Fatal("AuthBlocked = false after AUTH_FAILURE")
	}

	engine.set(nil)
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(60 * time.Millisecond)
	if got := engine.Calls(); got != 1 {
		t.Fatalf("blocked scheduler ran %d periodic cycles", got-1)
	}

	s.TriggerSync()
	waitFor(t, "triggered cycle", func() bool { return engine.Calls() >= 2 })
	waitFor(t, "block cleared", func() bool { return !s.GetStatus().AuthBlocked })
}

// TestScheduler_permanentFailures verifies each exhausted entry is reported
// once and does not push the schedule into backoff.
func TestScheduler_permanentFailures(t *testing.T) {
	var mu sync.Mutex
	var reported []error

	engine := &fakeEngine{}
	s := NewScheduler(engine, &SchedulerConfig{
		SyncInterval: time.Hour,
		Backoff:      retry.Policy{MaxAttempts: 5, Base: time.Minute, Max: 32 * time.Minute},
		OnPermanentFailure: func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		},
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(reported)
	}

	exhausted := func(id int64) error {
		msg := "rejected"
		return retry.PermanentFailure(&models.JournalEntry{ID: id, RecordID: fmt.Sprintf("r%d", id), SyncAttempts: 5, LastError: &msg})
	}
	perm := []error{exhausted(1), exhausted(2)}
	engine.set(func(context.Context) (*syncpkg.CycleResult, error) {
		return &syncpkg.CycleResult{Outcome: syncpkg.OutcomePartialSuccess, FailedPushCount: 2, PermanentFailures: perm}, nil
	})

	for i := 0; i < 6; i++ {
		if _, err := s.SyncNow(context.Background()); err != nil {
			t.Fatalf("SyncNow() #%d error = %v", i+1, err)
		}
	}
	if got := count(); got != 2 {
		t.Fatalf("reported %d failures, want 2", got)
	}
	for i, err := range reported {
		if !errors.Is(err, errors.ErrSyncPermanentPushFailure) {
			t.Errorf("reported[%d] = %v", i, err)
		}
	}
	status := s.GetStatus()
	if status.ConsecutiveFailures != 0 || status.NextDelay != time.Hour {
		t.Errorf("failures=%d delay=%v, want 0 and 1h", status.ConsecutiveFailures, status.NextDelay)
	}

	// A transient failure alongside the exhausted entries still backs off.
	engine.set(func(context.Context) (*syncpkg.CycleResult, error) {
		return &syncpkg.CycleResult{Outcome: syncpkg.OutcomePartialSuccess, FailedPushCount: 3, PermanentFailures: perm}, nil
	})
	s.SyncNow(context.Background())
	if status := s.GetStatus(); status.ConsecutiveFailures != 1 {
		t.Errorf("failures = %d, want 1", status.ConsecutiveFailures)
	}
	if got := count(); got != 2 {
		t.Errorf("reported %d failures, want still 2", got)
	}

	// Entry 2 was re-armed and pushed; if it exhausts again it is reported again.
	engine.set(func(context.Context) (*syncpkg.CycleResult, error) {
		return &syncpkg.CycleResult{Outcome: syncpkg.OutcomePartialSuccess, FailedPushCount: 1, PermanentFailures: perm[:1]}, nil
	})
	s.SyncNow(context.Background())
	engine.set(func(context.Context) (*syncpkg.CycleResult, error) {
		return &syncpkg.CycleResult{Outcome: syncpkg.OutcomePartialSuccess, FailedPushCount: 2, PermanentFailures: perm}, nil
	})
	s.SyncNow(context.Background())
	if got := count(); got != 3 {
		t.Errorf("reported %d failures, want 3", got)
	}

	// A failed cycle never reached the push phase and forgets nothing.
	engine.set(failWith(errors.New(errors.ErrNetworkFailure, "offline")))
	s.SyncNow(context.Background())
	engine.set(func(context.Context) (*syncpkg.CycleResult, error) {
		return &syncpkg.CycleResult{Outcome: syncpkg.OutcomePartialSuccess, FailedPushCount: 2, PermanentFailures: perm}, nil
	})
	s.SyncNow(context.Background())
	if got := count(); got != 3 {
		t.Errorf("reported %d failures after an offline cycle, want 3", got)
	}
}

// TestScheduler_cycleTimeout verifies each cycle gets a deadline.
func TestScheduler_cycleTimeout(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(engine, &SchedulerConfig{SyncInterval: time.Hour, CycleTimeout: 20 * time.Millisecond})
	engine.set(func(ctx context.Context) (*syncpkg.CycleResult, error) {
		if _, ok := ctx.Deadline(); !ok {
			return nil, fmt.Errorf("no deadline")
		}
		<-ctx.Done()
		return &syncpkg.CycleResult{Outcome: syncpkg.OutcomeCancelled}, nil
	})

	result, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if result.Outcome != syncpkg.OutcomeCancelled {
		t.Errorf("Outcome = %v, want cancelled", result.Outcome)
	}
}
