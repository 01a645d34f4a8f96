// Package scheduler runs sync cycles in the background: periodically while
// online, immediately on request, and with exponential backoff after
// failed or partially failed cycles.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/logging"
	syncpkg "github.com/henrycorner-dev/localsync/internal/sync"
	"github.com/henrycorner-dev/localsync/internal/sync/retry"
)

// Engine is the part of the sync engine the scheduler drives.
type Engine interface {
	Sync(ctx context.Context) (*syncpkg.CycleResult, error)
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine       Engine
	syncInterval time.Duration
	cycleTimeout time.Duration
	policy       retry.Policy
	onPermanent  func(error)
	now          func() time.Time

	triggerCh chan struct{}
	cancel    context.CancelFunc
	group     *errgroup.Group

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	authBlocked    bool
	syncInProgress bool
	failures       int
	reported       map[int64]bool // exhausted journal entries already surfaced
	lastSyncTime   time.Time
	lastResult     *syncpkg.CycleResult
	lastErr        error
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to sync when online and healthy (default: 15 minutes)
	CycleTimeout time.Duration // Deadline for one cycle (default: 5 minutes)
	// Backoff sets the retry delay after consecutive failed cycles.
	Backoff retry.Policy
	// OnPermanentFailure receives each SYNC_PERMANENT_PUSH_FAILURE error
	// once per exhausted journal entry, not on every cycle that reports it.
	OnPermanentFailure func(err error)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 15 * time.Minute,
		CycleTimeout: 5 * time.Minute,
		Backoff:      retry.DefaultPolicy(),
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine Engine, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	s := &Scheduler{
		engine:       engine,
		syncInterval: config.SyncInterval,
		cycleTimeout: config.CycleTimeout,
		policy:       config.Backoff,
		onPermanent:  config.OnPermanentFailure,
		now:          time.Now,
		triggerCh:    make(chan struct{}, 1),
		isOnline:     true, // Assume online initially
	}
	if s.syncInterval <= 0 {
		s.syncInterval = def.SyncInterval
	}
	if s.cycleTimeout <= 0 {
		s.cycleTimeout = def.CycleTimeout
	}
	return s
}

// Start starts the background loop. It stops when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return
	}
	s.isRunning = true

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	s.cancel, s.group = cancel, g
	g.Go(func() error {
		s.periodicSyncLoop(gctx)
		return nil
	})

	logging.Info("Background sync scheduler started",
		map[string]interface{}{"interval_seconds": s.syncInterval.Seconds()})
}

// Stop stops the background loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel, g := s.cancel, s.group
	s.mu.Unlock()

	cancel()
	_ = g.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status of the scheduler. Periodic
// cycles only run while online; coming back online triggers a cycle and
// clears a credential block so the new connection is tried.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	if isOnline && !wasOnline {
		s.authBlocked = false
	}
	s.mu.Unlock()

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
		if isOnline {
			s.TriggerSync()
		}
	}
}

// periodicSyncLoop runs cycles on the timer and on triggers.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	timer := time.NewTimer(s.syncInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if s.periodicAllowed() {
				s.runSync(ctx)
			}
		case <-s.triggerCh:
			if s.IsOnline() {
				s.runSync(ctx)
			}
		}
		timer.Reset(s.nextDelay())
	}
}

func (s *Scheduler) periodicAllowed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isOnline {
		logging.Debug("Skipping sync - scheduler is offline", nil)
		return false
	}
	if s.authBlocked {
		logging.Debug("Skipping sync - remote rejected credentials", nil)
		return false
	}
	return true
}

// nextDelay is the sync interval while healthy and the backoff delay after
// consecutive failures.
func (s *Scheduler) nextDelay() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failures == 0 {
		return s.syncInterval
	}
	return s.policy.Backoff(s.failures - 1)
}

// runSync executes one cycle and records its outcome.
func (s *Scheduler) runSync(ctx context.Context) (*syncpkg.CycleResult, error) {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		return nil, errors.New(errors.ErrSyncAlreadyInProgress, "sync already in progress")
	}
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	s.record(result, err)
	return result, err
}

func (s *Scheduler) record(result *syncpkg.CycleResult, err error) {
	if errors.Is(err, errors.ErrSyncAlreadyInProgress) {
		logging.Debug("Sync already in progress, skipping", nil)
		return
	}

	s.mu.Lock()
	fresh := s.notePermanent(result, err)
	s.lastResult, s.lastErr = result, err

	switch {
	case err != nil || result == nil || result.Outcome == syncpkg.OutcomeFailed:
		s.failures++
		if errors.Is(err, errors.ErrAuthFailure) {
			s.authBlocked = true
		}
		logging.ErrorWithCode("Scheduled sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{
				"consecutive_failures": s.failures,
				"auth_blocked":         s.authBlocked,
			})
	case result.Outcome == syncpkg.OutcomePartialSuccess:
		s.lastSyncTime = s.now()
		// Exhausted entries are surfaced, not retried, so they do not slow
		// the schedule for healthy records.
		if transient := result.FailedPushCount - len(result.PermanentFailures); transient > 0 {
			s.failures++
		} else {
			s.failures = 0
		}
		logging.Warn("Scheduled sync partially failed",
			map[string]interface{}{
				"failed_pushes":        result.FailedPushCount,
				"permanent_failures":   len(result.PermanentFailures),
				"consecutive_failures": s.failures,
			})
	case result.Outcome == syncpkg.OutcomeCancelled:
		logging.Info("Scheduled sync cancelled", nil)
	default:
		s.failures = 0
		s.lastSyncTime = s.now()
		logging.Info("Scheduled sync completed",
			map[string]interface{}{
				"pulled":    result.Pulled,
				"pushed":    result.Pushed,
				"conflicts": result.Conflicts,
			})
	}
	s.mu.Unlock()

	if s.onPermanent != nil {
		for _, perr := range fresh {
			s.onPermanent(perr)
		}
	}
}

// notePermanent returns the permanent failures not reported by an earlier
// cycle. An entry that stops failing and later exhausts again is reported
// again. Cycles that never reached the push phase leave the set alone.
// Callers hold s.mu.
func (s *Scheduler) notePermanent(result *syncpkg.CycleResult, err error) []error {
	if err != nil || result == nil {
		return nil
	}
	if result.Outcome != syncpkg.OutcomeSuccess && result.Outcome != syncpkg.OutcomePartialSuccess {
		return nil
	}

	var fresh []error
	current := make(map[int64]bool, len(result.PermanentFailures))
	for _, perr := range result.PermanentFailures {
		entry, ok := retry.ExhaustedEntryOf(perr)
		if !ok {
			fresh = append(fresh, perr)
			continue
		}
		current[entry.EntryID] = true
		if !s.reported[entry.EntryID] {
			fresh = append(fresh, perr)
		}
	}
	s.reported = current
	return fresh
}

// TriggerSync requests an immediate cycle from the background loop.
// Returns false if a cycle is running or a request is already pending.
func (s *Scheduler) TriggerSync() bool {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		return false
	}
	s.authBlocked = false
	s.mu.Unlock()

	select {
	case s.triggerCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// SyncNow runs a cycle on the caller's goroutine and returns its result.
// It also clears a credential block.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.CycleResult, error) {
	s.mu.Lock()
	s.authBlocked = false
	s.mu.Unlock()
	return s.runSync(ctx)
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning           bool
	IsOnline            bool
	AuthBlocked         bool
	SyncInProgress      bool
	ConsecutiveFailures int
	NextDelay           time.Duration
	LastSyncTime        *time.Time
	LastResult          *syncpkg.CycleResult
	LastError           error
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	delay := s.nextDelay()

	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:           s.isRunning,
		IsOnline:            s.isOnline,
		AuthBlocked:         s.authBlocked,
		SyncInProgress:      s.syncInProgress,
		ConsecutiveFailures: s.failures,
		NextDelay:           delay,
		LastResult:          s.lastResult,
		LastError:           s.lastErr,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
