package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/logging"
	"github.com/henrycorner-dev/localsync/internal/sync/scheduler"
)

func newRunCmd(a *app) *cobra.Command {
	var report time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync in the background until interrupted",
		Long: `Runs a sync cycle immediately and then every sync.interval, backing off
after failures. Stops on SIGINT or SIGTERM after the current cycle.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runScheduler(ctx, report)
		},
	}
	cmd.Flags().DurationVar(&report, "report-interval", time.Minute, "how often to log scheduler status; 0 disables")
	return cmd
}

// runScheduler drives the engine until ctx is done.
func (a *app) runScheduler(ctx context.Context, report time.Duration) error {
	e, err := a.openEnv(ctx, true)
	if err != nil {
		return err
	}
	defer e.close()

	sched := scheduler.NewScheduler(e.engine, &scheduler.SchedulerConfig{
		SyncInterval: a.cfg.Sync.Interval,
		CycleTimeout: a.cfg.Sync.CycleTimeout,
		Backoff:      a.cfg.RetryPolicy(),
		OnPermanentFailure: func(err error) {
			logging.ErrorWithCode("Push permanently failed", string(apperrors.CodeOf(err)), err)
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(gctx)
		sched.TriggerSync()
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	if report > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(report)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					logStatus(sched.GetStatus())
				}
			}
		})
	}
	err = g.Wait()
	logStatus(sched.GetStatus())
	return err
}

func logStatus(st scheduler.SchedulerStatus) {
	fields := map[string]interface{}{
		"online":               st.IsOnline,
		"auth_blocked":         st.AuthBlocked,
		"consecutive_failures": st.ConsecutiveFailures,
		"next_delay_seconds":   st.NextDelay.Seconds(),
	}
	if st.LastSyncTime != nil {
		fields["last_sync"] = st.LastSyncTime.UTC().Format(time.RFC3339)
	}
	if st.LastResult != nil {
		fields["last_outcome"] = st.LastResult.Outcome
	}
	logging.Info("Scheduler status", fields)
}
