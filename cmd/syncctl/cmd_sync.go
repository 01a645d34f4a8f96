package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/henrycorner-dev/localsync/internal/sync"
)

func newSyncCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one pull, merge and push cycle against the configured remote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.openEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.close()

			result, err := e.engine.Sync(ctx)
			if result != nil {
				if asJSON {
					if jerr := writeJSON(a.out, resultJSON(result)); jerr != nil {
						return jerr
					}
				} else {
					printResult(a.out, result)
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the cycle result as JSON")
	return cmd
}

func printResult(w io.Writer, r *sync.CycleResult) {
	fmt.Fprintf(w, "Sync %s in %s\n", r.Outcome, r.Duration)
	fmt.Fprintf(w, "  pulled %d: applied %d, skipped %d, conflicts %d (resolved %d, deferred %d)\n",
		r.Pulled, r.Applied, r.Skipped, r.Conflicts, r.Resolved, r.Deferred)
	fmt.Fprintf(w, "  pushed %d, failed %d\n", r.Pushed, r.FailedPushCount)
	for _, perr := range r.PermanentFailures {
		fmt.Fprintf(w, "  permanent failure: %v\n", perr)
	}
	if r.Reason != nil {
		fmt.Fprintf(w, "  reason: %v\n", r.Reason)
	}
}

// cycleJSON is the --json form of a cycle result; errors become strings.
type cycleJSON struct {
	Outcome           sync.Outcome `json:"outcome"`
	Reason            string       `json:"reason,omitempty"`
	DurationMs        int64        `json:"duration_ms"`
	Pulled            int          `json:"pulled"`
	Applied           int          `json:"applied"`
	Skipped           int          `json:"skipped"`
	Conflicts         int          `json:"conflicts"`
	Resolved          int          `json:"resolved"`
	Deferred          int          `json:"deferred"`
	Pushed            int          `json:"pushed"`
	FailedPushCount   int          `json:"failed_push_count"`
	PermanentFailures []string     `json:"permanent_failures,omitempty"`
}

func resultJSON(r *sync.CycleResult) cycleJSON {
	out := cycleJSON{
		Outcome:         r.Outcome,
		DurationMs:      r.Duration.Milliseconds(),
		Pulled:          r.Pulled,
		Applied:         r.Applied,
		Skipped:         r.Skipped,
		Conflicts:       r.Conflicts,
		Resolved:        r.Resolved,
		Deferred:        r.Deferred,
		Pushed:          r.Pushed,
		FailedPushCount: r.FailedPushCount,
	}
	if r.Reason != nil {
		out.Reason = r.Reason.Error()
	}
	for _, err := range r.PermanentFailures {
		out.PermanentFailures = append(out.PermanentFailures, err.Error())
	}
	return out
}
