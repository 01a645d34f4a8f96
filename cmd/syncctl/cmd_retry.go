package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
)

func newRetryCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "retry [entry-id...]",
		Short: "Re-arm journal entries that ran out of push attempts",
		Long: `Clears the attempt count of the given unsynced journal entries, or with
--all of every entry that reached sync.max_push_attempts, so the next sync
pushes them again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return apperrors.New(apperrors.ErrValidation, "give entry ids or --all, not both")
			}
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return apperrors.Newf(apperrors.ErrValidation, "invalid entry id %q", arg)
				}
				ids = append(ids, id)
			}
			if err := requireFile(a.cfg.Database.Path); err != nil {
				return err
			}

			ctx := cmd.Context()
			e, err := a.openEnv(ctx, false)
			if err != nil {
				return err
			}
			defer e.close()

			n := 0
			if all {
				if n, err = e.journal.ResetExhausted(ctx, a.cfg.RetryPolicy().MaxAttempts); err != nil {
					return err
				}
			}
			for _, id := range ids {
				if err := e.journal.ResetAttempts(ctx, id); err != nil {
					return err
				}
				n++
			}
			fmt.Fprintf(a.out, "Re-armed %d journal entries\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "re-arm every exhausted entry")
	return cmd
}
