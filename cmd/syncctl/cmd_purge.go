package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Permanently remove deleted records the remote has acknowledged",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFile(a.cfg.Database.Path); err != nil {
				return err
			}
			e, err := a.openEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.close()

			n, err := e.store.PurgeDeleted(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Purged %d records\n", n)
			return nil
		},
	}
}
