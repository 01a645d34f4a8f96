package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/models"
	"github.com/henrycorner-dev/localsync/internal/sync/conflict"
)

func newConflictsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve conflicts held for manual review",
	}
	cmd.AddCommand(newConflictsListCmd(a), newConflictsResolveCmd(a))
	return cmd
}

func newConflictsListCmd(a *app) *cobra.Command {
	var all, asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open conflicts, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFile(a.cfg.Database.Path); err != nil {
				return err
			}
			database, repo, err := a.openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			defer repo.Close()

			conflicts, err := repo.ListConflicts(cmd.Context(), !all)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflicts", err)
			}
			if asJSON {
				if conflicts == nil {
					conflicts = []*models.Conflict{}
				}
				return writeJSON(a.out, conflicts)
			}
			if len(conflicts) == 0 {
				fmt.Fprintln(a.out, "No conflicts")
				return nil
			}
			for _, c := range conflicts {
				state := "open"
				if c.Resolved {
					state = "resolved (" + string(c.Strategy) + ")"
				}
				fmt.Fprintf(a.out, "%s  record=%s  created=%s  %s\n", c.ID, c.RecordID,
					c.CreatedAtTime().UTC().Format("2006-01-02T15:04:05Z"), state)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print conflicts as JSON")
	return cmd
}

func newConflictsResolveCmd(a *app) *cobra.Command {
	var take, payload, payloadFile string
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict by taking one side or supplying a payload",
		Long: `Resolves an open conflict and writes the result back as a local change,
which the next sync pushes. Exactly one of --take, --payload and
--payload-file must be given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set := 0
			for _, v := range []string{take, payload, payloadFile} {
				if v != "" {
					set++
				}
			}
			if set != 1 {
				return apperrors.New(apperrors.ErrValidation, "exactly one of --take, --payload or --payload-file is required")
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

			var rec *models.Record
			switch {
			case take != "":
				side := conflict.Winner(take)
				if side != conflict.WinnerLocal && side != conflict.WinnerRemote {
					return apperrors.Newf(apperrors.ErrValidation, "--take must be local or remote, got %q", take)
				}
				rec, err = e.engine.TakeSide(ctx, args[0], side)
			default:
				data := []byte(payload)
				if payloadFile != "" {
					if data, err = os.ReadFile(payloadFile); err != nil {
						return apperrors.Wrap(apperrors.ErrValidation, "failed to read payload file", err)
					}
				}
				rec, err = e.engine.ResolveConflict(ctx, args[0], json.RawMessage(data))
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "Resolved %s: record %s is now version %d\n", args[0], rec.ID, rec.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&take, "take", "", "keep the local or remote side")
	cmd.Flags().StringVar(&payload, "payload", "", "resolved JSON payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "file holding the resolved JSON payload")
	return cmd
}
