package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/henrycorner-dev/localsync/internal/db"
	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/validate"
)

func newValidateCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate [db-path]",
		Short: "Audit a database for sync invariant violations",
		Long: `Scans records, the change journal and conflicts without modifying them.

Exits 0 when no errors are found and 1 otherwise. Warnings do not affect
the exit code.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Database.Path
			if len(args) == 1 {
				path = args[0]
			}
			if err := requireFile(path); err != nil {
				return err
			}

			database, err := db.OpenReadOnly(path)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to open database", err)
			}
			defer database.Close()
			repo := db.NewRepository(database.DB)
			defer repo.Close()

			report, err := validate.New(repo).Validate(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				if err := writeJSON(a.out, report); err != nil {
					return err
				}
			} else {
				printReport(a.out, path, report)
			}
			if !report.OK() {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printReport(w io.Writer, path string, r *validate.Report) {
	fmt.Fprintf(w, "Validated %s\n", path)
	fmt.Fprintf(w, "  records: %d (dirty %d, deleted %d)\n", r.Stats.Records, r.Stats.DirtyRecords, r.Stats.DeletedRecords)
	fmt.Fprintf(w, "  journal: %d entries (pending %d, failed %d)\n", r.Stats.JournalEntries, r.Stats.PendingEntries, r.Stats.FailedEntries)
	fmt.Fprintf(w, "  conflicts: %d open, %d resolved\n", r.Stats.OpenConflicts, r.Stats.ResolvedConflicts)

	for _, issue := range r.Errors {
		fmt.Fprintf(w, "ERROR   %s\n", issue)
	}
	for _, issue := range r.Warnings {
		fmt.Fprintf(w, "WARNING %s\n", issue)
	}
	fmt.Fprintf(w, "%d errors, %d warnings\n", len(r.Errors), len(r.Warnings))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
