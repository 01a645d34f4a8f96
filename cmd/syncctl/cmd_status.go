package main

import (
	"fmt"

	"github.com/spf13/cobra"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/models"
	"github.com/henrycorner-dev/localsync/internal/uuid"
)

// statusJSON is the status report.
type statusJSON struct {
	Database       string `json:"database"`
	DeviceID       string `json:"device_id"`
	SyncEnabled    bool   `json:"sync_enabled"`
	Cursor         int64  `json:"cursor"`
	Remote         string `json:"remote"`
	Records        int    `json:"records"`
	DirtyRecords   int    `json:"dirty_records"`
	JournalEntries int    `json:"journal_entries"`
	PendingEntries int    `json:"pending_entries"`
	OpenConflicts  int    `json:"open_conflicts"`
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync metadata and pending work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := requireFile(a.cfg.Database.Path); err != nil {
				return err
			}
			e, err := a.openEnv(ctx, false)
			if err != nil {
				return err
			}
			defer e.close()

			meta, err := e.repo.EnsureSyncMeta(ctx, uuid.NewDeviceID())
			if err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to load sync metadata", err)
			}
			st := statusJSON{
				Database:    a.cfg.Database.Path,
				DeviceID:    meta.DeviceID,
				SyncEnabled: meta.SyncEnabled,
				Cursor:      meta.LastSyncAt,
				Remote:      a.cfg.Remote.Kind,
			}
			if st.Records, st.DirtyRecords, err = e.repo.CountRecords(ctx); err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to count records", err)
			}
			if st.JournalEntries, _, err = e.repo.CountJournal(ctx); err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to count journal entries", err)
			}
			if st.PendingEntries, err = e.engine.PendingChanges(ctx); err != nil {
				return err
			}
			open, err := e.repo.ListConflicts(ctx, true)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflicts", err)
			}
			st.OpenConflicts = len(open)

			if asJSON {
				return writeJSON(a.out, st)
			}
			remote := st.Remote
			if remote == "" {
				remote = "none"
			}
			w := a.out
			fmt.Fprintf(w, "Database:   %s\n", st.Database)
			fmt.Fprintf(w, "Device:     %s\n", st.DeviceID)
			fmt.Fprintf(w, "Remote:     %s (sync enabled: %t)\n", remote, st.SyncEnabled)
			if st.Cursor > 0 {
				fmt.Fprintf(w, "Cursor:     %d (%s)\n", st.Cursor, models.TimeOf(st.Cursor).UTC().Format("2006-01-02T15:04:05Z"))
			} else {
				fmt.Fprintln(w, "Cursor:     never synced")
			}
			fmt.Fprintf(w, "Records:    %d (%d dirty)\n", st.Records, st.DirtyRecords)
			fmt.Fprintf(w, "Journal:    %d entries (%d pending)\n", st.JournalEntries, st.PendingEntries)
			fmt.Fprintf(w, "Conflicts:  %d open\n", st.OpenConflicts)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}
