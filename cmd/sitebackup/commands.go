package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/HerbHall/sitebackup/internal/backup"
)

func newCreateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Archive the data root into the backup store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeFn, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			info, err := svc.Create(cmd.Context())
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", info.Filename, humanize.Bytes(uint64(info.Size)))
			return nil
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archives, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeFn, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			archives, err := svc.List()
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), archives)
			}
			if len(archives) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no archives in", svc.Settings().StorePath())
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILENAME\tSIZE\tCREATED")
			for _, info := range archives {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Filename,
					humanize.Bytes(uint64(info.Size)), humanize.Time(info.CreatedAt))
			}
			return tw.Flush()
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <filename>",
		Short: "Delete one archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			if err := svc.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
			return nil
		},
	}
}

func newRestoreCmd(a *app) *cobra.Command {
	var (
		confirm   string
		clearData bool
	)
	cmd := &cobra.Command{
		Use:   "restore <filename>",
		Short: "Restore an archive onto the data root",
		Long: `Restore an archive onto the data root.

A pre-restore archive of the current state is always taken first. With
--clear, every unprotected top-level entry of the data root is removed
before extraction. The running application must be restarted afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := svc.Restore(cmd.Context(), backup.RestoreRequest{
				Filename:       args[0],
				ConfirmRestore: confirm,
				ClearData:      clearData,
			})
			var rerr *backup.RestoreError
			if errors.As(err, &rerr) {
				fmt.Fprintf(cmd.ErrOrStderr(), "restore failed; the previous state is saved as %s\n", rerr.PreRestoreBackup)
			}
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), res)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "restored %d files from %s\n", res.RestoredFiles, args[0])
			fmt.Fprintf(out, "pre-restore backup: %s\n", res.PreRestoreBackup)
			if len(res.Cleared) > 0 {
				fmt.Fprintf(out, "cleared: %d entries\n", len(res.Cleared))
			}
			for _, f := range res.ClearFailures {
				fmt.Fprintln(out, "clear failed:", f)
			}
			fmt.Fprintf(out, "configuration: restored=%t source=%s\n", res.ConfigRestored, res.ConfigSource)
			for _, w := range res.Warnings {
				fmt.Fprintln(out, "warning:", w)
			}
			fmt.Fprintln(out, res.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&confirm, "confirm", "", "confirmation token (backup.confirm_token)")
	cmd.Flags().BoolVar(&clearData, "clear", false, "remove unprotected data before extracting")
	_ = cmd.MarkFlagRequired("confirm")
	return cmd
}

func newCleanupCmd(a *app) *cobra.Command {
	var days string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete archives older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeFn, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			n := svc.Settings().RetentionDays
			if cmd.Flags().Changed("days") {
				n = backup.ParseRetentionDays(days)
			}
			res, err := svc.Cleanup(cmd.Context(), n)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d archives older than %d days, released %s\n",
				res.DeletedCount, n, humanize.Bytes(uint64(res.ReleasedBytes)))
			return nil
		},
	}
	cmd.Flags().StringVar(&days, "days", "", "maximum archive age in days (default backup.retention_days)")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded backup operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeFn, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			entries, err := svc.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tOPERATION\tSTATUS\tTARGET\tDURATION")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					humanize.Time(e.StartedAt), e.Operation, e.Status, e.Target,
					e.FinishedAt.Sub(e.StartedAt).Round(time.Millisecond))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", backup.DefaultHistoryLimit, "maximum entries")
	return cmd
}

func newEnsureConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-config",
		Short: "Repair the primary configuration from a mirror or the default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeFn, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := svc.EnsureConfig(cmd.Context())
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), res)
			}
			if !res.Repaired {
				fmt.Fprintln(cmd.OutOrStdout(), "primary configuration is valid")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "primary configuration replaced from %s %s\n", res.Source, res.From)
			for _, e := range res.MirrorErrors {
				fmt.Fprintln(cmd.OutOrStdout(), "warning:", e)
			}
			return nil
		},
	}
}
