package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrypster/companion/internal/backup"
	"github.com/scrypster/companion/internal/config"
)

var errBackupEngine = errors.New("backups are only supported for the sqlite storage engine")

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot, list and restore the SQLite memory store",
	Long: `Manages snapshots of the SQLite memory store. Snapshots are written with
VACUUM INTO, so they are consistent even while the service is running.
Scheduled snapshots are taken by "serve" when COMPANION_BACKUP_INTERVAL is set.`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a snapshot now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newBackupService(cfg)
		if err != nil {
			return err
		}
		snap, err := svc.Create(commandContext(cmd))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes, verified=%t)\n", snap.Path, snap.Size, snap.Verified)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newBackupService(cfg)
		if err != nil {
			return err
		}
		snaps, err := svc.List()
		if err != nil {
			return err
		}
		for _, s := range snaps {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %10d  %s\n", s.Timestamp.Format("2006-01-02 15:04:05"), s.Size, s.Path)
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore [snapshot]",
	Short: "Replace the store with a snapshot (stop the service first)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newBackupService(cfg)
		if err != nil {
			return err
		}
		if err := svc.Restore(commandContext(cmd), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", cfg.Storage.SQLitePath())
		return nil
	},
}

var backupHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report snapshot count, disk use and overdue backups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newBackupService(cfg)
		if err != nil {
			return err
		}
		st, err := svc.Health()
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), st)
	},
}

func init() {
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupRestoreCmd, backupHealthCmd)
	rootCmd.AddCommand(backupCmd)
}

func newBackupService(c *config.Config) (*backup.Service, error) {
	if c.Storage.Engine != "sqlite" {
		return nil, errBackupEngine
	}
	return backup.New(backup.Config{
		DBPath:   c.Storage.SQLitePath(),
		Dir:      c.BackupDir(),
		Interval: c.Backup.Interval,
		Verify:   c.Backup.Verify,
		Retention: backup.Retention{
			Hourly:  c.Backup.KeepHourly,
			Daily:   c.Backup.KeepDaily,
			Weekly:  c.Backup.KeepWeekly,
			Monthly: c.Backup.KeepMonthly,
		},
		Logger: logger.Named("backup"),
	})
}
