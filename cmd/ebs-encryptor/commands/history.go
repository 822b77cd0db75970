package commands

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/samber/lo"
	"github.com/securethecloud/ebs-encryptor/internal/config"
	"github.com/securethecloud/ebs-encryptor/pkg/db"
	"github.com/securethecloud/ebs-encryptor/pkg/errors"
	"github.com/securethecloud/ebs-encryptor/pkg/inventory"
	"github.com/spf13/cobra"
)

var (
	historyStatus string
	historyRunID  string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List migration jobs recorded in the journal",
	Long: `Lists journal rows, newest first. Failed rows carry every resource id the
job touched so a partial migration can be finished or rolled back by hand.`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Only show jobs with this status (pending, done, skipped, failed)")
	historyCmd.Flags().StringVar(&historyRunID, "run", "", "Only show jobs from this run id")
}

func runHistory(cmd *cobra.Command, args []string) error {
	validStatuses := []string{db.StatusPending, db.StatusDone, db.StatusSkipped, db.StatusFailed}
	if historyStatus != "" && !slices.Contains(validStatuses, historyStatus) {
		return fmt.Errorf("%w: status must be one of %s", errors.ErrInvalidConfig, strings.Join(validStatuses, ", "))
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath, ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	rows, err := repo.List(context.Background(), historyStatus)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if historyRunID != "" {
		rows = lo.Filter(rows, func(m *db.Migration, _ int) bool { return m.RunID == historyRunID })
	}

	printHistory(cmd.OutOrStdout(), rows)
	return nil
}

func printHistory(w io.Writer, rows []*db.Migration) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No migrations found")
		return
	}

	fmt.Fprintf(w, "%-22s %-22s %-8s %-26s %-22s %-20s\n", "VOLUME", "INSTANCE", "STATUS", "STAGE", "NEW VOLUME", "FINISHED")
	fmt.Fprintln(w, strings.Repeat("-", 124))

	for _, m := range rows {
		fmt.Fprintf(w, "%-22s %-22s %-8s %-26s %-22s %-20s\n",
			m.VolumeID, dash(m.InstanceID), m.Status, dash(m.Stage), dash(m.EncryptedVolumeID), dash(m.FinishedAt))

		switch m.Status {
		case db.StatusSkipped:
			fmt.Fprintf(w, "    reason: %s\n", dash(m.SkipReason))
		case db.StatusFailed:
			for _, line := range remediation(m) {
				fmt.Fprintf(w, "    %s\n", line)
			}
		}
	}
}

// remediation lists what a failed job left behind.
func remediation(m *db.Migration) []string {
	lines := []string{
		"job:    " + m.JobID + " (run " + m.RunID + ")",
		"error:  " + dash(m.ErrorMessage),
	}
	if m.SnapshotID != "" {
		lines = append(lines, "snapshot:           "+m.SnapshotID)
	}
	if m.EncryptedSnapshotID != "" {
		lines = append(lines, "encrypted snapshot: "+m.EncryptedSnapshotID)
		if m.FastRestoreEnabled {
			lines = append(lines, "  fast snapshot restore is still enabled in "+m.AvailabilityZone+"; disable it to stop charges")
		}
	}
	if m.EncryptedVolumeID != "" {
		lines = append(lines, "encrypted volume:   "+m.EncryptedVolumeID)
	}
	if m.SourceDetached {
		lines = append(lines, fmt.Sprintf("  source %s is detached from %s; reattach it or attach %s at %s",
			m.VolumeID, m.InstanceID, dash(m.EncryptedVolumeID), dash(m.DevicePath)))
	}
	if m.StoppedByJob && m.FinalInstanceState != inventory.InstanceStateRunning {
		lines = append(lines, fmt.Sprintf("  instance %s was stopped by this job and may still be stopped", m.InstanceID))
	}
	return lines
}

func dash(s string) string {
	return lo.Ternary(s == "", "-", s)
}
