package commands

import (
	"context"
	"fmt"

	"github.com/securethecloud/ebs-encryptor/internal/config"
	"github.com/securethecloud/ebs-encryptor/internal/logger"
	"github.com/securethecloud/ebs-encryptor/pkg/cloud"
	"github.com/securethecloud/ebs-encryptor/pkg/errors"
	"github.com/securethecloud/ebs-encryptor/pkg/inventory"
	"github.com/spf13/cobra"
)

var scanInstances []string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Report unencrypted attached volumes, grouped by instance",
	Long:  `Lists every unencrypted, attached volume in the profile's region. Read-only.`,
	RunE:  runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringSliceVar(&scanInstances, "instance", nil, "Only report volumes attached to these instance ids")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if err := validateInstanceIDs(scanInstances); err != nil {
		return err
	}

	run, err := setupRun(func(cfg *config.Config, p config.Profile) string {
		return logger.ScanLogPath(cfg.LogDir, p.ClientName)
	}, false)
	if err != nil {
		return err
	}
	defer run.log.Close()
	log := run.log.Logger

	log.Info("scan_started", "profile", run.profile.Name, "region", run.profile.Region, "client_name", run.profile.ClientName)

	awsCfg, err := cloud.LoadAWSConfig(ctx, run.profile.AWSProfile, run.profile.Region, run.cfg.AWSMaxAttempts)
	if err != nil {
		return err
	}

	scanner := inventory.NewScanner(cloud.NewEC2(awsCfg, log), log,
		inventory.WithLimit(run.cfg.Limit),
		inventory.WithInstanceIDs(scanInstances...),
	)
	records, err := scanner.Collect(ctx)
	if err != nil {
		log.Error("scan_failed", "error", err)
		return errors.Wrap(err, "scan failed")
	}

	groups := inventory.GroupByInstance(records)
	for _, g := range groups {
		for _, v := range g.Volumes {
			log.Info("unencrypted_volume",
				"instance_id", g.InstanceID,
				"instance_name", g.InstanceName,
				"volume_id", v.VolumeID,
				"volume_name", v.VolumeName,
				"size", v.Size.HumanReadable(),
				"device_path", v.DevicePath,
			)
		}
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No unencrypted attached volumes found")
	} else {
		printGroups(out, groups)
		fmt.Fprintf(out, "\n%d unencrypted volume(s) on %d instance(s)\n", len(records), len(groups))
	}

	log.Info("scan_complete", "volumes", len(records), "instances", len(groups), "log_file", run.log.Path())
	return nil
}
