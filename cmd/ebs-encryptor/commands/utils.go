package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/securethecloud/ebs-encryptor/internal/config"
	"github.com/securethecloud/ebs-encryptor/internal/logger"
	"github.com/securethecloud/ebs-encryptor/pkg/errors"
	"github.com/securethecloud/ebs-encryptor/pkg/inventory"
	"github.com/securethecloud/ebs-encryptor/pkg/security"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed for the fsm workflow)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	return nil
}

// runSetup is what every cloud-facing command needs before its first call
type runSetup struct {
	cfg     *config.Config
	profile config.Profile
	log     *logger.Run
}

// setupRun loads and validates configuration, then opens the run logger at
// the path logPath derives from the profile.
func setupRun(logPath func(cfg *config.Config, p config.Profile) string, appendLog bool) (*runSetup, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	p, err := cfg.Profile("")
	if err != nil {
		return nil, errors.Wrap(err, "profile invalid")
	}

	run, err := logger.New(logger.Options{FilePath: logPath(cfg, p), Append: appendLog})
	if err != nil {
		return nil, errors.Wrap(err, "log init failed")
	}
	return &runSetup{cfg: cfg, profile: p, log: run}, nil
}

func validateInstanceIDs(ids []string) error {
	v := security.NewValidator()
	for _, id := range ids {
		if err := v.ValidateInstanceID(id); err != nil {
			return err
		}
	}
	return nil
}

// printGroups writes the per-instance inventory report.
func printGroups(w io.Writer, groups []inventory.InstanceGroup) {
	for _, g := range groups {
		name := g.InstanceName
		if name == "" {
			name = inventory.UnknownInstanceName
		}
		fmt.Fprintf(w, "\nInstance %s (%s): %d unencrypted volume(s), %s\n",
			g.InstanceID, name, len(g.Volumes), g.TotalSize().HumanReadable())
		fmt.Fprintf(w, "  %-24s %-28s %-10s %-12s %-14s\n", "VOLUME", "NAME", "SIZE", "DEVICE", "ZONE")
		for _, v := range g.Volumes {
			volName := v.VolumeName
			if volName == "" {
				volName = inventory.UnknownVolumeName
			}
			fmt.Fprintf(w, "  %-24s %-28s %-10s %-12s %-14s\n",
				v.VolumeID, volName, v.Size.HumanReadable(), v.DevicePath, v.AvailabilityZone)
		}
	}
}
