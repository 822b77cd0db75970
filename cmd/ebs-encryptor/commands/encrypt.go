package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/samber/lo"
	"github.com/securethecloud/ebs-encryptor/internal/config"
	"github.com/securethecloud/ebs-encryptor/internal/logger"
	"github.com/securethecloud/ebs-encryptor/pkg/cloud"
	"github.com/securethecloud/ebs-encryptor/pkg/db"
	"github.com/securethecloud/ebs-encryptor/pkg/errors"
	appfsm "github.com/securethecloud/ebs-encryptor/pkg/fsm"
	"github.com/securethecloud/ebs-encryptor/pkg/inventory"
	"github.com/securethecloud/ebs-encryptor/pkg/migrate"
	"github.com/securethecloud/ebs-encryptor/pkg/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superfly/fsm"
)

var encryptInstances []string

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Replace unencrypted attached volumes with KMS-encrypted copies",
	Long: `Scans for unencrypted attached volumes, prints the plan and, once confirmed,
migrates them one at a time. Instances are stopped while their volume is
swapped and started again afterwards. Interrupting the command lets the
running job finish and skips the rest.`,
	RunE: runEncrypt,
}

func init() {
	rootCmd.AddCommand(encryptCmd)

	encryptCmd.Flags().StringSliceVar(&encryptInstances, "instance", nil, "Only migrate volumes attached to these instance ids")
	encryptCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")
	encryptCmd.Flags().String("workflow", config.WorkflowFSM, "Job executor: fsm or inline")
	encryptCmd.Flags().Bool("fast-restore", true, "Enable fast snapshot restore on the encrypted snapshot while the volume is created")
	encryptCmd.Flags().Duration("poll-interval", migrate.DefaultWaits.Interval, "Interval between status polls")
	encryptCmd.Flags().Duration("instance-timeout", migrate.DefaultWaits.InstanceTimeout, "Max wait for an instance to stop or start")
	encryptCmd.Flags().Duration("snapshot-timeout", migrate.DefaultWaits.SnapshotTimeout, "Max wait for a snapshot to complete")
	encryptCmd.Flags().Duration("volume-timeout", migrate.DefaultWaits.VolumeTimeout, "Max wait for a volume to change state")
	encryptCmd.Flags().String("audit-bucket", "", "S3 bucket receiving the run log (optional)")

	for _, name := range []string{"yes", "workflow", "fast-restore", "poll-interval", "instance-timeout", "snapshot-timeout", "volume-timeout", "audit-bucket"} {
		viper.BindPFlag(name, encryptCmd.Flags().Lookup(name))
	}
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := validateInstanceIDs(encryptInstances); err != nil {
		return err
	}

	run, err := setupRun(func(cfg *config.Config, p config.Profile) string {
		return logger.EncryptLogPath(cfg.LogDir, p.ClientName, p.Name)
	}, true)
	if err != nil {
		return err
	}
	defer run.log.Close()
	cfg, p, log := run.cfg, run.profile, run.log.Logger

	log.Info("run_started",
		"profile", p.Name,
		"region", p.Region,
		"client_name", p.ClientName,
		"kms_key_id", p.KMSKeyID,
		"workflow", cfg.Workflow,
		"fast_restore", cfg.FastRestore,
	)

	awsCfg, err := cloud.LoadAWSConfig(ctx, p.AWSProfile, p.Region, cfg.AWSMaxAttempts)
	if err != nil {
		return err
	}

	keyARN, err := cloud.NewKeyResolver(awsCfg).Resolve(ctx, p.KMSKeyID)
	if err != nil {
		log.Error("kms_key_invalid", "kms_key_id", p.KMSKeyID, "error", err)
		return err
	}
	log.Info("kms_key_verified", "kms_key_arn", keyARN)

	ec2 := cloud.NewEC2(awsCfg, log)
	scanner := inventory.NewScanner(ec2, log,
		inventory.WithLimit(cfg.Limit),
		inventory.WithInstanceIDs(encryptInstances...),
	)
	records, err := scanner.Collect(ctx)
	if err != nil {
		log.Error("scan_failed", "error", err)
		return errors.Wrap(err, "scan failed")
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		log.Info("no_unencrypted_volumes")
		fmt.Fprintln(out, "No unencrypted attached volumes found")
		return nil
	}

	groups := inventory.GroupByInstance(records)
	printGroups(out, groups)
	fmt.Fprintf(out, "\n%d volume(s) on %d instance(s) will be encrypted with %s.\n", len(records), len(groups), keyARN)
	fmt.Fprintln(out, "Each instance is stopped while its volume is replaced.")

	if !cfg.Yes {
		ok, err := confirm(cmd.InOrStdin(), out, "Type 'yes' to proceed: ")
		if err != nil {
			return errors.Wrap(err, "failed to read confirmation")
		}
		if !ok {
			log.Info("run_cancelled", "reason", "not_confirmed")
			fmt.Fprintln(out, "Aborted, nothing was changed")
			return nil
		}
	}

	if err := ensureDirectories(cfg.SQLitePath, lo.Ternary(cfg.Workflow == config.WorkflowFSM, cfg.FSMDBPath, "")); err != nil {
		return err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	engine := migrate.NewEngine(ec2, repo, log, cfg.Waits())

	var runner migrate.Runner = engine
	if cfg.Workflow == config.WorkflowFSM {
		manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
		if err != nil {
			return errors.Wrap(err, "FSM manager failed")
		}
		defer manager.Shutdown(10 * time.Second)

		runner, err = appfsm.NewRunner(ctx, manager, appfsm.NewMachine(engine), repo)
		if err != nil {
			return errors.Wrap(err, "FSM register failed")
		}
	}

	batch := migrate.NewBatch(runner, log, "", keyARN, cfg.FastRestore)
	report := batch.Run(ctx, batch.Jobs(records))

	printReport(out, report)

	if cfg.AuditBucket != "" {
		// The log is archived even after an interrupt.
		archiveLog(context.WithoutCancel(ctx), run, awsCfg, batch.RunID())
	}

	if failed := report.Count(migrate.OutcomeFailed); failed > 0 {
		return fmt.Errorf("%d of %d job(s) failed; see %s and `ebs-encryptor history --status failed`",
			failed, len(report.Results), run.log.Path())
	}
	return nil
}

// confirm reads one line and accepts only "yes".
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes"), nil
}

func printReport(w io.Writer, report migrate.Report) {
	fmt.Fprintf(w, "\nRun %s\n", report.RunID)
	fmt.Fprintf(w, "  done:    %d\n", report.Count(migrate.OutcomeDone))
	fmt.Fprintf(w, "  skipped: %d\n", report.Count(migrate.OutcomeSkipped))
	fmt.Fprintf(w, "  failed:  %d\n", report.Count(migrate.OutcomeFailed))
	if report.NotStarted > 0 {
		fmt.Fprintf(w, "  not started (interrupted): %d\n", report.NotStarted)
	}
	for _, res := range report.Results {
		if res.Outcome == migrate.OutcomeFailed {
			fmt.Fprintf(w, "  FAILED %s (%s): %v\n", res.Job.Source.Label(), res.Job.Source.InstanceID, res.Err)
		}
	}
}

// archiveLog uploads the run log to the audit bucket. Failure is logged, the
// migration outcome already stands.
func archiveLog(ctx context.Context, run *runSetup, awsCfg aws.Config, runID string) {
	log := run.log.Logger
	if err := run.log.Sync(); err != nil {
		log.Warn("log_sync_failed", "error", err)
	}

	client := storage.NewClient(awsCfg, run.cfg.AuditBucket)
	key := storage.ObjectKey(run.profile.ClientName, runID, run.log.Path())
	res, err := client.Upload(ctx, key, run.log.Path())
	if err != nil {
		log.Error("log_archive_failed", "bucket", run.cfg.AuditBucket, "s3_key", key, "error", err)
		return
	}
	log.Info("log_archived", "bucket", run.cfg.AuditBucket, "s3_key", res.Key, "sha256", res.SHA256)
}
