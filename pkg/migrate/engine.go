// Package migrate implements the per-volume encryption pipeline: stop the
// instance, snapshot the volume, copy the snapshot under a KMS key, swap a
// volume created from the encrypted copy in for the source, and restart.
//
// Jobs run one stage at a time and never roll back. A failure leaves every
// resource created so far in place and logs their identifiers so an
// operator can finish or undo the job by hand.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/securethecloud/ebs-encryptor/pkg/errors"
	"github.com/securethecloud/ebs-encryptor/pkg/inventory"
)

// Cloud is the control-plane surface the engine drives. Every call is
// accepted asynchronously by the provider; the engine polls for settlement.
type Cloud interface {
	DescribeInstance(ctx context.Context, instanceID string) (*inventory.Instance, error)
	DescribeVolume(ctx context.Context, volumeID string) (*inventory.VolumeRecord, error)
	SnapshotState(ctx context.Context, snapshotID string) (string, error)

	StopInstance(ctx context.Context, instanceID string) error
	StartInstance(ctx context.Context, instanceID string) error

	CreateSnapshot(ctx context.Context, req SnapshotRequest) (string, error)
	CopySnapshot(ctx context.Context, req CopySnapshotRequest) (string, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) error
	EnableFastRestore(ctx context.Context, snapshotID, availabilityZone string) error
	DisableFastRestore(ctx context.Context, snapshotID, availabilityZone string) error

	DetachVolume(ctx context.Context, volumeID, instanceID, device string) error
	CreateVolume(ctx context.Context, req VolumeRequest) (string, error)
	AttachVolume(ctx context.Context, volumeID, instanceID, device string) error
	CreateTags(ctx context.Context, resourceID string, tags []inventory.Tag) error
}

// SnapshotRequest creates a point-in-time snapshot of a volume.
type SnapshotRequest struct {
	VolumeID    string
	Description string
	Tags        []inventory.Tag
}

// CopySnapshotRequest copies a completed snapshot in-region with encryption.
type CopySnapshotRequest struct {
	SourceSnapshotID string
	KMSKeyID         string
	Description      string
	Tags             []inventory.Tag
}

// VolumeRequest creates an encrypted volume from a snapshot.
type VolumeRequest struct {
	SnapshotID       string
	AvailabilityZone string
	KMSKeyID         string
	VolumeType       string
	IOPS             int32
	Throughput       int32
}

// Waits bounds every poll-until-settled step.
type Waits struct {
	Interval        time.Duration
	InstanceTimeout time.Duration
	SnapshotTimeout time.Duration
	VolumeTimeout   time.Duration
}

// DefaultWaits mirrors the provider's own waiter ceilings, with a longer
// allowance for snapshots of large volumes.
var DefaultWaits = Waits{
	Interval:        15 * time.Second,
	InstanceTimeout: 15 * time.Minute,
	SnapshotTimeout: 4 * time.Hour,
	VolumeTimeout:   15 * time.Minute,
}

type stageFunc func(ctx context.Context, st *State, log *slog.Logger) error

// Engine executes migration jobs. It holds no per-job state, so one engine
// can serve any number of sequential jobs.
type Engine struct {
	cloud   Cloud
	journal Journal
	logger  *slog.Logger
	waits   Waits
	now     func() time.Time
	stages  map[Stage]stageFunc
}

// NewEngine creates an engine. journal may be nil.
func NewEngine(cloud Cloud, journal Journal, logger *slog.Logger, waits Waits) *Engine {
	e := &Engine{
		cloud:   cloud,
		journal: journal,
		logger:  logger,
		waits:   waits,
		now:     time.Now,
	}
	e.stages = map[Stage]stageFunc{
		StageEligibilityCheck:      e.checkEligibility,
		StageStopInstance:          e.stopInstance,
		StageSnapshotSource:        e.snapshotSource,
		StageWaitSnapshot:          e.waitSnapshot,
		StageCopyEncrypted:         e.copyEncrypted,
		StageWaitEncryptedSnapshot: e.waitEncryptedSnapshot,
		StageDeleteSourceSnapshot:  e.deleteSourceSnapshot,
		StageDetachVolume:          e.detachVolume,
		StageCreateEncryptedVolume: e.createEncryptedVolume,
		StageWaitVolumeAvailable:   e.waitVolumeAvailable,
		StageCopyTags:              e.copyTags,
		StageAttachVolume:          e.attachVolume,
		StageDisableFastRestore:    e.disableFastRestore,
		StageStartInstance:         e.startInstance,
		StageDone:                  e.done,
	}
	return e
}

// Run implements Runner by executing the whole pipeline in-process.
func (e *Engine) Run(ctx context.Context, job Job) (Outcome, error) {
	st, err := e.Migrate(ctx, job)
	return st.Outcome, err
}

// Migrate runs every stage of job in order until it is done, skipped or failed.
func (e *Engine) Migrate(ctx context.Context, job Job) (*State, error) {
	st := NewState(job)
	for _, stage := range Stages {
		if err := e.Advance(ctx, st, stage); err != nil {
			return st, err
		}
		if st.Terminal() {
			break
		}
	}
	return st, nil
}

// Advance executes a single stage against st. It is a no-op once the job is
// terminal or when the stage already completed. Ineligibility is recorded as
// a skip and returns nil; any other failure marks the job failed and is
// returned.
func (e *Engine) Advance(ctx context.Context, st *State, stage Stage) error {
	if st.Terminal() || st.HasCompleted(stage) {
		return nil
	}
	fn, ok := e.stages[stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}

	if st.StartedAt.IsZero() {
		st.StartedAt = e.now()
	}
	st.Current = stage

	log := e.jobLogger(st).With("stage", string(stage))
	if n := stage.step(); n > 0 {
		log = log.With("step", n)
	}

	err := fn(ctx, st, log)
	switch {
	case err == nil:
		st.Completed = append(st.Completed, stage)
		if stage == StageDone {
			st.Outcome = OutcomeDone
		}
	case errors.Is(err, errors.ErrIneligible):
		st.Outcome = OutcomeSkipped
		st.SkipReason = err.Error()
		st.FinishedAt = e.now()
		log.Warn("job_skipped", "reason", st.SkipReason)
		err = nil
	default:
		st.Outcome = OutcomeFailed
		st.Error = err.Error()
		st.FinishedAt = e.now()
		log.Error("job_failed", append(failureContext(st), "error", err)...)
		err = errors.Wrap(err, fmt.Sprintf("job %s: %s", st.Job.ID, stage))
	}

	e.record(ctx, st, log)
	return err
}

func (e *Engine) jobLogger(st *State) *slog.Logger {
	return e.logger.With(
		"job_id", st.Job.ID,
		"volume_id", st.Job.Source.VolumeID,
		"instance_id", st.Job.Source.InstanceID,
	)
}

func (e *Engine) record(ctx context.Context, st *State, log *slog.Logger) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Record(ctx, st); err != nil {
		log.Warn("journal_record_failed", "error", err)
	}
}

// failureContext lists every resource the job touched so far.
func failureContext(st *State) []any {
	completed := make([]string, len(st.Completed))
	for i, s := range st.Completed {
		completed[i] = string(s)
	}
	return []any{
		"completed_stages", completed,
		"instance_stopped_by_job", st.StoppedByJob,
		"source_detached", st.Detached,
		"device_path", st.DevicePath,
		"snapshot_id", st.SnapshotID,
		"encrypted_snapshot_id", st.EncryptedSnapshotID,
		"encrypted_volume_id", st.EncryptedVolumeID,
		"fast_restore_enabled", st.FastRestoreEnabled,
	}
}
