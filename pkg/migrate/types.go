package migrate

import (
	"context"
	"slices"
	"time"

	"github.com/securethecloud/ebs-encryptor/pkg/inventory"
)

// Stage names one step of the per-volume pipeline. The names double as
// workflow state names.
type Stage string

const (
	StageEligibilityCheck      Stage = "eligibility_check"
	StageStopInstance          Stage = "stop_instance"
	StageSnapshotSource        Stage = "snapshot_source"
	StageWaitSnapshot          Stage = "wait_snapshot"
	StageCopyEncrypted         Stage = "copy_encrypted"
	StageWaitEncryptedSnapshot Stage = "wait_encrypted_snapshot"
	StageDeleteSourceSnapshot  Stage = "delete_source_snapshot"
	StageDetachVolume          Stage = "detach_volume"
	StageCreateEncryptedVolume Stage = "create_encrypted_volume"
	StageWaitVolumeAvailable   Stage = "wait_volume_available"
	StageCopyTags              Stage = "copy_tags"
	StageAttachVolume          Stage = "attach_volume"
	StageDisableFastRestore    Stage = "disable_fast_restore"
	StageStartInstance         Stage = "start_instance"
	StageDone                  Stage = "done"
)

// Stages is the pipeline in execution order.
var Stages = []Stage{
	StageEligibilityCheck,
	StageStopInstance,
	StageSnapshotSource,
	StageWaitSnapshot,
	StageCopyEncrypted,
	StageWaitEncryptedSnapshot,
	StageDeleteSourceSnapshot,
	StageDetachVolume,
	StageCreateEncryptedVolume,
	StageWaitVolumeAvailable,
	StageCopyTags,
	StageAttachVolume,
	StageDisableFastRestore,
	StageStartInstance,
	StageDone,
}

// Mutating reports whether the stage issues a state-changing cloud call.
func (s Stage) Mutating() bool {
	switch s {
	case StageEligibilityCheck, StageWaitSnapshot, StageWaitEncryptedSnapshot,
		StageWaitVolumeAvailable, StageDone:
		return false
	}
	return true
}

// step maps a stage onto the operator-facing numbered narrative (1-8).
func (s Stage) step() int {
	switch s {
	case StageStopInstance:
		return 1
	case StageSnapshotSource, StageWaitSnapshot:
		return 2
	case StageCopyEncrypted, StageWaitEncryptedSnapshot, StageDeleteSourceSnapshot:
		return 3
	case StageDetachVolume:
		return 4
	case StageCreateEncryptedVolume, StageWaitVolumeAvailable:
		return 5
	case StageCopyTags:
		return 6
	case StageAttachVolume, StageDisableFastRestore:
		return 7
	case StageStartInstance:
		return 8
	}
	return 0
}

// Outcome is the terminal classification of a job.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeDone    Outcome = "done"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Job is one (instance, volume) migration request.
type Job struct {
	ID                string
	RunID             string
	Source            inventory.VolumeRecord
	TargetKMSKeyID    string
	EnableFastRestore bool
}

// State records the progress of a single job. It is owned by exactly one
// job and discarded when the job ends.
type State struct {
	Job       Job
	Completed []Stage
	Current   Stage
	Outcome   Outcome

	InstanceName         string
	InstanceStateAtStart string
	StoppedByJob         bool
	FinalInstanceState   string

	AvailabilityZone    string
	DevicePath          string
	SnapshotID          string
	EncryptedSnapshotID string
	EncryptedVolumeID   string
	FastRestoreEnabled  bool
	Detached            bool

	SkipReason string
	Error      string

	StartedAt  time.Time
	FinishedAt time.Time
}

// NewState returns the initial state for job.
func NewState(job Job) *State {
	return &State{
		Job:              job,
		Outcome:          OutcomePending,
		InstanceName:     job.Source.InstanceName,
		AvailabilityZone: job.Source.AvailabilityZone,
		DevicePath:       job.Source.DevicePath,
	}
}

// Terminal reports whether the job has reached done, skipped or failed.
func (s *State) Terminal() bool {
	return s.Outcome != OutcomePending
}

// HasCompleted reports whether stage already ran to completion.
func (s *State) HasCompleted(stage Stage) bool {
	return slices.Contains(s.Completed, stage)
}

// Elapsed is the wall time spent on the job so far.
func (s *State) Elapsed() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := s.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartedAt)
}

// Journal persists job progress for operators. Implementations must not
// influence the job's control flow.
type Journal interface {
	Record(ctx context.Context, st *State) error
}

// Runner executes a single job to a terminal outcome.
type Runner interface {
	Run(ctx context.Context, job Job) (Outcome, error)
}
