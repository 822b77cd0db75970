package migrate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/securethecloud/ebs-encryptor/pkg/errors"
	"github.com/securethecloud/ebs-encryptor/pkg/inventory"
	"github.com/securethecloud/ebs-encryptor/pkg/poll"
)

// CheckEligibility rejects instances whose lifecycle is managed by someone
// else: auto-scaling group members and spot instances.
func CheckEligibility(autoScalingMember, spot bool) error {
	switch {
	case autoScalingMember && spot:
		return fmt.Errorf("%w: spot instance in an auto-scaling group", errors.ErrIneligible)
	case autoScalingMember:
		return fmt.Errorf("%w: instance is part of an auto-scaling group", errors.ErrIneligible)
	case spot:
		return fmt.Errorf("%w: instance is a spot instance", errors.ErrIneligible)
	}
	return nil
}

func (e *Engine) checkEligibility(ctx context.Context, st *State, log *slog.Logger) error {
	src := st.Job.Source

	if src.InstanceID != "" {
		inst, err := e.cloud.DescribeInstance(ctx, src.InstanceID)
		if err != nil {
			return errors.Wrap(err, "describe instance")
		}
		group, inGroup := inst.AutoScalingGroup()
		if err := CheckEligibility(inGroup, inst.Spot()); err != nil {
			log.Warn("instance_ineligible", "auto_scaling_group", group, "lifecycle", inst.Lifecycle)
			return err
		}
		st.InstanceName = inventory.InstanceName(inst.Tags)
		st.InstanceStateAtStart = inst.State
	}

	// The scan result may be stale; the rest of the pipeline works from this view.
	v, err := e.cloud.DescribeVolume(ctx, src.VolumeID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return fmt.Errorf("%w: volume %s no longer exists", errors.ErrIneligible, src.VolumeID)
		}
		return errors.Wrap(err, "describe volume")
	}
	if v.Encrypted {
		return fmt.Errorf("%w: volume %s is already encrypted", errors.ErrIneligible, src.VolumeID)
	}
	if v.InstanceID != src.InstanceID {
		return fmt.Errorf("%w: volume %s moved from %q to %q since the scan",
			errors.ErrIneligible, src.VolumeID, src.InstanceID, v.InstanceID)
	}
	st.AvailabilityZone = v.AvailabilityZone
	if v.DevicePath != "" {
		st.DevicePath = v.DevicePath
	}

	log.Info("job_eligible",
		"instance_name", st.InstanceName,
		"instance_state", st.InstanceStateAtStart,
		"volume_name", src.VolumeName,
		"size", src.Size.HumanReadable(),
		"availability_zone", st.AvailabilityZone,
		"device_path", st.DevicePath,
	)
	return nil
}

func (e *Engine) stopInstance(ctx context.Context, st *State, log *slog.Logger) error {
	id := st.Job.Source.InstanceID
	if id == "" {
		log.Info("instance_stop_not_needed", "reason", "volume_not_attached")
		return nil
	}

	if st.InstanceStateAtStart == inventory.InstanceStateStopped {
		log.Info("instance_already_stopped", "instance_name", st.InstanceName)
		return nil
	}

	if st.InstanceStateAtStart != inventory.InstanceStateStopping {
		log.Info("instance_stopping", "instance_name", st.InstanceName)
		if err := e.cloud.StopInstance(ctx, id); err != nil {
			if errors.Is(err, errors.ErrUnsupportedOperation) {
				return fmt.Errorf("%w: stop rejected by provider: %v", errors.ErrIneligible, err)
			}
			return errors.Wrap(err, "stop instance")
		}
		st.StoppedByJob = true
	}

	if err := e.waitInstance(ctx, id, inventory.InstanceStateStopped); err != nil {
		return err
	}
	log.Info("instance_stopped", "instance_name", st.InstanceName)
	return nil
}

func (e *Engine) snapshotSource(ctx context.Context, st *State, log *slog.Logger) error {
	src := st.Job.Source
	log.Info("snapshot_creating", "volume", src.Label())

	id, err := e.cloud.CreateSnapshot(ctx, SnapshotRequest{
		VolumeID:    src.VolumeID,
		Description: fmt.Sprintf("Snapshot of %s created by ebs-encryptor", src.VolumeID),
		Tags:        traceTags(st, "Snapshot for volume "+src.Label()),
	})
	if err != nil {
		return errors.Wrap(err, "create snapshot")
	}
	st.SnapshotID = id
	log.Info("snapshot_requested", "snapshot_id", id)
	return nil
}

func (e *Engine) waitSnapshot(ctx context.Context, st *State, log *slog.Logger) error {
	if err := e.waitSnapshotCompleted(ctx, st.SnapshotID); err != nil {
		return err
	}
	log.Info("snapshot_created", "snapshot_id", st.SnapshotID)
	return nil
}

func (e *Engine) copyEncrypted(ctx context.Context, st *State, log *slog.Logger) error {
	src := st.Job.Source
	log.Info("snapshot_encrypting", "snapshot_id", st.SnapshotID, "kms_key_id", st.Job.TargetKMSKeyID)

	id, err := e.cloud.CopySnapshot(ctx, CopySnapshotRequest{
		SourceSnapshotID: st.SnapshotID,
		KMSKeyID:         st.Job.TargetKMSKeyID,
		Description:      fmt.Sprintf("Encrypted copy of %s for %s created by ebs-encryptor", st.SnapshotID, src.VolumeID),
		Tags:             traceTags(st, "Encrypted Snapshot for volume "+src.Label()),
	})
	if err != nil {
		return errors.Wrap(err, "copy snapshot with encryption")
	}
	st.EncryptedSnapshotID = id
	log.Info("encrypted_snapshot_requested", "encrypted_snapshot_id", id)

	if !st.Job.EnableFastRestore {
		return nil
	}
	// Fast restore only hides first-read latency; the job can go on without it.
	if err := e.cloud.EnableFastRestore(ctx, id, st.AvailabilityZone); err != nil {
		log.Warn("fast_restore_enable_failed", "encrypted_snapshot_id", id, "availability_zone", st.AvailabilityZone, "error", err)
		return nil
	}
	st.FastRestoreEnabled = true
	log.Info("fast_restore_enabled", "encrypted_snapshot_id", id, "availability_zone", st.AvailabilityZone)
	return nil
}

func (e *Engine) waitEncryptedSnapshot(ctx context.Context, st *State, log *slog.Logger) error {
	if err := e.waitSnapshotCompleted(ctx, st.EncryptedSnapshotID); err != nil {
		return err
	}
	log.Info("encrypted_snapshot_created", "encrypted_snapshot_id", st.EncryptedSnapshotID)
	return nil
}

func (e *Engine) deleteSourceSnapshot(ctx context.Context, st *State, log *slog.Logger) error {
	if err := e.cloud.DeleteSnapshot(ctx, st.SnapshotID); err != nil {
		return errors.Wrap(err, "delete unencrypted snapshot "+st.SnapshotID)
	}
	log.Info("unencrypted_snapshot_deleted", "snapshot_id", st.SnapshotID)
	return nil
}

func (e *Engine) detachVolume(ctx context.Context, st *State, log *slog.Logger) error {
	src := st.Job.Source

	// The device path is read right before detaching and reused verbatim on attach.
	v, err := e.cloud.DescribeVolume(ctx, src.VolumeID)
	if err != nil {
		return errors.Wrap(err, "describe volume")
	}
	if v.DevicePath != "" {
		st.DevicePath = v.DevicePath
	}
	if v.State != inventory.VolumeStateInUse {
		log.Info("volume_detach_not_needed", "volume_state", v.State)
		return nil
	}

	log.Info("volume_detaching", "device_path", st.DevicePath, "instance_name", st.InstanceName)
	if err := e.cloud.DetachVolume(ctx, src.VolumeID, v.InstanceID, st.DevicePath); err != nil {
		return errors.Wrap(err, "detach volume")
	}
	st.Detached = true

	if err := e.waitVolume(ctx, src.VolumeID, inventory.VolumeStateAvailable); err != nil {
		return err
	}
	log.Info("volume_detached", "device_path", st.DevicePath)
	return nil
}

func (e *Engine) createEncryptedVolume(ctx context.Context, st *State, log *slog.Logger) error {
	src := st.Job.Source
	log.Info("encrypted_volume_creating", "encrypted_snapshot_id", st.EncryptedSnapshotID, "availability_zone", st.AvailabilityZone)

	id, err := e.cloud.CreateVolume(ctx, VolumeRequest{
		SnapshotID:       st.EncryptedSnapshotID,
		AvailabilityZone: st.AvailabilityZone,
		KMSKeyID:         st.Job.TargetKMSKeyID,
		VolumeType:       src.VolumeType,
		IOPS:             src.IOPS,
		Throughput:       src.Throughput,
	})
	if err != nil {
		return errors.Wrap(err, "create encrypted volume")
	}
	st.EncryptedVolumeID = id
	log.Info("encrypted_volume_requested", "encrypted_volume_id", id)
	return nil
}

func (e *Engine) waitVolumeAvailable(ctx context.Context, st *State, log *slog.Logger) error {
	if err := e.waitVolume(ctx, st.EncryptedVolumeID, inventory.VolumeStateAvailable); err != nil {
		return err
	}
	log.Info("encrypted_volume_created", "encrypted_volume_id", st.EncryptedVolumeID)
	return nil
}

// copyTags never fails the job: tags are bookkeeping, not data.
func (e *Engine) copyTags(ctx context.Context, st *State, log *slog.Logger) error {
	tags := st.Job.Source.Tags
	if v, err := e.cloud.DescribeVolume(ctx, st.Job.Source.VolumeID); err != nil {
		log.Warn("tags_refresh_failed", "error", err)
	} else {
		tags = v.Tags
	}

	tags = inventory.UserTags(tags)
	if len(tags) == 0 {
		log.Info("tags_copy_skipped", "reason", "source_has_no_tags")
		return nil
	}
	if err := e.cloud.CreateTags(ctx, st.EncryptedVolumeID, tags); err != nil {
		log.Warn("tags_copy_failed", "encrypted_volume_id", st.EncryptedVolumeID, "tag_count", len(tags), "error", err)
		return nil
	}
	log.Info("tags_copied", "encrypted_volume_id", st.EncryptedVolumeID, "tag_count", len(tags))
	return nil
}

func (e *Engine) attachVolume(ctx context.Context, st *State, log *slog.Logger) error {
	id := st.Job.Source.InstanceID
	if id == "" || st.DevicePath == "" {
		log.Info("volume_attach_not_needed", "reason", "source_was_not_attached")
		return nil
	}

	log.Info("encrypted_volume_attaching", "encrypted_volume_id", st.EncryptedVolumeID, "device_path", st.DevicePath, "instance_name", st.InstanceName)
	if err := e.cloud.AttachVolume(ctx, st.EncryptedVolumeID, id, st.DevicePath); err != nil {
		return errors.Wrap(err, "attach encrypted volume")
	}
	if err := e.waitVolume(ctx, st.EncryptedVolumeID, inventory.VolumeStateInUse); err != nil {
		return err
	}
	log.Info("encrypted_volume_attached", "encrypted_volume_id", st.EncryptedVolumeID, "device_path", st.DevicePath)
	return nil
}

func (e *Engine) disableFastRestore(ctx context.Context, st *State, log *slog.Logger) error {
	if !st.FastRestoreEnabled {
		return nil
	}
	if err := e.cloud.DisableFastRestore(ctx, st.EncryptedSnapshotID, st.AvailabilityZone); err != nil {
		return errors.Wrap(err, "disable fast restore")
	}
	st.FastRestoreEnabled = false
	log.Info("fast_restore_disabled", "encrypted_snapshot_id", st.EncryptedSnapshotID, "availability_zone", st.AvailabilityZone)
	return nil
}

func (e *Engine) startInstance(ctx context.Context, st *State, log *slog.Logger) error {
	id := st.Job.Source.InstanceID
	if id == "" {
		return nil
	}
	if !st.StoppedByJob {
		st.FinalInstanceState = st.InstanceStateAtStart
		log.Info("instance_left_stopped", "reason", "stopped_before_job", "instance_name", st.InstanceName)
		return nil
	}

	log.Info("instance_starting", "instance_name", st.InstanceName)
	if err := e.cloud.StartInstance(ctx, id); err != nil {
		return errors.Wrap(err, "start instance")
	}
	if err := e.waitInstance(ctx, id, inventory.InstanceStateRunning); err != nil {
		return err
	}
	st.FinalInstanceState = inventory.InstanceStateRunning
	log.Info("instance_started", "instance_name", st.InstanceName)
	return nil
}

func (e *Engine) done(ctx context.Context, st *State, log *slog.Logger) error {
	st.FinishedAt = e.now()
	logSummary(log, st)
	return nil
}

func traceTags(st *State, name string) []inventory.Tag {
	return []inventory.Tag{
		{Key: "Name", Value: name},
		{Key: "ebs-encryptor:source-volume-id", Value: st.Job.Source.VolumeID},
		{Key: "ebs-encryptor:job-id", Value: st.Job.ID},
	}
}

func (e *Engine) waitInstance(ctx context.Context, id, want string) error {
	what := fmt.Sprintf("instance %s", id)
	return poll.Until(ctx, poll.Config{Interval: e.waits.Interval, Timeout: e.waits.InstanceTimeout}, what,
		func(ctx context.Context) (poll.Status, string, error) {
			inst, err := e.cloud.DescribeInstance(ctx, id)
			if err != nil {
				return poll.Pending, "", err
			}
			switch inst.State {
			case want:
				return poll.Succeeded, inst.State, nil
			case inventory.InstanceStateTerminated, inventory.InstanceStateShuttingDown:
				return poll.Failed, inst.State, nil
			}
			return poll.Pending, inst.State, nil
		})
}

func (e *Engine) waitSnapshotCompleted(ctx context.Context, id string) error {
	what := fmt.Sprintf("snapshot %s", id)
	return poll.Until(ctx, poll.Config{Interval: e.waits.Interval, Timeout: e.waits.SnapshotTimeout}, what,
		func(ctx context.Context) (poll.Status, string, error) {
			state, err := e.cloud.SnapshotState(ctx, id)
			if errors.Is(err, errors.ErrNotFound) {
				// not yet visible to reads
				return poll.Pending, "", nil
			}
			if err != nil {
				return poll.Pending, "", err
			}
			switch state {
			case inventory.SnapshotStateCompleted:
				return poll.Succeeded, state, nil
			case inventory.SnapshotStateError:
				return poll.Failed, state, nil
			}
			return poll.Pending, state, nil
		})
}

func (e *Engine) waitVolume(ctx context.Context, id, want string) error {
	what := fmt.Sprintf("volume %s", id)
	return poll.Until(ctx, poll.Config{Interval: e.waits.Interval, Timeout: e.waits.VolumeTimeout}, what,
		func(ctx context.Context) (poll.Status, string, error) {
			v, err := e.cloud.DescribeVolume(ctx, id)
			if errors.Is(err, errors.ErrNotFound) {
				return poll.Pending, "", nil
			}
			if err != nil {
				return poll.Pending, "", err
			}
			switch v.State {
			case want:
				return poll.Succeeded, v.State, nil
			case inventory.VolumeStateError, inventory.VolumeStateDeleting, inventory.VolumeStateDeleted:
				return poll.Failed, v.State, nil
			}
			return poll.Pending, v.State, nil
		})
}
