package migrate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/securethecloud/ebs-encryptor/pkg/errors"
	"github.com/securethecloud/ebs-encryptor/pkg/inventory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckEligibility(t *testing.T) {
	tests := []struct {
		asg, spot bool
		reject    bool
	}{
		{false, false, false},
		{true, false, true},
		{false, true, true},
		{true, true, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("asg=%v/spot=%v", tt.asg, tt.spot), func(t *testing.T) {
			err := CheckEligibility(tt.asg, tt.spot)
			if !tt.reject {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrIneligible))
		})
	}
}

func TestMigrate_FullPipeline(t *testing.T) {
	cloud := newFakeCloud()
	cloud.addInstance("i-1", inventory.InstanceStateRunning, inventory.Tag{Key: "Name", Value: "web"})
	cloud.addVolume("vol-1", "i-1", "/dev/sdf",
		inventory.Tag{Key: "Name", Value: "data"},
		inventory.Tag{Key: "cost-center", Value: "42"},
		inventory.Tag{Key: "aws:cloudformation:stack-name", Value: "stack"},
	)
	journal := &memJournal{}
	engine := NewEngine(cloud, journal, discardLogger(), testWaits)

	st, err := engine.Migrate(context.Background(), jobFor(cloud, "vol-1"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeDone, st.Outcome)
	assert.Equal(t, Stages, st.Completed)
	assert.Equal(t, []string{
		"StopInstance",
		"CreateSnapshot",
		"CopySnapshot",
		"EnableFastRestore",
		"DeleteSnapshot",
		"DetachVolume",
		"CreateVolume",
		"CreateTags",
		"AttachVolume",
		"DisableFastRestore",
		"StartInstance",
	}, cloud.mutations())

	// intermediate unencrypted snapshot is gone, encrypted one remains
	_, err = cloud.SnapshotState(context.Background(), st.SnapshotID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.True(t, cloud.snapshots[st.EncryptedSnapshotID].encrypted)
	assert.Empty(t, cloud.fastRestore)

	newVol := cloud.volumes[st.EncryptedVolumeID]
	assert.True(t, newVol.Encrypted)
	assert.Equal(t, "i-1", newVol.InstanceID)
	assert.Equal(t, "/dev/sdf", newVol.DevicePath)
	assert.Equal(t, inventory.VolumeStateInUse, newVol.State)
	assert.Equal(t, "gp3", newVol.VolumeType)
	assert.Equal(t, []inventory.Tag{{Key: "Name", Value: "data"}, {Key: "cost-center", Value: "42"}}, newVol.Tags)

	assert.Equal(t, inventory.InstanceStateRunning, cloud.instances["i-1"].State)
	assert.Equal(t, inventory.InstanceStateRunning, st.FinalInstanceState)
	assert.True(t, st.StoppedByJob)
	assert.Equal(t, "web", st.InstanceName)

	require.NotEmpty(t, journal.records)
	assert.Len(t, journal.records, len(Stages))
	assert.Equal(t, OutcomeDone, journal.records[len(journal.records)-1].Outcome)

	// the migrated volume is no longer a candidate
	rescan, err := inventory.NewScanner(cloud, discardLogger()).Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rescan)
}

func TestMigrate_SpotInstanceSkipped(t *testing.T) {
	cloud := newFakeCloud()
	cloud.addInstance("i-2", inventory.InstanceStateRunning).Lifecycle = inventory.LifecycleSpot
	cloud.addVolume("vol-2", "i-2", "/dev/sdf")

	st, err := NewEngine(cloud, nil, discardLogger(), testWaits).Migrate(context.Background(), jobFor(cloud, "vol-2"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkipped, st.Outcome)
	assert.Contains(t, st.SkipReason, "spot")
	assert.Empty(t, cloud.calls)
	assert.Empty(t, st.Completed)
}

func TestMigrate_AutoScalingMemberSkipped(t *testing.T) {
	cloud := newFakeCloud()
	cloud.addInstance("i-3", inventory.InstanceStateRunning,
		inventory.Tag{Key: inventory.AutoScalingGroupTagKey, Value: "web-asg"})
	cloud.addVolume("vol-3", "i-3", "/dev/sdf")

	st, err := NewEngine(cloud, nil, discardLogger(), testWaits).Migrate(context.Background(), jobFor(cloud, "vol-3"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkipped, st.Outcome)
	assert.Empty(t, cloud.calls)
}

func TestMigrate_AlreadyEncryptedSkipped(t *testing.T) {
	cloud := newFakeCloud()
	cloud.addInstance("i-1", inventory.InstanceStateRunning)
	cloud.addVolume("vol-1", "i-1", "/dev/sdf")
	job := jobFor(cloud, "vol-1")
	cloud.volumes["vol-1"].Encrypted = true

	st, err := NewEngine(cloud, nil, discardLogger(), testWaits).Migrate(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkipped, st.Outcome)
	assert.Empty(t, cloud.calls)
}

func TestMigrate_UnsupportedStopSkipped(t *testing.T) {
	cloud := newFakeCloud()
	cloud.addInstance("i-1", inventory.InstanceStateRunning)
	cloud.addVolume("vol-1", "i-1", "/dev/sdf")
	cloud.failures["StopInstance"] = fmt.Errorf("instance store root: %w", errors.ErrUnsupportedOperation)

	st, err := NewEngine(cloud, nil, discardLogger(), testWaits).Migrate(context.Background(), jobFor(cloud, "vol-1"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkipped, st.Outcome)
	assert.Equal(t, []string{"StopInstance"}, cloud.mutations())
	assert.False(t, st.StoppedByJob)
}

func TestMigrate_StopFailureFailsJob(t *testing.T) {
	cloud := newFakeCloud()
	cloud.addInstance("i-1", inventory.InstanceStateRunning)
	cloud.addVolume("vol-1", "i-1", "/dev/sdf")
	cloud.failures["StopInstance"] = fmt.Errorf("UnauthorizedOperation")

	st, err := NewEngine(cloud, nil, discardLogger(), testWaits).Migrate(context.Background(), jobFor(cloud, "vol-1"))
	require.Error(t, err)

	assert.Equal(t, OutcomeFailed, st.Outcome)
	assert.Equal(t, StageStopInstance, st.Current)
	assert.Contains(t, err.Error(), "stop_instance")
}

func TestMigrate_AlreadyStoppedInstanceLeftStopped(t *testing.T) {
	cloud := newFakeCloud()
	cloud.addInstance("i-1", inventory.InstanceStateStopped)
	cloud.addVolume("vol-1", "i-1", "/dev/sdf")

	st, err := NewEngine(cloud, nil, discardLogger(), testWaits).Migrate(context.Background(), jobFor(cloud, "vol-1"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeDone, st.Outcome)
	assert.NotContains(t, cloud.mutations(), "StopInstance")
	assert.NotContains(t, cloud.mutations(), "StartInstance")
	assert.Equal(t, inventory.InstanceStateStopped, st.FinalInstanceState)
	assert.Equal(t, inventory.InstanceStateStopped, cloud.instances["i-1"].State)
}

func TestMigrate_SnapshotTimeoutFailsJob(t *testing.T) {
	cloud := newFakeCloud()
	cloud.addInstance("i-1", inventory.InstanceStateRunning)
	cloud.addVolume("vol-1", "i-1", "/dev/sdf")
	cloud.stuckVolumes["vol-1"] = true

	st, err := NewEngine(cloud, nil, discardLogger(), testWaits).Migrate(context.Background(), jobFor(cloud, "vol-1"))
	require.Error(t, err)

	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.Equal(t, OutcomeFailed, st.Outcome)
	assert.Equal(t, StageWaitSnapshot, st.Current)
	assert.NotEmpty(t, st.SnapshotID)

	src := cloud.volumes["vol-1"]
	assert.Equal(t, inventory.VolumeStateInUse, src.State)
	assert.Equal(t, "i-1", src.InstanceID)
	assert.False(t, src.Encrypted)
	assert.Equal(t, []string{"StopInstance", "CreateSnapshot"}, cloud.mutations())
}

func TestMigrate_TagFailureDoesNotFailJob(t *testing.T) {
	cloud := newFakeCloud()
	cloud.addInstance("i-1", inventory.InstanceStateRunning)
	cloud.addVolume("vol-1", "i-1", "/dev/sdf", inventory.Tag{Key: "team", Value: "core"})
	cloud.failures["CreateTags"] = fmt.Errorf("TagLimitExceeded")

	st, err := NewEngine(cloud, nil, discardLogger(), testWaits).Migrate(context.Background(), jobFor(cloud, "vol-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, st.Outcome)
}

func TestMigrate_NoTagsSkipsTagCopy(t *testing.T) {
	cloud := newFakeCloud()
	cloud.addInstance("i-1", inventory.InstanceStateRunning)
	cloud.addVolume("vol-1", "i-1", "/dev/sdf", inventory.Tag{Key: "aws:backup:source", Value: "x"})

	st, err := NewEngine(cloud, nil, discardLogger(), testWaits).Migrate(context.Background(), jobFor(cloud, "vol-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, st.Outcome)
	assert.NotContains(t, cloud.mutations(), "CreateTags")
}

func TestMigrate_UnattachedVolumeIsNotReattached(t *testing.T) {
	cloud := newFakeCloud()
	cloud.addVolume("vol-9", "", "")

	st, err := NewEngine(cloud, nil, discardLogger(), testWaits).Migrate(context.Background(), jobFor(cloud, "vol-9"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeDone, st.Outcome)
	assert.Equal(t, []string{
		"CreateSnapshot",
		"CopySnapshot",
		"EnableFastRestore",
		"DeleteSnapshot",
		"CreateVolume",
		"DisableFastRestore",
	}, cloud.mutations())
	assert.Equal(t, inventory.VolumeStateAvailable, cloud.volumes[st.EncryptedVolumeID].State)
}

func TestMigrate_FastRestoreDisabledByPolicy(t *testing.T) {
	cloud := newFakeCloud()
	cloud.addInstance("i-1", inventory.InstanceStateRunning)
	cloud.addVolume("vol-1", "i-1", "/dev/sdf")
	job := jobFor(cloud, "vol-1")
	job.EnableFastRestore = false

	st, err := NewEngine(cloud, nil, discardLogger(), testWaits).Migrate(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDone, st.Outcome)
	assert.NotContains(t, cloud.mutations(), "EnableFastRestore")
	assert.NotContains(t, cloud.mutations(), "DisableFastRestore")
}

func TestMigrate_CreateVolumeFailureLeavesSourceDetached(t *testing.T) {
	cloud := newFakeCloud()
	cloud.addInstance("i-1", inventory.InstanceStateRunning)
	cloud.addVolume("vol-1", "i-1", "/dev/sdf")
	cloud.failures["CreateVolume"] = fmt.Errorf("VolumeLimitExceeded")

	st, err := NewEngine(cloud, nil, discardLogger(), testWaits).Migrate(context.Background(), jobFor(cloud, "vol-1"))
	require.Error(t, err)

	assert.Equal(t, OutcomeFailed, st.Outcome)
	assert.True(t, st.Detached)
	assert.True(t, st.FastRestoreEnabled)
	assert.Equal(t, inventory.VolumeStateAvailable, cloud.volumes["vol-1"].State)
	assert.Equal(t, inventory.InstanceStateStopped, cloud.instances["i-1"].State)
	assert.NotContains(t, cloud.mutations(), "AttachVolume")
	assert.NotContains(t, cloud.mutations(), "StartInstance")
}

func TestAdvance_IsNoOpAfterCompletionOrTerminal(t *testing.T) {
	cloud := newFakeCloud()
	cloud.addInstance("i-1", inventory.InstanceStateRunning)
	cloud.addVolume("vol-1", "i-1", "/dev/sdf")
	engine := NewEngine(cloud, nil, discardLogger(), testWaits)
	st := NewState(jobFor(cloud, "vol-1"))

	require.NoError(t, engine.Advance(context.Background(), st, StageEligibilityCheck))
	require.NoError(t, engine.Advance(context.Background(), st, StageStopInstance))
	require.NoError(t, engine.Advance(context.Background(), st, StageStopInstance))
	assert.Equal(t, []string{"StopInstance"}, cloud.mutations())

	st.Outcome = OutcomeFailed
	require.NoError(t, engine.Advance(context.Background(), st, StageSnapshotSource))
	assert.Equal(t, []string{"StopInstance"}, cloud.mutations())
}

func TestStage_Step(t *testing.T) {
	assert.Equal(t, 0, StageEligibilityCheck.step())
	assert.Equal(t, 1, StageStopInstance.step())
	assert.Equal(t, 8, StageStartInstance.step())
	assert.False(t, StageWaitSnapshot.Mutating())
	assert.True(t, StageDetachVolume.Mutating())
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{59 * time.Second, "00:00:59"},
		{time.Hour + 2*time.Minute + 3*time.Second, "01:02:03"},
		{26 * time.Hour, "26:00:00"},
		{-time.Second, "00:00:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatElapsed(tt.d))
	}
}
