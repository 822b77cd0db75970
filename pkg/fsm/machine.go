// Package fsm runs migration jobs as durable superfly/fsm workflows. Each
// pipeline stage is one transition; every transition hands the job's state
// to the migration engine and returns the updated state.
package fsm

import (
	"context"

	"github.com/securethecloud/ebs-encryptor/pkg/errors"
	"github.com/securethecloud/ebs-encryptor/pkg/migrate"
	"github.com/superfly/fsm"
)

// Register registers the volume encryption FSM. The transition order is
// migrate.Stages.
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[JobRequest, JobResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[JobRequest, JobResponse](manager, WorkflowName).
		Start(string(migrate.StageEligibilityCheck), m.handler(migrate.StageEligibilityCheck)).
		To(string(migrate.StageStopInstance), m.handler(migrate.StageStopInstance)).
		To(string(migrate.StageSnapshotSource), m.handler(migrate.StageSnapshotSource)).
		To(string(migrate.StageWaitSnapshot), m.handler(migrate.StageWaitSnapshot)).
		To(string(migrate.StageCopyEncrypted), m.handler(migrate.StageCopyEncrypted)).
		To(string(migrate.StageWaitEncryptedSnapshot), m.handler(migrate.StageWaitEncryptedSnapshot)).
		To(string(migrate.StageDeleteSourceSnapshot), m.handler(migrate.StageDeleteSourceSnapshot)).
		To(string(migrate.StageDetachVolume), m.handler(migrate.StageDetachVolume)).
		To(string(migrate.StageCreateEncryptedVolume), m.handler(migrate.StageCreateEncryptedVolume)).
		To(string(migrate.StageWaitVolumeAvailable), m.handler(migrate.StageWaitVolumeAvailable)).
		To(string(migrate.StageCopyTags), m.handler(migrate.StageCopyTags)).
		To(string(migrate.StageAttachVolume), m.handler(migrate.StageAttachVolume)).
		To(string(migrate.StageDisableFastRestore), m.handler(migrate.StageDisableFastRestore)).
		To(string(migrate.StageStartInstance), m.handler(migrate.StageStartInstance)).
		To(string(migrate.StageDone), m.handler(migrate.StageDone)).
		End(StateFinished).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
