package migrate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/securethecloud/ebs-encryptor/pkg/errors"
	"github.com/securethecloud/ebs-encryptor/pkg/inventory"
)

type fakeSnapshot struct {
	state     string
	volumeID  string
	encrypted bool
	kmsKeyID  string
	tags      []inventory.Tag
}

// fakeCloud is an in-memory control plane where every request settles by
// the next describe call, unless a snapshot of the volume is marked stuck.
type fakeCloud struct {
	instances map[string]*inventory.Instance
	volumes   map[string]*inventory.VolumeRecord
	snapshots map[string]*fakeSnapshot

	fastRestore  map[string]bool
	stuckVolumes map[string]bool
	failures     map[string]error

	calls  []string
	nextID int
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		instances:    make(map[string]*inventory.Instance),
		volumes:      make(map[string]*inventory.VolumeRecord),
		snapshots:    make(map[string]*fakeSnapshot),
		fastRestore:  make(map[string]bool),
		stuckVolumes: make(map[string]bool),
		failures:     make(map[string]error),
	}
}

func (f *fakeCloud) addInstance(id, state string, tags ...inventory.Tag) *inventory.Instance {
	inst := &inventory.Instance{ID: id, State: state, AvailabilityZone: "eu-west-1a", Tags: tags}
	f.instances[id] = inst
	return inst
}

func (f *fakeCloud) addVolume(id, instanceID, device string, tags ...inventory.Tag) *inventory.VolumeRecord {
	state := inventory.VolumeStateAvailable
	if instanceID != "" {
		state = inventory.VolumeStateInUse
	}
	v := &inventory.VolumeRecord{
		VolumeID:         id,
		InstanceID:       instanceID,
		DevicePath:       device,
		Size:             8 * datasize.GB,
		AvailabilityZone: "eu-west-1a",
		State:            state,
		VolumeType:       "gp3",
		IOPS:             3000,
		Throughput:       125,
		Tags:             tags,
	}
	f.volumes[id] = v
	return v
}

func (f *fakeCloud) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%04d", prefix, f.nextID)
}

func (f *fakeCloud) call(name string, args ...string) error {
	f.calls = append(f.calls, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	return f.failures[name]
}

// mutations lists the names of state-changing calls in order.
func (f *fakeCloud) mutations() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, strings.Fields(c)[0])
	}
	return out
}

func (f *fakeCloud) DescribeInstance(ctx context.Context, id string) (*inventory.Instance, error) {
	if err := f.failures["DescribeInstance"]; err != nil {
		return nil, err
	}
	inst, ok := f.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, errors.ErrNotFound)
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeCloud) DescribeVolume(ctx context.Context, id string) (*inventory.VolumeRecord, error) {
	v, ok := f.volumes[id]
	if !ok {
		return nil, fmt.Errorf("volume %s: %w", id, errors.ErrNotFound)
	}
	cp := *v
	cp.Tags = slices.Clone(v.Tags)
	return &cp, nil
}

func (f *fakeCloud) SnapshotState(ctx context.Context, id string) (string, error) {
	s, ok := f.snapshots[id]
	if !ok {
		return "", fmt.Errorf("snapshot %s: %w", id, errors.ErrNotFound)
	}
	return s.state, nil
}

func (f *fakeCloud) StopInstance(ctx context.Context, id string) error {
	if err := f.call("StopInstance", id); err != nil {
		return err
	}
	f.instances[id].State = inventory.InstanceStateStopped
	return nil
}

func (f *fakeCloud) StartInstance(ctx context.Context, id string) error {
	if err := f.call("StartInstance", id); err != nil {
		return err
	}
	f.instances[id].State = inventory.InstanceStateRunning
	return nil
}

func (f *fakeCloud) CreateSnapshot(ctx context.Context, req SnapshotRequest) (string, error) {
	if err := f.call("CreateSnapshot", req.VolumeID); err != nil {
		return "", err
	}
	state := inventory.SnapshotStateCompleted
	if f.stuckVolumes[req.VolumeID] {
		state = inventory.SnapshotStatePending
	}
	id := f.id("snap")
	f.snapshots[id] = &fakeSnapshot{state: state, volumeID: req.VolumeID, tags: req.Tags}
	return id, nil
}

func (f *fakeCloud) CopySnapshot(ctx context.Context, req CopySnapshotRequest) (string, error) {
	if err := f.call("CopySnapshot", req.SourceSnapshotID, req.KMSKeyID); err != nil {
		return "", err
	}
	src := f.snapshots[req.SourceSnapshotID]
	id := f.id("snap")
	f.snapshots[id] = &fakeSnapshot{
		state:     inventory.SnapshotStateCompleted,
		volumeID:  src.volumeID,
		encrypted: true,
		kmsKeyID:  req.KMSKeyID,
		tags:      req.Tags,
	}
	return id, nil
}

func (f *fakeCloud) DeleteSnapshot(ctx context.Context, id string) error {
	if err := f.call("DeleteSnapshot", id); err != nil {
		return err
	}
	delete(f.snapshots, id)
	return nil
}

func (f *fakeCloud) EnableFastRestore(ctx context.Context, id, az string) error {
	if err := f.call("EnableFastRestore", id, az); err != nil {
		return err
	}
	f.fastRestore[id] = true
	return nil
}

func (f *fakeCloud) DisableFastRestore(ctx context.Context, id, az string) error {
	if err := f.call("DisableFastRestore", id, az); err != nil {
		return err
	}
	delete(f.fastRestore, id)
	return nil
}

func (f *fakeCloud) DetachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	if err := f.call("DetachVolume", volumeID, instanceID, device); err != nil {
		return err
	}
	v := f.volumes[volumeID]
	v.State = inventory.VolumeStateAvailable
	v.InstanceID = ""
	v.DevicePath = ""
	return nil
}

func (f *fakeCloud) CreateVolume(ctx context.Context, req VolumeRequest) (string, error) {
	if err := f.call("CreateVolume", req.SnapshotID, req.AvailabilityZone); err != nil {
		return "", err
	}
	snap := f.snapshots[req.SnapshotID]
	id := f.id("vol")
	f.volumes[id] = &inventory.VolumeRecord{
		VolumeID:         id,
		Size:             f.volumes[snap.volumeID].Size,
		AvailabilityZone: req.AvailabilityZone,
		State:            inventory.VolumeStateAvailable,
		Encrypted:        snap.encrypted,
		KMSKeyID:         req.KMSKeyID,
		VolumeType:       req.VolumeType,
		IOPS:             req.IOPS,
		Throughput:       req.Throughput,
	}
	return id, nil
}

func (f *fakeCloud) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	if err := f.call("AttachVolume", volumeID, instanceID, device); err != nil {
		return err
	}
	v := f.volumes[volumeID]
	v.State = inventory.VolumeStateInUse
	v.InstanceID = instanceID
	v.DevicePath = device
	return nil
}

func (f *fakeCloud) CreateTags(ctx context.Context, id string, tags []inventory.Tag) error {
	if err := f.call("CreateTags", id); err != nil {
		return err
	}
	f.volumes[id].Tags = append(f.volumes[id].Tags, tags...)
	return nil
}

// DescribeUnencryptedVolumes lets the inventory scanner run against the fake.
func (f *fakeCloud) DescribeUnencryptedVolumes(ctx context.Context, token string) ([]inventory.VolumeRecord, string, error) {
	var out []inventory.VolumeRecord
	for _, v := range f.volumes {
		if !v.Encrypted {
			out = append(out, *v)
		}
	}
	slices.SortFunc(out, func(a, b inventory.VolumeRecord) int { return strings.Compare(a.VolumeID, b.VolumeID) })
	return out, "", nil
}

type memJournal struct {
	records []State
}

func (j *memJournal) Record(ctx context.Context, st *State) error {
	j.records = append(j.records, *st)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testWaits = Waits{
	Interval:        time.Millisecond,
	InstanceTimeout: 50 * time.Millisecond,
	SnapshotTimeout: 50 * time.Millisecond,
	VolumeTimeout:   50 * time.Millisecond,
}

func jobFor(cloud *fakeCloud, volumeID string) Job {
	v := *cloud.volumes[volumeID]
	v.VolumeName = inventory.VolumeName(v.Tags)
	if inst, ok := cloud.instances[v.InstanceID]; ok {
		v.InstanceName = inventory.InstanceName(inst.Tags)
	}
	return Job{
		ID:                "job-" + volumeID,
		RunID:             "run-1",
		Source:            v,
		TargetKMSKeyID:    "arn:aws:kms:eu-west-1:111122223333:key/1234",
		EnableFastRestore: true,
	}
}
