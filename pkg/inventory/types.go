package inventory

import (
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/samber/lo"
)

// Name sentinels used when the Name tag is absent. They are never empty so
// they can be printed as-is, but HasName reports them as "no name".
const (
	UnknownInstanceName = "Name Unknown"
	UnknownVolumeName   = "Unknown Name"
)

// Volume and instance states the scanner and engine care about.
const (
	VolumeStateCreating  = "creating"
	VolumeStateAvailable = "available"
	VolumeStateInUse     = "in-use"
	VolumeStateDeleting  = "deleting"
	VolumeStateDeleted   = "deleted"
	VolumeStateError     = "error"

	InstanceStatePending      = "pending"
	InstanceStateRunning      = "running"
	InstanceStateStopping     = "stopping"
	InstanceStateStopped      = "stopped"
	InstanceStateShuttingDown = "shutting-down"
	InstanceStateTerminated   = "terminated"

	SnapshotStatePending   = "pending"
	SnapshotStateCompleted = "completed"
	SnapshotStateError     = "error"

	LifecycleSpot = "spot"
)

const (
	nameTagKey = "Name"

	// ReservedTagPrefix marks provider-owned tags that cannot be written by callers.
	ReservedTagPrefix = "aws:"

	// AutoScalingGroupTagKey is stamped by the provider on every instance
	// launched by an auto-scaling group.
	AutoScalingGroupTagKey = "aws:autoscaling:groupName"
)

// Tag is a single key/value pair. Tags are kept as ordered slices so the
// order reported by the provider survives a copy.
type Tag struct {
	Key   string
	Value string
}

// TagValue returns the value of key, if present.
func TagValue(tags []Tag, key string) (string, bool) {
	t, ok := lo.Find(tags, func(t Tag) bool { return t.Key == key })
	return t.Value, ok
}

// UserTags drops provider-reserved tags.
func UserTags(tags []Tag) []Tag {
	return lo.Filter(tags, func(t Tag, _ int) bool {
		return !strings.HasPrefix(t.Key, ReservedTagPrefix)
	})
}

// VolumeRecord is a point-in-time view of one block-storage volume.
type VolumeRecord struct {
	VolumeID         string
	InstanceID       string // empty when detached
	InstanceName     string
	VolumeName       string
	Size             datasize.ByteSize
	AvailabilityZone string
	DevicePath       string // empty when detached
	State            string
	Encrypted        bool
	KMSKeyID         string
	VolumeType       string
	IOPS             int32
	Throughput       int32
	Tags             []Tag
}

// Attached reports whether the record carries both an instance and a device path.
func (v VolumeRecord) Attached() bool {
	return v.InstanceID != "" && v.DevicePath != ""
}

// HasName reports whether the volume carries a real Name tag.
func (v VolumeRecord) HasName() bool {
	return v.VolumeName != "" && v.VolumeName != UnknownVolumeName
}

// Label renders "vol-1 (name)" or just "vol-1" when the volume is unnamed.
func (v VolumeRecord) Label() string {
	if !v.HasName() {
		return v.VolumeID
	}
	return v.VolumeID + " (" + v.VolumeName + ")"
}

// SizeGB returns the size in whole gibibytes, the unit EBS sizes are expressed in.
func (v VolumeRecord) SizeGB() uint64 {
	return uint64(v.Size / datasize.GB)
}

// Instance is the subset of instance state needed for eligibility and
// stop/start decisions.
type Instance struct {
	ID               string
	Name             string
	State            string
	Lifecycle        string
	AvailabilityZone string
	Tags             []Tag
}

// HasName reports whether the instance carries a real Name tag.
func (i Instance) HasName() bool {
	return i.Name != "" && i.Name != UnknownInstanceName
}

// Spot reports whether the instance has a spot lifecycle.
func (i Instance) Spot() bool {
	return i.Lifecycle == LifecycleSpot
}

// AutoScalingGroup returns the owning auto-scaling group name, if any.
func (i Instance) AutoScalingGroup() (string, bool) {
	return TagValue(i.Tags, AutoScalingGroupTagKey)
}

// InstanceName resolves the Name tag or the instance sentinel.
func InstanceName(tags []Tag) string {
	if name, ok := TagValue(tags, nameTagKey); ok && name != "" {
		return name
	}
	return UnknownInstanceName
}

// VolumeName resolves the Name tag or the volume sentinel.
func VolumeName(tags []Tag) string {
	if name, ok := TagValue(tags, nameTagKey); ok && name != "" {
		return name
	}
	return UnknownVolumeName
}

// InstanceGroup is a report row: one instance and its unencrypted volumes.
type InstanceGroup struct {
	InstanceID   string
	InstanceName string
	Volumes      []VolumeRecord
}

// TotalSize sums the sizes of the group's volumes.
func (g InstanceGroup) TotalSize() datasize.ByteSize {
	return lo.SumBy(g.Volumes, func(v VolumeRecord) datasize.ByteSize { return v.Size })
}
