package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/c2h5oh/datasize"
	"github.com/samber/lo"
	"github.com/securethecloud/ebs-encryptor/pkg/errors"
	"github.com/securethecloud/ebs-encryptor/pkg/inventory"
	"github.com/securethecloud/ebs-encryptor/pkg/migrate"
)

// ec2API is the subset of the EC2 client the adapter calls.
type ec2API interface {
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	CreateSnapshot(ctx context.Context, params *ec2.CreateSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error)
	CopySnapshot(ctx context.Context, params *ec2.CopySnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CopySnapshotOutput, error)
	DeleteSnapshot(ctx context.Context, params *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error)
	EnableFastSnapshotRestores(ctx context.Context, params *ec2.EnableFastSnapshotRestoresInput, optFns ...func(*ec2.Options)) (*ec2.EnableFastSnapshotRestoresOutput, error)
	DisableFastSnapshotRestores(ctx context.Context, params *ec2.DisableFastSnapshotRestoresInput, optFns ...func(*ec2.Options)) (*ec2.DisableFastSnapshotRestoresOutput, error)
	DetachVolume(ctx context.Context, params *ec2.DetachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)
	CreateVolume(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	AttachVolume(ctx context.Context, params *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

var (
	_ inventory.Cloud = (*EC2)(nil)
	_ migrate.Cloud   = (*EC2)(nil)
)

const volumePageSize = 500

// EC2 serves both the scanner and the engine from one regional client.
type EC2 struct {
	client ec2API
	region string
	logger *slog.Logger
}

// NewEC2 creates an adapter from a loaded AWS config.
func NewEC2(cfg aws.Config, logger *slog.Logger) *EC2 {
	return newEC2(ec2.NewFromConfig(cfg), cfg.Region, logger)
}

func newEC2(client ec2API, region string, logger *slog.Logger) *EC2 {
	return &EC2{client: client, region: region, logger: logger}
}

// DescribeUnencryptedVolumes returns one page of volumes with encryption
// disabled and the token of the next page, empty on the last one.
func (c *EC2) DescribeUnencryptedVolumes(ctx context.Context, nextToken string) ([]inventory.VolumeRecord, string, error) {
	in := &ec2.DescribeVolumesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("encrypted"), Values: []string{"false"}},
		},
		MaxResults: aws.Int32(volumePageSize),
	}
	if nextToken != "" {
		in.NextToken = aws.String(nextToken)
	}

	out, err := c.client.DescribeVolumes(ctx, in)
	if err != nil {
		return nil, "", classify(err, "describe volumes")
	}
	c.logger.Debug("ec2_volumes_page", "count", len(out.Volumes), "has_more", aws.ToString(out.NextToken) != "")

	return lo.Map(out.Volumes, func(v ec2types.Volume, _ int) inventory.VolumeRecord {
		return toVolumeRecord(v)
	}), aws.ToString(out.NextToken), nil
}

func (c *EC2) DescribeVolume(ctx context.Context, volumeID string) (*inventory.VolumeRecord, error) {
	out, err := c.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}})
	if err != nil {
		return nil, classify(err, "describe volume "+volumeID)
	}
	if len(out.Volumes) == 0 {
		return nil, fmt.Errorf("volume %s: %w", volumeID, errors.ErrNotFound)
	}
	v := toVolumeRecord(out.Volumes[0])
	return &v, nil
}

func (c *EC2) DescribeInstance(ctx context.Context, instanceID string) (*inventory.Instance, error) {
	out, err := c.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return nil, classify(err, "describe instance "+instanceID)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == instanceID {
				i := toInstance(inst)
				return &i, nil
			}
		}
	}
	return nil, fmt.Errorf("instance %s: %w", instanceID, errors.ErrNotFound)
}

func (c *EC2) SnapshotState(ctx context.Context, snapshotID string) (string, error) {
	out, err := c.client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{SnapshotIds: []string{snapshotID}})
	if err != nil {
		return "", classify(err, "describe snapshot "+snapshotID)
	}
	if len(out.Snapshots) == 0 {
		return "", fmt.Errorf("snapshot %s: %w", snapshotID, errors.ErrNotFound)
	}
	return string(out.Snapshots[0].State), nil
}

func (c *EC2) StopInstance(ctx context.Context, instanceID string) error {
	_, err := c.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}})
	return classify(err, "stop instance "+instanceID)
}

func (c *EC2) StartInstance(ctx context.Context, instanceID string) error {
	_, err := c.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{instanceID}})
	return classify(err, "start instance "+instanceID)
}

func (c *EC2) CreateSnapshot(ctx context.Context, req migrate.SnapshotRequest) (string, error) {
	out, err := c.client.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
		VolumeId:          aws.String(req.VolumeID),
		Description:       aws.String(req.Description),
		TagSpecifications: tagSpecs(ec2types.ResourceTypeSnapshot, req.Tags),
	})
	if err != nil {
		return "", classify(err, "create snapshot of "+req.VolumeID)
	}
	return aws.ToString(out.SnapshotId), nil
}

// CopySnapshot copies within the adapter's region; encryption is forced.
func (c *EC2) CopySnapshot(ctx context.Context, req migrate.CopySnapshotRequest) (string, error) {
	out, err := c.client.CopySnapshot(ctx, &ec2.CopySnapshotInput{
		SourceSnapshotId:  aws.String(req.SourceSnapshotID),
		SourceRegion:      aws.String(c.region),
		Encrypted:         aws.Bool(true),
		KmsKeyId:          aws.String(req.KMSKeyID),
		Description:       aws.String(req.Description),
		TagSpecifications: tagSpecs(ec2types.ResourceTypeSnapshot, req.Tags),
	})
	if err != nil {
		return "", classify(err, "copy snapshot "+req.SourceSnapshotID)
	}
	return aws.ToString(out.SnapshotId), nil
}

func (c *EC2) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	_, err := c.client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(snapshotID)})
	return classify(err, "delete snapshot "+snapshotID)
}

func (c *EC2) EnableFastRestore(ctx context.Context, snapshotID, availabilityZone string) error {
	out, err := c.client.EnableFastSnapshotRestores(ctx, &ec2.EnableFastSnapshotRestoresInput{
		SourceSnapshotIds: []string{snapshotID},
		AvailabilityZones: []string{availabilityZone},
	})
	if err != nil {
		return classify(err, "enable fast snapshot restore on "+snapshotID)
	}
	// The call itself succeeds even when every snapshot/zone pair is rejected.
	var reasons []string
	for _, item := range out.Unsuccessful {
		for _, e := range item.FastSnapshotRestoreStateErrors {
			if e.Error != nil {
				reasons = append(reasons, fmt.Sprintf("%s: %s", aws.ToString(e.Error.Code), aws.ToString(e.Error.Message)))
			}
		}
	}
	if len(out.Unsuccessful) > 0 {
		return fmt.Errorf("enable fast snapshot restore on %s in %s rejected: %s",
			snapshotID, availabilityZone, strings.Join(reasons, "; "))
	}
	return nil
}

func (c *EC2) DisableFastRestore(ctx context.Context, snapshotID, availabilityZone string) error {
	out, err := c.client.DisableFastSnapshotRestores(ctx, &ec2.DisableFastSnapshotRestoresInput{
		SourceSnapshotIds: []string{snapshotID},
		AvailabilityZones: []string{availabilityZone},
	})
	if err != nil {
		return classify(err, "disable fast snapshot restore on "+snapshotID)
	}
	var reasons []string
	for _, item := range out.Unsuccessful {
		for _, e := range item.FastSnapshotRestoreStateErrors {
			if e.Error != nil {
				reasons = append(reasons, fmt.Sprintf("%s: %s", aws.ToString(e.Error.Code), aws.ToString(e.Error.Message)))
			}
		}
	}
	if len(out.Unsuccessful) > 0 {
		return fmt.Errorf("disable fast snapshot restore on %s in %s rejected: %s",
			snapshotID, availabilityZone, strings.Join(reasons, "; "))
	}
	return nil
}

func (c *EC2) DetachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	_, err := c.client.DetachVolume(ctx, &ec2.DetachVolumeInput{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
	})
	return classify(err, "detach volume "+volumeID)
}

func (c *EC2) CreateVolume(ctx context.Context, req migrate.VolumeRequest) (string, error) {
	in := &ec2.CreateVolumeInput{
		SnapshotId:       aws.String(req.SnapshotID),
		AvailabilityZone: aws.String(req.AvailabilityZone),
		Encrypted:        aws.Bool(true),
		KmsKeyId:         aws.String(req.KMSKeyID),
	}
	if req.VolumeType != "" {
		in.VolumeType = ec2types.VolumeType(req.VolumeType)
	}
	// Provisioned IOPS and throughput are rejected for types that do not take them.
	switch in.VolumeType {
	case ec2types.VolumeTypeGp3:
		if req.IOPS > 0 {
			in.Iops = aws.Int32(req.IOPS)
		}
		if req.Throughput > 0 {
			in.Throughput = aws.Int32(req.Throughput)
		}
	case ec2types.VolumeTypeIo1, ec2types.VolumeTypeIo2:
		if req.IOPS > 0 {
			in.Iops = aws.Int32(req.IOPS)
		}
	}

	out, err := c.client.CreateVolume(ctx, in)
	if err != nil {
		return "", classify(err, "create volume from "+req.SnapshotID)
	}
	return aws.ToString(out.VolumeId), nil
}

func (c *EC2) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	_, err := c.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
	})
	return classify(err, "attach volume "+volumeID)
}

func (c *EC2) CreateTags(ctx context.Context, resourceID string, tags []inventory.Tag) error {
	_, err := c.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{resourceID},
		Tags:      toEC2Tags(tags),
	})
	return classify(err, "tag "+resourceID)
}

func toVolumeRecord(v ec2types.Volume) inventory.VolumeRecord {
	tags := fromEC2Tags(v.Tags)
	rec := inventory.VolumeRecord{
		VolumeID:         aws.ToString(v.VolumeId),
		VolumeName:       inventory.VolumeName(tags),
		Size:             datasize.ByteSize(aws.ToInt32(v.Size)) * datasize.GB,
		AvailabilityZone: aws.ToString(v.AvailabilityZone),
		State:            string(v.State),
		Encrypted:        aws.ToBool(v.Encrypted),
		KMSKeyID:         aws.ToString(v.KmsKeyId),
		VolumeType:       string(v.VolumeType),
		IOPS:             aws.ToInt32(v.Iops),
		Throughput:       aws.ToInt32(v.Throughput),
		Tags:             tags,
	}
	// Root and data volumes are only ever attached to one instance.
	if len(v.Attachments) > 0 {
		rec.InstanceID = aws.ToString(v.Attachments[0].InstanceId)
		rec.DevicePath = aws.ToString(v.Attachments[0].Device)
	}
	return rec
}

func toInstance(inst ec2types.Instance) inventory.Instance {
	tags := fromEC2Tags(inst.Tags)
	out := inventory.Instance{
		ID:        aws.ToString(inst.InstanceId),
		Name:      inventory.InstanceName(tags),
		Lifecycle: string(inst.InstanceLifecycle),
		Tags:      tags,
	}
	if inst.State != nil {
		out.State = string(inst.State.Name)
	}
	if inst.Placement != nil {
		out.AvailabilityZone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	return out
}

func fromEC2Tags(tags []ec2types.Tag) []inventory.Tag {
	return lo.Map(tags, func(t ec2types.Tag, _ int) inventory.Tag {
		return inventory.Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)}
	})
}

func toEC2Tags(tags []inventory.Tag) []ec2types.Tag {
	return lo.Map(tags, func(t inventory.Tag, _ int) ec2types.Tag {
		return ec2types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)}
	})
}

func tagSpecs(rt ec2types.ResourceType, tags []inventory.Tag) []ec2types.TagSpecification {
	if len(tags) == 0 {
		return nil
	}
	return []ec2types.TagSpecification{{ResourceType: rt, Tags: toEC2Tags(tags)}}
}
