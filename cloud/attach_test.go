package cloud

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/ec2fleetd/macroset"
	"github.com/NVIDIA/ec2fleetd/txn"
	"github.com/NVIDIA/ec2fleetd/userdata"
)

type attachFakeEC2 struct {
	ec2iface.EC2API

	describeByFilter func(in *ec2.DescribeVolumesInput) *ec2.DescribeVolumesOutput
	attachCalls      []*ec2.AttachVolumeInput
	createCalls      []*ec2.CreateVolumeInput
	createVolumeID   string
	createStates     []string
	attachErr        error
}

func (f *attachFakeEC2) DescribeVolumes(in *ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error) {
	return f.describeByFilter(in), nil
}

func (f *attachFakeEC2) AttachVolume(in *ec2.AttachVolumeInput) (*ec2.VolumeAttachment, error) {
	f.attachCalls = append(f.attachCalls, in)
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	return &ec2.VolumeAttachment{State: aws.String("attached")}, nil
}

func (f *attachFakeEC2) CreateTags(in *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
	return &ec2.CreateTagsOutput{}, nil
}

func (f *attachFakeEC2) DeleteTags(in *ec2.DeleteTagsInput) (*ec2.DeleteTagsOutput, error) {
	return &ec2.DeleteTagsOutput{}, nil
}

func (f *attachFakeEC2) CreateVolume(in *ec2.CreateVolumeInput) (*ec2.Volume, error) {
	f.createCalls = append(f.createCalls, in)
	state := "available"
	if len(f.createStates) > 0 {
		state = f.createStates[0]
		f.createStates = f.createStates[1:]
	}
	return &ec2.Volume{VolumeId: aws.String(f.createVolumeID), State: aws.String(state)}, nil
}

func init() {
	BlockdevWait = func(ctx context.Context, volumeID, confDevice string) (string, error) {
		return confDevice, nil
	}
}

func baseMacroSet() *macroset.MacroSet {
	ms := macroset.New("txn-1")
	ms.InstanceID = "i-123"
	ms.Domain = "web"
	ms.PlacementZone = "us-east-1a"
	return ms
}

func TestAttachVolumeExistingAlreadyAttachedAtDesiredDevice(t *testing.T) {
	ec2c := &attachFakeEC2{
		describeByFilter: func(in *ec2.DescribeVolumesInput) *ec2.DescribeVolumesOutput {
			return &ec2.DescribeVolumesOutput{Volumes: []*ec2.Volume{
				{
					VolumeId: aws.String("vol-x"),
					Attachments: []*ec2.VolumeAttachment{
						{InstanceId: aws.String("i-123"), Device: aws.String("/dev/xvdf")},
					},
				},
			}}
		},
	}
	spec := userdata.VolumeSpec{Device: "/dev/xvdf", Source: []byte("x"), VolumeID: "vol-x", Critical: true}
	ms := baseMacroSet()
	parent := txn.NewManager(true, nil)

	result, err := AttachVolume(context.Background(), ec2c, spec, ms, parent, txn.NewLogger(), newTestClient())
	require.NoError(t, err)
	assert.Equal(t, "false", result.AttachOp)
	assert.Equal(t, "vol-x", result.VolumeID)
	assert.Empty(t, ec2c.attachCalls)
}

func TestAttachVolumeExistingConflictingDeviceSwallowedWhenNonCritical(t *testing.T) {
	ec2c := &attachFakeEC2{
		describeByFilter: func(in *ec2.DescribeVolumesInput) *ec2.DescribeVolumesOutput {
			return &ec2.DescribeVolumesOutput{Volumes: []*ec2.Volume{
				{
					VolumeId: aws.String("vol-x"),
					Attachments: []*ec2.VolumeAttachment{
						{InstanceId: aws.String("i-123"), Device: aws.String("/dev/xvdg")},
					},
				},
			}}
		},
	}
	spec := userdata.VolumeSpec{Device: "/dev/xvdf", Source: []byte("x"), VolumeID: "vol-x", Critical: false}
	ms := baseMacroSet()
	parent := txn.NewManager(false, nil)

	_, err := AttachVolume(context.Background(), ec2c, spec, ms, parent, txn.NewLogger(), newTestClient())
	assert.NoError(t, err) // non-critical: swallowed by txn.Manager.Run
}

func TestAttachVolumePoolDeterministicPickByInstanceIndex(t *testing.T) {
	idx := 1
	ec2c := &attachFakeEC2{
		describeByFilter: func(in *ec2.DescribeVolumesInput) *ec2.DescribeVolumesOutput {
			for _, f := range in.Filters {
				if aws.StringValue(f.Name) == "attachment.instance-id" {
					return &ec2.DescribeVolumesOutput{}
				}
			}
			return &ec2.DescribeVolumesOutput{Volumes: []*ec2.Volume{
				{VolumeId: aws.String("vol-a"), State: aws.String("available")},
				{VolumeId: aws.String("vol-b"), State: aws.String("available")},
			}}
		},
	}
	spec := userdata.VolumeSpec{Device: "/dev/xvdg", Source: []byte("p"), PoolName: "pool1", Critical: true}
	ms := baseMacroSet()
	ms.InstanceIndex = &idx
	parent := txn.NewManager(true, nil)

	result, err := AttachVolume(context.Background(), ec2c, spec, ms, parent, txn.NewLogger(), newTestClient())
	require.NoError(t, err)
	assert.Equal(t, "vol-b", result.VolumeID)
	require.Len(t, ec2c.attachCalls, 1)
	assert.Equal(t, "vol-b", aws.StringValue(ec2c.attachCalls[0].VolumeId))
}

func TestAttachVolumeCreatePollsUntilAvailableThenAttaches(t *testing.T) {
	ec2c := &attachFakeEC2{
		createVolumeID: "vol-new",
		createStates:   []string{"creating"},
		describeByFilter: func(in *ec2.DescribeVolumesInput) *ec2.DescribeVolumesOutput {
			return &ec2.DescribeVolumesOutput{Volumes: []*ec2.Volume{
				{VolumeId: aws.String("vol-new"), State: aws.String("available")},
			}}
		},
	}
	size := int64(8)
	spec := userdata.VolumeSpec{
		Device:   "/dev/xvdh",
		Source:   []byte("c"),
		PoolName: "pool1",
		Critical: true,
		Create:   &userdata.VolumeCreateParams{SizeGiB: &size, VolumeType: "gp3"},
	}
	ms := baseMacroSet()
	parent := txn.NewManager(true, nil)

	origBackoff := volumeCreatePollBackoffSeconds
	volumeCreatePollBackoffSeconds = []float64{0}
	defer func() { volumeCreatePollBackoffSeconds = origBackoff }()

	result, err := AttachVolume(context.Background(), ec2c, spec, ms, parent, txn.NewLogger(), newTestClient())
	require.NoError(t, err)
	assert.Equal(t, "vol-new", result.VolumeID)
	assert.Equal(t, "true", result.AttachOp)
	require.Len(t, ec2c.createCalls, 1)
	assert.Equal(t, "gp3", aws.StringValue(ec2c.createCalls[0].VolumeType))
}

func TestAttachVolumeNoSourceAvailableErrors(t *testing.T) {
	// The configured volume's attach fails with a cloud error and the pool
	// has no candidates, so both 'x' and 'p' come up unavailable.
	ec2c := &attachFakeEC2{
		describeByFilter: func(in *ec2.DescribeVolumesInput) *ec2.DescribeVolumesOutput {
			return &ec2.DescribeVolumesOutput{}
		},
		attachErr: awserr.New("IncorrectState", "volume is not available", nil),
	}
	spec := userdata.VolumeSpec{Device: "/dev/xvdf", Source: []byte("xp"), VolumeID: "vol-x", PoolName: "pool1", Critical: true}
	ms := baseMacroSet()
	parent := txn.NewManager(true, nil)

	_, err := AttachVolume(context.Background(), ec2c, spec, ms, parent, txn.NewLogger(), newTestClient())
	require.Error(t, err)
	var nvs *NoVolumeSourceError
	assert.ErrorAs(t, err, &nvs)
}
