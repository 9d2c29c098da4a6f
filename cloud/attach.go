// Package cloud: the x/p/c volume attach engine.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cloud

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"

	"github.com/NVIDIA/ec2fleetd/blockdev"
	"github.com/NVIDIA/ec2fleetd/macroset"
	"github.com/NVIDIA/ec2fleetd/txn"
	"github.com/NVIDIA/ec2fleetd/userdata"
)

// VolumeAttachedError reports that the volume targeted by a strategy is
// already attached to this instance under a different device path than
// the one requested.
type VolumeAttachedError struct {
	VolumeID string
	PoolName string
	Device   string
}

func (e *VolumeAttachedError) Error() string {
	if e.PoolName != "" {
		return fmt.Sprintf("%s from pool %s attached as %s", e.VolumeID, e.PoolName, e.Device)
	}
	return fmt.Sprintf("%s attached as %s", e.VolumeID, e.Device)
}

// NoVolumeSourceError reports that every letter in a source spec (x/p/c)
// was tried for a device and none produced an attached volume.
type NoVolumeSourceError struct {
	Device string
}

func (e *NoVolumeSourceError) Error() string {
	return e.Device + ": no source available"
}

// attachOutcome is the explicit result of a single source-letter attempt,
// replacing the original's signed-integer convention (negative: no
// candidate, zero: already attached, positive: freshly attached).
type attachOutcome int

const (
	outcomeUnavailable attachOutcome = iota
	outcomeAlreadyDesired
	outcomeEffected
)

// BlockdevWait resolves the guest device path for a just-attached volume.
// Overridden in tests to avoid spinning on a real /dev path.
var BlockdevWait = blockdev.Wait

// AttachVolume tries a VolumeSpec's source letters in the order they are
// given until one produces a volume attached at the requested device path,
// then waits for the guest block device to appear. It does not run the
// spec's exec matrix; its caller (domain.Init) does that. Holds for every
// mutation are pushed onto a child manager of parent.
func AttachVolume(
	ctx context.Context,
	ec2c ec2iface.EC2API,
	spec userdata.VolumeSpec,
	ms *macroset.MacroSet,
	parent *txn.Manager,
	logger *txn.Logger,
	client *Client,
) (*macroset.MacroSet, error) {
	localMS := ms.Clone()
	volumeID := spec.VolumeID
	child := txn.NewManager(spec.Critical, parent)

	return localMS, child.Run(func(m *txn.Manager) error {
		var outcome attachOutcome = outcomeUnavailable
		var usedSource byte

		for _, src := range spec.Source {
			var err error
			var out attachOutcome

			switch src {
			case 'x':
				out, err = attachExisting(client, ec2c, m, ms, spec.Device, volumeID, logger)
			case 'p':
				var picked string
				out, picked, err = attachFromPool(client, ec2c, m, ms, spec.Device, spec.PoolName, logger)
				if picked != "" {
					volumeID = picked
				}
			case 'c':
				var created string
				out, created, err = attachNewlyCreated(ctx, client, ec2c, m, ms, spec, logger)
				if created != "" {
					volumeID = created
				}
			default:
				return fmt.Errorf("%c: invalid source spec", src)
			}
			if err != nil {
				return err
			}
			if out != outcomeUnavailable {
				outcome = out
				usedSource = src
				break
			}
		}

		if outcome == outcomeUnavailable {
			return &NoVolumeSourceError{Device: spec.Device}
		}

		localMS.AttachSource = string(usedSource)
		if outcome == outcomeEffected {
			localMS.AttachOp = "true"
		} else {
			localMS.AttachOp = "false"
		}
		localMS.VolumeID = volumeID
		localMS.VolumePool = spec.PoolName

		devPath, err := BlockdevWait(ctx, volumeID, spec.Device)
		if err != nil {
			return err
		}
		localMS.AttachedDevice = devPath

		return nil
	})
}

// attachExisting implements source letter 'x': attach a volume identified
// by its exact volume id, a no-op if it is already attached at the
// requested device.
func attachExisting(c *Client, ec2c ec2iface.EC2API, m *txn.Manager, ms *macroset.MacroSet, devicePath, volumeID string, logger *txn.Logger) (attachOutcome, error) {
	var volumes []*ec2.Volume
	err := c.Call("describe_volumes", map[string]interface{}{"volume-id": volumeID}, false, func() error {
		out, err := ec2c.DescribeVolumes(&ec2.DescribeVolumesInput{
			Filters: []*ec2.Filter{
				{Name: aws.String("attachment.instance-id"), Values: aws.StringSlice([]string{ms.InstanceID})},
				{Name: aws.String("attachment.status"), Values: aws.StringSlice([]string{"attached"})},
				{Name: aws.String("volume-id"), Values: aws.StringSlice([]string{volumeID})},
			},
		})
		if err != nil {
			return err
		}
		volumes = out.Volumes
		return nil
	})
	if err != nil {
		return outcomeUnavailable, err
	}

	if len(volumes) == 1 {
		for _, att := range volumes[0].Attachments {
			if aws.StringValue(att.InstanceId) == ms.InstanceID {
				attDev := aws.StringValue(att.Device)
				if attDev != devicePath {
					return outcomeUnavailable, &VolumeAttachedError{VolumeID: volumeID, Device: attDev}
				}
				return outcomeAlreadyDesired, nil
			}
		}
	}

	if err := doAttach(c, ec2c, m, ms, devicePath, volumeID); err != nil {
		if isAWSClientError(err) {
			return outcomeUnavailable, nil
		}
		return outcomeUnavailable, err
	}
	return outcomeEffected, nil
}

// attachFromPool implements source letter 'p': pick a volume from a
// domain/pool-tagged set. On the first iteration, if the instance's launch
// index is known, it deterministically picks vols[instance_index % n];
// otherwise (and on retries) it picks at random among available,
// untagged candidates.
func attachFromPool(c *Client, ec2c ec2iface.EC2API, m *txn.Manager, ms *macroset.MacroSet, devicePath, poolName string, logger *txn.Logger) (attachOutcome, string, error) {
	var attached []*ec2.Volume
	err := c.Call("describe_volumes", map[string]interface{}{"pool-name": poolName, "phase": "attached-check"}, false, func() error {
		out, err := ec2c.DescribeVolumes(&ec2.DescribeVolumesInput{
			Filters: []*ec2.Filter{
				{Name: aws.String("tag:" + TagDomain), Values: aws.StringSlice([]string{ms.Domain})},
				{Name: aws.String("tag:" + TagPoolName), Values: aws.StringSlice([]string{poolName})},
				{Name: aws.String("attachment.instance-id"), Values: aws.StringSlice([]string{ms.InstanceID})},
				{Name: aws.String("attachment.status"), Values: aws.StringSlice([]string{"attached"})},
			},
		})
		if err != nil {
			return err
		}
		attached = out.Volumes
		return nil
	})
	if err != nil {
		return outcomeUnavailable, "", err
	}

	for _, vol := range attached {
		for _, att := range vol.Attachments {
			if aws.StringValue(att.InstanceId) == ms.InstanceID {
				attDev := aws.StringValue(att.Device)
				if attDev == devicePath {
					return outcomeAlreadyDesired, aws.StringValue(vol.VolumeId), nil
				}
				return outcomeUnavailable, "", &VolumeAttachedError{
					VolumeID: aws.StringValue(vol.VolumeId), PoolName: poolName, Device: attDev,
				}
			}
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	runCnt := 0

	for {
		var candidates []*ec2.Volume
		err := c.Call("describe_volumes", map[string]interface{}{"pool-name": poolName, "phase": "candidates"}, false, func() error {
			out, err := ec2c.DescribeVolumes(&ec2.DescribeVolumesInput{
				Filters: []*ec2.Filter{
					{Name: aws.String("tag:" + TagDomain), Values: aws.StringSlice([]string{ms.Domain})},
					{Name: aws.String("tag:" + TagPoolName), Values: aws.StringSlice([]string{poolName})},
					{Name: aws.String("availability-zone"), Values: aws.StringSlice([]string{ms.PlacementZone})},
				},
			})
			if err != nil {
				return err
			}
			candidates = out.Volumes
			return nil
		})
		if err != nil {
			return outcomeUnavailable, "", err
		}
		if len(candidates) == 0 {
			return outcomeUnavailable, "", nil
		}

		volumeID := pickPoolVolume(candidates, runCnt, ms.InstanceIndex, rng)
		if volumeID == "" {
			return outcomeUnavailable, "", nil
		}

		if err := doAttach(c, ec2c, m, ms, devicePath, volumeID); err != nil {
			if isAWSClientError(err) {
				runCnt++
				continue
			}
			return outcomeUnavailable, "", err
		}
		return outcomeEffected, volumeID, nil
	}
}

// pickPoolVolume mirrors the original's pick_vol closure: on the first
// attempt with a known launch index, deterministically select
// vols[instance_index % n] if that slot happens to be available;
// otherwise fall back to a random pick among available, untagged
// (non-in-transit) candidates.
func pickPoolVolume(candidates []*ec2.Volume, runCnt int, instanceIndex *int, rng *rand.Rand) string {
	if runCnt == 0 && instanceIndex != nil && len(candidates) > 0 {
		idx := *instanceIndex % len(candidates)
		if aws.StringValue(candidates[idx].State) == ec2.VolumeStateAvailable {
			return aws.StringValue(candidates[idx].VolumeId)
		}
	}

	untagged := filterTransientVolumes(candidates)
	if len(untagged) == 0 {
		return ""
	}
	return aws.StringValue(untagged[rng.Intn(len(untagged))].VolumeId)
}

// filterTransientVolumes keeps only volumes that are available and not
// already tagged with an in-flight transaction id.
func filterTransientVolumes(vols []*ec2.Volume) []*ec2.Volume {
	var ret []*ec2.Volume
	for _, v := range vols {
		tagged := false
		for _, t := range v.Tags {
			if aws.StringValue(t.Key) == TagTransactionID {
				tagged = true
				break
			}
		}
		if !tagged && aws.StringValue(v.State) == ec2.VolumeStateAvailable {
			ret = append(ret, v)
		}
	}
	return ret
}

// attachNewlyCreated implements source letter 'c': create a fresh volume
// per the spec's create parameters, poll until it leaves the "creating"
// state, then attach it.
func attachNewlyCreated(ctx context.Context, c *Client, ec2c ec2iface.EC2API, m *txn.Manager, ms *macroset.MacroSet, spec userdata.VolumeSpec, logger *txn.Logger) (attachOutcome, string, error) {
	if spec.Create == nil {
		return outcomeUnavailable, "", fmt.Errorf("%s: source 'c' requires a create block", spec.Device)
	}
	p := spec.Create

	tags := []*ec2.Tag{
		{Key: aws.String(TagDomain), Value: aws.String(ms.Domain)},
		{Key: aws.String(TagPoolName), Value: aws.String(spec.PoolName)},
		{Key: aws.String(TagTransactionID), Value: aws.String(ms.TransactionID)},
		{Key: aws.String(TagInTransit), Value: aws.String("true")},
	}
	for _, t := range p.ExtraTags {
		tags = append(tags, &ec2.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)})
	}

	in := &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(ms.PlacementZone),
		TagSpecifications: []*ec2.TagSpecification{
			{ResourceType: aws.String(ec2.ResourceTypeVolume), Tags: tags},
		},
	}
	if p.SizeGiB != nil {
		in.Size = aws.Int64(*p.SizeGiB)
	}
	if p.VolumeType != "" {
		in.VolumeType = aws.String(p.VolumeType)
	}
	if p.IOPS != nil {
		in.Iops = aws.Int64(*p.IOPS)
	}
	if p.Throughput != nil {
		in.Throughput = aws.Int64(*p.Throughput)
	}
	if p.SnapshotID != "" {
		in.SnapshotId = aws.String(p.SnapshotID)
	}
	if p.Encrypted != nil {
		in.Encrypted = p.Encrypted
	}
	if p.KMSKeyID != "" {
		in.KmsKeyId = aws.String(p.KMSKeyID)
	}

	var volumeID, state string
	err := c.Call("create_volume", map[string]interface{}{"AvailabilityZone": ms.PlacementZone}, false, func() error {
		out, err := ec2c.CreateVolume(in)
		if err != nil {
			return err
		}
		volumeID = aws.StringValue(out.VolumeId)
		state = aws.StringValue(out.State)
		return nil
	})
	if err != nil {
		return outcomeUnavailable, "", err
	}
	m.Push(&CreatedVolumeHold{Client: c, EC2: ec2c, VolumeID: volumeID})

	backoff := newVolumeCreatePollBackoff()
	for state == ec2.VolumeStateCreating {
		select {
		case <-ctx.Done():
			return outcomeUnavailable, volumeID, ctx.Err()
		case <-time.After(time.Duration(backoff.next() * float64(time.Second))):
		}

		err := c.Call("describe_volumes", map[string]interface{}{"VolumeIds": []string{volumeID}}, false, func() error {
			out, err := ec2c.DescribeVolumes(&ec2.DescribeVolumesInput{VolumeIds: aws.StringSlice([]string{volumeID})})
			if err != nil {
				return err
			}
			if len(out.Volumes) > 0 {
				state = aws.StringValue(out.Volumes[0].State)
			}
			return nil
		})
		if err != nil {
			return outcomeUnavailable, volumeID, err
		}
	}

	if err := doAttach(c, ec2c, m, ms, spec.Device, volumeID); err != nil {
		return outcomeUnavailable, volumeID, err
	}
	return outcomeEffected, volumeID, nil
}

// doAttach issues the AttachVolume call common to all three strategies,
// pushes the rollback hold, and tags the volume with the transaction id.
func doAttach(c *Client, ec2c ec2iface.EC2API, m *txn.Manager, ms *macroset.MacroSet, devicePath, volumeID string) error {
	err := c.Call("attach_volume", map[string]interface{}{"Device": devicePath, "InstanceId": ms.InstanceID, "VolumeId": volumeID}, false, func() error {
		_, err := ec2c.AttachVolume(&ec2.AttachVolumeInput{
			Device:     aws.String(devicePath),
			InstanceId: aws.String(ms.InstanceID),
			VolumeId:   aws.String(volumeID),
		})
		return err
	})
	if err != nil {
		return err
	}

	h, err := NewAttachedVolumeHold(c, ec2c, volumeID, ms.TransactionID)
	if err != nil {
		return err
	}
	m.Push(h)
	return nil
}

func isAWSClientError(err error) bool {
	_, ok := err.(awserr.Error)
	return ok
}
