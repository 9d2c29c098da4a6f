// Package cloud: rollback/commit ResourceHold implementations.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cloud

import (
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"
	pkgerrors "github.com/pkg/errors"
)

// VolumeDetachPollInterval is how long CreatedVolumeHold/AttachedVolumeHold
// wait between DescribeVolumes polls while a forced detach drains.
var VolumeDetachPollInterval = time.Second

func deleteTransactionTags(c *Client, ec2c ec2iface.EC2API, volumeID string) error {
	return c.Call("delete_tags", map[string]interface{}{"Resources": []string{volumeID}}, false, func() error {
		_, err := ec2c.DeleteTags(&ec2.DeleteTagsInput{
			Resources: aws.StringSlice([]string{volumeID}),
			Tags: []*ec2.Tag{
				{Key: aws.String(TagTransactionID)},
				{Key: aws.String(TagInTransit)},
			},
		})
		return err
	})
}

// CreatedVolumeHold reverses a create_volume call: commit strips the
// in-transit tags, rollback deletes the volume outright.
type CreatedVolumeHold struct {
	Client   *Client
	EC2      ec2iface.EC2API
	VolumeID string
}

func (h *CreatedVolumeHold) Commit() error {
	return deleteTransactionTags(h.Client, h.EC2, h.VolumeID)
}

func (h *CreatedVolumeHold) Rollback() error {
	return h.Client.Call("delete_volume", map[string]interface{}{"VolumeId": h.VolumeID}, false, func() error {
		_, err := h.EC2.DeleteVolume(&ec2.DeleteVolumeInput{VolumeId: aws.String(h.VolumeID)})
		return err
	})
}

// AttachedVolumeHold reverses an attach_volume call: commit strips the
// in-transit/transaction tags, rollback strips tags then force-detaches
// and polls until the volume is no longer in-use/detaching.
type AttachedVolumeHold struct {
	Client        *Client
	EC2           ec2iface.EC2API
	VolumeID      string
	TransactionID string
}

// NewAttachedVolumeHold tags the volume with the transaction id as a side
// effect of construction, mirroring the original's constructor-time
// put_transc_tag call.
func NewAttachedVolumeHold(c *Client, ec2c ec2iface.EC2API, volumeID, transactionID string) (*AttachedVolumeHold, error) {
	h := &AttachedVolumeHold{Client: c, EC2: ec2c, VolumeID: volumeID, TransactionID: transactionID}
	err := c.Call("create_tags", map[string]interface{}{"Resources": []string{volumeID}}, false, func() error {
		_, err := ec2c.CreateTags(&ec2.CreateTagsInput{
			Resources: aws.StringSlice([]string{volumeID}),
			Tags: []*ec2.Tag{
				{Key: aws.String(TagTransactionID), Value: aws.String(transactionID)},
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (h *AttachedVolumeHold) Commit() error {
	return deleteTransactionTags(h.Client, h.EC2, h.VolumeID)
}

func (h *AttachedVolumeHold) Rollback() error {
	if err := deleteTransactionTags(h.Client, h.EC2, h.VolumeID); err != nil {
		return err
	}

	var state string
	err := h.Client.Call("detach_volume", map[string]interface{}{"VolumeId": h.VolumeID, "Force": true}, false, func() error {
		out, err := h.EC2.DetachVolume(&ec2.DetachVolumeInput{
			VolumeId: aws.String(h.VolumeID),
			Force:    aws.Bool(true),
		})
		if err != nil {
			return err
		}
		if out.State != nil {
			state = *out.State
		}
		return nil
	})
	if err != nil {
		return err
	}

	for state == "in-use" || state == "detaching" {
		time.Sleep(VolumeDetachPollInterval)

		var gone bool
		err := h.Client.Call("describe_volumes", map[string]interface{}{"VolumeIds": []string{h.VolumeID}}, false, func() error {
			out, err := h.EC2.DescribeVolumes(&ec2.DescribeVolumesInput{
				VolumeIds: aws.StringSlice([]string{h.VolumeID}),
			})
			if err != nil {
				return err
			}
			if len(out.Volumes) == 0 {
				gone = true
				return nil
			}
			if out.Volumes[0].State != nil {
				state = *out.Volumes[0].State
			}
			return nil
		})
		if err != nil {
			return err
		}
		if gone {
			break
		}
	}
	return nil
}

// Route53InsertedHold is pushed when no pre-existing record set was found:
// rollback DELETEs the inserted records; commit is a no-op.
type Route53InsertedHold struct {
	Client       *Client
	R53          route53iface.Route53API
	HostedZoneID string
	Inserted     []*route53.ResourceRecordSet
}

func (h *Route53InsertedHold) Commit() error { return nil }

func (h *Route53InsertedHold) Rollback() error {
	return h.Client.Call("change_resource_record_sets", map[string]interface{}{"HostedZoneId": h.HostedZoneID, "Action": "DELETE"}, false, func() error {
		_, err := h.R53.ChangeResourceRecordSets(&route53.ChangeResourceRecordSetsInput{
			HostedZoneId: aws.String(h.HostedZoneID),
			ChangeBatch:  &route53.ChangeBatch{Changes: mkChanges("DELETE", h.Inserted)},
		})
		return pkgerrors.Wrap(err, "rolling back inserted route53 record set")
	})
}

// Route53UpdatedHold is pushed when a pre-existing record set was snapshot
// before the UPSERT: rollback restores the pre-image via another UPSERT.
type Route53UpdatedHold struct {
	Client       *Client
	R53          route53iface.Route53API
	HostedZoneID string
	Saved        []*route53.ResourceRecordSet
}

func (h *Route53UpdatedHold) Commit() error { return nil }

func (h *Route53UpdatedHold) Rollback() error {
	return h.Client.Call("change_resource_record_sets", map[string]interface{}{"HostedZoneId": h.HostedZoneID, "Action": "UPSERT"}, false, func() error {
		_, err := h.R53.ChangeResourceRecordSets(&route53.ChangeResourceRecordSetsInput{
			HostedZoneId: aws.String(h.HostedZoneID),
			ChangeBatch:  &route53.ChangeBatch{Changes: mkChanges("UPSERT", h.Saved)},
		})
		return pkgerrors.Wrap(err, "restoring pre-image route53 record set")
	})
}

func mkChanges(action string, rrs []*route53.ResourceRecordSet) []*route53.Change {
	changes := make([]*route53.Change, 0, len(rrs))
	for _, rr := range rrs {
		changes = append(changes, &route53.Change{Action: aws.String(action), ResourceRecordSet: rr})
	}
	return changes
}
