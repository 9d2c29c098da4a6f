// Package lifecycle drives the daemon's top-level state machine: init,
// post-init exec, notify, interruption polling, and the residual cleanup
// that runs no matter how the run ends.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package lifecycle

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/golang/glog"
	pkgerrors "github.com/pkg/errors"

	"github.com/NVIDIA/ec2fleetd/cloud"
	"github.com/NVIDIA/ec2fleetd/txn"
)

// ResidualCleanup enumerates every volume this run left tagged in-transit
// and attempts to detach and delete it. TransientResourceManager rollback
// is best-effort and may itself be interrupted (e.g. by a killed init);
// this pass is the safety net spec.md §4.10 describes. Every per-resource
// failure is logged but does not stop the sweep — a single stuck volume
// must not hide the others.
func ResidualCleanup(ec2c ec2iface.EC2API, transcID string) ([]txn.TransactionLog, error) {
	logger := txn.NewLogger()
	scoped := cloud.NewClient("cleanup", logger)

	var volumes []*ec2.Volume
	err := scoped.Call("describe_volumes", map[string]interface{}{"tag:" + cloud.TagInTransit: "true", "tag:" + cloud.TagTransactionID: transcID}, false, func() error {
		out, err := ec2c.DescribeVolumes(&ec2.DescribeVolumesInput{
			Filters: []*ec2.Filter{
				{Name: aws.String("tag:" + cloud.TagInTransit), Values: []*string{aws.String("true")}},
				{Name: aws.String("tag:" + cloud.TagTransactionID), Values: []*string{aws.String(transcID)}},
			},
		})
		if err != nil {
			return err
		}
		volumes = out.Volumes
		return nil
	})
	if err != nil {
		return logger.Logs, pkgerrors.Wrap(err, "residual cleanup: describing in-transit volumes")
	}

	for _, v := range volumes {
		volumeID := aws.StringValue(v.VolumeId)

		if len(v.Attachments) > 0 {
			derr := scoped.Call("detach_volume", map[string]interface{}{"VolumeId": volumeID, "Force": true}, false, func() error {
				_, err := ec2c.DetachVolume(&ec2.DetachVolumeInput{VolumeId: aws.String(volumeID), Force: aws.Bool(true)})
				return err
			})
			if derr != nil {
				glog.Errorf("residual cleanup: detaching %s: %v", volumeID, derr)
				continue
			}
		}

		derr := scoped.Call("delete_volume", map[string]interface{}{"VolumeId": volumeID}, false, func() error {
			_, err := ec2c.DeleteVolume(&ec2.DeleteVolumeInput{VolumeId: aws.String(volumeID)})
			return err
		})
		if derr != nil {
			glog.Errorf("residual cleanup: deleting %s: %v", volumeID, derr)
		}
	}

	return logger.Logs, nil
}
