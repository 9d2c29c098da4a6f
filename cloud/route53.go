// Package cloud: the DNS record updater.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cloud

import (
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"

	"github.com/NVIDIA/ec2fleetd/macroset"
	"github.com/NVIDIA/ec2fleetd/txn"
	"github.com/NVIDIA/ec2fleetd/userdata"
)

// UpdateRoute53 UPSERTs the A/AAAA record sets implied by the MacroSet's
// public IPv4/IPv6 addresses into the configured hosted zone, snapshotting
// any pre-existing record set under the same name so rollback can restore
// it (or delete the insertion, if there was nothing to restore). A spec
// with neither IPv4 nor IPv6 populated is a silent no-op, matching the
// original: there is nothing meaningful to publish.
func UpdateRoute53(
	r53c route53iface.Route53API,
	spec userdata.R53Spec,
	ms *macroset.MacroSet,
	parent *txn.Manager,
	client *Client,
) error {
	var rrs []*route53.ResourceRecordSet

	if ms.PrimaryPublicIPv4 != "" {
		rrs = append(rrs, buildRRSet(spec.Name, "A", spec.TTL, ms.PrimaryPublicIPv4))
	}
	if ms.PrimaryPublicIPv6 != "" {
		rrs = append(rrs, buildRRSet(spec.Name, "AAAA", spec.TTL, ms.PrimaryPublicIPv6))
	}
	if len(rrs) == 0 {
		return nil
	}

	child := txn.NewManager(spec.Critical, parent)
	return child.Run(func(m *txn.Manager) error {
		var saved []*route53.ResourceRecordSet
		err := client.Call("list_resource_record_sets", map[string]interface{}{"HostedZoneId": spec.HostedZone, "StartRecordName": spec.Name}, false, func() error {
			out, err := r53c.ListResourceRecordSets(&route53.ListResourceRecordSetsInput{
				HostedZoneId:    aws.String(spec.HostedZone),
				StartRecordName: aws.String(spec.Name),
			})
			if err != nil {
				return err
			}
			for _, rr := range out.ResourceRecordSets {
				if aws.StringValue(rr.Name) != spec.Name {
					break
				}
				saved = append(saved, rr)
			}
			return nil
		})
		if err != nil {
			return err
		}

		err = client.Call("change_resource_record_sets", map[string]interface{}{"HostedZoneId": spec.HostedZone, "Action": "UPSERT"}, false, func() error {
			_, err := r53c.ChangeResourceRecordSets(&route53.ChangeResourceRecordSetsInput{
				HostedZoneId: aws.String(spec.HostedZone),
				ChangeBatch:  &route53.ChangeBatch{Changes: mkChanges("UPSERT", rrs)},
			})
			return err
		})
		if err != nil {
			return err
		}

		if len(saved) > 0 {
			m.Push(&Route53UpdatedHold{Client: client, R53: r53c, HostedZoneID: spec.HostedZone, Saved: saved})
		} else {
			m.Push(&Route53InsertedHold{Client: client, R53: r53c, HostedZoneID: spec.HostedZone, Inserted: rrs})
		}
		return nil
	})
}

func buildRRSet(name, rtype string, ttl int64, csv string) *route53.ResourceRecordSet {
	var records []*route53.ResourceRecord
	for _, v := range strings.Split(csv, ",") {
		records = append(records, &route53.ResourceRecord{Value: aws.String(strings.TrimSpace(v))})
	}
	return &route53.ResourceRecordSet{
		Name:            aws.String(name),
		Type:            aws.String(rtype),
		TTL:             aws.Int64(ttl),
		ResourceRecords: records,
	}
}
