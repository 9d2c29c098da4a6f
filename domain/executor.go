// Package domain runs one domain's init/exec/notify work in isolation —
// its own MacroSet clone, its own AWS clients, its own transaction log —
// and fans the per-domain work for the whole fleet config out across a
// worker pool.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package domain

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"

	"github.com/NVIDIA/ec2fleetd/cloud"
	"github.com/NVIDIA/ec2fleetd/execmat"
	"github.com/NVIDIA/ec2fleetd/macroset"
	"github.com/NVIDIA/ec2fleetd/txn"
	"github.com/NVIDIA/ec2fleetd/userdata"
)

// DomainFailedError reports that one or more domains failed init.
type DomainFailedError struct {
	Domains []string
}

func (e *DomainFailedError) Error() string {
	return fmt.Sprintf("domain(s) failed: %s", strings.Join(e.Domains, ", "))
}

// Clients bundles the per-domain AWS service clients an Executor needs.
// The Pool asks its SessionFactory for one Clients value per domain;
// cmd/ec2fleetd returns the same clients, built from one session, for
// every domain.
type Clients struct {
	EC2     ec2iface.EC2API
	Route53 route53iface.Route53API
}

// Init runs the attach-volume and update-route53 steps for one domain, in
// that order, under a single top-level critical transaction scope: any
// failure rolls back everything this domain did. It returns the domain's
// transaction log for aggregation into the instance-wide MacroSet
// regardless of whether init succeeded.
func Init(ctx context.Context, name string, cfg userdata.DomainConfig, ms *macroset.MacroSet, clients Clients) (logs []txn.TransactionLog, resultMS *macroset.MacroSet, err error) {
	localMS := ms.Clone()
	localMS.Domain = name

	logger := txn.NewLogger()
	client := cloud.NewClient(name, logger)
	top := txn.NewManager(true, nil)

	runErr := top.Run(func(m *txn.Manager) error {
		for _, volSpec := range cfg.AttachVolume {
			next, err := cloud.AttachVolume(ctx, clients.EC2, volSpec, localMS, m, logger, client)
			if err != nil {
				return fmt.Errorf("attach-volume %s: %w", volSpec.Device, err)
			}
			localMS = next

			if len(volSpec.Exec) > 0 {
				mat, err := execmat.Build(volSpec.Exec, localMS.Format)
				if err != nil {
					return fmt.Errorf("attach-volume %s: exec: %w", volSpec.Device, err)
				}
				if err := mat.Run(ctx, ""); err != nil {
					return fmt.Errorf("attach-volume %s: exec: %w", volSpec.Device, err)
				}
			}
		}

		for _, r53Spec := range cfg.UpdateRoute53 {
			if err := cloud.UpdateRoute53(clients.Route53, r53Spec, localMS, m, client); err != nil {
				return fmt.Errorf("update-route53 %s: %w", r53Spec.Name, err)
			}
		}

		return nil
	})

	return logger.Logs, localMS, runErr
}
