package domain

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"
	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/ec2fleetd/execmat"
	"github.com/NVIDIA/ec2fleetd/macroset"
	"github.com/NVIDIA/ec2fleetd/notify"
	"github.com/NVIDIA/ec2fleetd/userdata"
)

func TestRunInitAggregatesAllDomainsEvenOnFailure(t *testing.T) {
	pool := &Pool{Sessions: func(domain string) Clients {
		return Clients{EC2: failingEC2{}, Route53: noopR53{}}
	}}

	domains := map[string]userdata.DomainConfig{
		"web": {
			AttachVolume: []userdata.VolumeSpec{
				{Device: "/dev/xvdf", Source: []byte("x"), VolumeID: "vol-x", Critical: true},
			},
		},
		"db": {},
	}

	results := pool.RunInit(context.Background(), domains, macroset.New("txn-1"))
	assert.Len(t, results, 2)

	var failedDomains []string
	for _, r := range results {
		if r.Err != nil {
			failedDomains = append(failedDomains, r.Domain)
		}
	}
	assert.Equal(t, []string{"web"}, failedDomains)
}

type failingEC2 struct{ ec2iface.EC2API }

func (failingEC2) DescribeVolumes(in *ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error) {
	return &ec2.DescribeVolumesOutput{}, nil
}

func (failingEC2) AttachVolume(in *ec2.AttachVolumeInput) (*ec2.VolumeAttachment, error) {
	return nil, errors.New("attach denied")
}

type noopR53 struct{ route53iface.Route53API }

func TestRunExecFailsFastOnFirstError(t *testing.T) {
	pool := &Pool{}

	domains := map[string]userdata.DomainConfig{
		"web": {
			Exec: []execmat.Spec{
				{Lines: []execmat.Line{{Argv: []string{"false"}}}},
			},
		},
		"db": {
			Exec: []execmat.Spec{
				{Lines: []execmat.Line{{Argv: []string{"true"}}}},
			},
		},
	}

	domain, err := pool.RunExec(context.Background(), domains, macroset.New("txn-1"), "started")
	assert.Error(t, err)
	assert.Contains(t, []string{"web", "db"}, domain)
}

func TestRunNotifySwallowsPerNotificationErrors(t *testing.T) {
	pool := &Pool{}

	domains := map[string]userdata.DomainConfig{
		"web": {
			Notify: []userdata.NotifySpec{
				{Backend: "aws-sns", Options: map[string]string{"topic": "arn:x"}},
			},
		},
	}

	var mu sync.Mutex
	var errs []error

	backendFor := func(domain string, spec userdata.NotifySpec) (notify.Backend, error) {
		return nil, errors.New("no backend configured")
	}

	pool.RunNotify(context.Background(), domains, macroset.New("txn-1"), macroset.Started, backendFor, func(domain string, err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	})

	assert.Len(t, errs, 1)
}
