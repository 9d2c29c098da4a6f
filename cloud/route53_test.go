package cloud

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/ec2fleetd/macroset"
	"github.com/NVIDIA/ec2fleetd/txn"
	"github.com/NVIDIA/ec2fleetd/userdata"
)

type fakeR53List struct {
	*fakeR53
	existing []*route53.ResourceRecordSet
}

func (f *fakeR53List) ListResourceRecordSets(in *route53.ListResourceRecordSetsInput) (*route53.ListResourceRecordSetsOutput, error) {
	return &route53.ListResourceRecordSetsOutput{ResourceRecordSets: f.existing}, nil
}

func TestUpdateRoute53NoopsWithoutAnyIP(t *testing.T) {
	r53 := &fakeR53List{fakeR53: &fakeR53{}}
	ms := macroset.New("txn-1")
	parent := txn.NewManager(true, nil)

	err := UpdateRoute53(r53, userdata.R53Spec{HostedZone: "Z1", Name: "web.example.com", TTL: 60}, ms, parent, newTestClient())
	require.NoError(t, err)
	assert.Len(t, r53.changes, 0)
}

func TestUpdateRoute53UpsertsARecordAndPushesInsertedHold(t *testing.T) {
	r53 := &fakeR53List{fakeR53: &fakeR53{}}
	ms := macroset.New("txn-1")
	ms.PrimaryPublicIPv4 = "1.2.3.4"
	parent := txn.NewManager(true, nil)

	err := UpdateRoute53(r53, userdata.R53Spec{HostedZone: "Z1", Name: "web.example.com", TTL: 60}, ms, parent, newTestClient())
	require.NoError(t, err)
	require.Len(t, r53.changes, 1)
	assert.Equal(t, "UPSERT", aws.StringValue(r53.changes[0].Action))
	assert.Equal(t, "A", aws.StringValue(r53.changes[0].ResourceRecordSet.Type))
}

func TestUpdateRoute53SnapshotsPreexistingRecordForUpdatedHold(t *testing.T) {
	r53 := &fakeR53List{
		fakeR53: &fakeR53{},
		existing: []*route53.ResourceRecordSet{
			{Name: aws.String("web.example.com"), Type: aws.String("A")},
		},
	}
	ms := macroset.New("txn-1")
	ms.PrimaryPublicIPv4 = "1.2.3.4"
	parent := txn.NewManager(true, nil)

	err := UpdateRoute53(r53, userdata.R53Spec{HostedZone: "Z1", Name: "web.example.com", TTL: 60}, ms, parent, newTestClient())
	require.NoError(t, err)
	parent.Commit()
	assert.True(t, parent.Empty())
}
