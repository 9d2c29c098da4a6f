package cloud

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSNS struct {
	snsiface.SNSAPI
	published *sns.PublishInput
}

func (f *fakeSNS) Publish(in *sns.PublishInput) (*sns.PublishOutput, error) {
	f.published = in
	return &sns.PublishOutput{}, nil
}

type fakeSQS struct {
	sqsiface.SQSAPI
	sent *sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(in *sqs.SendMessageInput) (*sqs.SendMessageOutput, error) {
	f.sent = in
	return &sqs.SendMessageOutput{}, nil
}

func TestNewBackendSNSRequiresTopic(t *testing.T) {
	_, err := NewBackend("aws-sns", map[string]string{}, &fakeSNS{}, &fakeSQS{})
	assert.Error(t, err)
}

func TestNewBackendSNSPostsSubjectAndBody(t *testing.T) {
	sns := &fakeSNS{}
	b, err := NewBackend("aws-sns", map[string]string{"topic": "arn:aws:sns:x"}, sns, &fakeSQS{})
	require.NoError(t, err)
	require.NoError(t, b.Post("subj", "body"))
	require.NotNil(t, sns.published)
	assert.Equal(t, "subj", aws.StringValue(sns.published.Subject))
	assert.Equal(t, "body", aws.StringValue(sns.published.Message))
}

func TestNewBackendSQSRequiresQueueURL(t *testing.T) {
	_, err := NewBackend("aws-sqs", map[string]string{}, &fakeSNS{}, &fakeSQS{})
	assert.Error(t, err)
}

func TestNewBackendSQSPostsBody(t *testing.T) {
	sqsFake := &fakeSQS{}
	b, err := NewBackend("aws-sqs", map[string]string{"queue-url": "https://sqs/x"}, &fakeSNS{}, sqsFake)
	require.NoError(t, err)
	require.NoError(t, b.Post("subj", "body"))
	require.NotNil(t, sqsFake.sent)
	assert.Equal(t, "body", aws.StringValue(sqsFake.sent.MessageBody))
}

func TestNewBackendAcceptsTypoedSQSSpelling(t *testing.T) {
	sqsFake := &fakeSQS{}
	b, err := NewBackend("ans-sqs", map[string]string{"queue-url": "https://sqs/x"}, &fakeSNS{}, sqsFake)
	require.NoError(t, err)
	require.NoError(t, b.Post("s", "b"))
	assert.NotNil(t, sqsFake.sent)
}

func TestNewBackendRejectsUnknownKind(t *testing.T) {
	_, err := NewBackend("gcp-pubsub", nil, &fakeSNS{}, &fakeSQS{})
	assert.Error(t, err)
}
