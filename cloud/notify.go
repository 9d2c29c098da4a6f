// Package cloud: SNS/SQS notify backends.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cloud

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/golang/glog"
)

// Backend is the cloud-agnostic interface the notify package resolves
// matrices against; SNSBackend and SQSBackend are its AWS implementations.
type Backend interface {
	Post(subject, body string) error
}

// SNSBackend posts notifications as SNS Publish calls against a fixed
// topic ARN.
type SNSBackend struct {
	Client snsiface.SNSAPI
	Topic  string
}

func (b *SNSBackend) Post(subject, body string) error {
	_, err := b.Client.Publish(&sns.PublishInput{
		TopicArn: aws.String(b.Topic),
		Subject:  aws.String(subject),
		Message:  aws.String(body),
	})
	return err
}

// SQSBackend posts notifications as SQS SendMessage calls against a fixed
// queue URL. SQS has no notion of a subject; only the body is sent,
// matching the original.
type SQSBackend struct {
	Client   sqsiface.SQSAPI
	QueueURL string
}

func (b *SQSBackend) Post(subject, body string) error {
	_, err := b.Client.SendMessage(&sqs.SendMessageInput{
		QueueUrl:    aws.String(b.QueueURL),
		MessageBody: aws.String(body),
	})
	return err
}

// NewBackend builds the SNS or SQS backend named by kind. "aws-sqs" is the
// documented spelling; "ans-sqs" is accepted for compatibility with
// existing user-data documents that carry the typo, with a warning.
func NewBackend(kind string, opts map[string]string, snsc snsiface.SNSAPI, sqsc sqsiface.SQSAPI) (Backend, error) {
	switch kind {
	case "aws-sns":
		topic, ok := opts["topic"]
		if !ok {
			return nil, fmt.Errorf("aws-sns notify backend requires a topic option")
		}
		return &SNSBackend{Client: snsc, Topic: topic}, nil
	case "aws-sqs":
		return newSQSBackend(opts, sqsc)
	case "ans-sqs":
		glog.Warningf("notify backend %q is a deprecated misspelling of \"aws-sqs\"; update your configuration", kind)
		return newSQSBackend(opts, sqsc)
	default:
		return nil, fmt.Errorf("%s: unknown notify backend", kind)
	}
}

func newSQSBackend(opts map[string]string, sqsc sqsiface.SQSAPI) (*SQSBackend, error) {
	url, ok := opts["queue-url"]
	if !ok {
		return nil, fmt.Errorf("sqs notify backend requires a queue-url option")
	}
	return &SQSBackend{Client: sqsc, QueueURL: url}, nil
}
