// Package cloud adapts the AWS EC2/Route53/SNS/SQS APIs to the
// transactional core: a logging call wrapper, the resource holds that
// reverse volume/DNS side effects, the volume attach engine, the DNS
// record updater, and the SNS/SQS notify backends.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cloud

import (
	"github.com/NVIDIA/ec2fleetd/txn"
)

// TransactionLog is the concrete txn.TransactionLog for AWS calls: method
// name, domain, and the parameters passed, plus whether it was a dry run.
type TransactionLog struct {
	Domain string
	Method string
	Param  map[string]interface{}
	IsDry  bool
}

func (l *TransactionLog) Dict() map[string]interface{} {
	return map[string]interface{}{
		"platform": "aws",
		"domain":   l.Domain,
		"method":   l.Method,
		"param":    l.Param,
		"dry":      l.IsDry,
	}
}

func (l *TransactionLog) Dry() bool { return l.IsDry }

// Client wraps a domain name and emits one TransactionLog entry per
// side-effecting call, published to a *txn.Logger, before the call
// returns (success or failure).
type Client struct {
	Domain string
	Logger *txn.Logger
}

func NewClient(domain string, logger *txn.Logger) *Client {
	return &Client{Domain: domain, Logger: logger}
}

// Call logs the (method, params) pair and then invokes fn. fn is expected
// to perform the single underlying AWS SDK call.
func (c *Client) Call(method string, params map[string]interface{}, dry bool, fn func() error) error {
	c.Logger.Publish(&TransactionLog{
		Domain: c.Domain,
		Method: method,
		Param:  params,
		IsDry:  dry,
	})
	return fn()
}
