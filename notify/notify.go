// Package notify resolves a domain's notify specs against the daemon's
// current lifecycle state and renders the subject/body templates that get
// posted to a cloud backend.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package notify

import (
	"github.com/NVIDIA/ec2fleetd/macroset"
	"github.com/NVIDIA/ec2fleetd/userdata"
)

// Backend is the cloud-agnostic notify sink; cloud.SNSBackend and
// cloud.SQSBackend satisfy it structurally.
type Backend interface {
	Post(subject, body string) error
}

// defaultMatrix mirrors the original's built-in notify matrix: every
// terminal or disruptive state is on by default, STARTING is not (nobody
// wants a ping for every ordinary boot).
var defaultMatrix = map[macroset.DaemonState]bool{
	macroset.Started:     true,
	macroset.Failed:      true,
	macroset.Stopping:    true,
	macroset.Interrupted: true,
}

const (
	defaultSubject = "Fleetd {domain} on {instance_id} state changed to [{daemon_state}]"
	defaultBody    = "{all_json}"
)

// Resolve decides whether spec fires for state, and if so renders its
// subject and body against ms. A spec with no matrix entry for state falls
// back to defaultMatrix; a spec with no envelope falls back to the
// default subject/body templates.
func Resolve(spec userdata.NotifySpec, state macroset.DaemonState, ms *macroset.MacroSet) (enabled bool, subject string, body string, err error) {
	if row, ok := spec.Matrix[string(state)]; ok {
		enabled = row.Enabled
	} else {
		enabled = defaultMatrix[state]
	}
	if !enabled {
		return false, "", "", nil
	}

	subjectTmpl, bodyTmpl := defaultSubject, defaultBody
	if spec.Envelope != nil {
		if spec.Envelope.Subject != "" {
			subjectTmpl = spec.Envelope.Subject
		}
		if spec.Envelope.Body != "" {
			bodyTmpl = spec.Envelope.Body
		}
	}

	subject, err = ms.Format(subjectTmpl)
	if err != nil {
		return false, "", "", err
	}
	body, err = ms.Format(bodyTmpl)
	if err != nil {
		return false, "", "", err
	}
	return true, subject, body, nil
}
