// Package macroset: daemon lifecycle state enum.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package macroset

// DaemonState is the lifecycle event name. Values double as both the
// internal state enum and the "event" string keyed into an ExecMatrix /
// notify matrix.
type DaemonState string

const (
	Starting    DaemonState = "starting"
	Started     DaemonState = "started"
	Stopping    DaemonState = "stopping"
	Interrupted DaemonState = "interrupted"
	Failed      DaemonState = "failed"
)
