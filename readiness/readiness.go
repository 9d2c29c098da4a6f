// Package readiness reports the daemon's boot and lifecycle progress to
// systemd via the sd_notify protocol, the Go analogue of the Python
// sdnotify library the original daemon used.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package readiness

import (
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/golang/glog"
)

// Notifier sends sd_notify state updates. On a host with no systemd
// NOTIFY_SOCKET (e.g. a dev box), every call is a silent no-op — matching
// sdnotify's own behavior.
type Notifier struct{}

func New() *Notifier { return &Notifier{} }

func (n *Notifier) notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		glog.Warningf("sd_notify %q failed: %v", state, err)
	}
}

// Ready announces READY=1.
func (n *Notifier) Ready() { n.notify(daemon.SdNotifyReady) }

// Status announces a human-readable STATUS= line.
func (n *Notifier) Status(msg string) { n.notify(daemon.SdNotifyStatus + msg) }

// Stopping announces STOPPING=1, sent by lifecycle.Driver.Run once the
// lifecycle has ended, whichever way it ended.
func (n *Notifier) Stopping() { n.notify(daemon.SdNotifyStopping) }
