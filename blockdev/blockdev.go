// Package blockdev locates the guest block device backing an attached EBS
// volume and waits for it to appear after an AttachVolume call returns.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package blockdev

import (
	"context"
	"os"
	"time"
)

// DeviceWait is the poll interval used while waiting for a just-attached
// volume's guest device node to appear. There is deliberately no overall
// timeout here: only cancellation of the caller's ctx (such as the
// init-level deadline, when one is configured) ends a wait that never
// resolves.
const DeviceWait = 10 * time.Millisecond

// Wait polls until either FindByVolumeID resolves a device node for
// volumeID (the Nitro/NVMe path) or confDevice itself exists on disk (the
// Xen xvd*/sd* path, where the configured device path is the real one),
// returning whichever resolves first. It returns ctx.Err() if ctx is
// cancelled first.
func Wait(ctx context.Context, volumeID, confDevice string) (string, error) {
	for {
		if dev, err := FindByVolumeID(volumeID); err == nil && dev != "" {
			return dev, nil
		}
		if pathExists(confDevice) {
			return confDevice, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(DeviceWait):
		}
	}
}

func pathExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
