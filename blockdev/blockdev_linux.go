// Package blockdev: Linux/Nitro guest-device lookup.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package blockdev

import (
	"os"
	"path/filepath"
	"strings"
)

// FindByVolumeID implements the Nitro/NVMe lookup documented at
// https://docs.aws.amazon.com/AWSEC2/latest/UserGuide/nvme-ebs-volumes.html:
// each /sys/block/*/device/serial file holds the volume id (dashes
// stripped) of the NVMe-backed device, if any. On non-Nitro instances the
// instance never populates these files and the caller falls back to the
// configured device path.
func FindByVolumeID(volumeID string) (string, error) {
	want := strings.ReplaceAll(volumeID, "-", "")

	matches, err := filepath.Glob("/sys/block/*/device/serial")
	if err != nil {
		return "", err
	}

	for _, path := range matches {
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(b)) == want {
			name := strings.TrimSuffix(strings.TrimPrefix(path, "/sys/block/"), "/device/serial")
			return "/dev/" + name, nil
		}
	}
	return "", nil
}
