// Package meta fetches instance metadata from the EC2 IMDS endpoint and
// populates a MacroSet, opens the user-data document, and polls for spot
// interruption notices.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package meta

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/NVIDIA/ec2fleetd/macroset"
)

// isNotFound reports whether err is an IMDS 404, the signal that a given
// metadata path (or the user-data document, or a pending spot action) is
// simply absent rather than unreachable.
func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

// SupportedHypervisors lists the hypervisor/system values this daemon is
// known to work correctly on. A value starting with one of these (e.g.
// "xen-on-nitro") still counts as supported.
var SupportedHypervisors = []string{"xen", "nitro"}

// IsSupportedHypervisor reports whether v names (or is prefixed by) a
// supported hypervisor.
func IsSupportedHypervisor(v string) bool {
	if v == "" {
		return false
	}
	lv := strings.ToLower(v)
	for _, hv := range SupportedHypervisors {
		if strings.HasPrefix(lv, hv) {
			return true
		}
	}
	return false
}

// InterruptSchedule is a parsed spot-instance-action document: the time
// the instance will be reclaimed and the action that will be taken.
type InterruptSchedule struct {
	ActionTime time.Time
	Action     string
}

// Valid reports whether the schedule is still in the future.
func (s *InterruptSchedule) Valid() bool {
	return s != nil && !time.Now().UTC().After(s.ActionTime)
}

func (s *InterruptSchedule) String() string {
	if s == nil {
		return "<nil>"
	}
	b, _ := json.Marshal(map[string]string{"time": s.ActionTime.Format(time.RFC3339), "action": s.Action})
	return string(b)
}

// Manager is the EC2 IMDS-backed implementation of the daemon's metadata
// source.
type Manager struct {
	client *imds.Client
}

// New constructs a Manager. endpoint, if non-empty, overrides the default
// IMDS endpoint (http://169.254.169.254 or its IPv6 equivalent) — used by
// the --imds flag for testing against a local double.
func New(endpoint string) *Manager {
	var opts []func(*imds.Options)
	if endpoint != "" {
		opts = append(opts, func(o *imds.Options) {
			o.Endpoint = endpoint
		})
	}
	return &Manager{client: imds.New(imds.Options{}, opts...)}
}

// FetchMeta retrieves the instance-identity facts this daemon's templates
// reference and writes them into ms.
func (m *Manager) FetchMeta(ctx context.Context, ms *macroset.MacroSet) error {
	get := func(path string) (string, error) {
		out, err := m.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
		if err != nil {
			return "", err
		}
		defer out.Content.Close()
		b, err := io.ReadAll(out.Content)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	var err error
	if ms.InstanceID, err = get("instance-id"); err != nil {
		return err
	}
	if ms.InstanceType, err = get("instance-type"); err != nil {
		return err
	}
	if idxStr, idxErr := get("ami-launch-index"); idxErr == nil {
		if idx, err := strconv.Atoi(idxStr); err == nil {
			ms.InstanceIndex = &idx
		}
	}
	if ms.PlacementRegion, err = get("placement/region"); err != nil {
		return err
	}
	if ms.PlacementZone, err = get("placement/availability-zone"); err != nil {
		return err
	}
	ms.Hypervisor, _ = get("system")
	ms.PrimaryPublicIPv4, _ = get("public-ipv4")
	ms.PrimaryPublicIPv6, _ = get("ipv6")

	if v, err := get("network/interfaces/macs/0/public-ipv4s"); err == nil && v != "" {
		ms.PublicIPv4List = strings.Split(v, "\n")
	}
	if v, err := get("network/interfaces/macs/0/ipv6s"); err == nil && v != "" {
		ms.PublicIPv6List = strings.Split(v, "\n")
	}

	return nil
}

// OpenUserdata fetches the raw user-data document as an io.ReadCloser.
func (m *Manager) OpenUserdata(ctx context.Context) (io.ReadCloser, error) {
	out, err := m.client.GetUserData(ctx, &imds.GetUserDataInput{})
	if err != nil {
		if isNotFound(err) {
			return io.NopCloser(strings.NewReader("")), nil
		}
		return nil, err
	}
	return out.Content, nil
}

// PollInterruptSchedule fetches the spot/instance-action document, if
// any. A 404 (no interruption scheduled) is reported as (nil, nil).
func (m *Manager) PollInterruptSchedule(ctx context.Context) (*InterruptSchedule, error) {
	out, err := m.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: "spot/instance-action"})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer out.Content.Close()

	var doc struct {
		Time   string `json:"time"`
		Action string `json:"action"`
	}
	if err := json.NewDecoder(out.Content).Decode(&doc); err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339, doc.Time)
	if err != nil {
		return nil, err
	}
	return &InterruptSchedule{ActionTime: t, Action: doc.Action}, nil
}
