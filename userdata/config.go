// Package userdata parses and validates the daemon's JSON5-tolerant
// configuration document into a tagged-union of typed specs. Downstream
// code never touches raw JSON maps (spec.md §9, "Dynamic config shapes").
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package userdata

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/NVIDIA/ec2fleetd/execmat"
)

type Config struct {
	Timeout     *float64 // accepted, currently ignored (spec.md §6)
	SetHostname string
	Domains     map[string]DomainConfig
}

type DomainConfig struct {
	AttachVolume  []VolumeSpec
	UpdateRoute53 []R53Spec
	Exec          []execmat.Spec
	Notify        []NotifySpec
}

type VolumeCreateParams struct {
	SizeGiB           *int64
	VolumeType        string
	IOPS              *int64
	Throughput        *int64
	SnapshotID        string
	Encrypted         *bool
	KMSKeyID          string
	ExtraTags         []Tag
}

type Tag struct {
	Key   string
	Value string
}

type VolumeSpec struct {
	Device   string
	Source   []byte // each byte is one of 'x', 'p', 'c', in attempt order
	VolumeID string
	PoolName string
	Create   *VolumeCreateParams
	Critical bool // default true
	Exec     []execmat.Spec
}

type R53Spec struct {
	HostedZone string
	Name       string
	TTL        int64
	Critical   bool // default true
}

type NotifyRow struct {
	Enabled bool
}

type Envelope struct {
	Subject string
	Body    string
}

type NotifySpec struct {
	Backend  string
	Options  map[string]string
	Matrix   map[string]NotifyRow // keyed by daemon-state string; nil means use the default matrix
	Envelope *Envelope
}

// raw mirrors the on-wire JSON shape before validation.
type raw struct {
	Timeout     *float64                  `json:"timeout"`
	SetHostname *string                   `json:"set-hostname"`
	Domains     map[string]rawDomain      `json:"domains"`
}

type rawDomain struct {
	AttachVolume  []rawVolume   `json:"attach-volume"`
	UpdateRoute53 []rawR53      `json:"update-route53"`
	Exec          []rawExec     `json:"exec"`
	Notify        []rawNotify   `json:"notify"`
}

type rawVolume struct {
	Device   string                 `json:"device"`
	Source   string                 `json:"source"`
	VolumeID string                 `json:"volume-id"`
	PoolName string                 `json:"pool-name"`
	Create   map[string]interface{} `json:"create"`
	Critical *bool                  `json:"critical"`
	Exec     []rawExec              `json:"exec"`
}

type rawR53 struct {
	HostedZone string `json:"hostedzone"`
	Name       string `json:"name"`
	TTL        int64  `json:"ttl"`
	Critical   *bool  `json:"critical"`
}

type rawExecLine struct {
	Argv []string `json:"argv"`
	EC   string   `json:"ec"`
}

type rawExec struct {
	Lines []rawExecLine `json:"lines"`
	On    []string      `json:"on"`
}

type rawNotify struct {
	Backend  string                `json:"backend"`
	Options  map[string]string     `json:"options"`
	Matrix   map[string]rawNotifyRow `json:"matrix"`
	Envelope *Envelope             `json:"envelope"`
}

type rawNotifyRow struct {
	Enabled bool `json:"enabled"`
}

// Parse reads a JSON5-tolerant document and validates it into a Config in
// one pass.
func Parse(r io.Reader) (*Config, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading user-data: %w", err)
	}
	if len(b) == 0 {
		return nil, io.EOF
	}

	cleaned := stripJSON5(string(b))

	var doc raw
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return nil, fmt.Errorf("parsing user-data: %w", err)
	}

	return validate(&doc)
}

func validate(doc *raw) (*Config, error) {
	cfg := &Config{
		Timeout: doc.Timeout,
		Domains: make(map[string]DomainConfig, len(doc.Domains)),
	}
	if doc.SetHostname != nil {
		cfg.SetHostname = *doc.SetHostname
	}

	for name, rd := range doc.Domains {
		dc := DomainConfig{}

		for _, rv := range rd.AttachVolume {
			vs, err := validateVolume(rv)
			if err != nil {
				return nil, fmt.Errorf("domain %s: attach-volume: %w", name, err)
			}
			dc.AttachVolume = append(dc.AttachVolume, vs)
		}

		for _, rr := range rd.UpdateRoute53 {
			if rr.HostedZone == "" || rr.Name == "" {
				return nil, fmt.Errorf("domain %s: update-route53: hostedzone and name are required", name)
			}
			critical := true
			if rr.Critical != nil {
				critical = *rr.Critical
			}
			dc.UpdateRoute53 = append(dc.UpdateRoute53, R53Spec{
				HostedZone: rr.HostedZone,
				Name:       rr.Name,
				TTL:        rr.TTL,
				Critical:   critical,
			})
		}

		for _, re := range rd.Exec {
			dc.Exec = append(dc.Exec, validateExec(re))
		}

		for _, rn := range rd.Notify {
			ns, err := validateNotify(rn)
			if err != nil {
				return nil, fmt.Errorf("domain %s: notify: %w", name, err)
			}
			dc.Notify = append(dc.Notify, ns)
		}

		cfg.Domains[name] = dc
	}

	return cfg, nil
}

func validateVolume(rv rawVolume) (VolumeSpec, error) {
	if rv.Device == "" {
		return VolumeSpec{}, fmt.Errorf("device is required")
	}
	if rv.Source == "" {
		return VolumeSpec{}, fmt.Errorf("source is required")
	}
	for _, c := range []byte(rv.Source) {
		if c != 'x' && c != 'p' && c != 'c' {
			return VolumeSpec{}, fmt.Errorf("%c: invalid source spec", c)
		}
	}

	critical := true
	if rv.Critical != nil {
		critical = *rv.Critical
	}

	vs := VolumeSpec{
		Device:   rv.Device,
		Source:   []byte(rv.Source),
		VolumeID: rv.VolumeID,
		PoolName: rv.PoolName,
		Critical: critical,
	}
	for _, re := range rv.Exec {
		vs.Exec = append(vs.Exec, validateExec(re))
	}
	if rv.Create != nil {
		vs.Create = validateCreateParams(rv.Create)
	}
	return vs, nil
}

func validateCreateParams(raw map[string]interface{}) *VolumeCreateParams {
	p := &VolumeCreateParams{}
	if v, ok := raw["size-gib"].(float64); ok {
		sz := int64(v)
		p.SizeGiB = &sz
	}
	if v, ok := raw["volume-type"].(string); ok {
		p.VolumeType = v
	}
	if v, ok := raw["iops"].(float64); ok {
		iops := int64(v)
		p.IOPS = &iops
	}
	if v, ok := raw["throughput"].(float64); ok {
		th := int64(v)
		p.Throughput = &th
	}
	if v, ok := raw["snapshot-id"].(string); ok {
		p.SnapshotID = v
	}
	if v, ok := raw["encrypted"].(bool); ok {
		p.Encrypted = &v
	}
	if v, ok := raw["kms-key-id"].(string); ok {
		p.KMSKeyID = v
	}
	if tagSpecs, ok := raw["tags"].(map[string]interface{}); ok {
		for k, v := range tagSpecs {
			if sv, ok := v.(string); ok {
				p.ExtraTags = append(p.ExtraTags, Tag{Key: k, Value: sv})
			}
		}
	}
	return p
}

func validateExec(re rawExec) execmat.Spec {
	spec := execmat.Spec{On: re.On}
	for _, l := range re.Lines {
		spec.Lines = append(spec.Lines, execmat.Line{Argv: l.Argv, EC: l.EC})
	}
	return spec
}

func validateNotify(rn rawNotify) (NotifySpec, error) {
	if rn.Backend == "" {
		return NotifySpec{}, fmt.Errorf("backend is required")
	}
	ns := NotifySpec{
		Backend:  rn.Backend,
		Options:  rn.Options,
		Envelope: rn.Envelope,
	}
	if rn.Matrix != nil {
		ns.Matrix = make(map[string]NotifyRow, len(rn.Matrix))
		for k, v := range rn.Matrix {
			ns.Matrix[k] = NotifyRow{Enabled: v.Enabled}
		}
	}
	return ns, nil
}
