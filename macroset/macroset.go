// Package macroset holds the mutable per-worker record of instance-wide and
// per-domain facts, substitutable into user-supplied command strings and
// notification templates.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package macroset

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/NVIDIA/ec2fleetd/txn"
)

// MacroSet is the per-worker fact record described in spec.md §3. Each
// domain worker operates on a deep copy (see Clone) so mutations never
// race with another worker's copy.
type MacroSet struct {
	Domain         string
	InstanceID     string
	InstanceType   string
	InstanceIndex  *int
	PlacementRegion string
	PlacementZone  string
	Hypervisor     string

	PrimaryPublicIPv4 string
	PrimaryPublicIPv6 string
	PublicIPv4List    []string
	PublicIPv6List    []string
	StaticDNSRR       []string

	AttachSource   string // "x" | "p" | "c"
	AttachOp       string // "true" | "false"
	VolumeID       string
	VolumePool     string
	AttachedDevice string

	DaemonState DaemonState
	Error       []string

	InterruptAction string
	InterruptTime   string

	// TransactionID is set once at construction and never mutated
	// thereafter.
	TransactionID string

	TransactionLog []txn.TransactionLog
}

// New constructs a fresh MacroSet for the given transaction id.
func New(transactionID string) *MacroSet {
	return &MacroSet{
		TransactionID: transactionID,
		DaemonState:   Starting,
	}
}

// Clone returns a deep copy so that each domain worker can mutate its own
// copy without racing other workers.
func (m *MacroSet) Clone() *MacroSet {
	c := *m
	if m.InstanceIndex != nil {
		idx := *m.InstanceIndex
		c.InstanceIndex = &idx
	}
	c.PublicIPv4List = append([]string(nil), m.PublicIPv4List...)
	c.PublicIPv6List = append([]string(nil), m.PublicIPv6List...)
	c.StaticDNSRR = append([]string(nil), m.StaticDNSRR...)
	c.Error = append([]string(nil), m.Error...)
	c.TransactionLog = append([]txn.TransactionLog(nil), m.TransactionLog...)
	return &c
}

func maskNone(s string) string { return s }

func joinComma(ss []string) string { return strings.Join(ss, ", ") }

func (m *MacroSet) dict() map[string]interface{} {
	logs := make([]map[string]interface{}, 0, len(m.TransactionLog))
	for _, l := range m.TransactionLog {
		logs = append(logs, l.Dict())
	}

	var idx interface{}
	if m.InstanceIndex != nil {
		idx = *m.InstanceIndex
	}

	wd, _ := os.Getwd()

	return map[string]interface{}{
		"domain":              m.Domain,
		"instance_id":         m.InstanceID,
		"instance_type":       m.InstanceType,
		"instance_index":      idx,
		"placement_region":    m.PlacementRegion,
		"placement_zone":      m.PlacementZone,
		"hypervisor":          m.Hypervisor,
		"primary_public_ipv4": m.PrimaryPublicIPv4,
		"primary_public_ipv6": m.PrimaryPublicIPv6,
		"public_ipv4_list":    m.PublicIPv4List,
		"public_ipv6_list":    m.PublicIPv6List,
		"static_dns_rr":       m.StaticDNSRR,
		"attach_source":       m.AttachSource,
		"attach_op":           m.AttachOp,
		"volume_id":           m.VolumeID,
		"volume_pool":         m.VolumePool,
		"attached_device":     m.AttachedDevice,
		"daemon_state":        string(m.DaemonState),
		"error":               m.Error,
		"interrupt_action":    m.InterruptAction,
		"interrupt_time":      m.InterruptTime,
		"transaction_id":      m.TransactionID,
		"transaction_log":     logs,
		"cwd":                 wd,
		"ts":                  time.Now().Format(time.RFC3339),
		"pid":                 os.Getpid(),
	}
}

// Format substitutes the named placeholders of spec.md §4.4 into tmpl. An
// unknown placeholder is an error, matching Python's str.format KeyError
// behavior on the original.
func (m *MacroSet) Format(tmpl string) (string, error) {
	d := m.dict()

	dumpJSON := func(v interface{}) string {
		b, _ := json.MarshalIndent(v, "", "\t")
		return string(b)
	}

	values := map[string]string{
		"all_json":            dumpJSON(d),
		"domain":               m.Domain,
		"instance_id":          m.InstanceID,
		"instance_type":        m.InstanceType,
		"instance_index":       maskIntPtr(m.InstanceIndex),
		"placement_region":     maskNone(m.PlacementRegion),
		"placement_zone":       maskNone(m.PlacementZone),
		"hypervisor":           maskNone(m.Hypervisor),
		"primary_public_ipv4":  maskNone(m.PrimaryPublicIPv4),
		"primary_public_ipv6":  maskNone(m.PrimaryPublicIPv6),
		"public_ipv4_list":     joinComma(m.PublicIPv4List),
		"public_ipv6_list":     joinComma(m.PublicIPv6List),
		"static_dns_rr":        joinComma(m.StaticDNSRR),
		"attach_source":        maskNone(m.AttachSource),
		"attach_op":            maskNone(m.AttachOp),
		"volume_id":            maskNone(m.VolumeID),
		"volume_pool":          maskNone(m.VolumePool),
		"attached_device":      maskNone(m.AttachedDevice),
		"daemon_state":         string(m.DaemonState),
		"error":                joinComma(m.Error),
		"interrupt_action":     maskNone(m.InterruptAction),
		"interrupt_time":       maskNone(m.InterruptTime),
		"transaction_id":       m.TransactionID,
		"transaction_log":      dumpJSON(d["transaction_log"]),
		"cwd":                  d["cwd"].(string),
		"ts":                   d["ts"].(string),
		"pid":                  fmt.Sprintf("%d", d["pid"]),
	}

	return substitute(tmpl, values)
}

func maskIntPtr(p *int) string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf("%d", *p)
}

// substitute replaces every {name} placeholder in tmpl, erroring on an
// unrecognized name. Braces are not nestable and there is no escaping
// syntax beyond the fixed placeholder set, matching the limited surface
// the original templates actually use.
func substitute(tmpl string, values map[string]string) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		c := tmpl[i]
		if c != '{' {
			b.WriteByte(c)
			i++
			continue
		}
		end := strings.IndexByte(tmpl[i:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder in template")
		}
		name := tmpl[i+1 : i+end]
		val, ok := values[name]
		if !ok {
			return "", fmt.Errorf("%s: unknown placeholder", name)
		}
		b.WriteString(val)
		i += end + 1
	}
	return b.String(), nil
}
