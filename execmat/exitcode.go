// Package execmat implements the Exec/ExitCodeSet/ExecMatrix primitives
// that parameterize user-supplied command pipelines by daemon-state event.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package execmat

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var rangeRe = regexp.MustCompile(`^(\d+)(?:\s*-\s*(\d+))?$`)

// codeRange is a half-open interval [Start, End).
type codeRange struct {
	Start, End int
}

func (r codeRange) contains(c int) bool { return c >= r.Start && c < r.End }

// ExitCodeSet is a set of half-open integer ranges. A nil set accepts any
// exit code.
type ExitCodeSet struct {
	ranges []codeRange
	any    bool
}

// ParseExitCodeSet parses an expression like "0,2-5,100". An empty string
// is rejected; the "accept anything" set is AnyExitCodeSet. "0" means
// {[0,1)}; a bare "N" means {[N,N+1)}; "N-M" means {[N,M)}; "M-N" with
// M > N is rejected.
func ParseExitCodeSet(s string) (ExitCodeSet, error) {
	var set ExitCodeSet
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		m := rangeRe.FindStringSubmatch(part)
		if m == nil {
			return ExitCodeSet{}, fmt.Errorf("%s: invalid exit code range", s)
		}
		start, _ := strconv.Atoi(m[1])
		end := start + 1
		if m[2] != "" {
			end, _ = strconv.Atoi(m[2])
		}
		if start > end {
			return ExitCodeSet{}, fmt.Errorf("%s: invalid exit code range", s)
		}
		set.ranges = append(set.ranges, codeRange{Start: start, End: end})
	}
	return set, nil
}

// AnyExitCodeSet is the "accept any exit code" set (a null source). Build
// does not use it: a line with no "ec" field gets "0".
func AnyExitCodeSet() ExitCodeSet { return ExitCodeSet{any: true} }

func (s ExitCodeSet) Check(code int) bool {
	if s.any {
		return true
	}
	for _, r := range s.ranges {
		if r.contains(code) {
			return true
		}
	}
	return false
}

func (s ExitCodeSet) String() string {
	if s.any {
		return "<any>"
	}
	parts := make([]string, 0, len(s.ranges))
	for _, r := range s.ranges {
		parts = append(parts, fmt.Sprintf("[%d,%d)", r.Start, r.End))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
