// Package execmat: ExecMatrix assembly and dispatch.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package execmat

import "context"

// Line is one command line within an ExecSpec: an argv template (before
// macro substitution) and an optional exit-code expression ("0" if unset).
type Line struct {
	Argv []string
	EC   string // empty means default "0"
}

// Spec is one parsed {lines, on?} block from user-data.
type Spec struct {
	Lines []Line
	On    []string // nil/empty means unconditional
}

// Matrix is the two-tier collection described in spec.md §4.3: Execs that
// run on every invocation, plus per-event ordered lists.
type Matrix struct {
	Unconditional []Exec
	ByEvent       map[string][]Exec
}

// Build assembles a Matrix from an ordered sequence of specs. transform is
// applied to every argv token (macro substitution happens there); an error
// from transform aborts the whole build, matching the original's behavior
// of failing fast on an unknown placeholder rather than running a partially
// substituted command line. Per open question #1, byEvent lists are
// append-only across specs that name the same event — never overwritten.
func Build(specs []Spec, transform func(string) (string, error)) (*Matrix, error) {
	m := &Matrix{ByEvent: make(map[string][]Exec)}

	for _, spec := range specs {
		lineExecs := make([]Exec, 0, len(spec.Lines))
		for _, line := range spec.Lines {
			ecExpr := line.EC
			if ecExpr == "" {
				ecExpr = "0"
			}
			set, err := ParseExitCodeSet(ecExpr)
			if err != nil {
				return nil, err
			}
			argv := make([]string, len(line.Argv))
			for i, tok := range line.Argv {
				v, err := transform(tok)
				if err != nil {
					return nil, err
				}
				argv[i] = v
			}
			lineExecs = append(lineExecs, NewExec(argv, set))
		}

		if len(spec.On) == 0 {
			m.Unconditional = append(m.Unconditional, lineExecs...)
			continue
		}
		for _, evt := range spec.On {
			m.ByEvent[evt] = append(m.ByEvent[evt], lineExecs...)
		}
	}

	return m, nil
}

// Run executes Unconditional in declaration order, then the per-event list
// for evt (if any) in declaration order. evt == "" means run only the
// unconditional Execs.
func (m *Matrix) Run(ctx context.Context, evt string) error {
	all := make([]Exec, 0, len(m.Unconditional))
	all = append(all, m.Unconditional...)
	if evt != "" {
		all = append(all, m.ByEvent[evt]...)
	}
	for _, e := range all {
		if err := e.Run(ctx); err != nil {
			return err
		}
	}
	return nil
}
