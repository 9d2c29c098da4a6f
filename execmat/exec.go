// Package execmat: Exec/ExitCodeSet subprocess primitive.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package execmat

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ExitCodeOutOfRangeError is raised when a user Exec's observed exit code is
// not in its ExitCodeSet.
type ExitCodeOutOfRangeError struct {
	Argv []string
	PID  int
	Code int
	Want ExitCodeSet
}

func (e *ExitCodeOutOfRangeError) Error() string {
	quoted := make([]string, len(e.Argv))
	for i, a := range e.Argv {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	return fmt.Sprintf("%s[%d]: returned %d, not in %s", strings.Join(quoted, " "), e.PID, e.Code, e.Want)
}

// Exec binds an argv vector to an ExitCodeSet and runs it as a subprocess,
// failing unless the observed exit code lies inside the set. The child
// inherits stdio and environment.
type Exec struct {
	Argv []string
	Set  ExitCodeSet
}

func NewExec(argv []string, set ExitCodeSet) Exec {
	return Exec{Argv: append([]string(nil), argv...), Set: set}
}

func (e Exec) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.Argv[0], e.Argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %v: %w", e.Argv, err)
	}
	pid := cmd.Process.Pid
	err := cmd.Wait()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			return fmt.Errorf("waiting for %v: %w", e.Argv, err)
		}
	}

	if !e.Set.Check(code) {
		return &ExitCodeOutOfRangeError{Argv: e.Argv, PID: pid, Code: code, Want: e.Set}
	}
	return nil
}
