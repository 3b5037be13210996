// Package shell runs terminal commands on behalf of the agent. It is the
// only place where strand touches the operating system's process machinery.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// Result carries the captured output of one command.
type Result struct {
	Output    string `json:"output"`
	ErrOutput string `json:"error"`
	ExitCode  int    `json:"exit_code"`
}

// Runner abstracts process execution so that terminals can be tested without
// spawning real processes.
type Runner interface {
	// Run executes command in dir with the given environment overlay. A
	// non-zero exit code is reported in the Result, not as an error. When
	// the command outlives timeout it is forcibly terminated and Run
	// returns a TimeoutErr.
	Run(ctx context.Context, command, dir string, env []string, timeout time.Duration) (Result, error)
}

// TimeoutErr is returned by ExecRunner when a command exceeds its deadline.
type TimeoutErr struct {
	Timeout time.Duration
}

// Error ...
func (e TimeoutErr) Error() string {
	return fmt.Sprintf("Command timeout (%.0fs)", e.Timeout.Seconds())
}

// IsTimeout checks that an error is of type TimeoutErr.
func IsTimeout(err error) bool {
	_, ok := err.(TimeoutErr)
	return ok
}

// ExecRunner executes commands through the platform shell.
type ExecRunner struct{}

// NewExecRunner ...
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run implements Runner. The command inherits the process environment with
// the terminal's variables layered on top.
func (r *ExecRunner) Run(ctx context.Context, command, dir string, env []string, timeout time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", command)
	}

	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return Result{ExitCode: -1}, TimeoutErr{Timeout: timeout}
	}

	res := Result{
		Output:    stdout.String(),
		ErrOutput: stderr.String(),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		// The command could not be started at all.
		res.ExitCode = -1
		res.ErrOutput = err.Error() + "\n"
		return res, nil
	}

	return res, nil
}
