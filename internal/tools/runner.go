package tools

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"
)

// DefaultWaitDelay bounds how long output copying may outlive a killed command.
const DefaultWaitDelay = 500 * time.Millisecond

// CommandRunner abstracts host command execution.
type CommandRunner interface {
	// Run buffers stdout and stderr and returns them with the exit code.
	Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error)
	// Stream copies output to the given writers as the command produces it.
	Stream(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) (int32, error)
}

// ExecRunner executes commands on the local host. Cancelling ctx kills the
// command. Env entries are added to the host environment.
type ExecRunner struct {
	Dir       string
	Env       []string
	WaitDelay time.Duration
}

func (r ExecRunner) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	return cmd
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code, err := r.Stream(ctx, &stdout, &stderr, name, args...)
	return stdout.Bytes(), stderr.Bytes(), code, err
}

func (r ExecRunner) Stream(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) (int32, error) {
	cmd := r.command(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return ExitCode(cmd.Run())
}

// ExitCode maps a command error to a shell-style exit code: the process
// status when it ran, 127 when it could not start, 1 otherwise.
func ExitCode(err error) (int32, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode()), err
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return 127, err
	}
	return 1, err
}
