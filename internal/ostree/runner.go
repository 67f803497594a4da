// Package ostree drives OSTree repositories and the deployment sysroot
// through the ostree command line tool.
package ostree

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Runner executes a host command and returns its standard output
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandError is a command that could not start or exited non-zero
type CommandError struct {
	Cmd    string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Cmd, e.Err, out)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands on the host
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates a runner logging every command at debug level
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Run executes name with args. Only stdout is returned; stderr is kept for
// the error and the log.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("executing", "cmd", cmd.String())

	if err := cmd.Run(); err != nil {
		r.logger.Error("command failed", "cmd", cmd.String(), "stderr", stderr.String(), "error", err)
		return stdout.Bytes(), &CommandError{Cmd: cmd.String(), Output: stderr.String(), Err: err}
	}

	if stderr.Len() > 0 {
		r.logger.Debug("command wrote to stderr", "cmd", cmd.String(), "stderr", stderr.String())
	}
	r.logger.Debug("command completed successfully", "cmd", cmd.String())
	return stdout.Bytes(), nil
}
