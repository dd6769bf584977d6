package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrTimeout is returned when a command does not finish before its context deadline.
var ErrTimeout = errors.New("command timed out")

// Output is the captured result of a finished command.
type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner abstracts command execution so packages can be unit-tested without
// spawning adb or touching a real device.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct{}

func NewOSRunner() *OSRunner {
	return &OSRunner{}
}

// Run executes name with args. A non-zero exit status is reported through
// Output.ExitCode, not as an error; errors mean the command could not run to
// completion (missing binary, timeout).
func (r *OSRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{
		Stdout: strings.TrimRight(stdout.String(), "\r\n"),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if ctx.Err() != nil {
		out.ExitCode = -1
		return out, fmt.Errorf("%s: %w", name, ErrTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		out.ExitCode = -1
		if out.Stderr != "" {
			return out, fmt.Errorf("%s: %s", err.Error(), out.Stderr)
		}
		return out, err
	}
	return out, nil
}
