package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/aristath/forge/internal/logging"
)

// Command is one shell command line to run.
type Command struct {
	Line    string
	Dir     string
	Timeout time.Duration // 0 means no timeout beyond ctx
	Env     []string      // extra KEY=VALUE entries appended to the process environment
}

// Result is the outcome of a command that was started.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Success reports a zero exit status.
func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Runner runs shell commands. A non-zero exit is reported in Result, not as
// an error; errors mean the command could not be run at all.
type Runner interface {
	Run(ctx context.Context, c Command) (Result, error)
}

// ShellRunner runs command lines through a POSIX shell in their own process group.
type ShellRunner struct {
	Shell string
	pm    *ProcessManager
}

// NewShellRunner creates a runner using /bin/sh. pm may be nil.
func NewShellRunner(pm *ProcessManager) *ShellRunner {
	return &ShellRunner{Shell: "/bin/sh", pm: pm}
}

// Run executes c.Line with "sh -c".
func (r *ShellRunner) Run(ctx context.Context, c Command) (Result, error) {
	if c.Line == "" {
		return Result{}, fmt.Errorf("empty command line")
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := NewCommand(runCtx, r.Shell, "-c", c.Line)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	start := time.Now()
	stdout, stderr, err := Execute(runCtx, cmd, r.pm)
	res := Result{
		Stdout:   string(stdout),
		Stderr:   string(stderr),
		Duration: time.Since(start),
	}
	logging.Debug("command finished", "command", c.Line, "dir", c.Dir, "duration", res.Duration, "error", err)

	if err == nil {
		return res, nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		res.ExitCode = -1
		res.Stderr += fmt.Sprintf("\ncommand timed out after %s", c.Timeout)
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}
