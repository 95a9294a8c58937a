// Package execx runs external commands with output capture, a hard
// timeout, and debug logging of the command and its output. Components
// that shell out (installers, cache sync, workspace validation) take a
// Runner so tests can substitute a fake without spawning processes.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/runpod-workers/worker-flash/internal/logging"
)

// Result is the structured outcome of one command.
type Result struct {
	Success  bool
	Stdout   string
	Stderr   string
	Error    string
	ExitCode int
	TimedOut bool
}

// Cmd describes one command invocation.
type Cmd struct {
	Command []string
	Env     []string // nil inherits the process environment
	Dir     string
	Timeout time.Duration
	// Operation names the invocation in debug logs ("Creating cache tarball").
	Operation string
	// SuppressOutput logs only the command, not its output.
	SuppressOutput bool
}

// Runner executes a command and returns its result.
type Runner func(ctx context.Context, c Cmd) Result

// Run is the production Runner.
func Run(ctx context.Context, c Cmd) Result {
	if len(c.Command) == 0 {
		return Result{Error: "empty command"}
	}

	prefix := ""
	if c.Operation != "" {
		prefix = c.Operation + ": "
	}
	logging.Op().Debug(prefix+"executing", "command", strings.Join(c.Command, " "))

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = c.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		res.Error = fmt.Sprintf("command timed out after %s", c.Timeout)
		logging.Op().Debug(prefix+"timeout", "timeout", c.Timeout)
		return res
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Error = res.Stderr
			if res.Error == "" {
				res.Error = err.Error()
			}
		} else {
			res.ExitCode = -1
			res.Error = err.Error()
		}
		if !c.SuppressOutput && res.Error != "" {
			logging.Op().Debug(prefix+"errors", "stderr", strings.TrimSpace(res.Error))
		}
		return res
	}

	res.Success = true
	if !c.SuppressOutput {
		if s := strings.TrimSpace(res.Stdout); s != "" {
			logging.Op().Debug(prefix+"output", "stdout", s)
		}
		if s := strings.TrimSpace(res.Stderr); s != "" {
			logging.Op().Debug(prefix+"warnings", "stderr", s)
		}
	}
	return res
}

// Which reports whether a binary is resolvable on PATH.
func Which(ctx context.Context, name string) bool {
	return Run(ctx, Cmd{Command: []string{"which", name}, SuppressOutput: true}).Success
}
