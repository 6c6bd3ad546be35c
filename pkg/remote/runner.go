package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Command is either an argument vector or a single shell string. When Argv is
// set it takes precedence.
type Command struct {
	Argv  []string
	Shell string
}

// ShellCommand wraps a shell string.
func ShellCommand(script string) Command {
	return Command{Shell: script}
}

// ArgvCommand wraps an argument vector.
func ArgvCommand(argv ...string) Command {
	return Command{Argv: argv}
}

// String renders the command the way it would appear in a step log.
func (c Command) String() string {
	if len(c.Argv) > 0 {
		return strings.Join(c.Argv, " ")
	}
	return c.Shell
}

func (c Command) empty() bool {
	return len(c.Argv) == 0 && strings.TrimSpace(c.Shell) == ""
}

// Output holds stdout and stderr split into lines and the exit status.
// Lines is stdout only; command output is parsed from it.
type Output struct {
	Lines    []string
	Stderr   []string
	ExitCode int
}

// OK reports a zero exit status.
func (o Output) OK() bool { return o.ExitCode == 0 }

// Text joins stdout and then stderr for step logs.
func (o Output) Text() string {
	return strings.Join(append(append([]string(nil), o.Lines...), o.Stderr...), "\n")
}

// Runner executes commands on a worker. A non-zero exit is reported in Output,
// not as an error; errors are reserved for transport failures.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Output, error)
}

// ErrEmptyCommand is returned when a command has neither argv nor shell text.
var ErrEmptyCommand = errors.New("empty command")

// ExecRunner runs commands on the local host.
type ExecRunner struct {
	Dir string
	Env []string
}

func (r ExecRunner) Run(ctx context.Context, cmd Command) (Output, error) {
	if cmd.empty() {
		return Output{}, ErrEmptyCommand
	}

	var c *exec.Cmd
	switch {
	case len(cmd.Argv) > 0:
		c = exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	case runtime.GOOS == "windows":
		c = exec.CommandContext(ctx, "cmd", "/C", cmd.Shell)
	default:
		c = exec.CommandContext(ctx, "/bin/sh", "-c", cmd.Shell)
	}
	c.Dir = r.Dir
	if len(r.Env) > 0 {
		c.Env = r.Env
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	out := Output{Lines: splitLines(stdout.Bytes()), Stderr: splitLines(stderr.Bytes())}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, fmt.Errorf("run %q: %w", cmd.String(), err)
	}
	return out, nil
}

func splitLines(data []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	return lines
}
