package tools

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
)

// Command is one local process invocation.
type Command struct {
	Name   string
	Args   []string
	Dir    string
	Env    map[string]string
	Stdout io.Writer
	Stderr io.Writer
}

// CommandRunner abstracts local process execution for the runtime wrapper.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (int32, error)
}

// ExecRunner executes commands on the local host, streaming output as it is
// produced.
type ExecRunner struct{}

// Shell wraps script in `sh -c`.
func Shell(script string) Command {
	return Command{Name: "sh", Args: []string{"-c", script}}
}

// Run returns the process exit code. A non-zero exit also returns the
// *exec.ExitError; a command that could not start reports 127 and one killed
// by a signal reports 128+signal.
func (r ExecRunner) Run(ctx context.Context, c Command) (int32, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), EnvList(c.Env)...)
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int32(ws.Signal()), err
		}
		return int32(exitErr.ExitCode()), err
	}

	exitCode := int32(1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return exitCode, err
}

// EnvList renders env as sorted KEY=value pairs.
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
