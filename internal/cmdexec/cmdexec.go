// Package cmdexec runs external programs and reports non-zero exits as errors.
package cmdexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Options controls how a command is started.
type Options struct {
	Dir string
}

// Runner executes a command and returns its trimmed stdout.
type Runner interface {
	Run(ctx context.Context, name string, args []string, opts Options) (string, error)
}

// ExecError is returned when a command cannot be started or exits non-zero.
// ExitCode is -1 when the process never ran.
type ExecError struct {
	Command  string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s %s: exit code %d", e.Command, strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Exec is the os/exec backed Runner.
type Exec struct {
	Logger *slog.Logger
}

// New returns an Exec logging to logger (slog.Default() when nil).
func New(logger *slog.Logger) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{Logger: logger}
}

func (e *Exec) Run(ctx context.Context, name string, args []string, opts Options) (string, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	errOut := strings.TrimSpace(stderr.String())
	if err != nil {
		execErr := &ExecError{
			Command:  name,
			Args:     append([]string(nil), args...),
			ExitCode: -1,
			Stderr:   errOut,
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			execErr.ExitCode = exitErr.ExitCode()
		}
		logger.Debug("command failed",
			"command", name,
			"args", args,
			"dir", opts.Dir,
			"exit_code", execErr.ExitCode,
			"stderr", errOut,
		)
		return "", execErr
	}

	if errOut != "" {
		logger.Debug("command stderr", "command", name, "args", args, "stderr", errOut)
	}
	return strings.TrimSpace(stdout.String()), nil
}
