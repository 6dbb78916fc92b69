// Package tool runs the external programs the pipeline drives (codesign,
// pkgbuild, altool, stapler, tar, ...) and provides the retry and fan-out
// helpers every stage shares.
package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/aluedeke/go-macsign/pkg/errs"
)

// Mask replaces secret arguments in every logged command line.
const Mask = "********"

// Cmd is one external tool invocation.
type Cmd struct {
	// Args is the real argument vector; Args[0] is the program.
	Args []string
	// Display is the redacted argument vector. It is the only form that is
	// ever logged or embedded in errors.
	Display []string
	// Dir is the working directory, empty for the current one.
	Dir string
	// LogPath receives stdout and stderr when set. The file is truncated
	// on every run.
	LogPath string
}

// String returns the redacted command line.
func (c *Cmd) String() string {
	return strings.Join(c.Display, " ")
}

// Runner executes commands. Implementations must be safe for concurrent use.
type Runner interface {
	Run(ctx context.Context, cmd *Cmd) error
}

// Argv builds the real and the display argument vectors side by side so the
// display form never has to be derived from the real one afterwards.
type Argv struct {
	args    []string
	display []string
}

// Command starts a new argument vector.
func Command(name string, args ...string) *Argv {
	a := &Argv{}
	return a.Add(name).Add(args...)
}

// Add appends plain arguments.
func (a *Argv) Add(args ...string) *Argv {
	a.args = append(a.args, args...)
	a.display = append(a.display, args...)
	return a
}

// AddIf appends plain arguments when cond holds.
func (a *Argv) AddIf(cond bool, args ...string) *Argv {
	if cond {
		a.Add(args...)
	}
	return a
}

// Secret appends a value that must never be shown.
func (a *Argv) Secret(value string) *Argv {
	a.args = append(a.args, value)
	a.display = append(a.display, Mask)
	return a
}

// Cmd returns the command for the collected arguments.
func (a *Argv) Cmd() *Cmd {
	return &Cmd{
		Args:    append([]string(nil), a.args...),
		Display: append([]string(nil), a.display...),
	}
}

// In returns the command with its working directory set.
func (a *Argv) In(dir string) *Cmd {
	c := a.Cmd()
	c.Dir = dir
	return c
}

// LoggedTo returns the command with its output redirected to path.
func (a *Argv) LoggedTo(path string) *Cmd {
	c := a.Cmd()
	c.LogPath = path
	return c
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Logger *slog.Logger
}

func (r *ExecRunner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run executes cmd. Output is captured for the log; a non-zero exit becomes
// an *errs.ToolError carrying the redacted command line.
func (r *ExecRunner) Run(ctx context.Context, c *Cmd) error {
	if len(c.Args) == 0 {
		return fmt.Errorf("empty command")
	}
	logger := r.logger()
	logger.Debug("running tool", "cmd", c.String(), "dir", c.Dir)

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir

	var buf bytes.Buffer
	var out io.Writer = &buf
	if c.LogPath != "" {
		f, err := os.Create(c.LogPath)
		if err != nil {
			return fmt.Errorf("failed to create log file %s: %w", c.LogPath, err)
		}
		defer f.Close()
		out = io.MultiWriter(f, &buf)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		logger.Error("tool failed",
			"cmd", c.String(),
			"exit_code", code,
			"output", strings.TrimSpace(buf.String()))
		return &errs.ToolError{Command: c.String(), ExitCode: code, Output: buf.String(), Err: err}
	}

	logger.Debug("tool finished", "cmd", c.String(), "output", strings.TrimSpace(buf.String()))
	return nil
}
