// Package tooltest provides a scripted tool.Runner for tests.
package tooltest

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/aluedeke/go-macsign/pkg/errs"
	"github.com/aluedeke/go-macsign/pkg/tool"
)

// Result is what the fake returns for one command.
type Result struct {
	// ExitCode other than zero makes Run return an *errs.ToolError.
	ExitCode int
	// Output is written to Cmd.LogPath when the command has one.
	Output string
	// Do runs before the result is reported, e.g. to create the files a
	// real tool would have produced.
	Do func(cmd *tool.Cmd) error
}

// Runner records every command it is given. Handler, when set, decides the
// outcome of each call; otherwise every command succeeds with no output.
type Runner struct {
	Handler func(cmd *tool.Cmd) Result

	mu    sync.Mutex
	calls []*tool.Cmd
}

// Run implements tool.Runner.
func (r *Runner) Run(ctx context.Context, cmd *tool.Cmd) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	h := r.Handler
	r.mu.Unlock()

	var res Result
	if h != nil {
		res = h(cmd)
	}
	if res.Do != nil {
		if err := res.Do(cmd); err != nil {
			return err
		}
	}
	if cmd.LogPath != "" {
		if err := os.WriteFile(cmd.LogPath, []byte(res.Output), 0o644); err != nil {
			return err
		}
	}
	if res.ExitCode != 0 {
		return &errs.ToolError{Command: cmd.String(), ExitCode: res.ExitCode, Output: res.Output}
	}
	return nil
}

// Calls returns the commands run so far, in call order.
func (r *Runner) Calls() []*tool.Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*tool.Cmd(nil), r.calls...)
}

// Displays returns the redacted argv of every call.
func (r *Runner) Displays() [][]string {
	var out [][]string
	for _, c := range r.Calls() {
		out = append(out, c.Display)
	}
	return out
}

// Matching returns the calls whose real argv starts with prefix.
func (r *Runner) Matching(prefix ...string) []*tool.Cmd {
	var out []*tool.Cmd
	for _, c := range r.Calls() {
		if HasPrefix(c, prefix...) {
			out = append(out, c)
		}
	}
	return out
}

// HasPrefix reports whether cmd's argv starts with prefix.
func HasPrefix(cmd *tool.Cmd, prefix ...string) bool {
	if len(cmd.Args) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if cmd.Args[i] != p {
			return false
		}
	}
	return true
}

// Contains reports whether any argument of cmd contains s.
func Contains(cmd *tool.Cmd, s string) bool {
	for _, a := range cmd.Args {
		if strings.Contains(a, s) {
			return true
		}
	}
	return false
}
