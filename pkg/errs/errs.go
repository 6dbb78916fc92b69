// Package errs defines the failure taxonomy shared by every pipeline stage.
//
// Callers classify failures with errors.Is against the sentinel kinds below.
// Aggregated fan-out failures keep every member reachable, so errors.Is works
// on them as well.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration covers unknown file types, unrecognized artifact
	// prefixes and malformed signing configuration. Never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrToolInvocation is returned when an external tool exits non-zero.
	ErrToolInvocation = errors.New("tool invocation failed")

	// ErrUnknownAppDir means zero or several .app candidates were found.
	ErrUnknownAppDir = errors.New("unknown app dir")

	// ErrThrottled is classified from the notarization log text. The
	// pipeline never retries it on its own.
	ErrThrottled = errors.New("notarization throttled")

	// ErrInvalidNotarization means the remote validator rejected the artifact.
	ErrInvalidNotarization = errors.New("invalid notarization")

	// ErrUnknownNotarization is any unrecognized remote failure text.
	ErrUnknownNotarization = errors.New("unknown notarization error")

	// ErrTimeout means notarization polling exceeded its deadline.
	ErrTimeout = errors.New("notarization poll timed out")
)

// Error attaches a message and an optional cause to one of the sentinel kinds.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns an Error of the given kind.
func New(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of the given kind wrapping cause.
func Wrap(kind error, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Configf is shorthand for New(ErrConfiguration, ...).
func Configf(format string, args ...any) error {
	return New(ErrConfiguration, format, args...)
}

// ToolError describes a failed external tool run. Command is always the
// redacted display form of the command line.
type ToolError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s: %q exited with code %d", ErrToolInvocation, e.Command, e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + lastLines(out, 5)
	}
	return msg
}

func (e *ToolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrToolInvocation}
	}
	return []error{ErrToolInvocation, e.Err}
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

// Process exit codes reported by the CLI.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitMalformed    = 3
	ExitIntermittent = 7
)

// ExitCode maps an error to the exit status the calling task runner expects.
// Throttling wins over configuration problems so that a mixed aggregate stays
// retryable.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrThrottled):
		return ExitIntermittent
	case errors.Is(err, ErrConfiguration):
		return ExitMalformed
	default:
		return ExitFailure
	}
}
