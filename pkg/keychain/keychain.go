// Package keychain manages the login keychain the signing tools read from.
//
// The keychain is process-global state that may relock at any time, so a
// Session never assumes an earlier unlock is still in effect: every call to
// Prepare unlocks and re-registers the search path again.
package keychain

import (
	"context"
	"log/slog"

	"github.com/aluedeke/go-macsign/pkg/tool"
)

// Session unlocks one keychain and makes it the only one searched.
type Session struct {
	Path     string
	Password string
	Runner   tool.Runner
	Logger   *slog.Logger
}

func (s *Session) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// EnsureUnlocked unlocks the keychain.
func (s *Session) EnsureUnlocked(ctx context.Context) error {
	cmd := tool.Command("security", "unlock-keychain", "-p").Secret(s.Password).Add(s.Path).Cmd()
	return s.Runner.Run(ctx, cmd)
}

// EnsureSearchPath makes the keychain the only entry of the search list.
func (s *Session) EnsureSearchPath(ctx context.Context) error {
	return s.Runner.Run(ctx, tool.Command("security", "list-keychains", "-s", s.Path).Cmd())
}

// Prepare runs EnsureUnlocked and EnsureSearchPath. Call it before every
// stage that shells into a signing tool.
func (s *Session) Prepare(ctx context.Context) error {
	s.logger().Debug("preparing keychain", "keychain", s.Path)
	if err := s.EnsureUnlocked(ctx); err != nil {
		return err
	}
	return s.EnsureSearchPath(ctx)
}
