package keychain

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/aluedeke/go-macsign/pkg/errs"
	"github.com/aluedeke/go-macsign/pkg/tool"
	"github.com/aluedeke/go-macsign/pkg/tool/tooltest"
)

func TestPrepareEveryTime(t *testing.T) {
	runner := &tooltest.Runner{}
	s := &Session{Path: "/k/signing.keychain", Password: "pw", Runner: runner}

	for i := 0; i < 2; i++ {
		if err := s.Prepare(context.Background()); err != nil {
			t.Fatalf("Prepare failed: %v", err)
		}
	}

	want := [][]string{
		{"security", "unlock-keychain", "-p", tool.Mask, "/k/signing.keychain"},
		{"security", "list-keychains", "-s", "/k/signing.keychain"},
		{"security", "unlock-keychain", "-p", tool.Mask, "/k/signing.keychain"},
		{"security", "list-keychains", "-s", "/k/signing.keychain"},
	}
	if diff := cmp.Diff(want, runner.Displays()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	if got := runner.Calls()[0].Args[3]; got != "pw" {
		t.Errorf("unlock password = %q, want real password", got)
	}
}

func TestPrepareStopsOnUnlockFailure(t *testing.T) {
	runner := &tooltest.Runner{Handler: func(*tool.Cmd) tooltest.Result {
		return tooltest.Result{ExitCode: 51}
	}}
	s := &Session{Path: "/k", Password: "pw", Runner: runner}
	err := s.Prepare(context.Background())
	if !errors.Is(err, errs.ErrToolInvocation) {
		t.Fatalf("Prepare error = %v, want tool error", err)
	}
	if len(runner.Calls()) != 1 {
		t.Errorf("calls = %d, want 1", len(runner.Calls()))
	}
}
