package codesign

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aluedeke/go-macsign/pkg/bundle"
	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/errs"
	"github.com/aluedeke/go-macsign/pkg/tool"
)

// Engine signs bundles by driving Apple's codesign tool.
type Engine struct {
	Config *config.Signing
	Runner tool.Runner
	Logger *slog.Logger
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) retryPolicy() tool.RetryPolicy {
	return tool.RetryPolicy{Attempts: e.Config.RetryAttempts, Delay: e.Config.RetryDelay}
}

// SignAll signs every Bundle concurrently and reports all failures together.
func (e *Engine) SignAll(ctx context.Context, bundles []*bundle.Bundle, entitlements string) error {
	return tool.All(len(bundles), func(i int) error {
		return e.Sign(ctx, bundles[i], entitlements)
	})
}

// Sign resolves b's bundle directory and signs it inside out. entitlements is
// the path of the entitlements plist; it may be empty when the configuration
// does not sign with entitlements.
func (e *Engine) Sign(ctx context.Context, b *bundle.Bundle, entitlements string) error {
	if err := ResolveBundle(b); err != nil {
		return err
	}
	if e.Config.SignWithEntitlements && entitlements == "" {
		return errs.Configf("sign_with_entitlements is set but no entitlements were provided")
	}
	logger := e.logger().With("bundle", b.BundleName)

	if e.Config.ProvisioningProfile != "" {
		if err := EmbedProvisioningProfile(b.BundlePath, e.Config.ProvisioningProfile, e.Config.SubjectOU); err != nil {
			return err
		}
	}

	parent := filepath.Dir(b.BundlePath)
	steps, err := Plan(os.DirFS(parent), b.BundleName, e.Config)
	if err != nil {
		return fmt.Errorf("failed to plan signing of %s: %w", b.BundleName, err)
	}

	logger.Info("signing bundle", "steps", len(steps))
	for _, step := range steps {
		target := filepath.Join(parent, filepath.FromSlash(step.Path))
		if err := e.signPath(ctx, target, step.Entitlements, entitlements); err != nil {
			return err
		}
	}

	if e.Config.VerifyMacSignature {
		if err := e.Verify(ctx, b.BundlePath); err != nil {
			return err
		}
	}
	logger.Info("signed bundle")
	return nil
}

// SignFile signs one file outside of a bundle walk, with entitlements unless
// the file is exempt.
func (e *Engine) SignFile(ctx context.Context, target, entitlements string) error {
	withEnt := e.Config.SignWithEntitlements && !e.Config.EntitlementsExempted(filepath.Base(target))
	return e.signPath(ctx, target, withEnt, entitlements)
}

func (e *Engine) signPath(ctx context.Context, target string, withEnt bool, entitlements string) error {
	cmd, err := e.codesignCmd(target, withEnt, entitlements)
	if err != nil {
		return err
	}
	return tool.Retry(ctx, e.retryPolicy(), e.logger(), "codesign "+filepath.Base(target), func(ctx context.Context) error {
		return e.Runner.Run(ctx, cmd)
	})
}

// codesignCmd builds
// codesign -s <identity> -fv --keychain <keychain> --requirement <dr> [-o runtime --entitlements <path>] <target>
func (e *Engine) codesignCmd(target string, withEnt bool, entitlements string) (*tool.Cmd, error) {
	req, err := e.Config.Requirement()
	if err != nil {
		return nil, err
	}
	a := tool.Command("codesign", "-s", e.Config.Identity, "-fv", "--keychain", e.Config.Keychain)
	a.AddIf(req != "", "--requirement", req)
	a.AddIf(withEnt, "-o", "runtime", "--entitlements", entitlements)
	return a.Add(target).Cmd(), nil
}

// Verify runs a strict deep verification of the bundle and checks that the
// main executable carries the hardened runtime flag when entitlements are in
// use.
func (e *Engine) Verify(ctx context.Context, appPath string) error {
	cmd := tool.Command("codesign", "--verify", "--deep", "--strict", "--verbose=2", appPath).Cmd()
	if err := e.Runner.Run(ctx, cmd); err != nil {
		return err
	}
	if !e.Config.SignWithEntitlements {
		return nil
	}

	mainExec, err := BundleExecutable(os.DirFS(filepath.Dir(appPath)), filepath.Base(appPath))
	if err != nil {
		return err
	}
	if mainExec == "" {
		return nil
	}
	info, err := Inspect(filepath.Join(appPath, filepath.FromSlash(mainExec)))
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", mainExec, err)
	}
	for _, arch := range info.Arches {
		if !arch.HardenedRuntime() {
			return fmt.Errorf("%s (%s) is not signed with the hardened runtime", mainExec, arch.CPU)
		}
	}
	return nil
}
