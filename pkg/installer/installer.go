// Package installer turns signed bundles into signed installer packages.
package installer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/aluedeke/go-macsign/pkg/bundle"
	"github.com/aluedeke/go-macsign/pkg/codesign"
	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/tool"
)

// InstallLocation is where the component package installs the bundle.
const InstallLocation = "/Applications"

// Builder runs the pkgbuild, productbuild and productsign chain.
type Builder struct {
	Config *config.Signing
	Runner tool.Runner
	Logger *slog.Logger
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// signArgs are the optional signing flags shared by the three tools.
func (b *Builder) signArgs(a *tool.Argv) *tool.Argv {
	return a.AddIf(b.Config.PkgCertID != "", "--keychain", b.Config.Keychain, "--sign", b.Config.PkgCertID)
}

type stage struct {
	name string
	cmd  func(bd *bundle.Bundle) *tool.Cmd
}

// BuildAll builds the package of every Bundle. Each of the three steps runs
// for all Bundles, at most concurrency_limit at a time, before the next step
// starts.
func (b *Builder) BuildAll(ctx context.Context, bundles []*bundle.Bundle) error {
	for _, bd := range bundles {
		if err := codesign.ResolveBundle(bd); err != nil {
			return err
		}
		bd.SetPackagePath(bundle.PackagePathFor(bd.BundlePath))
	}

	stages := []stage{
		{"pkgbuild", func(bd *bundle.Bundle) *tool.Cmd {
			a := tool.Command("pkgbuild", "--install-location", InstallLocation)
			return b.signArgs(a).Add("--component", bd.BundlePath, filepath.Join(bd.WorkingDir, bundle.ComponentPkg)).Cmd()
		}},
		{"productbuild", func(bd *bundle.Bundle) *tool.Cmd {
			a := b.signArgs(tool.Command("productbuild"))
			return a.Add("--package", filepath.Join(bd.WorkingDir, bundle.ComponentPkg), filepath.Join(bd.WorkingDir, bundle.DistributionPkg)).Cmd()
		}},
		{"productsign", func(bd *bundle.Bundle) *tool.Cmd {
			a := b.signArgs(tool.Command("productsign"))
			return a.Add(filepath.Join(bd.WorkingDir, bundle.DistributionPkg), bd.PackagePath).Cmd()
		}},
	}

	for _, s := range stages {
		b.logger().Info("building packages", "step", s.name, "bundles", len(bundles))
		err := tool.Limited(ctx, b.Config.ConcurrencyLimit, len(bundles), func(i int) error {
			return b.Runner.Run(ctx, s.cmd(bundles[i]))
		})
		if err != nil {
			return fmt.Errorf("%s failed: %w", s.name, err)
		}
	}
	return nil
}
