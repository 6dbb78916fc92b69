package bundle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/aluedeke/go-macsign/pkg/errs"
	"github.com/aluedeke/go-macsign/pkg/tool"
)

// Archive kinds understood by the extractor.
const (
	KindTar = "tar"
	KindDMG = "dmg"
	KindZip = "zip"
)

// ArchiveKind classifies p by extension.
func ArchiveKind(p string) (string, error) {
	_, ext := splitArchiveExt(p)
	switch ext {
	case ".tar.gz", ".tar.bz2", ".tgz":
		return KindTar, nil
	case ".dmg":
		return KindDMG, nil
	case ".zip":
		return KindZip, nil
	default:
		return "", errs.Configf("unknown archive type: %s", p)
	}
}

// Extractor unpacks Bundle origins into their working directories.
type Extractor struct {
	Runner tool.Runner
	Logger *slog.Logger
	// MountDir is where disk images are attached, one mnt<N> per image.
	MountDir string

	mounts atomic.Int64
}

func (e *Extractor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// ExtractAll extracts every Bundle concurrently. Stray Applications links
// left behind by disk images are removed once the whole batch has finished.
func (e *Extractor) ExtractAll(ctx context.Context, bundles []*Bundle) error {
	err := tool.All(len(bundles), func(i int) error {
		return e.Extract(ctx, bundles[i])
	})
	for _, b := range bundles {
		if kind, _ := ArchiveKind(b.OriginPath); kind == KindDMG {
			if rmErr := removeApplicationsLink(b.WorkingDir); rmErr != nil {
				e.logger().Warn("failed to remove Applications link", "dir", b.WorkingDir, "err", rmErr)
			}
		}
	}
	return err
}

// Extract creates a fresh working directory for b and unpacks its origin there.
func (e *Extractor) Extract(ctx context.Context, b *Bundle) error {
	kind, err := ArchiveKind(b.OriginPath)
	if err != nil {
		return err
	}

	// Start from an empty directory, dropping leftovers of an earlier run
	if err := os.RemoveAll(b.WorkingDir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", b.WorkingDir, err)
	}
	if err := os.MkdirAll(b.WorkingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", b.WorkingDir, err)
	}

	e.logger().Info("extracting", "origin", b.OriginPath, "kind", kind, "dir", b.WorkingDir)
	switch kind {
	case KindTar:
		return e.Runner.Run(ctx, tool.Command("tar", "xf", b.OriginPath, "-C", b.WorkingDir).Cmd())
	case KindZip:
		return e.Runner.Run(ctx, tool.Command("unzip", "-o", "-q", b.OriginPath, "-d", b.WorkingDir).Cmd())
	default:
		return e.extractDMG(ctx, b)
	}
}

func (e *Extractor) extractDMG(ctx context.Context, b *Bundle) (err error) {
	mnt := filepath.Join(e.MountDir, "mnt"+strconv.FormatInt(e.mounts.Add(1), 10))
	if err := os.RemoveAll(mnt); err != nil {
		return fmt.Errorf("failed to clear mount point %s: %w", mnt, err)
	}

	attach := tool.Command("hdiutil", "attach", "-nobrowse", "-readonly", "-noautoopen",
		"-mountpoint", mnt, b.OriginPath).Cmd()
	if err := e.Runner.Run(ctx, attach); err != nil {
		return err
	}
	defer func() {
		detachErr := e.Runner.Run(context.WithoutCancel(ctx), tool.Command("hdiutil", "detach", mnt, "-force").Cmd())
		if err == nil {
			err = detachErr
		}
	}()

	return e.Runner.Run(ctx, tool.Command("cp", "-a", mnt+"/.", b.WorkingDir).Cmd())
}

func removeApplicationsLink(dir string) error {
	p := filepath.Join(dir, "Applications")
	fi, err := os.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return nil
	}
	return os.Remove(p)
}
