package bundle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aluedeke/go-macsign/pkg/tool"
)

// Repackager writes processed Bundles to the artifact tree.
type Repackager struct {
	Runner tool.Runner
	Logger *slog.Logger
}

func (r *Repackager) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// RepackageAll re-archives every Bundle concurrently.
func (r *Repackager) RepackageAll(ctx context.Context, bundles []*Bundle) error {
	return tool.All(len(bundles), func(i int) error {
		return r.Repackage(ctx, bundles[i])
	})
}

// Repackage archives the Bundle's working directory, the tree the source
// archive was unpacked into, into TargetArchivePath. The pipeline's own
// byproducts are left out wherever they sit in that tree.
func (r *Repackager) Repackage(ctx context.Context, b *Bundle) error {
	if b.TargetArchivePath == "" {
		return fmt.Errorf("no target archive path for %s", b)
	}
	dir := b.WorkingDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}

	skip := map[string]bool{}
	var excludes []string
	for _, p := range b.Byproducts() {
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		rel = filepath.ToSlash(rel)
		if strings.Contains(rel, "/") {
			excludes = append(excludes, rel)
		} else {
			skip[rel] = true
		}
	}
	sort.Strings(excludes)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !skip[e.Name()] {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return fmt.Errorf("nothing to repackage in %s", dir)
	}
	sort.Strings(names)

	if err := os.MkdirAll(filepath.Dir(b.TargetArchivePath), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	flags := "czf"
	if strings.HasSuffix(b.TargetArchivePath, ".tar.bz2") {
		flags = "cjf"
	}
	a := tool.Command("tar", flags, b.TargetArchivePath)
	for _, x := range excludes {
		a.Add("--exclude", x)
	}
	r.logger().Info("repackaging", "bundle", b.String(), "target", b.TargetArchivePath)
	return r.Runner.Run(ctx, a.Add(names...).In(dir))
}

// CopyPackages copies every Bundle's package to its target location.
func (r *Repackager) CopyPackages(bundles []*Bundle) error {
	return tool.All(len(bundles), func(i int) error {
		return r.CopyPackage(bundles[i])
	})
}

// CopyPackage copies the Bundle's package as-is to TargetPackagePath.
func (r *Repackager) CopyPackage(b *Bundle) error {
	if b.PackagePath == "" {
		return fmt.Errorf("no package built for %s", b)
	}
	r.logger().Info("copying package", "package", b.PackagePath, "target", b.TargetPackagePath)
	return CopyFile(b.PackagePath, b.TargetPackagePath)
}

// CopyXpis copies langpacks unchanged into the artifact tree.
func (r *Repackager) CopyXpis(langpacks []*Bundle) error {
	return tool.All(len(langpacks), func(i int) error {
		lp := langpacks[i]
		r.logger().Info("copying langpack", "origin", lp.OriginPath, "target", lp.TargetArchivePath)
		return CopyFile(lp.OriginPath, lp.TargetArchivePath)
	})
}

// CopyFile copies a single file, creating the destination's parent
// directories and keeping the source mode.
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	// Copy contents
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return dstFile.Close()
}
