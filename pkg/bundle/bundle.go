// Package bundle models the artifacts flowing through the pipeline and the
// stages that move them in and out of the filesystem: the registry that
// builds them from upstream artifact descriptors, the extractor that unpacks
// them, and the repackager that writes the results to the artifact tree.
package bundle

import (
	"path/filepath"
	"strings"
)

// Format tags attached to upstream artifacts.
const (
	FormatMacApp     = "macapp"
	FormatWidevine   = "autograph_widevine"
	FormatOmnija     = "autograph_omnija"
	FormatLangpack   = "autograph_langpack"
	FormatSingleFile = "mac_single_file"
)

// Bundle is one artifact under processing. A Bundle is owned by exactly one
// pipeline lane; stages of the same kind touch different Bundles only.
type Bundle struct {
	// OriginPath is the source archive, never modified.
	OriginPath string
	// WorkingDir is the Bundle's exclusive scratch directory.
	WorkingDir string

	BundlePath string
	BundleName string

	PackagePath string
	PackageName string

	// ZipPath is the notarization submission archive.
	ZipPath string
	// NotarizationLogPath holds the output of the latest submit or poll.
	NotarizationLogPath string

	TargetArchivePath string
	TargetPackagePath string

	Formats         []string
	ArtifactPrefix  string
	SingleFileGlobs []string
}

// HasFormat reports whether the Bundle carries the format tag f.
func (b *Bundle) HasFormat(f string) bool {
	for _, have := range b.Formats {
		if have == f {
			return true
		}
	}
	return false
}

// SetBundlePath records the resolved bundle location. It is a no-op when a
// path is already set and reports whether it changed anything.
func (b *Bundle) SetBundlePath(p string) bool {
	if b.BundlePath != "" {
		return false
	}
	b.BundlePath = p
	b.BundleName = filepath.Base(p)
	return true
}

// SetPackagePath records the package location, once.
func (b *Bundle) SetPackagePath(p string) bool {
	if b.PackagePath != "" {
		return false
	}
	b.PackagePath = p
	b.PackageName = filepath.Base(p)
	return true
}

// String identifies the Bundle in log lines.
func (b *Bundle) String() string {
	if b.BundleName != "" {
		return b.BundleName + " (" + b.OriginPath + ")"
	}
	return b.OriginPath
}

// Intermediate packages of the installer chain, kept in the working directory.
const (
	ComponentPkg    = "tmp1.pkg"
	DistributionPkg = "tmp2.pkg"
)

// Byproducts lists the files the pipeline itself writes into the working
// directory tree. They are never part of a repackaged archive.
func (b *Bundle) Byproducts() []string {
	out := []string{
		filepath.Join(b.WorkingDir, ComponentPkg),
		filepath.Join(b.WorkingDir, DistributionPkg),
	}
	for _, p := range []string{b.PackagePath, b.ZipPath, b.NotarizationLogPath} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PackagePathFor derives the package location of a bundle directory:
// Foo.app becomes Foo.pkg next to it.
func PackagePathFor(bundlePath string) string {
	for _, ext := range []string{".app", ".appex", ".systemextension"} {
		if strings.HasSuffix(bundlePath, ext) {
			return strings.TrimSuffix(bundlePath, ext) + ".pkg"
		}
	}
	return bundlePath + ".pkg"
}
