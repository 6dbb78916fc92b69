package bundle

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aluedeke/go-macsign/pkg/errs"
)

// ArtifactPrefixes is the closed set of recognized artifact roots.
var ArtifactPrefixes = []string{"public/", "releng/partner/", "private/openh264/"}

// UpstreamArtifact is one descriptor from the task: a set of paths produced
// by an upstream task, all sharing the same formats.
type UpstreamArtifact struct {
	TaskID  string   `json:"taskId"`
	Paths   []string `json:"paths"`
	Formats []string `json:"formats"`
}

// Set is the outcome of building the registry. Langpacks never enter the
// bundle pipeline and are kept apart.
type Set struct {
	Bundles   []*Bundle
	Langpacks []*Bundle
}

// Registry turns upstream artifact descriptors into Bundles.
type Registry struct {
	WorkDir     string
	ArtifactDir string
}

// Build creates fresh Bundles for every upstream path. Every Bundle gets its
// own working directory named after its position, and its output locations
// computed up front.
func (r *Registry) Build(upstream []UpstreamArtifact, singleFileGlobs []string) (*Set, error) {
	set := &Set{}
	for _, u := range upstream {
		for _, p := range u.Paths {
			prefix, err := MatchPrefix(p)
			if err != nil {
				return nil, err
			}
			b := &Bundle{
				OriginPath:      filepath.Join(r.WorkDir, "cot", u.TaskID, filepath.FromSlash(p)),
				Formats:         append([]string(nil), u.Formats...),
				ArtifactPrefix:  prefix,
				SingleFileGlobs: singleFileGlobs,
			}
			if b.HasFormat(FormatLangpack) {
				b.TargetArchivePath, err = TargetPath(r.ArtifactDir, prefix, p)
				if err != nil {
					return nil, err
				}
				set.Langpacks = append(set.Langpacks, b)
				continue
			}

			b.WorkingDir = filepath.Join(r.WorkDir, strconv.Itoa(len(set.Bundles)))
			if b.TargetArchivePath, err = TargetArchivePath(r.ArtifactDir, prefix, p); err != nil {
				return nil, err
			}
			if b.TargetPackagePath, err = TargetPackagePath(r.ArtifactDir, prefix, p); err != nil {
				return nil, err
			}
			set.Bundles = append(set.Bundles, b)
		}
	}
	return set, nil
}

// MatchPrefix returns the recognized prefix a task-relative path starts with.
func MatchPrefix(p string) (string, error) {
	for _, prefix := range ArtifactPrefixes {
		if strings.HasPrefix(p, prefix) {
			return prefix, nil
		}
	}
	return "", errs.Configf("unrecognized artifact prefix in %q", p)
}

// relFromPrefix strips prefix off a task-relative path. Only the path as the
// upstream task published it is looked at, so the location of the work
// directory never leaks into the artifact tree.
func relFromPrefix(rel, prefix string) (string, error) {
	slashed := filepath.ToSlash(rel)
	if !strings.HasPrefix(slashed, prefix) {
		return "", errs.Configf("%q is not under artifact prefix %q", rel, prefix)
	}
	return strings.TrimPrefix(slashed, prefix), nil
}

// TargetPath maps a task-relative path such as
// "public/build/en-US/target.dmg" into the artifact tree keeping its name.
func TargetPath(artifactDir, prefix, rel string) (string, error) {
	rest, err := relFromPrefix(rel, prefix)
	if err != nil {
		return "", err
	}
	return filepath.Join(artifactDir, prefix, filepath.FromSlash(rest)), nil
}

// TargetArchivePath maps a task-relative path into the artifact tree with its
// archive extension normalized: .dmg, .zip and .tgz become .tar.gz, while
// .tar.gz and .tar.bz2 are kept.
func TargetArchivePath(artifactDir, prefix, rel string) (string, error) {
	target, err := TargetPath(artifactDir, prefix, rel)
	if err != nil {
		return "", err
	}
	stem, ext := splitArchiveExt(target)
	switch ext {
	case ".tar.gz", ".tar.bz2":
		return target, nil
	case ".tgz", ".dmg", ".zip":
		return stem + ".tar.gz", nil
	default:
		return "", errs.Configf("unknown archive type: %s", rel)
	}
}

// TargetPackagePath maps a task-relative path to the .pkg at the same
// relative location.
func TargetPackagePath(artifactDir, prefix, rel string) (string, error) {
	target, err := TargetPath(artifactDir, prefix, rel)
	if err != nil {
		return "", err
	}
	stem, _ := splitArchiveExt(target)
	return stem + ".pkg", nil
}

// splitArchiveExt splits a recognized archive extension off p. Double
// extensions like .tar.gz are returned whole.
func splitArchiveExt(p string) (stem, ext string) {
	for _, e := range []string{".tar.gz", ".tar.bz2", ".tgz", ".dmg", ".zip"} {
		if strings.HasSuffix(p, e) {
			return strings.TrimSuffix(p, e), e
		}
	}
	ext = filepath.Ext(p)
	return strings.TrimSuffix(p, ext), ext
}

// SiblingPackagePath is the .pkg an earlier task published next to origin.
func SiblingPackagePath(origin string) string {
	stem, _ := splitArchiveExt(origin)
	return stem + ".pkg"
}
