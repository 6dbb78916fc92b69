package codesign

import (
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/aluedeke/go-macsign/pkg/config"
)

// ClearKeyLibrary is signed separately for the outermost bundle unless the
// walk already reached it through sign_dirs.
const ClearKeyLibrary = "Contents/Resources/gmp-clearkey/0.1/libclearkey.dylib"

// Step is one codesign invocation of a signing plan.
type Step struct {
	// Path is slash separated and relative to the plan's file system.
	Path string
	// Bundle marks the final whole-bundle signature of a bundle directory.
	Bundle bool
	// Entitlements requests the hardened runtime and the entitlements file.
	Entitlements bool
}

// Plan computes the ordered codesign steps for the bundle directory app
// inside fsys:
//
//   - At the top of Contents only the sign_dirs are descended into.
//   - skip_dirs are pruned at every depth.
//   - Nested .app/.appex bundles are planned in full before any file of
//     their parent.
//   - The main executable and files inside nested bundles are never signed
//     on their own; the bundle step covers them.
//   - The outermost bundle gets an extra step for ClearKeyLibrary when the
//     walk did not already cover it.
//   - Every bundle ends with its own Bundle step.
//
// Plan only reads directory listings and Info.plist files, so it can be
// exercised against an in-memory file system.
func Plan(fsys fs.FS, app string, cfg *config.Signing) ([]Step, error) {
	return planBundle(fsys, app, cfg, true)
}

func planBundle(fsys fs.FS, app string, cfg *config.Signing, outer bool) ([]Step, error) {
	mainExec, err := BundleExecutable(fsys, app)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve main executable of %s: %w", app, err)
	}
	if mainExec != "" {
		mainExec = path.Join(app, mainExec)
	}

	w := &walker{fsys: fsys, cfg: cfg, mainExec: mainExec}

	contents := path.Join(app, "Contents")
	entries, err := fs.ReadDir(fsys, contents)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", contents, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if cfg.ShouldSkipDir(e.Name()) || !cfg.ShouldSignDir(e.Name()) {
			continue
		}
		if err := w.walk(path.Join(contents, e.Name())); err != nil {
			return nil, err
		}
	}

	// Nested bundles are complete before the parent's own files
	var steps []Step
	for _, nested := range w.bundles {
		sub, err := planBundle(fsys, nested, cfg, false)
		if err != nil {
			return nil, err
		}
		steps = append(steps, sub...)
	}
	steps = append(steps, w.files...)

	if outer {
		clearKey := path.Join(app, ClearKeyLibrary)
		if fi, err := fs.Stat(fsys, clearKey); err == nil && fi.Mode().IsRegular() && !w.planned(clearKey) {
			steps = append(steps, fileStep(clearKey, cfg))
		}
	}

	steps = append(steps, Step{Path: app, Bundle: true, Entitlements: cfg.SignWithEntitlements})
	return steps, nil
}

type walker struct {
	fsys     fs.FS
	cfg      *config.Signing
	mainExec string

	bundles []string
	files   []Step
}

// walk visits dir depth first. Nested bundles are recorded and not entered.
func (w *walker) walk(dir string) error {
	entries, err := fs.ReadDir(w.fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, e := range entries {
		p := path.Join(dir, e.Name())
		switch {
		case e.IsDir():
			if w.cfg.ShouldSkipDir(e.Name()) {
				continue
			}
			if hasExt(e.Name(), nestedBundleExts) {
				w.bundles = append(w.bundles, p)
				continue
			}
			if err := w.walk(p); err != nil {
				return err
			}
		case e.Type()&fs.ModeSymlink != 0:
			// Links resolve to files signed at their real location
		case e.Type().IsRegular():
			if p == w.mainExec {
				continue
			}
			w.files = append(w.files, fileStep(p, w.cfg))
		}
	}
	return nil
}

func (w *walker) planned(p string) bool {
	for _, s := range w.files {
		if s.Path == p {
			return true
		}
	}
	return false
}

func fileStep(p string, cfg *config.Signing) Step {
	return Step{
		Path:         p,
		Entitlements: cfg.SignWithEntitlements && !cfg.EntitlementsExempted(path.Base(p)),
	}
}
