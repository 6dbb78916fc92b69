package codesign

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/aluedeke/go-macsign/pkg/bundle"
	"github.com/aluedeke/go-macsign/pkg/errs"
	"github.com/aluedeke/go-macsign/pkg/tool"
)

// MatchSingleFiles expands b's single-file globs against its working
// directory. Only regular files match.
func MatchSingleFiles(b *bundle.Bundle) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	for _, pattern := range b.SingleFileGlobs {
		matches, err := filepath.Glob(filepath.Join(b.WorkingDir, filepath.FromSlash(pattern)))
		if err != nil {
			return nil, errs.Wrap(errs.ErrConfiguration, err, "bad single file glob %q", pattern)
		}
		for _, m := range matches {
			if fi, err := os.Lstat(m); err != nil || !fi.Mode().IsRegular() || seen[m] {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, errs.Configf("no files in %s match %v", b.WorkingDir, b.SingleFileGlobs)
	}
	return files, nil
}

// SignSingleFiles signs the glob matched files of every Bundle. There is no
// bundle-wide signature in this mode.
func (e *Engine) SignSingleFiles(ctx context.Context, bundles []*bundle.Bundle, entitlements string) error {
	return tool.All(len(bundles), func(i int) error {
		b := bundles[i]
		files, err := MatchSingleFiles(b)
		if err != nil {
			return err
		}
		for _, f := range files {
			arches, err := Arches(f)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", f, err)
			}
			e.logger().Info("signing file", "file", f, "arches", arches)
			if err := e.SignFile(ctx, f, entitlements); err != nil {
				return err
			}
		}
		return nil
	})
}
