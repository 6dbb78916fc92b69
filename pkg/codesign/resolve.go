package codesign

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"howett.net/plist"

	"github.com/aluedeke/go-macsign/pkg/bundle"
	"github.com/aluedeke/go-macsign/pkg/errs"
)

// bundleExts are the directory extensions that count as a signable bundle.
var bundleExts = []string{".app", ".appex", ".systemextension"}

// nestedBundleExts are the bundle types signed recursively inside a parent.
var nestedBundleExts = []string{".app", ".appex"}

func hasExt(name string, exts []string) bool {
	for _, ext := range exts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// FindAppBundle finds the single bundle directory directly under dir or one
// level below it. Zero or several candidates are an UnknownAppDir error.
func FindAppBundle(dir string) (string, error) {
	var matches []string
	for _, ext := range bundleExts {
		for _, pattern := range []string{"*" + ext, filepath.Join("*", "*"+ext)} {
			found, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				return "", fmt.Errorf("failed to glob %s: %w", pattern, err)
			}
			for _, m := range found {
				if fi, err := os.Stat(m); err == nil && fi.IsDir() {
					matches = append(matches, m)
				}
			}
		}
	}
	sort.Strings(matches)

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", errs.New(errs.ErrUnknownAppDir, "no app bundle found in %s", dir)
	default:
		return "", errs.New(errs.ErrUnknownAppDir, "%d app bundles found in %s: %s",
			len(matches), dir, strings.Join(matches, ", "))
	}
}

// ResolveBundle fills in b.BundlePath and b.BundleName from its working
// directory. A Bundle that is already resolved is left untouched.
func ResolveBundle(b *bundle.Bundle) error {
	if b.BundlePath != "" {
		return nil
	}
	p, err := FindAppBundle(b.WorkingDir)
	if err != nil {
		return err
	}
	b.SetBundlePath(p)
	return nil
}

// infoPlistPath is the location of a macOS bundle's Info.plist, relative to
// the bundle root.
const infoPlistPath = "Contents/Info.plist"

func parseInfoPlist(data []byte) (map[string]interface{}, error) {
	var info map[string]interface{}
	_, err := plist.Unmarshal(data, &info)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plist: %w", err)
	}
	return info, nil
}

// BundleExecutable returns the bundle-relative path of the main executable
// named by CFBundleExecutable, e.g. "Contents/MacOS/firefox". A bundle
// without an Info.plist has no main executable and yields "".
func BundleExecutable(fsys fs.FS, bundleDir string) (string, error) {
	data, err := fs.ReadFile(fsys, path.Join(bundleDir, infoPlistPath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read Info.plist: %w", err)
	}

	info, err := parseInfoPlist(data)
	if err != nil {
		return "", err
	}

	execName, ok := info["CFBundleExecutable"].(string)
	if !ok || execName == "" {
		return "", nil
	}
	return path.Join("Contents", "MacOS", execName), nil
}

// GetAppBundleID reads CFBundleIdentifier from a bundle's Info.plist.
func GetAppBundleID(appPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(appPath, filepath.FromSlash(infoPlistPath)))
	if err != nil {
		return "", fmt.Errorf("failed to read Info.plist: %w", err)
	}

	info, err := parseInfoPlist(data)
	if err != nil {
		return "", err
	}

	bundleID, ok := info["CFBundleIdentifier"].(string)
	if !ok {
		return "", fmt.Errorf("CFBundleIdentifier not found in Info.plist")
	}

	return bundleID, nil
}
