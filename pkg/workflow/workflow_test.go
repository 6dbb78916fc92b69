package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/aluedeke/go-macsign/pkg/bundle"
	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/errs"
	"github.com/aluedeke/go-macsign/pkg/keychain"
	"github.com/aluedeke/go-macsign/pkg/notarize"
	"github.com/aluedeke/go-macsign/pkg/tool"
	"github.com/aluedeke/go-macsign/pkg/tool/tooltest"
)

const infoPlist = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
	<key>CFBundleExecutable</key>
	<string>firefox</string>
</dict>
</plist>`

func writeFile(path, data string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(data), 0o644)
}

// fakeMac plays the macOS tools: extraction produces an app bundle, archive
// and package tools produce their output files, and the notarization tool
// accepts everything.
func fakeMac(cmd *tool.Cmd) tooltest.Result {
	last := cmd.Args[len(cmd.Args)-1]
	switch {
	case tooltest.HasPrefix(cmd, "tar", "xf"):
		return tooltest.Result{Do: func(cmd *tool.Cmd) error {
			app := filepath.Join(last, "Firefox.app", "Contents")
			for name, data := range map[string]string{
				"Info.plist":         infoPlist,
				"MacOS/firefox":      "main",
				"MacOS/libxul.dylib": "xul",
			} {
				if err := writeFile(filepath.Join(app, filepath.FromSlash(name)), data); err != nil {
					return err
				}
			}
			return nil
		}}
	case tooltest.HasPrefix(cmd, "tar"):
		return tooltest.Result{Do: func(cmd *tool.Cmd) error { return writeFile(cmd.Args[2], "tar") }}
	case tooltest.HasPrefix(cmd, "productsign"):
		return tooltest.Result{Do: func(*tool.Cmd) error { return writeFile(last, "xar!") }}
	case tooltest.Contains(cmd, "--notarize-app"):
		return tooltest.Result{Output: "RequestUUID = " + uuid.NewString() + "\n"}
	case tooltest.Contains(cmd, "--notarization-info"):
		return tooltest.Result{Output: "Status: success\n"}
	}
	return tooltest.Result{}
}

type fixture struct {
	work, art string
	runner    *tooltest.Runner
	pipeline  *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{work: t.TempDir(), art: t.TempDir(), runner: &tooltest.Runner{Handler: fakeMac}}
	cfg := &config.Signing{
		Identity:                  "0123456789ABCDEF",
		Keychain:                  "/k/signing.keychain",
		BaseBundleID:              "org.mozilla.firefox",
		NotarizationUsername:      "release@example.com",
		LocalNotarizationAccounts: []string{"notary0", "notary1"},
		NotarizeType:              config.MultiAccount,
		ZipfileCmd:                config.ZipTool,
		SignDirs:                  config.DefaultSignDirs,
		ConcurrencyLimit:          2,
		RetryAttempts:             1,
	}
	f.pipeline = &Pipeline{
		Config:      cfg,
		WorkDir:     f.work,
		ArtifactDir: f.art,
		Runner:      f.runner,
		Keychain:    &keychain.Session{Path: cfg.Keychain, Password: "pw", Runner: f.runner},
	}
	return f
}

func macTask(behavior string) *Task {
	return &Task{
		Behavior: behavior,
		UpstreamArtifacts: []bundle.UpstreamArtifact{{
			TaskID:  "abc",
			Paths:   []string{"public/build/a/target.tar.gz", "public/build/b/target.tar.gz"},
			Formats: []string{bundle.FormatMacApp},
		}},
	}
}

// index returns the position of the first call starting with prefix, or -1.
func index(calls []*tool.Cmd, prefix ...string) int {
	for i, c := range calls {
		if tooltest.HasPrefix(c, prefix...) {
			return i
		}
	}
	return -1
}

func lastIndex(calls []*tool.Cmd, prefix ...string) int {
	for i := len(calls) - 1; i >= 0; i-- {
		if tooltest.HasPrefix(calls[i], prefix...) {
			return i
		}
	}
	return -1
}

func TestSignWorkflowEndToEnd(t *testing.T) {
	f := newFixture(t)
	if err := f.pipeline.Run(context.Background(), macTask(BehaviorSign)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, out := range []string{"a", "b"} {
		target := filepath.Join(f.art, "public", "build", out, "target.tar.gz")
		if _, err := os.Stat(target); err != nil {
			t.Errorf("missing output %s: %v", target, err)
		}
	}
	if n := len(f.runner.Matching("tar", "czf")); n != 2 {
		t.Errorf("repackage calls = %d, want 2", n)
	}
	for _, name := range []string{"pkgbuild", "productbuild", "productsign", "xcrun", "sudo", "zip", "ditto"} {
		if n := len(f.runner.Matching(name)); n != 0 {
			t.Errorf("%s ran %d times in the sign workflow", name, n)
		}
	}

	calls := f.runner.Calls()
	for _, wd := range []string{"0", "1"} {
		app := filepath.Join(f.work, wd, "Firefox.app")
		var sealed bool
		for _, c := range f.runner.Matching("codesign") {
			if c.Args[len(c.Args)-1] == app {
				sealed = true
			}
		}
		if !sealed {
			t.Errorf("bundle %s was not signed", app)
		}
	}
	if unlock := index(calls, "security", "unlock-keychain"); unlock < 0 || unlock > index(calls, "codesign") {
		t.Errorf("keychain not unlocked before signing")
	}
	if lastIndex(calls, "codesign") > index(calls, "tar", "czf") {
		t.Errorf("repackaging started before signing finished")
	}
}

func TestNotarizeWorkflow(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Config.CreatePkg = true
	f.pipeline.Config.PkgCertID = "Developer ID Installer"
	if err := f.pipeline.Run(context.Background(), macTask(BehaviorNotarize)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	calls := f.runner.Calls()
	order := []int{
		lastIndex(calls, "codesign"),
		index(calls, "pkgbuild"),
		lastIndex(calls, "productsign"),
		index(calls, "sudo"),
		index(calls, "xcrun", "altool", "--notarization-info"),
		index(calls, "xcrun", "stapler"),
		index(calls, "tar", "czf"),
	}
	for i := 1; i < len(order); i++ {
		if order[i] < 0 || order[i] < order[i-1] {
			t.Fatalf("stages out of order: %v", order)
		}
	}
	if n := len(f.runner.Matching("xcrun", "stapler", "staple")); n != 4 {
		t.Errorf("staple calls = %d, want app and package of two bundles", n)
	}
	if n := len(f.runner.Matching("security", "unlock-keychain")); n != 2 {
		t.Errorf("keychain unlocked %d times, want once per signing stage", n)
	}
	for _, out := range []string{"a", "b"} {
		for _, name := range []string{"target.tar.gz", "target.pkg"} {
			target := filepath.Join(f.art, "public", "build", out, name)
			if _, err := os.Stat(target); err != nil {
				t.Errorf("missing output %s: %v", target, err)
			}
		}
	}
}

func TestNotarizeSubmitOnlyWritesManifest(t *testing.T) {
	f := newFixture(t)
	if err := f.pipeline.Run(context.Background(), macTask(BehaviorNotarizeSubmit)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	uuids, err := notarize.ReadManifest(filepath.Join(f.art, "public", "uuid_manifest.json"))
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}
	if len(uuids) != 2 {
		t.Errorf("manifest uuids = %v, want 2", uuids)
	}
	if n := len(f.runner.Matching("xcrun", "stapler")); n != 0 {
		t.Errorf("submit-only workflow stapled %d times", n)
	}
	if n := len(f.runner.Matching("tar", "czf")); n != 2 {
		t.Errorf("repackage calls = %d, want 2", n)
	}
}

func TestNotarizeStapleOnly(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Config.CreatePkg = true
	task := macTask(BehaviorNotarizeStaple)
	task.UpstreamArtifacts = append(task.UpstreamArtifacts, bundle.UpstreamArtifact{
		TaskID:  "abc",
		Paths:   []string{"public/build/de.langpack.xpi"},
		Formats: []string{bundle.FormatLangpack},
	})
	cot := filepath.Join(f.work, "cot", "abc", "public", "build")
	for _, name := range []string{"a/target.pkg", "b/target.pkg", "de.langpack.xpi"} {
		if err := writeFile(filepath.Join(cot, filepath.FromSlash(name)), name); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.pipeline.Run(context.Background(), task); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if n := len(f.runner.Matching("codesign")); n != 0 {
		t.Errorf("staple-only workflow signed %d times", n)
	}
	if n := len(f.runner.Matching("xcrun", "stapler", "staple")); n != 4 {
		t.Errorf("staple calls = %d, want 4", n)
	}
	for _, out := range []string{"a/target.tar.gz", "a/target.pkg", "b/target.pkg", "de.langpack.xpi"} {
		target := filepath.Join(f.art, "public", "build", filepath.FromSlash(out))
		if _, err := os.Stat(target); err != nil {
			t.Errorf("missing output %s: %v", target, err)
		}
	}
}

func TestNotarizeStapleOnlyMissingPackage(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Config.CreatePkg = true
	err := f.pipeline.Run(context.Background(), macTask(BehaviorNotarizeStaple))
	if !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("Run error = %v, want configuration error", err)
	}
}

func TestSingleFileWorkflow(t *testing.T) {
	f := newFixture(t)
	task := macTask(BehaviorSingleFile)
	task.SingleFileGlobs = []string{"Firefox.app/Contents/MacOS/*"}
	if err := f.pipeline.Run(context.Background(), task); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	signs := f.runner.Matching("codesign")
	if len(signs) != 4 {
		t.Fatalf("codesign calls = %d, want two files in each of two bundles", len(signs))
	}
	for _, c := range signs {
		if strings.HasSuffix(c.Args[len(c.Args)-1], ".app") {
			t.Errorf("single file mode signed a bundle: %s", c)
		}
	}
	if n := len(f.runner.Matching("tar", "czf")); n != 2 {
		t.Errorf("repackage calls = %d, want 2", n)
	}
}

type fakeLangpacks struct {
	mu   sync.Mutex
	seen []string
}

func (f *fakeLangpacks) SignLangpacks(_ context.Context, langpacks []*bundle.Bundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, lp := range langpacks {
		f.seen = append(f.seen, lp.OriginPath)
	}
	return nil
}

type fakeWidevine struct {
	mu       sync.Mutex
	resolved []string
}

func (f *fakeWidevine) SignWidevine(_ context.Context, b *bundle.Bundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, b.BundlePath)
	return nil
}

func TestLangpackRouting(t *testing.T) {
	task := macTask(BehaviorSign)
	task.UpstreamArtifacts = append(task.UpstreamArtifacts, bundle.UpstreamArtifact{
		TaskID:  "abc",
		Paths:   []string{"public/build/fr.langpack.xpi"},
		Formats: []string{bundle.FormatLangpack},
	})

	f := newFixture(t)
	err := f.pipeline.Run(context.Background(), task)
	if !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("Run without langpack signer = %v, want configuration error", err)
	}
	if n := len(f.runner.Calls()); n != 0 {
		t.Errorf("%d tools ran before the configuration error", n)
	}

	f = newFixture(t)
	lp := &fakeLangpacks{}
	f.pipeline.Langpacks = lp
	if err := f.pipeline.Run(context.Background(), task); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(lp.seen) != 1 || !strings.HasSuffix(lp.seen[0], "fr.langpack.xpi") {
		t.Errorf("langpacks = %v", lp.seen)
	}
	if n := len(f.runner.Matching("tar", "xf")); n != 2 {
		t.Errorf("extractions = %d, want the langpack kept out of the bundle pipeline", n)
	}
}

func TestWidevineCollaborator(t *testing.T) {
	f := newFixture(t)
	wv := &fakeWidevine{}
	f.pipeline.Widevine = wv
	task := macTask(BehaviorSign)
	task.UpstreamArtifacts[0].Formats = append(task.UpstreamArtifacts[0].Formats, bundle.FormatWidevine)
	if err := f.pipeline.Run(context.Background(), task); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(wv.resolved) != 2 {
		t.Fatalf("widevine calls = %d, want 2", len(wv.resolved))
	}
	for _, p := range wv.resolved {
		if !strings.HasSuffix(p, "Firefox.app") {
			t.Errorf("widevine got unresolved bundle %q", p)
		}
	}
}

func TestUnknownBehavior(t *testing.T) {
	f := newFixture(t)
	err := f.pipeline.Run(context.Background(), macTask("mac_everything"))
	if !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("Run error = %v, want configuration error", err)
	}
}

func TestLoadTask(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.json")
	data := `{
  "behavior": "notarize",
  "signing_key": "release",
  "upstreamArtifacts": [
    {"taskId": "abc", "paths": ["public/build/target.dmg"], "formats": ["macapp"]}
  ]
}`
	if err := writeFile(path, data); err != nil {
		t.Fatal(err)
	}
	task, err := LoadTask(path)
	if err != nil {
		t.Fatalf("LoadTask failed: %v", err)
	}
	if task.Behavior != BehaviorNotarize || task.SigningKey != "release" {
		t.Errorf("task = %+v", task)
	}
	if len(task.UpstreamArtifacts) != 1 || task.UpstreamArtifacts[0].TaskID != "abc" {
		t.Errorf("upstream = %+v", task.UpstreamArtifacts)
	}

	if err := writeFile(path, "{"); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTask(path); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("LoadTask(bad) = %v, want configuration error", err)
	}
}
