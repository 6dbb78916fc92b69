package bundle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/aluedeke/go-macsign/pkg/errs"
	"github.com/aluedeke/go-macsign/pkg/tool"
	"github.com/aluedeke/go-macsign/pkg/tool/tooltest"
)

func TestTargetArchivePath(t *testing.T) {
	tests := []struct {
		rel    string
		prefix string
		want   string
	}{
		{"public/build/en-US/target.dmg", "public/", "out/public/build/en-US/target.tar.gz"},
		{"public/build/target.zip", "public/", "out/public/build/target.tar.gz"},
		{"public/build/target.tgz", "public/", "out/public/build/target.tar.gz"},
		{"public/build/target.tar.gz", "public/", "out/public/build/target.tar.gz"},
		{"public/build/target.tar.bz2", "public/", "out/public/build/target.tar.bz2"},
		{"releng/partner/acme/v1/target.dmg", "releng/partner/", "out/releng/partner/acme/v1/target.tar.gz"},
	}
	for _, tt := range tests {
		got, err := TargetArchivePath("out", tt.prefix, tt.rel)
		if err != nil {
			t.Fatalf("TargetArchivePath(%q) failed: %v", tt.rel, err)
		}
		if got != filepath.FromSlash(tt.want) {
			t.Errorf("TargetArchivePath(%q) = %q, want %q", tt.rel, got, tt.want)
		}
	}
}

func TestTargetPackagePath(t *testing.T) {
	got, err := TargetPackagePath("out", "public/", "public/build/en-US/target.dmg")
	if err != nil {
		t.Fatalf("TargetPackagePath failed: %v", err)
	}
	if want := filepath.FromSlash("out/public/build/en-US/target.pkg"); got != want {
		t.Errorf("TargetPackagePath = %q, want %q", got, want)
	}
}

func TestTargetArchivePathUnknownExt(t *testing.T) {
	_, err := TargetArchivePath("out", "public/", "public/build/target.exe")
	if !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("error = %v, want configuration error", err)
	}
}

func TestRegistryBuild(t *testing.T) {
	r := &Registry{WorkDir: "/work", ArtifactDir: "/out"}
	set, err := r.Build([]UpstreamArtifact{
		{TaskID: "abc", Paths: []string{"public/build/target.dmg", "public/build/de/target.dmg"}, Formats: []string{FormatMacApp}},
		{TaskID: "lp", Paths: []string{"public/build/de/target.langpack.xpi"}, Formats: []string{FormatLangpack}},
	}, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(set.Bundles) != 2 || len(set.Langpacks) != 1 {
		t.Fatalf("got %d bundles, %d langpacks; want 2, 1", len(set.Bundles), len(set.Langpacks))
	}

	b := set.Bundles[1]
	want := &Bundle{
		OriginPath:        filepath.FromSlash("/work/cot/abc/public/build/de/target.dmg"),
		WorkingDir:        filepath.FromSlash("/work/1"),
		TargetArchivePath: filepath.FromSlash("/out/public/build/de/target.tar.gz"),
		TargetPackagePath: filepath.FromSlash("/out/public/build/de/target.pkg"),
		Formats:           []string{FormatMacApp},
		ArtifactPrefix:    "public/",
	}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("bundle mismatch (-want +got):\n%s", diff)
	}

	lp := set.Langpacks[0]
	if lp.WorkingDir != "" {
		t.Errorf("langpack got a working dir: %s", lp.WorkingDir)
	}
	if want := filepath.FromSlash("/out/public/build/de/target.langpack.xpi"); lp.TargetArchivePath != want {
		t.Errorf("langpack target = %q, want %q", lp.TargetArchivePath, want)
	}
}

func TestRegistryWorkDirContainsPrefix(t *testing.T) {
	r := &Registry{WorkDir: "/builds/public/work", ArtifactDir: "out"}
	set, err := r.Build([]UpstreamArtifact{
		{TaskID: "t", Paths: []string{"public/build/en-US/target.dmg"}, Formats: []string{FormatMacApp}},
		{TaskID: "t", Paths: []string{"public/build/en-US/target.langpack.xpi"}, Formats: []string{FormatLangpack}},
	}, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	b := set.Bundles[0]
	if want := filepath.FromSlash("/builds/public/work/cot/t/public/build/en-US/target.dmg"); b.OriginPath != want {
		t.Errorf("OriginPath = %q, want %q", b.OriginPath, want)
	}
	if want := filepath.FromSlash("out/public/build/en-US/target.tar.gz"); b.TargetArchivePath != want {
		t.Errorf("TargetArchivePath = %q, want %q", b.TargetArchivePath, want)
	}
	if want := filepath.FromSlash("out/public/build/en-US/target.pkg"); b.TargetPackagePath != want {
		t.Errorf("TargetPackagePath = %q, want %q", b.TargetPackagePath, want)
	}
	if want := filepath.FromSlash("out/public/build/en-US/target.langpack.xpi"); set.Langpacks[0].TargetArchivePath != want {
		t.Errorf("langpack target = %q, want %q", set.Langpacks[0].TargetArchivePath, want)
	}
}

func TestTargetPathOutsidePrefix(t *testing.T) {
	_, err := TargetPath("out", "public/", "releng/partner/target.dmg")
	if !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("error = %v, want configuration error", err)
	}
}

func TestRegistryUnknownPrefix(t *testing.T) {
	r := &Registry{WorkDir: "/work", ArtifactDir: "/out"}
	_, err := r.Build([]UpstreamArtifact{{TaskID: "abc", Paths: []string{"secret/target.dmg"}}}, nil)
	if !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("error = %v, want configuration error", err)
	}
}

func TestSetBundlePathIdempotent(t *testing.T) {
	b := &Bundle{}
	if !b.SetBundlePath("/w/0/Firefox.app") {
		t.Fatal("first SetBundlePath did not apply")
	}
	if b.SetBundlePath("/w/0/Other.app") {
		t.Error("second SetBundlePath overwrote the path")
	}
	if b.BundleName != "Firefox.app" {
		t.Errorf("BundleName = %q, want Firefox.app", b.BundleName)
	}
}

func TestPackagePathFor(t *testing.T) {
	for in, want := range map[string]string{
		"/w/Firefox.app":         "/w/Firefox.pkg",
		"/w/Ext.appex":           "/w/Ext.pkg",
		"/w/Net.systemextension": "/w/Net.pkg",
	} {
		if got := PackagePathFor(in); got != want {
			t.Errorf("PackagePathFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractDispatch(t *testing.T) {
	work := t.TempDir()
	runner := &tooltest.Runner{}
	e := &Extractor{Runner: runner, MountDir: work}

	stale := filepath.Join(work, "0")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stale, "leftover"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	bundles := []*Bundle{
		{OriginPath: "/in/a.tar.gz", WorkingDir: filepath.Join(work, "0")},
		{OriginPath: "/in/b.zip", WorkingDir: filepath.Join(work, "1")},
		{OriginPath: "/in/c.dmg", WorkingDir: filepath.Join(work, "2")},
	}
	if err := e.ExtractAll(context.Background(), bundles); err != nil {
		t.Fatalf("ExtractAll failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(stale, "leftover")); !os.IsNotExist(err) {
		t.Error("stale working dir was not cleared")
	}
	if n := len(runner.Matching("tar", "xf", "/in/a.tar.gz")); n != 1 {
		t.Errorf("tar calls = %d, want 1", n)
	}
	if n := len(runner.Matching("unzip", "-o", "-q", "/in/b.zip")); n != 1 {
		t.Errorf("unzip calls = %d, want 1", n)
	}
	attach := runner.Matching("hdiutil", "attach")
	if len(attach) != 1 {
		t.Fatalf("hdiutil attach calls = %d, want 1", len(attach))
	}
	if !tooltest.Contains(attach[0], filepath.Join(work, "mnt1")) {
		t.Errorf("attach does not use a counter mount point: %v", attach[0].Args)
	}
	if n := len(runner.Matching("hdiutil", "detach")); n != 1 {
		t.Errorf("hdiutil detach calls = %d, want 1", n)
	}
}

func TestExtractRemovesApplicationsLink(t *testing.T) {
	work := t.TempDir()
	wd := filepath.Join(work, "0")
	runner := &tooltest.Runner{Handler: func(cmd *tool.Cmd) tooltest.Result {
		if tooltest.HasPrefix(cmd, "cp") {
			return tooltest.Result{Do: func(*tool.Cmd) error {
				return os.Symlink("/Applications", filepath.Join(wd, "Applications"))
			}}
		}
		return tooltest.Result{}
	}}
	e := &Extractor{Runner: runner, MountDir: work}
	if err := e.ExtractAll(context.Background(), []*Bundle{{OriginPath: "/in/c.dmg", WorkingDir: wd}}); err != nil {
		t.Fatalf("ExtractAll failed: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(wd, "Applications")); !os.IsNotExist(err) {
		t.Error("Applications link was not removed")
	}
}

func TestExtractAggregatesFailures(t *testing.T) {
	work := t.TempDir()
	runner := &tooltest.Runner{Handler: func(cmd *tool.Cmd) tooltest.Result {
		if tooltest.Contains(cmd, "bad") {
			return tooltest.Result{ExitCode: 2, Output: "corrupt"}
		}
		return tooltest.Result{}
	}}
	e := &Extractor{Runner: runner, MountDir: work}
	bundles := []*Bundle{
		{OriginPath: "/in/bad.tar.gz", WorkingDir: filepath.Join(work, "0")},
		{OriginPath: "/in/good.tar.gz", WorkingDir: filepath.Join(work, "1")},
		{OriginPath: "/in/weird.rar", WorkingDir: filepath.Join(work, "2")},
	}
	err := e.ExtractAll(context.Background(), bundles)
	if !errors.Is(err, errs.ErrToolInvocation) || !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("ExtractAll error = %v, want tool and configuration errors", err)
	}
	if n := len(runner.Matching("tar", "xf", "/in/good.tar.gz")); n != 1 {
		t.Errorf("sibling extraction did not run")
	}
}

func TestRepackage(t *testing.T) {
	work := t.TempDir()
	wd := filepath.Join(work, "0")
	if err := os.MkdirAll(filepath.Join(wd, "Firefox.app", "Contents"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{".VolumeIcon.icns", "Firefox.pkg", ComponentPkg} {
		if err := os.WriteFile(filepath.Join(wd, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	target := filepath.Join(work, "out", "public", "target.tar.gz")
	b := &Bundle{WorkingDir: wd, TargetArchivePath: target}
	b.SetBundlePath(filepath.Join(wd, "Firefox.app"))
	b.SetPackagePath(filepath.Join(wd, "Firefox.pkg"))

	runner := &tooltest.Runner{}
	r := &Repackager{Runner: runner}
	if err := r.Repackage(context.Background(), b); err != nil {
		t.Fatalf("Repackage failed: %v", err)
	}
	calls := runner.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	want := []string{"tar", "czf", target, ".VolumeIcon.icns", "Firefox.app"}
	if diff := cmp.Diff(want, calls[0].Args); diff != "" {
		t.Errorf("tar argv mismatch (-want +got):\n%s", diff)
	}
	if calls[0].Dir != wd {
		t.Errorf("tar dir = %q, want %q", calls[0].Dir, wd)
	}
	if _, err := os.Stat(filepath.Dir(target)); err != nil {
		t.Errorf("output directory not created: %v", err)
	}
}

func TestRepackageNestedBundle(t *testing.T) {
	work := t.TempDir()
	wd := filepath.Join(work, "0")
	if err := os.MkdirAll(filepath.Join(wd, "firefox", "Firefox.app", "Contents"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"README.txt", "notarization.zip", filepath.Join("firefox", "Firefox.pkg")} {
		if err := os.WriteFile(filepath.Join(wd, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	target := filepath.Join(work, "out", "public", "target.tar.gz")
	b := &Bundle{WorkingDir: wd, TargetArchivePath: target, ZipPath: filepath.Join(wd, "notarization.zip")}
	b.SetBundlePath(filepath.Join(wd, "firefox", "Firefox.app"))
	b.SetPackagePath(filepath.Join(wd, "firefox", "Firefox.pkg"))

	runner := &tooltest.Runner{}
	r := &Repackager{Runner: runner}
	if err := r.Repackage(context.Background(), b); err != nil {
		t.Fatalf("Repackage failed: %v", err)
	}
	calls := runner.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	want := []string{"tar", "czf", target, "--exclude", "firefox/Firefox.pkg", "README.txt", "firefox"}
	if diff := cmp.Diff(want, calls[0].Args); diff != "" {
		t.Errorf("tar argv mismatch (-want +got):\n%s", diff)
	}
	if calls[0].Dir != wd {
		t.Errorf("tar dir = %q, want the working dir %q", calls[0].Dir, wd)
	}
}

func TestCopyPackageAndXpis(t *testing.T) {
	work := t.TempDir()
	pkg := filepath.Join(work, "Firefox.pkg")
	if err := os.WriteFile(pkg, []byte("xar!"), 0o644); err != nil {
		t.Fatal(err)
	}
	xpi := filepath.Join(work, "de.xpi")
	if err := os.WriteFile(xpi, []byte("PK"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := &Repackager{Runner: &tooltest.Runner{}}
	b := &Bundle{TargetPackagePath: filepath.Join(work, "out", "a", "target.pkg")}
	b.SetPackagePath(pkg)
	if err := r.CopyPackages([]*Bundle{b}); err != nil {
		t.Fatalf("CopyPackages failed: %v", err)
	}
	lp := &Bundle{OriginPath: xpi, TargetArchivePath: filepath.Join(work, "out", "b", "de.xpi")}
	if err := r.CopyXpis([]*Bundle{lp}); err != nil {
		t.Fatalf("CopyXpis failed: %v", err)
	}

	for path, want := range map[string]string{b.TargetPackagePath: "xar!", lp.TargetArchivePath: "PK"} {
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}

	if err := r.CopyPackage(&Bundle{OriginPath: "x"}); err == nil || !strings.Contains(err.Error(), "no package") {
		t.Errorf("CopyPackage without package = %v, want error", err)
	}
}
