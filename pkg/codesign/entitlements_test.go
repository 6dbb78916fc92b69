package codesign

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aluedeke/go-macsign/pkg/errs"
)

const sampleEntitlements = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>com.apple.security.cs.allow-jit</key>
	<true/>
	<key>com.apple.security.device.audio-input</key>
	<true/>
</dict>
</plist>`

func TestParseEntitlementsXML(t *testing.T) {
	entitlements, err := ParseEntitlementsXML([]byte(sampleEntitlements))
	if err != nil {
		t.Fatalf("ParseEntitlementsXML failed: %v", err)
	}

	if entitlements["com.apple.security.cs.allow-jit"] != true {
		t.Errorf("Expected allow-jit to be true, got %v", entitlements["com.apple.security.cs.allow-jit"])
	}
	if len(entitlements) != 2 {
		t.Errorf("Expected 2 entitlements, got %d", len(entitlements))
	}
}

func TestLoadEntitlementsInvalid(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.plist")
	if err := os.WriteFile(bad, []byte("<plist><dict><key>x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadEntitlements(bad); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("LoadEntitlements(bad) = %v, want configuration error", err)
	}
	if _, err := LoadEntitlements(filepath.Join(dir, "missing.plist")); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("LoadEntitlements(missing) = %v, want configuration error", err)
	}
}

func TestMergeEntitlements(t *testing.T) {
	base := map[string]interface{}{
		"com.apple.application-identifier": "43AQ936H96.org.mozilla.firefox",
		"com.apple.security.cs.allow-jit":  false,
	}
	override := map[string]interface{}{
		"com.apple.security.cs.allow-jit": true,
	}

	merged := MergeEntitlements(base, override)
	if merged["com.apple.security.cs.allow-jit"] != true {
		t.Errorf("override did not win: %v", merged["com.apple.security.cs.allow-jit"])
	}
	if merged["com.apple.application-identifier"] != "43AQ936H96.org.mozilla.firefox" {
		t.Errorf("base entitlement lost")
	}
	if base["com.apple.security.cs.allow-jit"] != false {
		t.Errorf("MergeEntitlements modified its input")
	}
}

func TestWriteEffectiveEntitlementsWithoutProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "browser.entitlements.xml")
	if err := os.WriteFile(path, []byte(sampleEntitlements), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := WriteEffectiveEntitlements(dir, path, "")
	if err != nil {
		t.Fatalf("WriteEffectiveEntitlements failed: %v", err)
	}
	if got != path {
		t.Errorf("path = %q, want the task entitlements %q", got, path)
	}
}

func TestEntitlementsRoundTrip(t *testing.T) {
	in := map[string]interface{}{"com.apple.security.cs.disable-library-validation": true}
	data, err := EntitlementsToXML(in)
	if err != nil {
		t.Fatalf("EntitlementsToXML failed: %v", err)
	}
	out, err := ParseEntitlementsXML(data)
	if err != nil {
		t.Fatalf("ParseEntitlementsXML failed: %v", err)
	}
	if out["com.apple.security.cs.disable-library-validation"] != true {
		t.Errorf("entitlement lost: %v", out)
	}
}
