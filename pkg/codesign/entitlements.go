package codesign

import (
	"fmt"
	"os"
	"path/filepath"

	"howett.net/plist"

	"github.com/aluedeke/go-macsign/pkg/errs"
)

// ParseEntitlementsXML parses XML plist entitlements into a map
func ParseEntitlementsXML(data []byte) (map[string]interface{}, error) {
	var entitlements map[string]interface{}
	_, err := plist.Unmarshal(data, &entitlements)
	if err != nil {
		return nil, fmt.Errorf("failed to parse entitlements XML: %w", err)
	}
	return entitlements, nil
}

// LoadEntitlements reads and parses an entitlements file. A file that cannot
// be parsed is a configuration error, so a bad file is caught before any
// codesign run.
func LoadEntitlements(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, err, "failed to read entitlements")
	}
	ent, err := ParseEntitlementsXML(data)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, err, "invalid entitlements %s", path)
	}
	if ent == nil {
		return nil, errs.Configf("entitlements %s is not a dictionary", path)
	}
	return ent, nil
}

// EntitlementsToXML converts entitlements map to XML plist bytes
func EntitlementsToXML(entitlements map[string]interface{}) ([]byte, error) {
	data, err := plist.MarshalIndent(entitlements, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements to XML: %w", err)
	}
	return data, nil
}

// MergeEntitlements merges override entitlements into base entitlements
// Override values take precedence
func MergeEntitlements(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{})

	// Copy base entitlements
	for k, v := range base {
		merged[k] = v
	}

	// Apply overrides
	for k, v := range override {
		merged[k] = v
	}

	return merged
}

// WriteEffectiveEntitlements writes the task entitlements, merged over the
// provisioning profile's entitlements when one is configured, into dir and
// returns the path of the written file.
func WriteEffectiveEntitlements(dir, taskEntitlements, profilePath string) (string, error) {
	ent, err := LoadEntitlements(taskEntitlements)
	if err != nil {
		return "", err
	}
	if profilePath == "" {
		return taskEntitlements, nil
	}

	profile, err := LoadProvisioningProfile(profilePath)
	if err != nil {
		return "", err
	}
	merged := MergeEntitlements(profile.Entitlements, ent)

	data, err := EntitlementsToXML(merged)
	if err != nil {
		return "", err
	}
	out := filepath.Join(dir, "entitlements.plist")
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write entitlements: %w", err)
	}
	return out, nil
}
