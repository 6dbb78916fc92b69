package codesign

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"

	"github.com/aluedeke/go-macsign/pkg/errs"
)

// EmbeddedProfileName is where a macOS bundle carries its profile, relative
// to the bundle root.
const EmbeddedProfileName = "Contents/embedded.provisionprofile"

// ProvisioningProfile represents a parsed .provisionprofile file
type ProvisioningProfile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`
}

// ParseProvisioningProfile parses a provisioning profile
// The file is a CMS (PKCS#7) signed container with a plist payload
func ParseProvisioningProfile(data []byte) (*ProvisioningProfile, error) {
	// Parse the CMS/PKCS#7 container
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7 container: %w", err)
	}

	// The content is a plist
	var profile ProvisioningProfile
	_, err = plist.Unmarshal(p7.Content, &profile)
	if err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}

	return &profile, nil
}

// LoadProvisioningProfile reads, parses and checks the expiry of a profile.
// Every failure is a configuration error.
func LoadProvisioningProfile(path string) (*ProvisioningProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, err, "failed to read provisioning profile")
	}
	profile, err := ParseProvisioningProfile(data)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, err, "invalid provisioning profile %s", path)
	}
	if profile.IsExpired() {
		return nil, errs.Configf("provisioning profile %q expired on %s", profile.Name, profile.ExpirationDate.Format(time.DateOnly))
	}
	return profile, nil
}

// GetTeamID returns the team identifier from the profile
func (p *ProvisioningProfile) GetTeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// IsExpired checks if the provisioning profile has expired
func (p *ProvisioningProfile) IsExpired() bool {
	return time.Now().After(p.ExpirationDate)
}

// EmbedProvisioningProfile validates the profile at profilePath and copies it
// into appPath. When teamID is set the profile must belong to that team.
func EmbedProvisioningProfile(appPath, profilePath, teamID string) error {
	profile, err := LoadProvisioningProfile(profilePath)
	if err != nil {
		return err
	}
	if teamID != "" && profile.GetTeamID() != teamID {
		return errs.Configf("provisioning profile team %q does not match signing team %q", profile.GetTeamID(), teamID)
	}

	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to read provisioning profile: %w", err)
	}
	dst := filepath.Join(appPath, filepath.FromSlash(EmbeddedProfileName))
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", EmbeddedProfileName, err)
	}
	return nil
}
