package codesign

import (
	"crypto/x509"
	"fmt"
	"os"

	gop12 "software.sslmate.com/src/go-pkcs12"

	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/errs"
)

// Identity is the public half of a signing identity exported as PKCS#12.
// The private key stays in the keychain; it is only decoded here to unlock
// the container.
type Identity struct {
	Certificate *x509.Certificate
	CertChain   []*x509.Certificate
	CommonName  string
	TeamID      string
}

// LoadIdentity decodes a PKCS#12 container and reports its leaf certificate.
func LoadIdentity(p12Data []byte, password string) (*Identity, error) {
	_, cert, caCerts, err := gop12.DecodeChain(p12Data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}

	// Build certificate chain from P12
	chain := []*x509.Certificate{cert}
	chain = append(chain, caCerts...)

	return &Identity{
		Certificate: cert,
		CertChain:   chain,
		CommonName:  cert.Subject.CommonName,
		TeamID:      extractTeamID(cert),
	}, nil
}

func extractTeamID(cert *x509.Certificate) string {
	// Team ID is typically in the Organizational Unit field
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 && isAlphanumeric(ou) { // Apple Team IDs are 10 characters
			return ou
		}
	}
	return ""
}

// isAlphanumeric checks if a string contains only upper case letters and digits
func isAlphanumeric(s string) bool {
	for _, r := range s {
		if !((r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// ResolveSubjectOU fills in cfg.SubjectOU from the identity_p12 certificate
// when the configuration does not set it. The returned configuration is a
// copy; cfg is never modified.
func ResolveSubjectOU(cfg *config.Signing, p12Password string) (*config.Signing, error) {
	if cfg.SubjectOU != "" || cfg.IdentityP12 == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(cfg.IdentityP12)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, err, "failed to read identity_p12")
	}
	id, err := LoadIdentity(data, p12Password)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, err, "bad identity_p12")
	}
	if id.TeamID == "" {
		return nil, errs.Configf("certificate %q carries no team identifier", id.CommonName)
	}
	return cfg.WithSubjectOU(id.TeamID), nil
}
