// Package config loads the per-signing-key Signing Configuration file and the
// runtime settings taken from the environment.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aluedeke/go-macsign/pkg/errs"
)

// Notarization modes.
const (
	MultiAccount  = "multi_account"
	SingleAccount = "single_account"
	SingleZip     = "single_zip"
)

// Zip tools used to build notarization submissions.
const (
	ZipTool   = "zip"
	DittoTool = "ditto"
)

// Defaults applied to fields left empty in the file.
const (
	DefaultConcurrencyLimit = 4
	DefaultPollTimeout      = 30 * time.Minute
	DefaultPollInterval     = 15 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = 5 * time.Second
)

// DefaultSignDirs are the top-level Contents directories descended into when
// sign_dirs is not set.
var DefaultSignDirs = []string{"MacOS", "Library"}

// Signing is the immutable configuration for one signing key.
type Signing struct {
	Identity              string `yaml:"identity"`
	Keychain              string `yaml:"keychain"`
	DesignatedRequirement string `yaml:"designated_requirement"`
	SubjectOU             string `yaml:"subject_ou"`
	IdentityP12           string `yaml:"identity_p12"`

	BaseBundleID              string   `yaml:"base_bundle_id"`
	NotarizationUsername      string   `yaml:"notarization_username"`
	AppleASCProvider          string   `yaml:"apple_asc_provider"`
	LocalNotarizationAccounts []string `yaml:"local_notarization_accounts"`
	NotarizeType              string   `yaml:"notarize_type"`
	ZipfileCmd                string   `yaml:"zipfile_cmd"`

	SignDirs             []string `yaml:"sign_dirs"`
	SkipDirs             []string `yaml:"skip_dirs"`
	SignWithEntitlements bool     `yaml:"sign_with_entitlements"`
	EntitlementsExempt   []string `yaml:"entitlements_exempt"`
	VerifyMacSignature   bool     `yaml:"verify_mac_signature"`
	ProvisioningProfile  string   `yaml:"provisioning_profile"`

	CreatePkg bool   `yaml:"create_pkg"`
	PkgCertID string `yaml:"pkg_cert_id"`

	ConcurrencyLimit         int           `yaml:"concurrency_limit"`
	NotarizationPollTimeout  time.Duration `yaml:"notarization_poll_timeout"`
	NotarizationPollInterval time.Duration `yaml:"notarization_poll_interval"`
	RetryAttempts            int           `yaml:"retry_attempts"`
	RetryDelay               time.Duration `yaml:"retry_delay"`
}

// File models the configuration file: one Signing entry per key name.
type File struct {
	Keys map[string]*Signing `yaml:"keys"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a configuration file.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, err, "failed to parse signing config")
	}
	if len(f.Keys) == 0 {
		return nil, errs.Configf("signing config defines no keys")
	}
	for name, s := range f.Keys {
		if s == nil {
			return nil, errs.Configf("signing key %q is empty", name)
		}
		s.applyDefaults()
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("signing key %q: %w", name, err)
		}
	}
	return &f, nil
}

// Key returns the configuration for the named signing key.
func (f *File) Key(name string) (*Signing, error) {
	s, ok := f.Keys[name]
	if !ok {
		return nil, errs.Configf("unknown signing key %q", name)
	}
	return s, nil
}

func (s *Signing) applyDefaults() {
	if s.NotarizeType == "" {
		s.NotarizeType = MultiAccount
	}
	if s.ZipfileCmd == "" {
		s.ZipfileCmd = ZipTool
	}
	if len(s.SignDirs) == 0 {
		s.SignDirs = append([]string(nil), DefaultSignDirs...)
	}
	if s.ConcurrencyLimit == 0 {
		s.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if s.NotarizationPollTimeout == 0 {
		s.NotarizationPollTimeout = DefaultPollTimeout
	}
	if s.NotarizationPollInterval == 0 {
		s.NotarizationPollInterval = DefaultPollInterval
	}
	if s.RetryAttempts == 0 {
		s.RetryAttempts = DefaultRetryAttempts
	}
	if s.RetryDelay == 0 {
		s.RetryDelay = DefaultRetryDelay
	}
}

// Validate reports a configuration error for inconsistent settings.
func (s *Signing) Validate() error {
	if s.Identity == "" {
		return errs.Configf("identity is required")
	}
	if s.Keychain == "" {
		return errs.Configf("keychain is required")
	}
	switch s.NotarizeType {
	case MultiAccount:
		if len(s.LocalNotarizationAccounts) == 0 {
			return errs.Configf("notarize_type %s needs local_notarization_accounts", MultiAccount)
		}
	case SingleAccount, SingleZip:
	default:
		return errs.Configf("unknown notarize_type %q", s.NotarizeType)
	}
	switch s.ZipfileCmd {
	case ZipTool, DittoTool:
	default:
		return errs.Configf("unknown zipfile_cmd %q", s.ZipfileCmd)
	}
	if s.CreatePkg && s.PkgCertID == "" {
		return errs.Configf("create_pkg needs pkg_cert_id")
	}
	if s.ConcurrencyLimit < 1 {
		return errs.Configf("concurrency_limit must be positive, got %d", s.ConcurrencyLimit)
	}
	if s.RetryAttempts < 1 {
		return errs.Configf("retry_attempts must be positive, got %d", s.RetryAttempts)
	}
	if s.NotarizationPollTimeout < 0 || s.NotarizationPollInterval < 0 || s.RetryDelay < 0 {
		return errs.Configf("durations must not be negative")
	}
	for _, pattern := range s.EntitlementsExempt {
		if _, err := path.Match(pattern, ""); err != nil {
			return errs.Wrap(errs.ErrConfiguration, err, "bad entitlements_exempt pattern %q", pattern)
		}
	}
	if _, err := s.requirementTemplate(); err != nil {
		return err
	}
	return nil
}

// AccountPoolSize is the number of submissions that may run at once.
func (s *Signing) AccountPoolSize() int {
	if s.NotarizeType == MultiAccount {
		return len(s.LocalNotarizationAccounts)
	}
	return 1
}

// ShouldSkipDir reports whether a directory named name is pruned everywhere.
func (s *Signing) ShouldSkipDir(name string) bool {
	for _, d := range s.SkipDirs {
		if d == name {
			return true
		}
	}
	return false
}

// ShouldSignDir reports whether a top-level Contents directory is descended into.
func (s *Signing) ShouldSignDir(name string) bool {
	for _, d := range s.SignDirs {
		if d == name {
			return true
		}
	}
	return false
}

// EntitlementsExempted reports whether a file with basename name is signed
// without entitlements even when entitlements are enabled.
func (s *Signing) EntitlementsExempted(name string) bool {
	for _, pattern := range s.EntitlementsExempt {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func (s *Signing) requirementTemplate() (*template.Template, error) {
	t, err := template.New("requirement").Option("missingkey=error").Parse(s.DesignatedRequirement)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, err, "bad designated_requirement template")
	}
	return t, nil
}

// Requirement renders the designated requirement passed to codesign.
func (s *Signing) Requirement() (string, error) {
	if s.DesignatedRequirement == "" {
		return "", nil
	}
	t, err := s.requirementTemplate()
	if err != nil {
		return "", err
	}
	var b bytes.Buffer
	data := struct{ Identity, SubjectOU string }{s.Identity, s.SubjectOU}
	if err := t.Execute(&b, data); err != nil {
		return "", errs.Wrap(errs.ErrConfiguration, err, "failed to render designated_requirement")
	}
	return b.String(), nil
}

// WithSubjectOU returns a copy of s with SubjectOU replaced.
func (s *Signing) WithSubjectOU(ou string) *Signing {
	c := *s
	c.SubjectOU = ou
	return &c
}
