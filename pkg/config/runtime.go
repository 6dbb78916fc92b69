package config

import (
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/aluedeke/go-macsign/pkg/errs"
)

// Runtime holds the per-invocation settings read from the environment.
// Secrets are only ever read from here, never from the configuration file.
type Runtime struct {
	WorkDir     string `env:"MACSIGN_WORK_DIR"`
	ArtifactDir string `env:"MACSIGN_ARTIFACT_DIR"`
	ConfigPath  string `env:"MACSIGN_CONFIG"`
	SigningKey  string `env:"MACSIGN_SIGNING_KEY"`
	LogLevel    string `env:"MACSIGN_LOG_LEVEL" envDefault:"info"`

	KeychainPassword     string `env:"MACSIGN_KEYCHAIN_PASSWORD"`
	NotarizationPassword string `env:"MACSIGN_NOTARIZATION_PASSWORD"`
	P12Password          string `env:"MACSIGN_P12_PASSWORD"`
}

// ParseRuntime reads the runtime settings from environ (os.Environ() form).
func ParseRuntime(environ []string) (*Runtime, error) {
	var r Runtime
	err := env.ParseWithOptions(&r, env.Options{
		Environment: env.ToMap(environ),
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, err, "failed to parse environment")
	}
	return &r, nil
}

// Validate checks that the settings needed to run a task are present.
func (r *Runtime) Validate() error {
	var missing []string
	if r.WorkDir == "" {
		missing = append(missing, "work dir")
	}
	if r.ArtifactDir == "" {
		missing = append(missing, "artifact dir")
	}
	if r.ConfigPath == "" {
		missing = append(missing, "config")
	}
	if len(missing) > 0 {
		return errs.Configf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Level maps LogLevel to a slog level, defaulting to info.
func (r *Runtime) Level() slog.Level {
	switch strings.ToLower(r.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
