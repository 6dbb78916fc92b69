package workflow

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aluedeke/go-macsign/pkg/bundle"
	"github.com/aluedeke/go-macsign/pkg/errs"
)

// Behaviors select the workflow a task runs.
const (
	BehaviorSign           = "sign"
	BehaviorSignAndPkg     = "sign_and_pkg"
	BehaviorNotarize       = "notarize"
	BehaviorNotarizeSubmit = "notarize_1"
	BehaviorNotarizeStaple = "notarize_3"
	BehaviorSingleFile     = "single_file"
)

// Task is the decoded task description. Checking it against the task schema
// is the caller's job; only decoding happens here.
type Task struct {
	Behavior   string `json:"behavior"`
	SigningKey string `json:"signing_key"`
	// Entitlements is the path of the entitlements plist, if any.
	Entitlements      string                    `json:"entitlements"`
	SingleFileGlobs   []string                  `json:"single_file_globs"`
	UpstreamArtifacts []bundle.UpstreamArtifact `json:"upstreamArtifacts"`
}

// LoadTask reads a task file.
func LoadTask(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, err, "failed to read task")
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, err, "invalid task %s", path)
	}
	return &t, nil
}

// LangpackSigner signs language pack artifacts and writes each one to its
// TargetArchivePath.
type LangpackSigner interface {
	SignLangpacks(ctx context.Context, langpacks []*bundle.Bundle) error
}

// WidevineSigner applies the widevine and omni.ja signatures to an
// extracted bundle before it is code signed.
type WidevineSigner interface {
	SignWidevine(ctx context.Context, b *bundle.Bundle) error
}
