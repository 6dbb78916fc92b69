package notarize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aluedeke/go-macsign/pkg/bundle"
	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/tool"
)

// Stapler attaches notarization tickets to signed artifacts.
type Stapler struct {
	Config *config.Signing
	Runner tool.Runner
	Logger *slog.Logger
}

func (s *Stapler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// StapleAll staples every Bundle concurrently.
func (s *Stapler) StapleAll(ctx context.Context, bundles []*bundle.Bundle) error {
	return tool.All(len(bundles), func(i int) error {
		return s.Staple(ctx, bundles[i])
	})
}

// Staple staples the bundle and, when packages are built, its package.
func (s *Stapler) Staple(ctx context.Context, b *bundle.Bundle) error {
	targets := []string{b.BundlePath}
	if s.Config.CreatePkg {
		targets = append(targets, b.PackagePath)
	}
	policy := tool.RetryPolicy{Attempts: s.Config.RetryAttempts, Delay: s.Config.RetryDelay}
	for _, t := range targets {
		if t == "" {
			return fmt.Errorf("nothing to staple for %s", b)
		}
		cmd := tool.Command("xcrun", "stapler", "staple", filepath.Base(t)).In(filepath.Dir(t))
		s.logger().Info("stapling", "target", t)
		err := tool.Retry(ctx, policy, s.logger(), "staple "+filepath.Base(t), func(ctx context.Context) error {
			return s.Runner.Run(ctx, cmd)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ManifestPath is where the uuid manifest lands, relative to the artifact
// directory.
const ManifestPath = "public/uuid_manifest.json"

// WriteManifest records the request uuids as a JSON array so a later task
// can pick up the requests.
func WriteManifest(artifactDir string, reqs []Request) (string, error) {
	uuids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		uuids = append(uuids, r.UUID)
	}
	data, err := json.MarshalIndent(uuids, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode uuid manifest: %w", err)
	}
	path := filepath.Join(artifactDir, filepath.FromSlash(ManifestPath))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create manifest directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write uuid manifest: %w", err)
	}
	return path, nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read uuid manifest: %w", err)
	}
	var uuids []string
	if err := json.Unmarshal(data, &uuids); err != nil {
		return nil, fmt.Errorf("failed to parse uuid manifest: %w", err)
	}
	return uuids, nil
}
