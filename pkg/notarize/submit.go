package notarize

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aluedeke/go-macsign/pkg/bundle"
	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/errs"
	"github.com/aluedeke/go-macsign/pkg/tool"
)

// File names used for submissions.
const (
	zipName = "notarization.zip"
	logName = "notarization.log"
)

// Request is one outstanding notarization request.
type Request struct {
	UUID    string `json:"uuid"`
	LogPath string `json:"-"`
}

// Submitter uploads signed bundles for notarization.
type Submitter struct {
	Config *config.Signing
	Runner tool.Runner
	Logger *slog.Logger
	// Password is the notarization account password. It only ever reaches
	// a command line through tool.Argv.Secret.
	Password string
	// WorkDir holds the combined archive in single_zip mode.
	WorkDir string
	IDs     *BundleIDs
}

func (s *Submitter) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Submitter) retryPolicy() tool.RetryPolicy {
	return tool.RetryPolicy{Attempts: s.Config.RetryAttempts, Delay: s.Config.RetryDelay}
}

// removeStale deletes an archive left by an earlier run; zip -r adds to an
// existing archive.
func removeStale(zipPath string) error {
	if err := os.Remove(zipPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove stale %s: %w", zipPath, err)
	}
	return nil
}

// Submit submits bundles according to the configured notarization mode and
// returns the outstanding requests.
func (s *Submitter) Submit(ctx context.Context, bundles []*bundle.Bundle) ([]Request, error) {
	// One BundleIDs for the whole run, set up before any fan-out.
	if s.IDs == nil {
		s.IDs = &BundleIDs{Base: s.Config.BaseBundleID}
	}
	switch s.Config.NotarizeType {
	case config.SingleZip:
		req, err := s.submitSingleZip(ctx, bundles)
		if err != nil {
			return nil, err
		}
		return []Request{req}, nil
	case config.SingleAccount:
		return s.submitEach(ctx, bundles, nil)
	case config.MultiAccount:
		return s.submitEach(ctx, bundles, s.Config.LocalNotarizationAccounts)
	default:
		return nil, errs.Configf("unknown notarize_type %q", s.Config.NotarizeType)
	}
}

// Batches splits n items into consecutive batches of at most size.
func Batches(n, size int) [][]int {
	if size < 1 {
		size = 1
	}
	var out [][]int
	for start := 0; start < n; start += size {
		var batch []int
		for i := start; i < n && i < start+size; i++ {
			batch = append(batch, i)
		}
		out = append(out, batch)
	}
	return out
}

// submitEach zips every bundle on its own and submits them in batches the
// size of the account pool. Batch member i runs as accounts[i]; with no
// accounts the batches hold one bundle and no sudo is used.
func (s *Submitter) submitEach(ctx context.Context, bundles []*bundle.Bundle, accounts []string) ([]Request, error) {
	if err := tool.All(len(bundles), func(i int) error {
		return s.zipBundle(ctx, bundles[i])
	}); err != nil {
		return nil, err
	}

	size := len(accounts)
	if size == 0 {
		size = 1
	}
	reqs := make([]Request, len(bundles))
	for n, batch := range Batches(len(bundles), size) {
		s.logger().Info("submitting notarization batch", "batch", n, "bundles", len(batch))
		err := tool.All(len(batch), func(j int) error {
			i := batch[j]
			b := bundles[i]
			account := ""
			if accounts != nil {
				account = accounts[j]
			}
			b.NotarizationLogPath = filepath.Join(b.WorkingDir, logName)
			id, err := s.submitZip(ctx, b.ZipPath, b.NotarizationLogPath, account, i)
			if err != nil {
				return fmt.Errorf("failed to submit %s: %w", b, err)
			}
			reqs[i] = Request{UUID: id, LogPath: b.NotarizationLogPath}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return reqs, nil
}

// submitSingleZip archives every bundle and package into one zip, always
// with zip(1) because ditto takes a single source, and submits it once.
func (s *Submitter) submitSingleZip(ctx context.Context, bundles []*bundle.Bundle) (Request, error) {
	var rels []string
	for _, b := range bundles {
		for _, p := range []string{b.BundlePath, b.PackagePath} {
			if p == "" {
				continue
			}
			rel, err := filepath.Rel(s.WorkDir, p)
			if err != nil {
				return Request{}, fmt.Errorf("failed to relate %s to %s: %w", p, s.WorkDir, err)
			}
			rels = append(rels, rel)
		}
	}
	if len(rels) == 0 {
		return Request{}, fmt.Errorf("nothing to notarize")
	}

	zipPath := filepath.Join(s.WorkDir, zipName)
	logPath := filepath.Join(s.WorkDir, logName)
	if err := removeStale(zipPath); err != nil {
		return Request{}, err
	}
	cmd := tool.Command("zip", "-r", zipPath).Add(rels...).In(s.WorkDir)
	if err := s.Runner.Run(ctx, cmd); err != nil {
		return Request{}, err
	}
	for _, b := range bundles {
		b.ZipPath = zipPath
		b.NotarizationLogPath = logPath
	}

	id, err := s.submitZip(ctx, zipPath, logPath, "", -1)
	if err != nil {
		return Request{}, err
	}
	return Request{UUID: id, LogPath: logPath}, nil
}

// zipBundle archives the bundle, or its package when packages are built,
// into the Bundle's working directory.
func (s *Submitter) zipBundle(ctx context.Context, b *bundle.Bundle) error {
	src := b.BundlePath
	if s.Config.CreatePkg {
		src = b.PackagePath
	}
	if src == "" {
		return fmt.Errorf("nothing to notarize for %s", b)
	}
	b.ZipPath = filepath.Join(b.WorkingDir, zipName)
	if err := removeStale(b.ZipPath); err != nil {
		return err
	}

	var cmd *tool.Cmd
	if s.Config.ZipfileCmd == config.DittoTool {
		cmd = tool.Command("ditto", "-c", "-k", "--sequesterRsrc", "--keepParent", src, b.ZipPath).Cmd()
	} else {
		cmd = tool.Command("zip", "-r", b.ZipPath, filepath.Base(src)).In(filepath.Dir(src))
	}
	return s.Runner.Run(ctx, cmd)
}

// submitZip uploads one archive and scrapes the request id from its log.
// Error markers in the log stop the retries at once.
func (s *Submitter) submitZip(ctx context.Context, zipPath, logPath, account string, counter int) (string, error) {
	var a *tool.Argv
	if account != "" {
		a = tool.Command("sudo", "-u", account, "xcrun", "altool")
	} else {
		a = tool.Command("xcrun", "altool")
	}
	a.Add("--notarize-app", "-f", zipPath,
		"--primary-bundle-id", s.IDs.Next(counter),
		"-u", s.Config.NotarizationUsername)
	a.AddIf(s.Config.AppleASCProvider != "", "--asc-provider", s.Config.AppleASCProvider)
	cmd := a.Add("--password").Secret(s.Password).LoggedTo(logPath)

	s.logger().Info("submitting for notarization", "cmd", cmd.String())
	var requestID string
	err := tool.Retry(ctx, s.retryPolicy(), s.logger(), "notarization submit", func(ctx context.Context) error {
		runErr := s.Runner.Run(ctx, cmd)
		text, readErr := os.ReadFile(logPath)
		if readErr == nil {
			if err := CheckErrors(string(text)); err != nil {
				return tool.Permanent(err)
			}
		}
		if runErr != nil {
			return runErr
		}
		if readErr != nil {
			return tool.Permanent(fmt.Errorf("failed to read notarization log: %w", readErr))
		}
		id, err := ParseRequestUUID(string(text))
		if err != nil {
			return tool.Permanent(err)
		}
		requestID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	s.logger().Info("notarization submitted", "uuid", requestID, "log", logPath)
	return requestID, nil
}
