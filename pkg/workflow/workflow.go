// Package workflow composes the pipeline stages into the named workflows a
// task can request.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/jonboulle/clockwork"

	"github.com/aluedeke/go-macsign/pkg/bundle"
	"github.com/aluedeke/go-macsign/pkg/codesign"
	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/errs"
	"github.com/aluedeke/go-macsign/pkg/installer"
	"github.com/aluedeke/go-macsign/pkg/keychain"
	"github.com/aluedeke/go-macsign/pkg/notarize"
	"github.com/aluedeke/go-macsign/pkg/tool"
)

// Pipeline holds what every workflow needs. It carries no per-task state
// and may run several tasks one after another.
type Pipeline struct {
	Config      *config.Signing
	WorkDir     string
	ArtifactDir string
	Runner      tool.Runner
	Logger      *slog.Logger
	Keychain    *keychain.Session

	NotarizationPassword string
	Clock                clockwork.Clock

	// Optional collaborators, required only when a task carries matching
	// artifacts.
	Langpacks LangpackSigner
	Widevine  WidevineSigner
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// run is the state of one task.
type run struct {
	*Pipeline
	log          *slog.Logger
	task         *Task
	set          *bundle.Set
	entitlements string

	extractor *bundle.Extractor
	engine    *codesign.Engine
	builder   *installer.Builder
	repack    *bundle.Repackager
}

// Run executes the workflow named by task.Behavior.
func (p *Pipeline) Run(ctx context.Context, task *Task) error {
	logger := p.logger().With("behavior", task.Behavior)

	reg := &bundle.Registry{WorkDir: p.WorkDir, ArtifactDir: p.ArtifactDir}
	set, err := reg.Build(task.UpstreamArtifacts, task.SingleFileGlobs)
	if err != nil {
		return err
	}

	r := &run{
		Pipeline:  p,
		log:       logger,
		task:      task,
		set:       set,
		extractor: &bundle.Extractor{Runner: p.Runner, Logger: logger, MountDir: p.WorkDir},
		engine:    &codesign.Engine{Config: p.Config, Runner: p.Runner, Logger: logger},
		builder:   &installer.Builder{Config: p.Config, Runner: p.Runner, Logger: logger},
		repack:    &bundle.Repackager{Runner: p.Runner, Logger: logger},
	}
	logger.Info("starting workflow", "bundles", len(set.Bundles), "langpacks", len(set.Langpacks))

	switch task.Behavior {
	case BehaviorSign:
		err = r.sequence(ctx, r.sign, r.repackage)
	case BehaviorSignAndPkg:
		err = r.sequence(ctx, r.sign, r.pkg, r.repackage)
	case BehaviorNotarize:
		err = r.sequence(ctx, r.sign, r.pkg, r.notarize, r.repackage)
	case BehaviorNotarizeSubmit:
		err = r.sequence(ctx, r.sign, r.pkg, r.submitOnly, r.repackage)
	case BehaviorNotarizeStaple:
		err = r.sequence(ctx, r.locate, r.staple, r.repackage, r.copyXpis)
	case BehaviorSingleFile:
		err = r.sequence(ctx, r.singleFile, r.repackage)
	default:
		return errs.Configf("unknown behavior %q", task.Behavior)
	}
	if err != nil {
		return err
	}
	logger.Info("workflow finished")
	return nil
}

func (r *run) sequence(ctx context.Context, stages ...func(context.Context) error) error {
	for _, stage := range stages {
		if err := stage(ctx); err != nil {
			return err
		}
	}
	return nil
}

// prepareKeychain unlocks the keychain again; a previous unlock may have
// expired by now.
func (r *run) prepareKeychain(ctx context.Context) error {
	if r.Keychain == nil {
		return errs.Configf("no keychain session configured")
	}
	return r.Keychain.Prepare(ctx)
}

// loadEntitlements checks the task's entitlements and merges in the
// provisioning profile before anything is extracted.
func (r *run) loadEntitlements() error {
	if r.task.Entitlements == "" {
		return nil
	}
	path, err := codesign.WriteEffectiveEntitlements(r.WorkDir, r.task.Entitlements, r.Config.ProvisioningProfile)
	if err != nil {
		return err
	}
	r.entitlements = path
	return nil
}

func (r *run) signLangpacks(ctx context.Context) error {
	if len(r.set.Langpacks) == 0 {
		return nil
	}
	if r.Langpacks == nil {
		return errs.Configf("task has %d langpacks but no langpack signer", len(r.set.Langpacks))
	}
	return r.Langpacks.SignLangpacks(ctx, r.set.Langpacks)
}

func (r *run) signWidevine(ctx context.Context) error {
	var todo []*bundle.Bundle
	for _, b := range r.set.Bundles {
		if b.HasFormat(bundle.FormatWidevine) || b.HasFormat(bundle.FormatOmnija) {
			todo = append(todo, b)
		}
	}
	if len(todo) == 0 {
		return nil
	}
	if r.Widevine == nil {
		return errs.Configf("%d bundles need widevine signing but no widevine signer", len(todo))
	}
	return tool.All(len(todo), func(i int) error {
		if err := codesign.ResolveBundle(todo[i]); err != nil {
			return err
		}
		return r.Widevine.SignWidevine(ctx, todo[i])
	})
}

// sign is Extract, UnlockKeychain and Sign, with the collaborator signers
// run in between.
func (r *run) sign(ctx context.Context) error {
	if err := r.loadEntitlements(); err != nil {
		return err
	}
	if err := r.signLangpacks(ctx); err != nil {
		return err
	}
	if err := r.extractor.ExtractAll(ctx, r.set.Bundles); err != nil {
		return err
	}
	if err := r.signWidevine(ctx); err != nil {
		return err
	}
	if err := r.prepareKeychain(ctx); err != nil {
		return err
	}
	return r.engine.SignAll(ctx, r.set.Bundles, r.entitlements)
}

func (r *run) singleFile(ctx context.Context) error {
	if err := r.loadEntitlements(); err != nil {
		return err
	}
	if err := r.extractor.ExtractAll(ctx, r.set.Bundles); err != nil {
		return err
	}
	if err := r.prepareKeychain(ctx); err != nil {
		return err
	}
	return r.engine.SignSingleFiles(ctx, r.set.Bundles, r.entitlements)
}

func (r *run) pkg(ctx context.Context) error {
	if !r.Config.CreatePkg {
		return nil
	}
	if err := r.prepareKeychain(ctx); err != nil {
		return err
	}
	return r.builder.BuildAll(ctx, r.set.Bundles)
}

func (r *run) submitter() *notarize.Submitter {
	return &notarize.Submitter{
		Config:   r.Config,
		Runner:   r.Runner,
		Logger:   r.log,
		Password: r.NotarizationPassword,
		WorkDir:  r.WorkDir,
		IDs:      &notarize.BundleIDs{Base: r.Config.BaseBundleID, Clock: r.Clock},
	}
}

func (r *run) notarize(ctx context.Context) error {
	reqs, err := r.submitter().Submit(ctx, r.set.Bundles)
	if err != nil {
		return err
	}
	poller := &notarize.Poller{
		Config:   r.Config,
		Runner:   r.Runner,
		Logger:   r.log,
		Password: r.NotarizationPassword,
		Clock:    r.Clock,
	}
	if err := poller.PollAll(ctx, reqs); err != nil {
		return err
	}
	return r.staple(ctx)
}

func (r *run) submitOnly(ctx context.Context) error {
	reqs, err := r.submitter().Submit(ctx, r.set.Bundles)
	if err != nil {
		return err
	}
	path, err := notarize.WriteManifest(r.ArtifactDir, reqs)
	if err != nil {
		return err
	}
	r.log.Info("wrote uuid manifest", "path", path, "requests", len(reqs))
	return nil
}

func (r *run) staple(ctx context.Context) error {
	s := &notarize.Stapler{Config: r.Config, Runner: r.Runner, Logger: r.log}
	return s.StapleAll(ctx, r.set.Bundles)
}

// locate re-extracts the archives a submit-only task published and picks
// up the packages published next to them.
func (r *run) locate(ctx context.Context) error {
	if err := r.extractor.ExtractAll(ctx, r.set.Bundles); err != nil {
		return err
	}
	return tool.All(len(r.set.Bundles), func(i int) error {
		b := r.set.Bundles[i]
		if err := codesign.ResolveBundle(b); err != nil {
			return err
		}
		if !r.Config.CreatePkg {
			return nil
		}
		src := bundle.SiblingPackagePath(b.OriginPath)
		if _, err := os.Stat(src); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return errs.Configf("no package published for %s", b.OriginPath)
			}
			return fmt.Errorf("failed to stat %s: %w", src, err)
		}
		dst := bundle.PackagePathFor(b.BundlePath)
		if err := bundle.CopyFile(src, dst); err != nil {
			return err
		}
		b.SetPackagePath(dst)
		return nil
	})
}

func (r *run) repackage(ctx context.Context) error {
	if err := r.repack.RepackageAll(ctx, r.set.Bundles); err != nil {
		return err
	}
	if !r.Config.CreatePkg {
		return nil
	}
	return r.repack.CopyPackages(r.set.Bundles)
}

func (r *run) copyXpis(context.Context) error {
	return r.repack.CopyXpis(r.set.Langpacks)
}
