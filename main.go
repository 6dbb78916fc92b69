package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	charmlog "github.com/charmbracelet/log"
	"github.com/docopt/docopt-go"

	"github.com/aluedeke/go-macsign/pkg/codesign"
	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/errs"
	"github.com/aluedeke/go-macsign/pkg/keychain"
	"github.com/aluedeke/go-macsign/pkg/notarize"
	"github.com/aluedeke/go-macsign/pkg/tool"
	"github.com/aluedeke/go-macsign/pkg/workflow"
)

const version = "1.0.0"

const usage = `macsign - macOS signing, packaging and notarization pipeline

Signs .app bundles with codesign, builds signed installer packages, notarizes
them with Apple and staples the tickets, driven by a task description.

Usage:
  macsign run --task=<path> [--config=<path>] [--key=<name>] [--work-dir=<path>] [--artifact-dir=<path>]
  macsign inspect --app=<path>
  macsign scrape --log=<path> [--status]
  macsign scrape --manifest=<path>
  macsign -h | --help
  macsign --version

Commands:
  run       Run the workflow named by the task's behavior
  inspect   Show the code signature of a bundle's main executable or a Mach-O file
  scrape    Classify a notarization log, or list the uuids of a manifest

Options:
  --task=<path>          Task description (JSON)
  --config=<path>        Signing configuration file (or MACSIGN_CONFIG)
  --key=<name>           Signing key in the configuration (or MACSIGN_SIGNING_KEY, or the task's signing_key)
  --work-dir=<path>      Scratch directory holding the upstream artifacts under cot/ (or MACSIGN_WORK_DIR)
  --artifact-dir=<path>  Output directory (or MACSIGN_ARTIFACT_DIR)
  --app=<path>           Path to an .app bundle or a Mach-O binary
  --log=<path>           Notarization tool log file
  --status               Read the log as a status check instead of a submission
  --manifest=<path>      uuid manifest written by a notarize_1 task
  -h --help              Show this help message
  --version              Show version

Environment Variables:
  MACSIGN_KEYCHAIN_PASSWORD      Password of the signing keychain
  MACSIGN_NOTARIZATION_PASSWORD  Password of the notarization account
  MACSIGN_P12_PASSWORD           Password of identity_p12, when configured
  MACSIGN_LOG_LEVEL              debug, info, warn or error (default info)

Exit codes:
  0  success
  1  failure
  3  malformed task or configuration
  7  notarization throttled, retry later
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	rt, err := config.ParseRuntime(os.Environ())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errs.ExitCode(err))
	}
	setupLogging(rt.Level())

	if run, _ := opts.Bool("run"); run {
		err = runTask(opts, rt)
	} else if inspect, _ := opts.Bool("inspect"); inspect {
		err = runInspect(opts)
	} else if scrape, _ := opts.Bool("scrape"); scrape {
		err = runScrape(opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errs.ExitCode(err))
	}
}

func setupLogging(level slog.Level) {
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           charmlog.Level(level),
		ReportTimestamp: true,
	})
	slog.SetDefault(slog.New(handler))
}

func runTask(opts docopt.Opts, rt *config.Runtime) error {
	taskPath, _ := opts.String("--task")

	// Flags override the environment
	if v, _ := opts.String("--config"); v != "" {
		rt.ConfigPath = v
	}
	if v, _ := opts.String("--work-dir"); v != "" {
		rt.WorkDir = v
	}
	if v, _ := opts.String("--artifact-dir"); v != "" {
		rt.ArtifactDir = v
	}
	if err := rt.Validate(); err != nil {
		return err
	}

	task, err := workflow.LoadTask(taskPath)
	if err != nil {
		return err
	}
	key := rt.SigningKey
	if key == "" {
		key = task.SigningKey
	}
	if v, _ := opts.String("--key"); v != "" {
		key = v
	}

	file, err := config.Load(rt.ConfigPath)
	if err != nil {
		return err
	}
	cfg, err := file.Key(key)
	if err != nil {
		return err
	}
	cfg, err = codesign.ResolveSubjectOU(cfg, rt.P12Password)
	if err != nil {
		return err
	}

	logger := slog.Default().With("key", key)
	runner := &tool.ExecRunner{Logger: logger}
	pipeline := &workflow.Pipeline{
		Config:      cfg,
		WorkDir:     rt.WorkDir,
		ArtifactDir: rt.ArtifactDir,
		Runner:      runner,
		Logger:      logger,
		Keychain: &keychain.Session{
			Path:     cfg.Keychain,
			Password: rt.KeychainPassword,
			Runner:   runner,
			Logger:   logger,
		},
		NotarizationPassword: rt.NotarizationPassword,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return pipeline.Run(ctx, task)
}

func runInspect(opts docopt.Opts) error {
	path, _ := opts.String("--app")

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	binary := path
	if info.IsDir() {
		if bundleID, err := codesign.GetAppBundleID(path); err == nil {
			fmt.Printf("Bundle ID: %s\n", bundleID)
		}
		exe, err := codesign.BundleExecutable(os.DirFS(filepath.Dir(path)), filepath.Base(path))
		if err != nil {
			return err
		}
		if exe == "" {
			return fmt.Errorf("%s has no main executable", path)
		}
		binary = filepath.Join(path, filepath.FromSlash(exe))
	}

	sig, err := codesign.Inspect(binary)
	if err != nil {
		return err
	}
	codesign.PrintSignatureInfo(sig, os.Stdout)
	return nil
}

func runScrape(opts docopt.Opts) error {
	if manifest, _ := opts.String("--manifest"); manifest != "" {
		uuids, err := notarize.ReadManifest(manifest)
		if err != nil {
			return err
		}
		for _, u := range uuids {
			fmt.Println(u)
		}
		return nil
	}

	logPath, _ := opts.String("--log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		return fmt.Errorf("failed to read log: %w", err)
	}
	if status, _ := opts.Bool("--status"); status {
		if err := notarize.CheckErrors(string(data)); err != nil {
			return err
		}
		fmt.Printf("Status: %s\n", notarize.ParseStatus(string(data)))
		return nil
	}
	id, err := notarize.ParseRequestUUID(string(data))
	if err != nil {
		return err
	}
	fmt.Printf("RequestUUID: %s\n", id)
	return nil
}
