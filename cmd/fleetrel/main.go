package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fleetrel/internal/archive"
	"fleetrel/internal/config"
	"fleetrel/internal/creds"
	"fleetrel/internal/journal"
	"fleetrel/internal/logging"
	"fleetrel/internal/notarize"
	"fleetrel/internal/pipeline"
	"fleetrel/internal/platform"
	"fleetrel/internal/release"
	"fleetrel/internal/sign"
	"fleetrel/internal/toolchain"
	"fleetrel/internal/tools"
)

var (
	// Global flags
	verbose bool
	cfgPath string

	// Release flags
	platformKey string
	allTargets  bool
	skipBuild   bool
	quick       bool
	doSign      bool
	doNotarize  bool
	doRelease   bool
	tag         string
	force       bool
	draft       bool
	prerelease  bool
	editors     []string
	dryRun      bool
	pushTag     bool
	jobs        int
	timeout     time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fleetrel",
	Short: "Release pipeline for the fleet-schema-gen binary",
	Long: `fleetrel builds, signs, attests, packages, and publishes the
fleet-schema-gen binary across the supported platform matrix
(darwin-arm64, darwin-x64, linux-arm64, linux-x64).

Each target runs its own build -> sign -> attest -> package sequence;
publishing joins all produced assets into a single release.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Run the release pipeline for the selected targets",
	Long: `Runs the full pipeline. Stage gating:
  --sign      code-sign darwin binaries (requires credentials)
  --notarize  submit signed darwin binaries for attestation
  --release   publish all produced assets to the release host

Exit codes: 0 all targets and publish succeeded, 1 one or more stages
failed, 3 credential load failed.`,
	RunE: runRelease,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the resolved plan without executing anything",
	RunE:  runPlan,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Report external tool discovery",
	Long: `Resolves every external tool the pipeline may invoke and reports
where each was found: an explicit override, PATH, or a well-known
install location.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "release.yaml", "path to the release configuration")

	for _, cmd := range []*cobra.Command{releaseCmd, planCmd} {
		cmd.Flags().StringVar(&platformKey, "platform", "", "target platform key (default: current host)")
		cmd.Flags().BoolVar(&allTargets, "all", false, "build the full platform matrix")
		cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "reuse previously staged binaries")
		cmd.Flags().BoolVar(&quick, "quick", false, "skip the pre-build clean (faster, stale timestamps)")
		cmd.Flags().BoolVar(&doSign, "sign", false, "code-sign darwin binaries")
		cmd.Flags().BoolVar(&doNotarize, "notarize", false, "submit darwin binaries for attestation")
		cmd.Flags().BoolVar(&doRelease, "release", false, "publish assets to the release host")
		cmd.Flags().StringVar(&tag, "tag", "", "release tag (default: v<version>)")
		cmd.Flags().BoolVar(&force, "force", false, "delete and recreate an existing release")
		cmd.Flags().BoolVar(&draft, "draft", false, "create the release as a draft")
		cmd.Flags().BoolVar(&prerelease, "prerelease", false, "mark the release as a prerelease")
		cmd.Flags().StringSliceVar(&editors, "editors", nil, "editor bundles to produce (zed, vscode, sublime)")
		cmd.Flags().BoolVar(&pushTag, "push-tag", false, "create and push the git tag before publishing")
		cmd.Flags().IntVar(&jobs, "jobs", 0, "bound on concurrent compiles (default: NumCPU)")
		cmd.Flags().DurationVar(&timeout, "timeout", 0, "attestation timeout (default: from config)")
	}
	releaseCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the resolved plan and exit")

	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(doctorCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		code := pipeline.ExitFailure
		if errors.Is(err, creds.ErrVaultUnreachable) || errors.Is(err, creds.ErrIdentityNotFound) {
			code = pipeline.ExitCredentials
		}
		os.Exit(code)
	}
}

func runRelease(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	opts, err := buildOptions(cfg)
	if err != nil {
		return err
	}

	if dryRun {
		return printPlan(cfg, opts)
	}

	pipe, cleanup, err := buildPipeline(cfg, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	sum, err := pipe.Run(ctx, opts)
	if err != nil {
		return err
	}
	if sum.ExitCode != pipeline.ExitOK {
		_ = logger.Sync()
		os.Exit(sum.ExitCode)
	}
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	opts, err := buildOptions(cfg)
	if err != nil {
		return err
	}
	return printPlan(cfg, opts)
}

// printPlan renders the resolved plan without discovering tools or executing
// anything.
func printPlan(cfg *config.Config, opts pipeline.Options) error {
	pipe := &pipeline.Pipeline{Config: cfg, Log: logger}
	plan, err := pipe.Plan(opts)
	if err != nil {
		return err
	}
	fmt.Print(plan.Render())
	return nil
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	overrides := map[string]string{
		tools.Cargo:    cfg.Tools.Cargo,
		tools.Rustup:   cfg.Tools.Rustup,
		tools.Codesign: cfg.Tools.Codesign,
		tools.Notary:   cfg.Tools.Xcrun,
		tools.Strip:    cfg.Tools.Strip,
		tools.Gh:       cfg.Tools.Gh,
		tools.Git:      cfg.Tools.Git,
		tools.Op:       cfg.Tools.Op,
		tools.Minisign: cfg.Tools.Minisign,
	}
	names := []string{
		tools.Cargo, tools.Rustup, tools.Codesign, tools.Notary,
		tools.Strip, tools.Gh, tools.Git, tools.Op, tools.Minisign,
	}
	for _, name := range names {
		loc, err := tools.Discover(name, overrides[name])
		if err != nil {
			fmt.Printf("%-10s not found\n", name)
			continue
		}
		fmt.Printf("%-10s %s (%s)\n", name, loc.Path, loc.Source)
	}
	return nil
}

// buildOptions maps flags plus config onto pipeline options.
func buildOptions(cfg *config.Config) (pipeline.Options, error) {
	selector := platformKey
	if allTargets {
		if platformKey != "" {
			return pipeline.Options{}, fmt.Errorf("--all and --platform are mutually exclusive")
		}
		selector = platform.SelectorAll
	}

	attestTimeout := timeout
	if attestTimeout == 0 {
		d, err := cfg.NotaryTimeout()
		if err != nil {
			return pipeline.Options{}, err
		}
		attestTimeout = d
	}

	bundleEditors := editors
	if bundleEditors == nil {
		bundleEditors = cfg.Editors
	}

	jobBound := jobs
	if jobBound == 0 {
		jobBound = cfg.Jobs
	}

	return pipeline.Options{
		Selector:   selector,
		SkipBuild:  skipBuild,
		Quick:      quick,
		Sign:       doSign,
		Notarize:   doNotarize,
		Release:    doRelease,
		Tag:        tag,
		Force:      force,
		Draft:      draft,
		Prerelease: prerelease,
		PushTag:    pushTag,
		Editors:    bundleEditors,
		Jobs:       jobBound,
		Timeout:    attestTimeout,
	}, nil
}

// buildPipeline discovers external tools and wires the stage implementations.
// Tools for gated-off stages are not required to exist.
func buildPipeline(cfg *config.Config, opts pipeline.Options) (*pipeline.Pipeline, func(), error) {
	runner := tools.NewExecRunner()

	cargo, err := tools.Discover(tools.Cargo, cfg.Tools.Cargo)
	if err != nil && !opts.SkipBuild {
		return nil, nil, err
	}
	rustup, _ := tools.Discover(tools.Rustup, cfg.Tools.Rustup)
	strip, err := tools.Discover(tools.Strip, cfg.Tools.Strip)
	if err != nil {
		return nil, nil, err
	}

	pipe := &pipeline.Pipeline{
		Config: cfg,
		Builder: &toolchain.Builder{
			Runner:     runner,
			CargoPath:  cargo.Path,
			RustupPath: rustup.Path,
			CratePath:  cfg.CratePath,
			StagingDir: cfg.StagingDir,
			BinaryName: cfg.BinaryName,
			Version:    cfg.Version,
			Log:        logger,
		},
		Packager: &archive.Packager{
			Runner:            runner,
			StripPath:         strip.Path,
			OutDir:            cfg.StagingDir,
			BinaryName:        cfg.BinaryName,
			MinisignSecretKey: cfg.Minisign.SecretKey,
			MinisignPublicKey: cfg.Minisign.PublicKey,
			Log:               logger,
		},
		Log: logger,
	}

	if cfg.Minisign.SecretKey != "" {
		minisign, err := tools.Discover(tools.Minisign, cfg.Tools.Minisign)
		if err != nil {
			return nil, nil, err
		}
		pipe.Packager.MinisignPath = minisign.Path
	}

	if opts.Sign || opts.Notarize {
		codesign, err := tools.Discover(tools.Codesign, cfg.Tools.Codesign)
		if err != nil {
			return nil, nil, err
		}
		xcrun, err := tools.Discover(tools.Notary, cfg.Tools.Xcrun)
		if err != nil {
			return nil, nil, err
		}
		op, err := tools.Discover(tools.Op, cfg.Tools.Op)
		if err != nil {
			return nil, nil, err
		}

		pipe.Signer = &sign.Signer{Runner: runner, CodesignPath: codesign.Path, Log: logger}
		pipe.Attestor = &notarize.Attestor{
			Client: &notarize.NotarytoolClient{Runner: runner, XcrunPath: xcrun.Path},
			Staple: cfg.Notary.Staple,
			Log:    logger,
		}
		pipe.Creds = creds.Cached(&creds.StoreProvider{
			Store: &creds.OpStore{
				Runner:  runner,
				OpPath:  op.Path,
				Account: cfg.Secrets.Account,
			},
			Checker:          &creds.SecurityChecker{Runner: runner},
			Vault:            cfg.Secrets.Vault,
			Item:             cfg.Secrets.Item,
			FallbackIdentity: cfg.Signing.Identity,
		})
	}

	cleanup := func() {}
	if opts.Release {
		gh, err := tools.Discover(tools.Gh, cfg.Tools.Gh)
		if err != nil {
			return nil, nil, err
		}
		git, err := tools.Discover(tools.Git, cfg.Tools.Git)
		if err != nil {
			return nil, nil, err
		}
		pipe.Publisher = &release.Publisher{
			Host:   &release.GhHost{Runner: runner, GhPath: gh.Path, Repo: cfg.Repo},
			Tagger: &release.Tagger{Runner: runner, GitPath: git.Path, Dir: cfg.CratePath},
			Log:    logger,
		}
	}

	if opts.Notarize {
		j, err := journal.Open(filepath.Join(cfg.StagingDir, "submissions.db"))
		if err != nil {
			logger.Warn("submission journal unavailable", zap.Error(err))
		} else {
			pipe.Journal = j
			cleanup = func() { _ = j.Close() }
		}
	}

	return pipe, cleanup, nil
}
