// Package pipeline orchestrates the per-target release sequence
// Build → Sign → Attest → Package, then a single Publish join.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"fleetrel/internal/archive"
	"fleetrel/internal/config"
	"fleetrel/internal/creds"
	"fleetrel/internal/journal"
	"fleetrel/internal/notarize"
	"fleetrel/internal/platform"
	"fleetrel/internal/release"
	"fleetrel/internal/sign"
	"fleetrel/internal/toolchain"
)

// Process exit codes. Credential failures get their own code so automation
// can tell a vault problem from a build problem.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitCredentials = 3
)

// Stage names one step of a target's pipeline.
type Stage string

const (
	StageBuild   Stage = "build"
	StageSign    Stage = "sign"
	StageAttest  Stage = "attest"
	StagePackage Stage = "package"
)

// StageResult records one executed stage.
type StageResult struct {
	Stage Stage
	Err   error
}

// TargetOutcome is the terminal state of one target's pipeline. A failed
// stage stops later stages, except that an attestation failure still lets
// packaging run: the archive of a signed but unattested binary is usable.
type TargetOutcome struct {
	Target     platform.Target
	Stages     []StageResult
	Assets     []archive.Asset
	Signing    sign.Result
	Submission notarize.Submission
	Warnings   []string
	Err        error
}

// Succeeded reports whether every stage of this target completed.
func (o TargetOutcome) Succeeded() bool { return o.Err == nil }

// FailedStage names the first stage that errored, or "".
func (o TargetOutcome) FailedStage() Stage {
	for _, s := range o.Stages {
		if s.Err != nil {
			return s.Stage
		}
	}
	return ""
}

// Files lists every publishable file this target produced.
func (o TargetOutcome) Files() []string {
	var files []string
	for _, a := range o.Assets {
		files = append(files, a.Files()...)
	}
	return files
}

// Options select targets and gate stages for one run.
type Options struct {
	Selector   string // platform key, "all", or "" for the current host
	SkipBuild  bool   // reuse previously staged binaries
	Quick      bool   // skip the pre-build clean
	Sign       bool
	Notarize   bool
	Release    bool
	Tag        string // defaults to v<version>
	Force      bool
	Draft      bool
	Prerelease bool
	PushTag    bool
	Editors    []string
	Jobs       int // bound on concurrent compiles; 0 = NumCPU
	Timeout    time.Duration
}

// Pipeline wires the stage implementations together. All fields except
// Journal are required; a nil Journal disables submission bookkeeping.
type Pipeline struct {
	Config    *config.Config
	Builder   *toolchain.Builder
	Signer    *sign.Signer
	Attestor  *notarize.Attestor
	Packager  *archive.Packager
	Publisher *release.Publisher
	Creds     creds.Provider
	Journal   *journal.Journal
	Log       *zap.Logger
}

// Summary is the structured end-of-run report. It is emitted regardless of
// outcome; ExitCode is what the process should exit with.
type Summary struct {
	RunID     string
	Tag       string
	Outcomes  []TargetOutcome
	Published bool
	Record    release.Record
	Warnings  []string
	ExitCode  int
}

// Run executes the pipeline for the resolved target set. Per-target failures
// are recorded, never propagated to siblings; publish happens once, after
// every target reached a terminal state, and only if at least one succeeded.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Summary, error) {
	runID := uuid.NewString()
	runStart := time.Now()
	sum := Summary{RunID: runID, Tag: p.tag(opts)}

	targets, warnings, err := platform.Resolve(opts.Selector)
	if err != nil {
		sum.ExitCode = ExitFailure
		return sum, err
	}
	sum.Warnings = append(sum.Warnings, warnings...)
	if len(targets) == 0 {
		// An excluded selector resolves to nothing; building nothing is a
		// failed run, not a quiet success.
		sum.ExitCode = ExitFailure
		p.logSummary(sum)
		return sum, fmt.Errorf("selector %q resolved to no buildable targets", opts.Selector)
	}

	credentials, err := p.loadCredentials(ctx, targets, opts)
	if err != nil {
		sum.ExitCode = ExitCredentials
		return sum, err
	}

	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	buildSlots := semaphore.NewWeighted(int64(jobs))

	sum.Outcomes = make([]TargetOutcome, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			// Sibling isolation: outcomes carry their own errors.
			sum.Outcomes[i] = p.runTarget(gctx, target, credentials, opts, runID, runStart, buildSlots)
			return nil
		})
	}
	// Publish is a join point: every target must be terminal first.
	_ = g.Wait()

	anySucceeded := false
	for _, o := range sum.Outcomes {
		if o.Succeeded() {
			anySucceeded = true
		}
	}

	if opts.Release {
		switch {
		case !anySucceeded:
			sum.Warnings = append(sum.Warnings, "publish skipped: no target succeeded")
		default:
			var files []string
			for _, o := range sum.Outcomes {
				files = append(files, o.Files()...)
			}
			rec, err := p.Publisher.Publish(ctx, sum.Tag, files, release.Options{
				CreateOptions: release.CreateOptions{Draft: opts.Draft, Prerelease: opts.Prerelease},
				Force:         opts.Force,
				PushTag:       opts.PushTag,
			})
			if err != nil {
				sum.Warnings = append(sum.Warnings, fmt.Sprintf("publish failed: %v", err))
				sum.ExitCode = ExitFailure
				p.logSummary(sum)
				return sum, err
			}
			sum.Published = true
			sum.Record = rec
		}
	}

	sum.Warnings = append(sum.Warnings, p.orphanWarnings(sum.Tag, runID)...)

	for _, o := range sum.Outcomes {
		if !o.Succeeded() {
			sum.ExitCode = ExitFailure
		}
	}
	p.logSummary(sum)
	return sum, nil
}

// runTarget executes one target's stage sequence and returns its terminal
// outcome. Errors are recorded, never returned.
func (p *Pipeline) runTarget(ctx context.Context, target platform.Target, credentials creds.Credentials, opts Options, runID string, runStart time.Time, buildSlots *semaphore.Weighted) TargetOutcome {
	outcome := TargetOutcome{Target: target}
	log := p.Log.With(zap.String("platform", target.Key))

	artifact, err := p.buildStage(ctx, target, opts, buildSlots)
	outcome.Stages = append(outcome.Stages, StageResult{Stage: StageBuild, Err: err})
	if err != nil {
		log.Error("build failed", zap.Error(err))
		outcome.Err = err
		return outcome
	}
	if stale := artifact.StaleBy(runStart); stale > 0 {
		outcome.Warnings = append(outcome.Warnings,
			fmt.Sprintf("artifact predates this run by %s", stale.Round(time.Second)))
	}

	var sr sign.Result
	if opts.Sign && target.IsDarwin() {
		sr, err = p.Signer.Sign(ctx, artifact, credentials)
		outcome.Stages = append(outcome.Stages, StageResult{Stage: StageSign, Err: err})
		outcome.Signing = sr
		if err != nil {
			log.Error("signing failed", zap.Error(err))
			outcome.Err = err
			return outcome
		}
	}

	if opts.Notarize && target.IsDarwin() {
		sub, warns, err := p.Attestor.Attest(ctx, artifact, sr, credentials, opts.Timeout)
		outcome.Stages = append(outcome.Stages, StageResult{Stage: StageAttest, Err: err})
		outcome.Submission = sub
		outcome.Warnings = append(outcome.Warnings, warns...)
		p.journalSubmission(runID, opts, target, sub)
		if err != nil {
			log.Error("attestation failed", zap.String("status", sub.Status.String()), zap.Error(err))
			// The signed binary is still packaged; only this target's
			// overall outcome is failed.
			outcome.Err = err
			if errors.Is(err, sign.ErrVerificationFailed) {
				return outcome
			}
		}
	}

	assets, err := p.Packager.Package(ctx, artifact, opts.Editors)
	outcome.Stages = append(outcome.Stages, StageResult{Stage: StagePackage, Err: err})
	if err != nil {
		log.Error("packaging failed", zap.Error(err))
		outcome.Err = err
		return outcome
	}
	outcome.Assets = assets

	log.Info("target pipeline finished",
		zap.Int("assets", len(assets)),
		zap.Bool("succeeded", outcome.Err == nil))
	return outcome
}

func (p *Pipeline) buildStage(ctx context.Context, target platform.Target, opts Options, slots *semaphore.Weighted) (toolchain.Artifact, error) {
	if opts.SkipBuild {
		return p.Builder.Staged(target)
	}
	// Compiles share toolchain caches and saturate cores; bound them.
	if err := slots.Acquire(ctx, 1); err != nil {
		return toolchain.Artifact{}, fmt.Errorf("%w: %v", toolchain.ErrCompileFailed, err)
	}
	defer slots.Release(1)
	return p.Builder.Build(ctx, target, toolchain.Options{Clean: !opts.Quick})
}

// loadCredentials reads the secret store once, and only when some target
// will actually sign or attest.
func (p *Pipeline) loadCredentials(ctx context.Context, targets []platform.Target, opts Options) (creds.Credentials, error) {
	if !opts.Sign && !opts.Notarize {
		return creds.Credentials{}, nil
	}
	anyDarwin := false
	for _, t := range targets {
		if t.IsDarwin() {
			anyDarwin = true
		}
	}
	if !anyDarwin {
		return creds.Credentials{}, nil
	}

	c, err := p.Creds.Load(ctx)
	if err != nil {
		return creds.Credentials{}, err
	}
	p.Log.Info("credentials loaded", zap.Object("credentials", c))
	return c, nil
}

// journalSubmission records the submission best-effort; journal failures
// never fail the pipeline.
func (p *Pipeline) journalSubmission(runID string, opts Options, target platform.Target, sub notarize.Submission) {
	if p.Journal == nil || sub.ID == "" {
		return
	}
	if err := p.Journal.Record(runID, p.tag(opts), target.Key, sub.ID); err != nil {
		p.Log.Debug("journal record failed", zap.Error(err))
		return
	}
	if sub.Status.Terminal() {
		if err := p.Journal.MarkTerminal(sub.ID, sub.Status.String()); err != nil {
			p.Log.Debug("journal update failed", zap.Error(err))
		}
	}
}

// orphanWarnings surfaces pending submissions left behind by earlier runs.
// Remote attestation is at-least-once: a timed-out submission may still be
// in flight server-side.
func (p *Pipeline) orphanWarnings(tag, runID string) []string {
	if p.Journal == nil {
		return nil
	}
	entries, err := p.Journal.Orphans(tag, runID)
	if err != nil {
		p.Log.Debug("journal orphan query failed", zap.Error(err))
		return nil
	}
	var warnings []string
	for _, e := range entries {
		warnings = append(warnings, fmt.Sprintf(
			"submission %s (%s) from run %s is still pending on the attestation service",
			e.SubmissionID, e.PlatformKey, e.RunID))
	}
	return warnings
}

func (p *Pipeline) tag(opts Options) string {
	if opts.Tag != "" {
		return opts.Tag
	}
	return "v" + p.Config.Version
}

func (p *Pipeline) logSummary(sum Summary) {
	for _, o := range sum.Outcomes {
		fields := []zap.Field{
			zap.String("platform", o.Target.Key),
			zap.Bool("succeeded", o.Succeeded()),
		}
		if stage := o.FailedStage(); stage != "" {
			fields = append(fields, zap.String("failed_stage", string(stage)), zap.Error(o.Err))
		}
		if len(o.Warnings) > 0 {
			fields = append(fields, zap.Strings("warnings", o.Warnings))
		}
		p.Log.Info("target outcome", fields...)
	}
	p.Log.Info("run summary",
		zap.String("run_id", sum.RunID),
		zap.String("tag", sum.Tag),
		zap.Bool("published", sum.Published),
		zap.Strings("warnings", sum.Warnings),
		zap.Int("exit_code", sum.ExitCode))
}
