// Package toolchain drives the native cargo build per platform target.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"fleetrel/internal/platform"
	"fleetrel/internal/tools"
)

// Build failure reasons, matchable with errors.Is.
var (
	ErrToolchainMissing = errors.New("target toolchain not installed")
	ErrCompileFailed    = errors.New("compile failed")
)

// Artifact is the raw binary produced for one target. Stages that change
// bytes (strip, sign) operate on the staged file in place; the Artifact value
// itself is superseded, not mutated.
type Artifact struct {
	Target       platform.Target
	Path         string
	Version      string
	BuiltAtEpoch int64
}

// Options controls one build.
type Options struct {
	// Clean purges prior intermediate state for the target before compiling.
	// Skipping clean is faster but leaves the binary's embedded build
	// timestamp stale.
	Clean bool
}

// Builder compiles the crate in release mode and stages the binary under
// <staging>/<platformKey>/<binaryName>.
type Builder struct {
	Runner     tools.Runner
	CargoPath  string
	RustupPath string
	CratePath  string
	StagingDir string
	BinaryName string
	Version    string
	Log        *zap.Logger
}

// Build compiles for the target. A missing toolchain triggers exactly one
// `rustup target add` followed by one rebuild; any further failure is final.
func (b *Builder) Build(ctx context.Context, target platform.Target, opts Options) (Artifact, error) {
	if opts.Clean {
		if err := b.clean(ctx, target); err != nil {
			return Artifact{}, err
		}
	}

	err := b.compile(ctx, target)
	if errors.Is(err, ErrToolchainMissing) && b.RustupPath != "" {
		b.Log.Info("toolchain missing, installing target", zap.String("triple", target.Triple))
		if _, instErr := b.Runner.Run(ctx, tools.Invocation{
			Binary: b.RustupPath,
			Args:   []string{"target", "add", target.Triple},
		}); instErr != nil {
			return Artifact{}, fmt.Errorf("%w: install failed: %v", ErrToolchainMissing, instErr)
		}
		err = b.compile(ctx, target)
	}
	if err != nil {
		return Artifact{}, err
	}

	return b.stage(target)
}

func (b *Builder) clean(ctx context.Context, target platform.Target) error {
	_, err := b.Runner.Run(ctx, tools.Invocation{
		Binary: b.CargoPath,
		Args:   []string{"clean", "--release", "--target", target.Triple},
		Dir:    b.CratePath,
	})
	if err != nil {
		return fmt.Errorf("%w: clean: %v", ErrCompileFailed, err)
	}
	return nil
}

func (b *Builder) compile(ctx context.Context, target platform.Target) error {
	b.Log.Info("compiling", zap.String("platform", target.Key), zap.String("triple", target.Triple))
	res, err := b.Runner.Run(ctx, tools.Invocation{
		Binary: b.CargoPath,
		Args:   []string{"build", "--release", "--target", target.Triple},
		Dir:    b.CratePath,
	})
	if err != nil {
		if missingToolchain(res.Combined() + err.Error()) {
			return fmt.Errorf("%w: %s", ErrToolchainMissing, target.Triple)
		}
		return fmt.Errorf("%w: %v", ErrCompileFailed, err)
	}
	return nil
}

// missingToolchain recognizes the compiler messages emitted when the target's
// standard library is absent.
func missingToolchain(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "may not be installed") ||
		strings.Contains(lower, "target may not be supported") ||
		strings.Contains(lower, "rustup target add")
}

// stage copies the compiled binary into the per-target staging directory.
func (b *Builder) stage(target platform.Target) (Artifact, error) {
	src := filepath.Join(b.CratePath, "target", target.Triple, "release", b.BinaryName)
	data, err := os.ReadFile(src)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: built binary missing at %s: %v", ErrCompileFailed, src, err)
	}

	dir := filepath.Join(b.StagingDir, target.Key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("%w: staging dir: %v", ErrCompileFailed, err)
	}
	dst := filepath.Join(dir, b.BinaryName)
	if err := os.WriteFile(dst, data, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("%w: stage binary: %v", ErrCompileFailed, err)
	}

	return Artifact{
		Target:       target,
		Path:         dst,
		Version:      b.Version,
		BuiltAtEpoch: time.Now().Unix(),
	}, nil
}

// Staged returns the previously staged artifact for target without building.
// Its timestamp comes from the staged file, so staleness is still visible.
func (b *Builder) Staged(target platform.Target) (Artifact, error) {
	path := filepath.Join(b.StagingDir, target.Key, b.BinaryName)
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: no staged binary for %s: %v", ErrCompileFailed, target.Key, err)
	}
	return Artifact{
		Target:       target,
		Path:         path,
		Version:      b.Version,
		BuiltAtEpoch: info.ModTime().Unix(),
	}, nil
}

// StaleBy reports how stale the artifact is relative to the run start.
// Staleness is a warning surfaced in the run summary, never fatal.
func (a Artifact) StaleBy(runStart time.Time) time.Duration {
	built := time.Unix(a.BuiltAtEpoch, 0)
	if built.After(runStart) {
		return 0
	}
	return runStart.Sub(built)
}
