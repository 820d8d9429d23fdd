// Package sign applies and verifies macOS code signatures. Non-darwin
// targets pass through unsigned; that is a valid state, not a failure.
package sign

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"fleetrel/internal/creds"
	"fleetrel/internal/toolchain"
	"fleetrel/internal/tools"
)

// Signing failure reasons.
var (
	ErrVerificationFailed = errors.New("post-sign verification failed")
	ErrSignFailed         = errors.New("codesign failed")
)

// Result describes the signing outcome for one artifact. A zero Verified
// with nil error means the target is out of signing scope (non-darwin).
type Result struct {
	Identity    string
	Timestamped bool
	Verified    bool
}

// Signer wraps the code-signing utility.
type Signer struct {
	Runner       tools.Runner
	CodesignPath string
	Log          *zap.Logger
}

// Sign signs the staged binary with hardened runtime and a secure timestamp,
// then runs a strict deep verification. An existing signature is removed
// first so re-signing is idempotent. Verification failure is fatal for the
// target: it indicates a toolchain or certificate problem that a retry
// cannot fix.
func (s *Signer) Sign(ctx context.Context, artifact toolchain.Artifact, c creds.Credentials) (Result, error) {
	if !artifact.Target.IsDarwin() {
		s.Log.Debug("signing skipped for non-darwin target", zap.String("platform", artifact.Target.Key))
		return Result{}, nil
	}

	if s.isSigned(ctx, artifact.Path) {
		s.Log.Info("removing existing signature", zap.String("path", artifact.Path))
		if _, err := s.Runner.Run(ctx, tools.Invocation{
			Binary: s.CodesignPath,
			Args:   []string{"--remove-signature", artifact.Path},
		}); err != nil {
			return Result{}, fmt.Errorf("%w: remove existing signature: %v", ErrSignFailed, err)
		}
	}

	s.Log.Info("signing", zap.String("platform", artifact.Target.Key), zap.String("identity", c.SigningIdentity))
	if _, err := s.Runner.Run(ctx, tools.Invocation{
		Binary: s.CodesignPath,
		Args: []string{
			"--sign", c.SigningIdentity,
			"--options", "runtime",
			"--timestamp",
			"--force",
			artifact.Path,
		},
	}); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSignFailed, err)
	}

	if _, err := s.Runner.Run(ctx, tools.Invocation{
		Binary: s.CodesignPath,
		Args:   []string{"--verify", "--deep", "--strict", artifact.Path},
	}); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	return Result{Identity: c.SigningIdentity, Timestamped: true, Verified: true}, nil
}

// isSigned probes for an existing signature. `codesign -d` exits nonzero for
// unsigned binaries, which is the expected case for a fresh build.
func (s *Signer) isSigned(ctx context.Context, path string) bool {
	res, err := s.Runner.Run(ctx, tools.Invocation{
		Binary: s.CodesignPath,
		Args:   []string{"--display", path},
	})
	if err != nil {
		return false
	}
	return !strings.Contains(res.Combined(), "not signed")
}
