// Package notarize submits signed macOS artifacts to the remote trust
// service and waits for a terminal verdict.
package notarize

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"fleetrel/internal/creds"
	"fleetrel/internal/sign"
	"fleetrel/internal/toolchain"
)

// Attestation failure reasons.
var (
	ErrTimeout      = errors.New("attestation timed out")
	ErrRejected     = errors.New("attestation rejected")
	ErrSubmitFailed = errors.New("attestation submission failed")
)

// ErrUnverifiedArtifact is a signing-domain error: attestation was requested
// for an artifact without a verified signature. It is deliberately not an
// attestation error, since the defect is upstream.
var ErrUnverifiedArtifact = fmt.Errorf("%w: attestation requires a verified signature", sign.ErrVerificationFailed)

// Client is the trust-service boundary.
type Client interface {
	Submit(ctx context.Context, archivePath string, c creds.Credentials) (string, error)
	Poll(ctx context.Context, id string, c creds.Credentials) (Status, error)
	FetchLog(ctx context.Context, id string, c creds.Credentials) (string, error)
	Staple(ctx context.Context, path string) error
}

// Attestor drives one artifact through submission, polling, and stapling.
type Attestor struct {
	Client       Client
	Log          *zap.Logger
	Staple       bool          // staple the ticket after acceptance
	PollInterval time.Duration // initial poll interval; doubles up to PollMax
	PollMax      time.Duration
}

const (
	defaultPollInterval = 5 * time.Second
	defaultPollMax      = time.Minute
)

// Attest submits the signed artifact and blocks until the service reports a
// terminal status or the timeout elapses. The remote job is not cancelled on
// timeout: submission is at-least-once and the verdict may still land
// server-side after we stop waiting.
//
// The returned warnings carry soft conditions (stapling unsupported for bare
// executables) that must not fail the target.
func (a *Attestor) Attest(ctx context.Context, artifact toolchain.Artifact, sr sign.Result, c creds.Credentials, timeout time.Duration) (Submission, []string, error) {
	if !sr.Verified {
		return Submission{}, nil, ErrUnverifiedArtifact
	}

	transport, err := transportArchive(artifact)
	if err != nil {
		return Submission{}, nil, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}
	// The transport archive exists solely for submission; the distributable
	// asset is packaged separately.
	defer os.Remove(transport)

	id, err := a.Client.Submit(ctx, transport, c)
	if err != nil {
		return Submission{}, nil, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}
	sub := Submission{ID: id, Status: Unsubmitted}
	if err := sub.transition(Pending); err != nil {
		return sub, nil, err
	}
	a.Log.Info("submitted for attestation",
		zap.String("platform", artifact.Target.Key), zap.String("submission", id))

	if err := a.await(ctx, &sub, c, timeout); err != nil {
		return sub, nil, err
	}

	if sub.Status == Rejected {
		if log, logErr := a.Client.FetchLog(ctx, sub.ID, c); logErr == nil {
			sub.Log = log
		} else {
			a.Log.Warn("could not fetch rejection log", zap.String("submission", sub.ID), zap.Error(logErr))
		}
		// Rejection usually means a real policy violation; never auto-retry.
		return sub, nil, fmt.Errorf("%w: submission %s", ErrRejected, sub.ID)
	}

	var warnings []string
	if a.Staple {
		if err := a.Client.Staple(ctx, artifact.Path); err != nil {
			// Stapling a bare executable is expected to be unsupported by the
			// trust service; online verification still works.
			warnings = append(warnings, fmt.Sprintf("%s: stapling skipped: %v", artifact.Target.Key, err))
		}
	}
	return sub, warnings, nil
}

// await polls with doubling backoff until the submission is terminal or the
// timeout elapses.
func (a *Attestor) await(ctx context.Context, sub *Submission, c creds.Credentials, timeout time.Duration) error {
	interval := a.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	max := a.PollMax
	if max <= 0 {
		max = defaultPollMax
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		status, err := a.Client.Poll(ctx, sub.ID, c)
		if err != nil {
			return fmt.Errorf("%w: poll: %v", ErrSubmitFailed, err)
		}
		if status != sub.Status {
			if err := sub.transition(status); err != nil {
				return err
			}
		}
		if sub.Status.Terminal() {
			return nil
		}

		wait := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			wait.Stop()
			return fmt.Errorf("%w: submission %s still pending: %v", ErrTimeout, sub.ID, ctx.Err())
		case <-deadline.C:
			wait.Stop()
			return fmt.Errorf("%w: submission %s still pending after %s", ErrTimeout, sub.ID, timeout)
		case <-wait.C:
		}
		if interval *= 2; interval > max {
			interval = max
		}
	}
}

// transportArchive zips the binary next to it for submission.
func transportArchive(artifact toolchain.Artifact) (path string, err error) {
	zipPath := artifact.Path + ".notary.zip"
	f, err := os.Create(zipPath)
	if err != nil {
		return "", err
	}
	// A half-written transport zip must not outlive a failed attempt.
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(zipPath)
		}
	}()

	zw := zip.NewWriter(f)
	w, err := zw.Create(filepath.Base(artifact.Path))
	if err != nil {
		return "", err
	}
	src, err := os.Open(artifact.Path)
	if err != nil {
		return "", err
	}
	defer src.Close()
	if _, err := io.Copy(w, src); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return zipPath, nil
}
