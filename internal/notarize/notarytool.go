package notarize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"fleetrel/internal/creds"
	"fleetrel/internal/tools"
)

// NotarytoolClient talks to the trust service through `xcrun notarytool`.
type NotarytoolClient struct {
	Runner    tools.Runner
	XcrunPath string
}

type notarytoolResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (n *NotarytoolClient) credArgs(c creds.Credentials) []string {
	return []string{
		"--apple-id", c.AccountID,
		"--team-id", c.TeamID,
		"--password", c.Secret,
		"--output-format", "json",
	}
}

// Submit uploads the transport archive and returns the submission id without
// waiting for a verdict.
func (n *NotarytoolClient) Submit(ctx context.Context, archivePath string, c creds.Credentials) (string, error) {
	args := append([]string{"notarytool", "submit", archivePath, "--no-wait"}, n.credArgs(c)...)
	res, err := n.Runner.Run(ctx, tools.Invocation{Binary: n.XcrunPath, Args: args})
	if err != nil {
		return "", err
	}
	var parsed notarytoolResponse
	if err := json.Unmarshal([]byte(res.Stdout), &parsed); err != nil {
		return "", fmt.Errorf("parse notarytool submit output: %w", err)
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("notarytool submit returned no submission id")
	}
	return parsed.ID, nil
}

// Poll fetches the submission's current status.
func (n *NotarytoolClient) Poll(ctx context.Context, id string, c creds.Credentials) (Status, error) {
	args := append([]string{"notarytool", "info", id}, n.credArgs(c)...)
	res, err := n.Runner.Run(ctx, tools.Invocation{Binary: n.XcrunPath, Args: args})
	if err != nil {
		return Unsubmitted, err
	}
	var parsed notarytoolResponse
	if err := json.Unmarshal([]byte(res.Stdout), &parsed); err != nil {
		return Unsubmitted, fmt.Errorf("parse notarytool info output: %w", err)
	}
	switch strings.ToLower(parsed.Status) {
	case "accepted":
		return Accepted, nil
	case "invalid", "rejected":
		return Rejected, nil
	case "in progress", "in-progress":
		return Pending, nil
	default:
		return Unsubmitted, fmt.Errorf("unknown notarytool status %q", parsed.Status)
	}
}

// FetchLog retrieves the service's audit log for a submission.
func (n *NotarytoolClient) FetchLog(ctx context.Context, id string, c creds.Credentials) (string, error) {
	args := append([]string{"notarytool", "log", id}, n.credArgs(c)...)
	res, err := n.Runner.Run(ctx, tools.Invocation{Binary: n.XcrunPath, Args: args})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Staple embeds the attestation ticket into the artifact so verification
// works offline. Bare executables are routinely unsupported here; the caller
// treats failure as a warning.
func (n *NotarytoolClient) Staple(ctx context.Context, path string) error {
	_, err := n.Runner.Run(ctx, tools.Invocation{
		Binary: n.XcrunPath,
		Args:   []string{"stapler", "staple", path},
	})
	return err
}
