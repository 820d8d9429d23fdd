// Package tools locates and runs the external programs the pipeline depends
// on: the native toolchain, the code-signing and notarization utilities, the
// release-host CLI, and the secret-store CLI. Every stage invokes externals
// through the Runner interface so tests can substitute fakes.
package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// maxOutput bounds how much command output is carried inside error values.
const maxOutput = 4096

// Invocation describes one external command.
type Invocation struct {
	Binary  string
	Args    []string
	Dir     string
	Env     []string // appended to the inherited environment
	Timeout time.Duration
}

// Result captures a finished invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Combined returns stdout and stderr joined, trimmed.
func (r Result) Combined() string {
	return strings.TrimSpace(r.Stdout + r.Stderr)
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// ExecRunner runs commands with os/exec, honoring context cancellation and
// per-invocation timeouts.
type ExecRunner struct{}

// NewExecRunner returns the production runner.
func NewExecRunner() *ExecRunner { return &ExecRunner{} }

// Run executes the invocation. A nonzero exit returns an error carrying the
// exit code and truncated output; the Result is still populated.
func (e *ExecRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.Binary, inv.Args...)
	cmd.Dir = inv.Dir
	if len(inv.Env) > 0 {
		cmd.Env = append(cmd.Environ(), inv.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s timed out or was cancelled: %w", inv.Binary, ctx.Err())
		}
		return res, fmt.Errorf("%s %s: exit %d: %s",
			inv.Binary, strings.Join(redactArgs(inv.Args), " "), res.ExitCode, truncate(res.Combined()))
	}
	return res, nil
}

// sensitiveFlags name argument values that must never reach logs or error
// messages.
var sensitiveFlags = map[string]struct{}{
	"--password": {},
	"--apple-id": {},
}

func redactArgs(args []string) []string {
	out := append([]string(nil), args...)
	for i := 0; i < len(out)-1; i++ {
		if _, ok := sensitiveFlags[out[i]]; ok {
			out[i+1] = "****"
		}
	}
	return out
}

func truncate(out string) string {
	if out == "" {
		return "command failed"
	}
	if len(out) > maxOutput {
		return out[:maxOutput] + "..."
	}
	return out
}
