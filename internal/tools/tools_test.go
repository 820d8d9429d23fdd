package tools

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell utilities")
	}
	r := NewExecRunner()

	t.Run("captures stdout", func(t *testing.T) {
		res, err := r.Run(context.Background(), Invocation{Binary: "echo", Args: []string{"hello"}})
		require.NoError(t, err)
		assert.Equal(t, "hello", res.Combined())
		assert.Equal(t, 0, res.ExitCode)
	})

	t.Run("nonzero exit is an error with output", func(t *testing.T) {
		res, err := r.Run(context.Background(), Invocation{Binary: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}})
		require.Error(t, err)
		assert.Equal(t, 3, res.ExitCode)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("timeout cancels", func(t *testing.T) {
		_, err := r.Run(context.Background(), Invocation{
			Binary:  "sleep",
			Args:    []string{"5"},
			Timeout: 50 * time.Millisecond,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
	})
}

func TestDiscover(t *testing.T) {
	t.Run("override wins", func(t *testing.T) {
		dir := t.TempDir()
		fake := filepath.Join(dir, "cargo")
		require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\n"), 0o755))

		loc, err := Discover(Cargo, fake)
		require.NoError(t, err)
		assert.Equal(t, fake, loc.Path)
		assert.Equal(t, SourceOverride, loc.Source)
	})

	t.Run("missing override fails closed", func(t *testing.T) {
		_, err := Discover(Cargo, filepath.Join(t.TempDir(), "nope"))
		require.Error(t, err)
	})

	t.Run("PATH lookup", func(t *testing.T) {
		dir := t.TempDir()
		fake := filepath.Join(dir, "sometool")
		require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\n"), 0o755))
		t.Setenv("PATH", dir)

		loc, err := Discover("sometool", "")
		require.NoError(t, err)
		assert.Equal(t, SourcePath, loc.Source)
	})

	t.Run("not found anywhere", func(t *testing.T) {
		t.Setenv("PATH", t.TempDir())
		_, err := Discover("definitely-not-a-tool", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestFakeRunnerMatching(t *testing.T) {
	f := &FakeRunner{
		Responses: []FakeResponse{
			{Binary: "cargo", ArgsLike: "build", Result: Result{Stdout: "Compiling"}},
			{Binary: "cargo", Err: assertAnError},
		},
	}

	res, err := f.Run(context.Background(), Invocation{Binary: "cargo", Args: []string{"build", "--release"}})
	require.NoError(t, err)
	assert.Equal(t, "Compiling", res.Stdout)

	_, err = f.Run(context.Background(), Invocation{Binary: "cargo", Args: []string{"clean"}})
	assert.ErrorIs(t, err, assertAnError)

	assert.Len(t, f.CallsTo("cargo"), 2)
}

var assertAnError = os.ErrPermission

func TestRedactArgs(t *testing.T) {
	args := []string{"notarytool", "info", "id-1", "--password", "hunter2", "--team-id", "ABCDE12345"}
	redacted := redactArgs(args)

	assert.NotContains(t, redacted, "hunter2")
	assert.Contains(t, redacted, "****")
	assert.Contains(t, redacted, "ABCDE12345")
	// The original slice is untouched.
	assert.Equal(t, "hunter2", args[4])
}
