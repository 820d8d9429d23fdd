package tools

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Names of the external tools the pipeline invokes.
const (
	Cargo    = "cargo"
	Rustup   = "rustup"
	Codesign = "codesign"
	Notary   = "xcrun" // notarytool is invoked as `xcrun notarytool`
	Strip    = "strip"
	Gh       = "gh"
	Git      = "git"
	Op       = "op"
	Minisign = "minisign"
)

// wellKnownDirs are checked after PATH lookup fails, in order. These are the
// same locations the editor shims probe when spawning the binary.
var wellKnownDirs = []string{
	"/opt/homebrew/bin",
	"/usr/local/bin",
	"/usr/bin",
}

// Source records how a tool path was resolved, for the doctor report.
type Source string

const (
	SourceOverride  Source = "override"
	SourcePath      Source = "PATH"
	SourceWellKnown Source = "well-known"
)

// Location is a resolved tool.
type Location struct {
	Name   string
	Path   string
	Source Source
}

// Discover resolves a tool path. Order: explicit override (flag or
// environment), PATH lookup, well-known install locations.
func Discover(name, override string) (Location, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return Location{}, fmt.Errorf("tool %s override %q: %w", name, override, err)
		}
		return Location{Name: name, Path: override, Source: SourceOverride}, nil
	}
	if path, err := exec.LookPath(name); err == nil {
		return Location{Name: name, Path: path, Source: SourcePath}, nil
	}
	for _, dir := range wellKnownDirs {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return Location{Name: name, Path: candidate, Source: SourceWellKnown}, nil
		}
	}
	return Location{}, fmt.Errorf("tool %s not found (checked override, PATH, %v)", name, wellKnownDirs)
}
