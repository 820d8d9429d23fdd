// Package platform defines the build target matrix and resolves target
// selectors into concrete platform targets.
package platform

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Target identifies one build platform. Targets are immutable and compared
// by Key.
type Target struct {
	OS     string // GOOS-style: darwin, linux
	Arch   string // release naming: arm64, x64
	Key    string // "<os>-<arch>", e.g. "darwin-arm64"
	Triple string // cargo toolchain triple
}

// IsDarwin reports whether the target needs signing and notarization.
func (t Target) IsDarwin() bool { return t.OS == "darwin" }

// String returns the platform key.
func (t Target) String() string { return t.Key }

// supported is the version-controlled release matrix. Windows is not in the
// matrix: cross-compiling the native binary for Windows is unsupported and
// is reported as a warning rather than silently dropped.
var supported = []Target{
	{OS: "darwin", Arch: "arm64", Key: "darwin-arm64", Triple: "aarch64-apple-darwin"},
	{OS: "darwin", Arch: "x64", Key: "darwin-x64", Triple: "x86_64-apple-darwin"},
	{OS: "linux", Arch: "arm64", Key: "linux-arm64", Triple: "aarch64-unknown-linux-gnu"},
	{OS: "linux", Arch: "x64", Key: "linux-x64", Triple: "x86_64-unknown-linux-gnu"},
}

// excluded maps platform keys we recognize but do not build for to the
// reason they are excluded.
var excluded = map[string]string{
	"windows-x64":   "Windows cross-compilation is not supported; build on a Windows host instead",
	"windows-arm64": "Windows cross-compilation is not supported; build on a Windows host instead",
}

// archAliases maps runtime.GOARCH values to the matrix arch naming.
var archAliases = map[string]string{
	"amd64":   "x64",
	"x86_64":  "x64",
	"arm64":   "arm64",
	"aarch64": "arm64",
}

// ErrUnsupportedPlatform is wrapped by Resolve when the selector names a
// platform outside the matrix.
var ErrUnsupportedPlatform = fmt.Errorf("unsupported platform")

// Selector values besides explicit platform keys.
const (
	SelectorCurrentHost = "current-host"
	SelectorAll         = "all"
)

// Resolve expands a selector into an ordered list of targets plus warnings
// for recognized-but-excluded platforms. Order is deterministic (sorted by
// Key) so logs and published asset lists are reproducible.
func Resolve(selector string) ([]Target, []string, error) {
	switch selector {
	case SelectorAll:
		targets := make([]Target, len(supported))
		copy(targets, supported)
		sort.Slice(targets, func(i, j int) bool { return targets[i].Key < targets[j].Key })
		return targets, exclusionWarnings(), nil

	case SelectorCurrentHost, "":
		t, err := currentHost(runtime.GOOS, runtime.GOARCH)
		if err != nil {
			return nil, nil, err
		}
		return []Target{t}, nil, nil

	default:
		if reason, ok := excluded[selector]; ok {
			return nil, []string{fmt.Sprintf("%s excluded: %s", selector, reason)}, nil
		}
		for _, t := range supported {
			if t.Key == selector {
				return []Target{t}, nil, nil
			}
		}
		return nil, nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedPlatform, selector, strings.Join(Keys(), ", "))
	}
}

// exclusionWarnings lists every recognized-but-excluded platform, sorted so
// run summaries are reproducible.
func exclusionWarnings() []string {
	keys := make([]string, 0, len(excluded))
	for key := range excluded {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	warnings := make([]string, 0, len(keys))
	for _, key := range keys {
		warnings = append(warnings, fmt.Sprintf("%s excluded: %s", key, excluded[key]))
	}
	return warnings
}

// currentHost maps a runtime OS/arch pair onto the matrix.
func currentHost(goos, goarch string) (Target, error) {
	arch, ok := archAliases[strings.ToLower(goarch)]
	if !ok {
		return Target{}, fmt.Errorf("%w: host arch %q", ErrUnsupportedPlatform, goarch)
	}
	key := strings.ToLower(goos) + "-" + arch
	for _, t := range supported {
		if t.Key == key {
			return t, nil
		}
	}
	return Target{}, fmt.Errorf("%w: host %s/%s", ErrUnsupportedPlatform, goos, goarch)
}

// Keys returns the supported platform keys in matrix order.
func Keys() []string {
	keys := make([]string, len(supported))
	for i, t := range supported {
		keys[i] = t.Key
	}
	return keys
}

// Lookup returns the target for a platform key.
func Lookup(key string) (Target, bool) {
	for _, t := range supported {
		if t.Key == key {
			return t, true
		}
	}
	return Target{}, false
}
