// Package config loads and validates the release pipeline configuration.
// Configuration is resolved once, before the pipeline starts; anything
// missing or unparseable here is fatal pre-pipeline.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed release.schema.json
var schemaJSON []byte

// ErrConfig is wrapped by every configuration failure.
var ErrConfig = errors.New("configuration error")

// Config is the root release configuration, loaded from release.yaml.
type Config struct {
	BinaryName string `yaml:"binary_name"`
	Version    string `yaml:"version"` // empty: resolved from Cargo.toml
	Repo       string `yaml:"repo"`    // release host repo, "owner/name"
	CratePath  string `yaml:"crate_path"`
	StagingDir string `yaml:"staging_dir"`
	Jobs       int    `yaml:"jobs"` // bound on concurrent compiles; 0 = NumCPU

	Editors []string `yaml:"editors"` // zed, vscode, sublime

	Signing  SigningConfig  `yaml:"signing"`
	Notary   NotaryConfig   `yaml:"notary"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Minisign MinisignConfig `yaml:"minisign"`
	Tools    ToolPaths      `yaml:"tools"`
}

// SigningConfig controls the macOS code-signing stage.
type SigningConfig struct {
	// Identity is the certificate common name looked up in the local trust
	// store. Overridden by the secret store's signing-identity field when
	// credentials are loaded.
	Identity string `yaml:"identity"`
}

// NotaryConfig controls the attestation stage.
type NotaryConfig struct {
	Timeout string `yaml:"timeout"` // Go duration, default 30m
	Staple  bool   `yaml:"staple"`
}

// SecretsConfig names where the secret store keeps release credentials.
type SecretsConfig struct {
	Vault   string `yaml:"vault"`
	Item    string `yaml:"item"`
	Account string `yaml:"account"`
}

// MinisignConfig enables signing the checksum manifest.
type MinisignConfig struct {
	SecretKey string `yaml:"secret_key"` // path to the minisign secret key
	PublicKey string `yaml:"public_key"` // path to the matching public key
}

// ToolPaths overrides discovery for external tools. Empty values fall back
// to PATH lookup and then well-known install locations.
type ToolPaths struct {
	Cargo    string `yaml:"cargo"`
	Rustup   string `yaml:"rustup"`
	Codesign string `yaml:"codesign"`
	Xcrun    string `yaml:"xcrun"`
	Strip    string `yaml:"strip"`
	Gh       string `yaml:"gh"`
	Git      string `yaml:"git"`
	Op       string `yaml:"op"`
	Minisign string `yaml:"minisign"`
}

// Load reads, validates, and finalizes the configuration at path. A missing
// file yields the defaults (still subject to version resolution).
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// No file: defaults plus env overrides.
	case err != nil:
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	default:
		if err := validateSchema(data); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
		}
	}

	cfg.applyEnvOverrides()

	if cfg.BinaryName == "" {
		return nil, fmt.Errorf("%w: binary_name is empty", ErrConfig)
	}
	if cfg.Version == "" {
		version, err := versionFromCargoToml(filepath.Join(cfg.CratePath, "Cargo.toml"))
		if err != nil {
			return nil, err
		}
		cfg.Version = version
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		BinaryName: "fleet-schema-gen",
		CratePath:  ".",
		StagingDir: filepath.Join("dist", "staging"),
		Notary:     NotaryConfig{Timeout: "30m", Staple: true},
	}
}

// applyEnvOverrides layers environment variables over the file values.
// Environment wins so CI can retarget a checked-in config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FLEETREL_VAULT"); v != "" {
		c.Secrets.Vault = v
	}
	if v := os.Getenv("FLEETREL_VAULT_ACCOUNT"); v != "" {
		c.Secrets.Account = v
	}
	if v := os.Getenv("FLEETREL_STAGING"); v != "" {
		c.StagingDir = v
	}
	if v := os.Getenv("FLEETREL_CARGO"); v != "" {
		c.Tools.Cargo = v
	}
	if v := os.Getenv("FLEETREL_GH"); v != "" {
		c.Tools.Gh = v
	}
	if v := os.Getenv("FLEETREL_OP"); v != "" {
		c.Tools.Op = v
	}
	if v := os.Getenv("FLEETREL_MINISIGN"); v != "" {
		c.Tools.Minisign = v
	}
}

// validateSchema checks the raw document against the embedded JSON schema
// before decoding, so field typos fail loudly instead of being dropped.
func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse yaml: %v", err)
	}
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize: %v", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("normalize: %v", err)
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("embedded schema: %v", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("release.schema.json", schemaDoc); err != nil {
		return fmt.Errorf("embedded schema: %v", err)
	}
	schema, err := compiler.Compile("release.schema.json")
	if err != nil {
		return fmt.Errorf("embedded schema: %v", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("schema: %v", err)
	}
	return nil
}

// cargoManifest is the slice of Cargo.toml the version lookup cares about.
// package.version is either a literal string or {workspace = true}, which
// points at [workspace.package] in the same manifest.
type cargoManifest struct {
	Package struct {
		// Version is either a literal string or {workspace = true}, which
		// points at [workspace.package] in the same manifest.
		Version any `toml:"version"`
	} `toml:"package"`
	Workspace struct {
		Package struct {
			Version string `toml:"version"`
		} `toml:"package"`
	} `toml:"workspace"`
}

// versionFromCargoToml extracts the package version from the crate manifest,
// following workspace inheritance when the crate declares
// version.workspace = true.
func versionFromCargoToml(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: version not set and %s unreadable: %v", ErrConfig, path, err)
	}
	var manifest cargoManifest
	if err := toml.Unmarshal(data, &manifest); err != nil {
		return "", fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}

	switch v := manifest.Package.Version.(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case map[string]any:
		if inherit, _ := v["workspace"].(bool); inherit && manifest.Workspace.Package.Version != "" {
			return manifest.Workspace.Package.Version, nil
		}
	}
	return "", fmt.Errorf("%w: no package version in %s", ErrConfig, path)
}

// NotaryTimeout parses the configured attestation timeout.
func (c *Config) NotaryTimeout() (time.Duration, error) {
	raw := c.Notary.Timeout
	if raw == "" {
		raw = "30m"
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: notary.timeout %q: %v", ErrConfig, raw, err)
	}
	return d, nil
}
