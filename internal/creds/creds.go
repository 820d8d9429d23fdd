// Package creds retrieves signing and notarization credentials from the
// secret store. Credentials live only in process memory for the duration of
// a run and are rendered redacted everywhere they surface.
package creds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"

	"fleetrel/internal/tools"
)

// Failure reasons, matchable with errors.Is.
var (
	ErrVaultUnreachable = errors.New("secret store unreachable")
	ErrIdentityNotFound = errors.New("signing identity not found in trust store")
)

// Credentials holds everything Sign and Attest need. Never persisted, never
// logged in full.
type Credentials struct {
	SigningIdentity string
	AccountID       string
	TeamID          string
	Secret          string
}

// Redacted renders the credentials safely for logs: identity in the clear
// (it is a certificate name, not a secret), everything else reduced to a
// short prefix.
func (c Credentials) Redacted() string {
	return fmt.Sprintf("identity=%s account=%s team=%s secret=%s",
		c.SigningIdentity, redact(c.AccountID), redact(c.TeamID), redact(c.Secret))
}

// String implements fmt.Stringer so accidental %v formatting stays redacted.
func (c Credentials) String() string { return c.Redacted() }

// MarshalLogObject keeps zap output redacted as well.
func (c Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("identity", c.SigningIdentity)
	enc.AddString("account", redact(c.AccountID))
	enc.AddString("team", redact(c.TeamID))
	enc.AddString("secret", redact(c.Secret))
	return nil
}

func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

// Provider loads credentials. Implementations must fail closed: any doubt
// about the secret backend is an error, never empty credentials.
type Provider interface {
	Load(ctx context.Context) (Credentials, error)
}

// Store is the secret-store boundary: read one field of one item.
type Store interface {
	Read(ctx context.Context, vault, item, field string) (string, error)
}

// OpStore reads secrets through the 1Password CLI.
type OpStore struct {
	Runner  tools.Runner
	OpPath  string
	Account string
}

// Read fetches op://<vault>/<item>/<field>. Any CLI failure (not installed,
// not signed in, item missing) is reported as the vault being unreachable.
func (s *OpStore) Read(ctx context.Context, vault, item, field string) (string, error) {
	args := []string{"read", fmt.Sprintf("op://%s/%s/%s", vault, item, field)}
	if s.Account != "" {
		args = append(args, "--account", s.Account)
	}
	res, err := s.Runner.Run(ctx, tools.Invocation{Binary: s.OpPath, Args: args})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVaultUnreachable, err)
	}
	secret := strings.TrimSpace(res.Stdout)
	if secret == "" {
		return "", fmt.Errorf("%w: empty value for %s/%s/%s", ErrVaultUnreachable, vault, item, field)
	}
	return secret, nil
}

// IdentityChecker verifies the resolved signing identity exists in the local
// trust store before any signing is attempted.
type IdentityChecker interface {
	HasIdentity(ctx context.Context, identity string) (bool, error)
}

// SecurityChecker consults the macOS `security` tool.
type SecurityChecker struct {
	Runner tools.Runner
}

// HasIdentity lists valid codesigning identities and looks for the name.
func (s *SecurityChecker) HasIdentity(ctx context.Context, identity string) (bool, error) {
	res, err := s.Runner.Run(ctx, tools.Invocation{
		Binary: "security",
		Args:   []string{"find-identity", "-v", "-p", "codesigning"},
	})
	if err != nil {
		return false, err
	}
	return strings.Contains(res.Stdout, identity), nil
}

// StoreProvider assembles Credentials from the secret store and validates
// the signing identity against the local trust store.
type StoreProvider struct {
	Store   Store
	Checker IdentityChecker
	Vault   string
	Item    string
	// FallbackIdentity is used when the secret-store item carries no
	// signing-identity field. It comes from the checked-in config, so the
	// identity (a certificate name, not a secret) can live outside the vault.
	FallbackIdentity string
}

// Fields read from the secret-store item.
const (
	fieldIdentity = "signing-identity"
	fieldAccount  = "account-id"
	fieldTeam     = "team-id"
	fieldSecret   = "secret"
)

// Load reads all credential fields and fails closed on the first problem.
func (p *StoreProvider) Load(ctx context.Context) (Credentials, error) {
	var c Credentials
	var err error
	if c.SigningIdentity, err = p.Store.Read(ctx, p.Vault, p.Item, fieldIdentity); err != nil {
		if p.FallbackIdentity == "" {
			return Credentials{}, err
		}
		c.SigningIdentity = p.FallbackIdentity
	}
	if c.AccountID, err = p.Store.Read(ctx, p.Vault, p.Item, fieldAccount); err != nil {
		return Credentials{}, err
	}
	if c.TeamID, err = p.Store.Read(ctx, p.Vault, p.Item, fieldTeam); err != nil {
		return Credentials{}, err
	}
	if c.Secret, err = p.Store.Read(ctx, p.Vault, p.Item, fieldSecret); err != nil {
		return Credentials{}, err
	}

	if p.Checker != nil {
		ok, err := p.Checker.HasIdentity(ctx, c.SigningIdentity)
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: %v", ErrIdentityNotFound, err)
		}
		if !ok {
			return Credentials{}, fmt.Errorf("%w: %q", ErrIdentityNotFound, c.SigningIdentity)
		}
	}
	return c, nil
}

// Cached wraps a Provider so the secret store is consulted at most once per
// run. The result (or error) is shared read-only across target pipelines.
func Cached(p Provider) Provider {
	return &cachedProvider{inner: p}
}

type cachedProvider struct {
	inner Provider
	once  sync.Once
	creds Credentials
	err   error
}

func (c *cachedProvider) Load(ctx context.Context) (Credentials, error) {
	c.once.Do(func() {
		c.creds, c.err = c.inner.Load(ctx)
	})
	return c.creds, c.err
}
