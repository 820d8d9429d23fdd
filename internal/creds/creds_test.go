package creds

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetrel/internal/tools"
)

type mapStore struct {
	values map[string]string
	calls  atomic.Int64
}

func (m *mapStore) Read(ctx context.Context, vault, item, field string) (string, error) {
	m.calls.Add(1)
	v, ok := m.values[field]
	if !ok {
		return "", fmt.Errorf("%w: no %s", ErrVaultUnreachable, field)
	}
	return v, nil
}

type staticChecker struct{ has bool }

func (s staticChecker) HasIdentity(ctx context.Context, identity string) (bool, error) {
	return s.has, nil
}

func fullStore() *mapStore {
	return &mapStore{values: map[string]string{
		fieldIdentity: "Developer ID Application: Fleet Device Management (ABCDE12345)",
		fieldAccount:  "release-bot@example.com",
		fieldTeam:     "ABCDE12345",
		fieldSecret:   "super-secret-app-password",
	}}
}

func TestStoreProviderLoad(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		p := &StoreProvider{Store: fullStore(), Checker: staticChecker{has: true}, Vault: "Release", Item: "fleet"}
		c, err := p.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ABCDE12345", c.TeamID)
	})

	t.Run("missing field fails closed", func(t *testing.T) {
		s := fullStore()
		delete(s.values, fieldSecret)
		p := &StoreProvider{Store: s, Checker: staticChecker{has: true}}
		_, err := p.Load(context.Background())
		require.ErrorIs(t, err, ErrVaultUnreachable)
	})

	t.Run("config identity fills a missing store field", func(t *testing.T) {
		s := fullStore()
		delete(s.values, fieldIdentity)
		p := &StoreProvider{
			Store:            s,
			Checker:          staticChecker{has: true},
			FallbackIdentity: "Developer ID Application: Fallback (FGHIJ67890)",
		}
		c, err := p.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Developer ID Application: Fallback (FGHIJ67890)", c.SigningIdentity)
	})

	t.Run("missing identity with no fallback fails closed", func(t *testing.T) {
		s := fullStore()
		delete(s.values, fieldIdentity)
		p := &StoreProvider{Store: s, Checker: staticChecker{has: true}}
		_, err := p.Load(context.Background())
		require.ErrorIs(t, err, ErrVaultUnreachable)
	})

	t.Run("store identity wins over the fallback", func(t *testing.T) {
		p := &StoreProvider{
			Store:            fullStore(),
			Checker:          staticChecker{has: true},
			FallbackIdentity: "Developer ID Application: Fallback (FGHIJ67890)",
		}
		c, err := p.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Developer ID Application: Fleet Device Management (ABCDE12345)", c.SigningIdentity)
	})

	t.Run("identity absent from trust store", func(t *testing.T) {
		p := &StoreProvider{Store: fullStore(), Checker: staticChecker{has: false}}
		_, err := p.Load(context.Background())
		require.ErrorIs(t, err, ErrIdentityNotFound)
	})
}

func TestRedaction(t *testing.T) {
	c := Credentials{
		SigningIdentity: "Developer ID Application: Example",
		AccountID:       "release-bot@example.com",
		TeamID:          "ABCDE12345",
		Secret:          "super-secret-app-password",
	}

	for _, rendered := range []string{c.Redacted(), c.String(), fmt.Sprintf("%v", c)} {
		assert.NotContains(t, rendered, "super-secret-app-password")
		assert.NotContains(t, rendered, "release-bot@example.com")
		assert.Contains(t, rendered, "Developer ID Application: Example")
	}

	assert.Equal(t, "****", redact("abc"))
	assert.Equal(t, "supe****", redact("super-secret"))
}

func TestCachedLoadsOnce(t *testing.T) {
	s := fullStore()
	p := Cached(&StoreProvider{Store: s, Checker: staticChecker{has: true}})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Load(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// One Load = four field reads, regardless of caller count.
	assert.Equal(t, int64(4), s.calls.Load())
}

func TestOpStoreRead(t *testing.T) {
	t.Run("reads via op CLI", func(t *testing.T) {
		f := &tools.FakeRunner{Responses: []tools.FakeResponse{
			{Binary: "op", Result: tools.Result{Stdout: "value-from-vault\n"}},
		}}
		s := &OpStore{Runner: f, OpPath: "op", Account: "example.1password.com"}

		v, err := s.Read(context.Background(), "Release", "fleet", "secret")
		require.NoError(t, err)
		assert.Equal(t, "value-from-vault", v)

		calls := f.CallsTo("op")
		require.Len(t, calls, 1)
		assert.Equal(t, []string{"read", "op://Release/fleet/secret", "--account", "example.1password.com"}, calls[0].Args)
	})

	t.Run("CLI failure is vault unreachable", func(t *testing.T) {
		f := &tools.FakeRunner{Responses: []tools.FakeResponse{
			{Binary: "op", Err: fmt.Errorf("op: not signed in")},
		}}
		s := &OpStore{Runner: f, OpPath: "op"}
		_, err := s.Read(context.Background(), "Release", "fleet", "secret")
		require.ErrorIs(t, err, ErrVaultUnreachable)
	})

	t.Run("empty value is vault unreachable", func(t *testing.T) {
		f := &tools.FakeRunner{Responses: []tools.FakeResponse{
			{Binary: "op", Result: tools.Result{Stdout: "\n"}},
		}}
		s := &OpStore{Runner: f, OpPath: "op"}
		_, err := s.Read(context.Background(), "Release", "fleet", "secret")
		require.ErrorIs(t, err, ErrVaultUnreachable)
	})
}
