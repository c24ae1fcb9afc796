package auth

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterlabs/arbiter/pkg/config"
	"github.com/arbiterlabs/arbiter/pkg/kms"
)

type memKeyStore struct {
	keys    map[string]*KeyRecord
	apps    map[string]*AppRecord
	lookups int
}

func (s *memKeyStore) GetKeyByHash(_ context.Context, hash string) (*KeyRecord, error) {
	s.lookups++
	return s.keys[hash], nil
}

func (s *memKeyStore) GetApplication(_ context.Context, appID string) (*AppRecord, error) {
	return s.apps[appID], nil
}

type fixture struct {
	resolver *Resolver
	store    *memKeyStore
	keyring  *kms.Keyring
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keyring, err := kms.NewKeyring(filepath.Join(t.TempDir(), "keyring.json"), bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)

	store := &memKeyStore{
		keys: make(map[string]*KeyRecord),
		apps: make(map[string]*AppRecord),
	}
	return &fixture{
		resolver: NewResolver(store, keyring, []byte("salt"), time.Minute),
		store:    store,
		keyring:  keyring,
	}
}

// issue registers a key for app-1/org-1 and returns the plaintext.
func (f *fixture) issue(t *testing.T, plaintext string, env config.Environment, mutate func(*KeyRecord)) string {
	t.Helper()
	encrypted, err := f.keyring.Encrypt("sk-upstream")
	require.NoError(t, err)

	rec := &KeyRecord{
		ID:                   "key-1",
		KeyHash:              f.resolver.HashKey(plaintext),
		KeyPrefix:            plaintext[:min(len(plaintext), 12)],
		AppID:                "app-1",
		Environment:          env,
		EncryptedUpstreamKey: encrypted,
		Active:               true,
	}
	if mutate != nil {
		mutate(rec)
	}
	f.store.keys[rec.KeyHash] = rec
	f.store.apps["app-1"] = &AppRecord{AppID: "app-1", OrgID: "org-1", Active: true}
	return plaintext
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	key := f.issue(t, "dev_0123456789abcdef", config.EnvDevelopment, nil)

	id, err := f.resolver.Resolve(context.Background(), key, "")
	require.NoError(t, err)
	assert.Equal(t, "app-1", id.AppID)
	assert.Equal(t, "org-1", id.OrgID)
	assert.Equal(t, config.EnvDevelopment, id.Environment)
	assert.Equal(t, "sk-upstream", id.UpstreamKey)
	assert.Empty(t, id.Warnings)
}

func TestResolveMissingKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(), "", "")
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestResolveUnknownKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(), "dev_nosuchkey", "")
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestResolveInactiveKey(t *testing.T) {
	f := newFixture(t)
	key := f.issue(t, "dev_inactive0000", config.EnvDevelopment, func(r *KeyRecord) {
		r.Active = false
	})
	_, err := f.resolver.Resolve(context.Background(), key, "")
	require.ErrorIs(t, err, ErrKeyExpired)
}

func TestResolveExpiredKey(t *testing.T) {
	f := newFixture(t)
	key := f.issue(t, "dev_expired00000", config.EnvDevelopment, func(r *KeyRecord) {
		past := time.Now().Add(-time.Hour)
		r.ExpiresAt = &past
	})
	_, err := f.resolver.Resolve(context.Background(), key, "")
	require.ErrorIs(t, err, ErrKeyExpired)
}

func TestResolveInactiveApplication(t *testing.T) {
	f := newFixture(t)
	key := f.issue(t, "dev_orphan000000", config.EnvDevelopment, nil)
	f.store.apps["app-1"].Active = false

	_, err := f.resolver.Resolve(context.Background(), key, "")
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestResolveDeclaredEnvironmentMismatch(t *testing.T) {
	f := newFixture(t)
	key := f.issue(t, "dev_bound0000000", config.EnvDevelopment, nil)

	_, err := f.resolver.Resolve(context.Background(), key, config.EnvProduction)
	require.ErrorIs(t, err, ErrEnvMismatch)

	id, err := f.resolver.Resolve(context.Background(), key, config.EnvDevelopment)
	require.NoError(t, err)
	assert.Equal(t, config.EnvDevelopment, id.Environment)
}

func TestPrefixMismatchWarnsOutsideProduction(t *testing.T) {
	f := newFixture(t)
	// A staging-prefixed plaintext bound to a development record.
	key := f.issue(t, "stg_mismatch0000", config.EnvDevelopment, nil)

	id, err := f.resolver.Resolve(context.Background(), key, "")
	require.NoError(t, err)
	require.Len(t, id.Warnings, 1)
	assert.Contains(t, id.Warnings[0], "staging")
}

func TestPrefixMismatchRejectedInProduction(t *testing.T) {
	f := newFixture(t)
	key := f.issue(t, "dev_prodbound000", config.EnvProduction, nil)

	_, err := f.resolver.Resolve(context.Background(), key, "")
	require.ErrorIs(t, err, ErrEnvMismatch)
}

func TestResolveCachesIdentity(t *testing.T) {
	f := newFixture(t)
	key := f.issue(t, "dev_cached000000", config.EnvDevelopment, nil)

	for range 3 {
		_, err := f.resolver.Resolve(context.Background(), key, "")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.store.lookups)
}

func TestInvalidateDropsCacheEntry(t *testing.T) {
	f := newFixture(t)
	key := f.issue(t, "dev_revoked00000", config.EnvDevelopment, nil)

	_, err := f.resolver.Resolve(context.Background(), key, "")
	require.NoError(t, err)

	hash := f.resolver.HashKey(key)
	f.resolver.Invalidate(hash)
	delete(f.store.keys, hash)

	_, err = f.resolver.Resolve(context.Background(), key, "")
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestHashKeyIsSalted(t *testing.T) {
	f := newFixture(t)
	other := NewResolver(f.store, f.keyring, []byte("other-salt"), time.Minute)
	assert.NotEqual(t, f.resolver.HashKey("dev_abc"), other.HashKey("dev_abc"))
}
