package kms

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMaster() []byte {
	return bytes.Repeat([]byte("m"), 32)
}

func newTestKeyring(t *testing.T) *Keyring {
	t.Helper()
	k, err := NewKeyring(filepath.Join(t.TempDir(), "keyring.json"), testMaster())
	require.NoError(t, err)
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	k := newTestKeyring(t)

	ct, err := k.Encrypt("sk-upstream-secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ct, "v1:"))
	assert.NotContains(t, ct, "sk-upstream-secret")

	pt, err := k.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "sk-upstream-secret", pt)
}

func TestEmptyStringPassesThrough(t *testing.T) {
	k := newTestKeyring(t)

	ct, err := k.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, ct)

	pt, err := k.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, pt)
}

func TestRotateKeepsOldCiphertexts(t *testing.T) {
	k := newTestKeyring(t)
	require.Equal(t, 1, k.ActiveVersion())

	old, err := k.Encrypt("before-rotation")
	require.NoError(t, err)

	version, err := k.Rotate()
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, 2, k.ActiveVersion())

	fresh, err := k.Encrypt("after-rotation")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fresh, "v2:"))

	pt, err := k.Decrypt(old)
	require.NoError(t, err)
	assert.Equal(t, "before-rotation", pt)
}

func TestKeyringSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")

	k, err := NewKeyring(path, testMaster())
	require.NoError(t, err)
	_, err = k.Rotate()
	require.NoError(t, err)
	ct, err := k.Encrypt("persisted")
	require.NoError(t, err)

	reopened, err := NewKeyring(path, testMaster())
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.ActiveVersion())

	pt, err := reopened.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "persisted", pt)
}

func TestWrongMasterKeyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	_, err := NewKeyring(path, testMaster())
	require.NoError(t, err)

	_, err = NewKeyring(path, bytes.Repeat([]byte("x"), 32))
	require.Error(t, err)
}

func TestMasterKeyLength(t *testing.T) {
	_, err := NewKeyring(filepath.Join(t.TempDir(), "keyring.json"), []byte("short"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestDecryptMalformed(t *testing.T) {
	k := newTestKeyring(t)

	for _, ct := range []string{"no-version", "v:payload", "v1", "v9:abc"} {
		_, err := k.Decrypt(ct)
		assert.Error(t, err, "ciphertext %q", ct)
	}
}

func TestDecryptUnknownVersion(t *testing.T) {
	k := newTestKeyring(t)
	_, err := k.Decrypt("v42:aGVsbG8=")
	require.ErrorContains(t, err, "unknown key version")
}
