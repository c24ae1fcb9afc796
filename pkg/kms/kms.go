// Package kms implements envelope encryption for upstream provider keys.
//
// A master key (supplied at startup) wraps a set of versioned data keys;
// payloads are encrypted with the active data key using AES-256-GCM.
// Rotation generates a new data key while old versions remain available,
// so ciphertexts produced before a rotation still decrypt afterwards.
package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Manager is the envelope-encryption contract consumed by the credential
// resolver.
type Manager interface {
	// Encrypt encrypts plaintext with the active data key, returning
	// versioned ciphertext of the form "v<N>:<base64(nonce+ct)>".
	Encrypt(plaintext string) (string, error)

	// Decrypt decrypts ciphertext produced by Encrypt under any retained
	// key version.
	Decrypt(ciphertext string) (string, error)

	// Rotate generates a new active data key. Old versions remain usable
	// for decryption.
	Rotate() (version int, err error)

	// ActiveVersion returns the current active data-key version.
	ActiveVersion() int
}

// keyringFile is the on-disk format. Data keys are stored wrapped by the
// master key, never in the clear.
type keyringFile struct {
	ActiveVersion int               `json:"active_version"`
	WrappedKeys   map[string]string `json:"wrapped_keys"` // version -> base64(master-encrypted data key)
}

// Keyring is a file-backed Manager.
type Keyring struct {
	mu        sync.RWMutex
	masterKey []byte
	path      string
	file      keyringFile
	dataKeys  map[int][]byte // unwrapped cache
}

// NewKeyring loads or creates a keyring at path, unwrapping data keys with
// masterKey (32 bytes). A fresh keyring starts at version 1.
func NewKeyring(path string, masterKey []byte) (*Keyring, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("kms: master key must be 32 bytes, got %d", len(masterKey))
	}

	k := &Keyring{
		masterKey: masterKey,
		path:      path,
		dataKeys:  make(map[int][]byte),
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("kms: create dir: %w", err)
		}
		dataKey, err := newDataKey()
		if err != nil {
			return nil, err
		}
		wrapped, err := gcmEncrypt(k.masterKey, dataKey)
		if err != nil {
			return nil, fmt.Errorf("kms: wrap key: %w", err)
		}
		k.file = keyringFile{
			ActiveVersion: 1,
			WrappedKeys:   map[string]string{"1": base64.StdEncoding.EncodeToString(wrapped)},
		}
		k.dataKeys[1] = dataKey
		if err := k.persist(); err != nil {
			return nil, err
		}
		return k, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kms: read keyring: %w", err)
	}
	if err := json.Unmarshal(data, &k.file); err != nil {
		return nil, fmt.Errorf("kms: parse keyring: %w", err)
	}

	for vStr, encoded := range k.file.WrappedKeys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("kms: invalid version %q: %w", vStr, err)
		}
		wrapped, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("kms: decode wrapped key v%d: %w", v, err)
		}
		dataKey, err := gcmDecrypt(k.masterKey, wrapped)
		if err != nil {
			return nil, fmt.Errorf("kms: unwrap key v%d: %w", v, err)
		}
		if len(dataKey) != 32 {
			return nil, fmt.Errorf("kms: data key v%d invalid length %d", v, len(dataKey))
		}
		k.dataKeys[v] = dataKey
	}

	if _, ok := k.dataKeys[k.file.ActiveVersion]; !ok {
		return nil, fmt.Errorf("kms: active version %d not in keyring", k.file.ActiveVersion)
	}
	return k, nil
}

// Encrypt encrypts plaintext with the active data key.
func (k *Keyring) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	k.mu.RLock()
	version := k.file.ActiveVersion
	dataKey := k.dataKeys[version]
	k.mu.RUnlock()

	ct, err := gcmEncrypt(dataKey, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d:%s", version, base64.StdEncoding.EncodeToString(ct)), nil
}

// Decrypt decrypts versioned ciphertext under any retained data key.
func (k *Keyring) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	version, payload, err := splitVersioned(ciphertext)
	if err != nil {
		return "", err
	}

	k.mu.RLock()
	dataKey, ok := k.dataKeys[version]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("kms: unknown key version %d", version)
	}

	ct, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("kms: decode ciphertext: %w", err)
	}
	pt, err := gcmDecrypt(dataKey, ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Rotate generates and activates a new data key.
func (k *Keyring) Rotate() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	newVersion := k.file.ActiveVersion + 1
	dataKey, err := newDataKey()
	if err != nil {
		return 0, err
	}
	wrapped, err := gcmEncrypt(k.masterKey, dataKey)
	if err != nil {
		return 0, fmt.Errorf("kms: wrap key: %w", err)
	}

	k.file.WrappedKeys[strconv.Itoa(newVersion)] = base64.StdEncoding.EncodeToString(wrapped)
	k.file.ActiveVersion = newVersion
	k.dataKeys[newVersion] = dataKey

	if err := k.persist(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// ActiveVersion returns the active data-key version.
func (k *Keyring) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.file.ActiveVersion
}

func (k *Keyring) persist() error {
	data, err := json.MarshalIndent(k.file, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keyring: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0600); err != nil {
		return fmt.Errorf("kms: write keyring: %w", err)
	}
	return nil
}

func newDataKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("kms: generate key: %w", err)
	}
	return key, nil
}

func gcmEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("kms: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func gcmDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("kms: ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

func splitVersioned(s string) (int, string, error) {
	if !strings.HasPrefix(s, "v") {
		return 0, "", fmt.Errorf("kms: missing version prefix in ciphertext")
	}
	idx := strings.Index(s, ":")
	if idx < 2 {
		return 0, "", fmt.Errorf("kms: malformed versioned ciphertext")
	}
	v, err := strconv.Atoi(s[1:idx])
	if err != nil {
		return 0, "", fmt.Errorf("kms: parse version: %w", err)
	}
	return v, s[idx+1:], nil
}
