//go:build property
// +build property

// Package kms_test contains property-based tests for envelope encryption.
package kms_test

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/arbiterlabs/arbiter/pkg/kms"
)

func propKeyring(t *testing.T) *kms.Keyring {
	t.Helper()
	k, err := kms.NewKeyring(filepath.Join(t.TempDir(), "keyring.json"), bytes.Repeat([]byte("p"), 32))
	if err != nil {
		t.Fatal(err)
	}
	return k
}

// TestEncryptDecryptIdentity verifies Decrypt(Encrypt(s)) == s for any s.
func TestEncryptDecryptIdentity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	k := propKeyring(t)

	properties.Property("round trip is the identity", prop.ForAll(
		func(plaintext string) bool {
			ct, err := k.Encrypt(plaintext)
			if err != nil {
				return false
			}
			pt, err := k.Decrypt(ct)
			if err != nil {
				return false
			}
			return pt == plaintext
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestCiphertextNeverLeaksPlaintext verifies the versioned ciphertext does
// not contain the plaintext for any non-trivial input.
func TestCiphertextNeverLeaksPlaintext(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	k := propKeyring(t)

	properties.Property("ciphertext hides plaintext", prop.ForAll(
		func(plaintext string) bool {
			if len(plaintext) < 4 {
				return true // Too short to be meaningful
			}
			ct, err := k.Encrypt(plaintext)
			if err != nil {
				return false
			}
			return !strings.Contains(ct, plaintext)
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// TestRoundTripSurvivesRotation verifies ciphertexts produced under any
// earlier key version still decrypt after rotations.
func TestRoundTripSurvivesRotation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("old ciphertexts decrypt after rotation", prop.ForAll(
		func(plaintext string, rotations int) bool {
			k := propKeyring(t)
			ct, err := k.Encrypt(plaintext)
			if err != nil {
				return false
			}
			for i := 0; i < rotations%4; i++ {
				if _, err := k.Rotate(); err != nil {
					return false
				}
			}
			pt, err := k.Decrypt(ct)
			if err != nil {
				return false
			}
			return pt == plaintext
		},
		gen.AnyString(),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
