// Package crypt implements Engram's AES-256-GCM encryption pipeline in its
// two modes (archive-wide and per-entry), plus a reference PBKDF2 key
// derivation helper for callers that want to turn a passphrase into a
// raw 32-byte key. Key derivation happens outside the archive format
// itself, per spec §4.3.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"crypto/sha256"

	"github.com/blackfall-labs/engram/format"
)

// KeySize is the required raw AES-256 key length.
const KeySize = 32

// NonceSize is the GCM nonce length used throughout Engram.
const NonceSize = 12

// TagSize is the GCM authentication tag length.
const TagSize = 16

// PBKDF2Iterations is the reference KDF's iteration count (spec §4.3).
const PBKDF2Iterations = 100000

// PBKDF2SaltSize is the reference KDF's salt length.
const PBKDF2SaltSize = 32

// DeriveKey turns a passphrase and salt into a raw 32-byte AES-256 key
// using PBKDF2-HMAC-SHA256. The salt is the caller's responsibility to
// generate and store (typically inside the manifest's capability
// section, never inside the archive header).
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
}

// NewSalt generates a fresh random PBKDF2SaltSize-byte salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, PBKDF2SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("engram: generate salt: %w", err)
	}
	return salt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", format.ErrMissingKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("engram: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("engram: gcm: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext under key, returning nonce || ciphertext || tag
// as a single contiguous buffer, matching the on-disk layout of both
// encryption modes in spec §4.3.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("engram: generate nonce: %w", err)
	}
	out := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Open decrypts a nonce || ciphertext || tag buffer produced by Seal,
// returning ErrDecryptionFailed if the tag does not authenticate (wrong
// key or tampered data) and never returning any partial plaintext in
// that case.
func Open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: sealed buffer too short", format.ErrDecryptionFailed)
	}
	nonce := sealed[:NonceSize]
	ciphertext := sealed[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", format.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
