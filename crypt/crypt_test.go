package crypt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/blackfall-labs/engram/format"
)

func testKey(b byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(0x42)
	plaintext := []byte("hello, engram")

	sealed, err := Seal(key, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(sealed) != NonceSize+len(plaintext)+TagSize {
		t.Fatalf("sealed length = %d, want %d", len(sealed), NonceSize+len(plaintext)+TagSize)
	}

	got, err := Open(key, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Open() = %q, want %q", got, plaintext)
	}
}

func TestOpenWrongKey(t *testing.T) {
	sealed, err := Seal(testKey(1), []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(testKey(2), sealed); !errors.Is(err, format.ErrDecryptionFailed) {
		t.Fatalf("Open() error = %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenTamperedPayload(t *testing.T) {
	sealed, err := Seal(testKey(9), []byte("tamper me"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xFF
	if _, err := Open(testKey(9), sealed); !errors.Is(err, format.ErrDecryptionFailed) {
		t.Fatalf("Open() error = %v, want ErrDecryptionFailed", err)
	}
}

func TestNonceUniqueness(t *testing.T) {
	key := testKey(5)
	a, err := Seal(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b, err := Seal(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(a[:NonceSize], b[:NonceSize]) {
		t.Fatalf("two Seal calls produced the same nonce")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{0xAB}, PBKDF2SaltSize)
	k1 := DeriveKey("correct horse battery staple", salt)
	k2 := DeriveKey("correct horse battery staple", salt)
	if !bytes.Equal(k1, k2) {
		t.Fatalf("DeriveKey not deterministic for identical inputs")
	}
	if len(k1) != KeySize {
		t.Fatalf("DeriveKey produced %d bytes, want %d", len(k1), KeySize)
	}
}

func TestMissingKey(t *testing.T) {
	if _, err := Seal([]byte("tooshort"), []byte("x")); !errors.Is(err, format.ErrMissingKey) {
		t.Fatalf("Seal() error = %v, want ErrMissingKey", err)
	}
}
