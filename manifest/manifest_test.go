package manifest

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"testing"
)

func sampleManifest() Manifest {
	return Manifest{
		Name:    "test-corpus",
		Version: "1.0.0",
		Author:  Author{Name: "Jordan Rivera", Email: "jordan@example.com"},
		Created: "2026-01-15T00:00:00Z",
		Files: []FileEntry{
			{Path: "a.txt", SHA256: "abc123", Size: 5},
		},
		Capabilities: []string{"sqlite-vfs"},
		Metadata:     map[string]any{"corpus_id": 42, "revision": 3},
	}
}

func TestCanonicalizeStableUnderKeyReordering(t *testing.T) {
	m1 := sampleManifest()
	m2 := Manifest{
		Created: m1.Created,
		Version: m1.Version,
		Name:    m1.Name,
		Author:  m1.Author,
		Files:   m1.Files,
		Capabilities: m1.Capabilities,
		Metadata: map[string]any{"revision": 3, "corpus_id": 42},
	}

	c1, err := Canonicalize(m1)
	if err != nil {
		t.Fatalf("Canonicalize(m1): %v", err)
	}
	c2, err := Canonicalize(m2)
	if err != nil {
		t.Fatalf("Canonicalize(m2): %v", err)
	}
	if !bytes.Equal(c1, c2) {
		t.Fatalf("canonical forms differ:\n%s\n%s", c1, c2)
	}
}

func TestCanonicalizeStableAcrossSignaturesPresence(t *testing.T) {
	m := sampleManifest()
	withoutSig, err := Canonicalize(m)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}

	m.Signatures = []Signature{{Algorithm: "ed25519", PublicKey: "aa", Signature: "bb", Timestamp: 1}}
	withSig, err := Canonicalize(m)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if !bytes.Equal(withoutSig, withSig) {
		t.Fatalf("canonical form changed when a signature was added")
	}
}

func TestCanonicalizeRejectsNonIntegerMetadata(t *testing.T) {
	m := sampleManifest()
	m.Metadata = map[string]any{"ratio": 3.14}
	if _, err := Canonicalize(m); !errors.Is(err, ErrNonIntegerMetadata) {
		t.Fatalf("Canonicalize() error = %v, want ErrNonIntegerMetadata", err)
	}
}

func TestCanonicalizeAcceptsWholeNumberFloats(t *testing.T) {
	m := sampleManifest()
	m.Metadata = map[string]any{"count": 10.0}
	if _, err := Canonicalize(m); err != nil {
		t.Fatalf("Canonicalize() with whole-number float: %v", err)
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	m := sampleManifest()

	sig, err := Sign(m, priv, "release-bot", 1700000000)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	m.Signatures = append(m.Signatures, sig)

	ok, results, err := Verify(m)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("Verify() = false, want true; results = %+v", results)
	}
	if !IsFullySigned(m) {
		t.Fatalf("IsFullySigned() = false, want true")
	}
}

func TestIsFullySignedFalseWithZeroSignatures(t *testing.T) {
	m := sampleManifest()
	if IsFullySigned(m) {
		t.Fatalf("IsFullySigned() = true for an unsigned manifest")
	}
}

func TestVerifyCatchesTamperedField(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	m := sampleManifest()
	sig, err := Sign(m, priv, "release-bot", 1700000000)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	m.Signatures = append(m.Signatures, sig)

	m.Description = "tampered after signing"
	ok, _, err := Verify(m)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("Verify() = true for a manifest tampered after signing")
	}
}

func TestVerifyCatchesWrongKey(t *testing.T) {
	_, priv1, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pub2, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	m := sampleManifest()
	sig, err := Sign(m, priv1, "release-bot", 1700000000)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig.PublicKey = hex.EncodeToString(pub2)
	m.Signatures = append(m.Signatures, sig)

	ok, results, err := Verify(m)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok || results[0].Valid {
		t.Fatalf("Verify() accepted a signature checked against the wrong public key")
	}
}
