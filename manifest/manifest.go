// Package manifest implements the Engram manifest schema and its Ed25519
// signature envelope: canonicalization (a stable, signatures-stripped,
// sorted-key JSON form), signing, and independent per-signature
// verification. See spec.md §6.
package manifest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNonIntegerMetadata is returned by Canonicalize when metadata
// contains a JSON number with a fractional or exponent part. Floats in
// signed metadata are rejected outright rather than pinned to a
// round-trip representation (spec.md §9 open question).
var ErrNonIntegerMetadata = errors.New("engram: metadata contains a non-integer number")

// Author identifies the manifest's author.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// FileEntry describes one archive entry's content hash, as recorded for
// manifest-level integrity independent of the per-entry CRC32.
type FileEntry struct {
	Path     string `json:"path"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
}

// Signature is one entry in a manifest's signatures array.
type Signature struct {
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	Signer    string `json:"signer,omitempty"`
}

// Manifest is the decoded form of manifest.json.
type Manifest struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Description  string         `json:"description,omitempty"`
	Author       Author         `json:"author"`
	Created      string         `json:"created"`
	Files        []FileEntry    `json:"files"`
	Signatures   []Signature    `json:"signatures,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SignatureResult reports the outcome of verifying a single signature.
type SignatureResult struct {
	Index int
	Valid bool
	Err   error
}

// Canonicalize produces the stable signing payload for m: the manifest
// JSON with the signatures array removed, object keys sorted, and
// compact whitespace. Returns ErrNonIntegerMetadata if m.Metadata
// contains any JSON number with a fractional or exponent part.
func Canonicalize(m Manifest) ([]byte, error) {
	if err := validateMetadataIntegers(m.Metadata); err != nil {
		return nil, err
	}

	stripped := m
	stripped.Signatures = nil

	raw, err := json.Marshal(stripped)
	if err != nil {
		return nil, fmt.Errorf("engram: marshal manifest: %w", err)
	}

	var generic map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("engram: decode manifest for canonicalization: %w", err)
	}
	delete(generic, "signatures")

	return encodeSortedCompact(generic)
}

// validateMetadataIntegers walks an arbitrary metadata value tree looking
// for json.Number-shaped floats; since Metadata is map[string]any
// produced by this package's own struct, float64 values originating from
// non-integer JSON literals are rejected by checking for a fractional
// part.
func validateMetadataIntegers(metadata map[string]any) error {
	for k, v := range metadata {
		if err := checkNumberValue(v); err != nil {
			return fmt.Errorf("%w: metadata.%s", err, k)
		}
	}
	return nil
}

func checkNumberValue(v any) error {
	switch val := v.(type) {
	case float64:
		if val != float64(int64(val)) {
			return ErrNonIntegerMetadata
		}
	case json.Number:
		if strings.ContainsAny(string(val), ".eE") {
			return ErrNonIntegerMetadata
		}
	case map[string]any:
		for _, vv := range val {
			if err := checkNumberValue(vv); err != nil {
				return err
			}
		}
	case []any:
		for _, vv := range val {
			if err := checkNumberValue(vv); err != nil {
				return err
			}
		}
	}
	return nil
}

// encodeSortedCompact recursively re-encodes v with object keys sorted
// and no insignificant whitespace, giving a byte-stable canonical form
// regardless of the field order json.Marshal happened to produce.
func encodeSortedCompact(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			valBytes, err := encodeSortedCompact(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(valBytes)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			elemBytes, err := encodeSortedCompact(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(elemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		return json.Marshal(val)
	}
}

// Sign builds one signature record over m's canonical form and returns
// it; m itself is not mutated, and appending the record to m.Signatures
// is left to the caller.
func Sign(m Manifest, priv ed25519.PrivateKey, signer string, timestamp int64) (Signature, error) {
	canon, err := Canonicalize(m)
	if err != nil {
		return Signature{}, err
	}
	digest := sha256.Sum256(canon)
	sig := ed25519.Sign(priv, digest[:])

	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return Signature{}, fmt.Errorf("engram: private key has no ed25519 public key")
	}

	return Signature{
		Algorithm: "ed25519",
		PublicKey: hex.EncodeToString(pub),
		Signature: hex.EncodeToString(sig),
		Timestamp: timestamp,
		Signer:    signer,
	}, nil
}

// Verify recomputes m's canonical hash and checks every entry in
// m.Signatures independently.
func Verify(m Manifest) (ok bool, results []SignatureResult, err error) {
	canon, err := Canonicalize(m)
	if err != nil {
		return false, nil, err
	}
	digest := sha256.Sum256(canon)

	ok = true
	for i, sig := range m.Signatures {
		res := SignatureResult{Index: i}
		if valid, verr := verifyOne(digest[:], sig); verr != nil {
			res.Err = verr
			res.Valid = false
		} else {
			res.Valid = valid
		}
		if !res.Valid {
			ok = false
		}
		results = append(results, res)
	}
	return ok, results, nil
}

func verifyOne(digest []byte, sig Signature) (bool, error) {
	if sig.Algorithm != "ed25519" {
		return false, fmt.Errorf("engram: unsupported signature algorithm %q", sig.Algorithm)
	}
	pub, err := hex.DecodeString(sig.PublicKey)
	if err != nil {
		return false, fmt.Errorf("engram: decode public_key: %w", err)
	}
	sigBytes, err := hex.DecodeString(sig.Signature)
	if err != nil {
		return false, fmt.Errorf("engram: decode signature: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("engram: public_key has wrong length %d", len(pub))
	}
	return ed25519.Verify(ed25519.PublicKey(pub), digest, sigBytes), nil
}

// IsFullySigned reports whether m carries at least one signature and
// every signature verifies.
func IsFullySigned(m Manifest) bool {
	ok, results, err := Verify(m)
	if err != nil || len(results) == 0 {
		return false
	}
	return ok
}

// HashArchiveCiphertext returns the hex-encoded SHA-256 of the on-disk
// bytes of an archive-encrypted archive, suitable for a signature that
// covers the ciphertext rather than (or in addition to) the manifest
// itself, so tampering is detectable without the decryption key (spec.md
// §6).
func HashArchiveCiphertext(ciphertext []byte) string {
	digest := sha256.Sum256(ciphertext)
	return hex.EncodeToString(digest[:])
}
