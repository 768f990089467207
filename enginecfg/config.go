// Package enginecfg loads the YAML policy file that drives archive
// creation: default compression method, encryption mode, frame
// threshold override, and KDF parameters. It follows the strict-decode,
// pointer-field-for-optional-values pattern used throughout the
// retrieved pack's own YAML configs.
package enginecfg

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/blackfall-labs/engram/format"
)

// ValidationMode selects how strictly Load checks the decoded config.
type ValidationMode int

const (
	// ValidationFull requires every field needed to create an archive.
	ValidationFull ValidationMode = iota
	// ValidationInspect only checks the fields needed to describe an
	// existing policy (used by `engram verify`-style read-only tooling).
	ValidationInspect
)

// Config is the top-level engram.yaml schema.
type Config struct {
	Compression CompressionConfig `yaml:"compression"`
	Encryption  EncryptionConfig  `yaml:"encryption"`
	Frame       FrameConfig       `yaml:"frame"`
	KDF         KDFConfig         `yaml:"kdf"`
}

// CompressionConfig selects the default per-entry compression method.
type CompressionConfig struct {
	Method *string `yaml:"method"`
}

// EncryptionConfig selects the archive's encryption mode and key source.
type EncryptionConfig struct {
	Mode       *string `yaml:"mode"`
	KeyHexFile string  `yaml:"key_hex_file"`
}

// FrameConfig overrides the compression pipeline's frame-table
// threshold. The per-frame chunk size is a fixed wire-format constant
// (compress.FrameSize) rather than a policy knob: a reader has no way
// to learn a writer's chosen frame size from the archive itself, so
// only the threshold that decides whether an entry is framed at all
// can be safely overridden per policy.
type FrameConfig struct {
	ThresholdBytes *int64 `yaml:"threshold_bytes"`
}

// KDFConfig holds passphrase and PBKDF2 parameters as a key source when
// a raw key file is not supplied. Validation checks them; nothing in this
// module derives a key from them, and crypt.DeriveKey always uses its
// fixed crypt.PBKDF2Iterations rather than Iterations.
type KDFConfig struct {
	Iterations *int   `yaml:"iterations"`
	Passphrase string `yaml:"passphrase"`
}

var methodValues = map[string]uint8{
	"none":    format.CompressionNone,
	"lz4":     format.CompressionLZ4,
	"zstd":    format.CompressionZstd,
	"deflate": format.CompressionDeflate,
}

var encryptionValues = map[string]uint32{
	"none":      format.EncryptionNone,
	"archive":   format.EncryptionArchive,
	"per-entry": format.EncryptionPerEntry,
}

// Load reads and fully validates a policy file at path.
func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationFull)
}

// LoadWithMode reads path and validates it under the given mode.
func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engram: read config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("engram: parse config yaml: %w", err)
	}
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CompressionMethod resolves the configured method name to its format
// package constant.
func (c *Config) CompressionMethod() (uint8, error) {
	name := "none"
	if c.Compression.Method != nil {
		name = *c.Compression.Method
	}
	method, ok := methodValues[name]
	if !ok {
		return 0, fmt.Errorf("config.compression.method %q is not one of none, lz4, zstd, deflate", name)
	}
	return method, nil
}

// EncryptionMode resolves the configured mode name to its format package
// constant.
func (c *Config) EncryptionMode() (uint32, error) {
	name := "none"
	if c.Encryption.Mode != nil {
		name = *c.Encryption.Mode
	}
	mode, ok := encryptionValues[name]
	if !ok {
		return 0, fmt.Errorf("config.encryption.mode %q is not one of none, archive, per-entry", name)
	}
	return mode, nil
}

// FrameThreshold resolves the configured frame threshold override, or 0
// if unset (callers should then fall back to compress.FrameThreshold).
func (c *Config) FrameThreshold() int64 {
	if c.Frame.ThresholdBytes == nil {
		return 0
	}
	return *c.Frame.ThresholdBytes
}

// Validate runs full validation, equivalent to ValidateWithMode(ValidationFull).
func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationFull)
}

// ValidateWithMode checks c under the given mode.
func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if _, err := c.CompressionMethod(); err != nil {
		return err
	}
	encMode, err := c.EncryptionMode()
	if err != nil {
		return err
	}

	switch mode {
	case ValidationInspect:
		return nil
	case ValidationFull:
		return c.validateFullMode(encMode)
	default:
		return fmt.Errorf("engram: unsupported validation mode %d", mode)
	}
}

func (c *Config) validateFullMode(encMode uint32) error {
	if encMode != format.EncryptionNone {
		haveKeyFile := strings.TrimSpace(c.Encryption.KeyHexFile) != ""
		havePassphrase := strings.TrimSpace(c.KDF.Passphrase) != ""
		if !haveKeyFile && !havePassphrase {
			return fmt.Errorf("config.encryption requires either key_hex_file or kdf.passphrase when mode is not none")
		}
		if haveKeyFile {
			if err := validateReadableFile(c.Encryption.KeyHexFile, "config.encryption.key_hex_file"); err != nil {
				return err
			}
		}
	}

	if c.Frame.ThresholdBytes != nil && *c.Frame.ThresholdBytes <= 0 {
		return fmt.Errorf("config.frame.threshold_bytes must be > 0")
	}
	if c.KDF.Iterations != nil && *c.KDF.Iterations < 1000 {
		return fmt.Errorf("config.kdf.iterations must be >= 1000")
	}
	return nil
}

func validateReadableFile(path, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got a directory", field)
	}
	return nil
}
