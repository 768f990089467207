// Command engram is a thin front end over the engram library: create,
// list, extract, verify, and sign archives. It contains no format logic
// of its own; every subcommand is a few lines of glue over the writer,
// reader, and manifest packages (spec.md §6: CLI is out of scope for
// correctness).
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackfall-labs/engram/crypt"
	"github.com/blackfall-labs/engram/enginecfg"
	"github.com/blackfall-labs/engram/format"
	"github.com/blackfall-labs/engram/manifest"
	"github.com/blackfall-labs/engram/reader"
	"github.com/blackfall-labs/engram/writer"
)

var (
	verbose    bool
	logFormat  string
	configPath string
	keyHex     string
)

func main() {
	root := &cobra.Command{
		Use:   "engram",
		Short: "Create, inspect, and extract Engram archives",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging()
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to an engram.yaml writer policy file")
	root.PersistentFlags().StringVar(&keyHex, "key", "", "hex-encoded 32-byte AES-256 key, for encrypted archives")

	root.AddCommand(newCreateCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newExtractCmd())
	root.AddCommand(newVerifyCmd())
	root.AddCommand(newSignCmd())

	if err := root.Execute(); err != nil {
		slog.Error("engram command failed", "error", err)
		os.Exit(1)
	}
}

func configureLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}
}

func resolveKey() ([]byte, error) {
	if keyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != crypt.KeySize {
		return nil, fmt.Errorf("--key must be a %d-byte hex string", crypt.KeySize)
	}
	return key, nil
}

func newCreateCmd() *cobra.Command {
	var method string
	var encMode string

	cmd := &cobra.Command{
		Use:   "create <archive> <file>...",
		Short: "Create an archive from one or more files",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			archivePath, inputs := args[0], args[1:]

			compressionMethod := format.CompressionZstd
			var frameThreshold int64
			if configPath != "" {
				cfg, err := enginecfg.Load(configPath)
				if err != nil {
					return err
				}
				if compressionMethod, err = cfg.CompressionMethod(); err != nil {
					return err
				}
				frameThreshold = cfg.FrameThreshold()
			}
			if method != "" {
				m, err := parseMethod(method)
				if err != nil {
					return err
				}
				compressionMethod = m
			}

			w, err := writer.Create(archivePath)
			if err != nil {
				return err
			}
			w.SetFrameThreshold(frameThreshold)

			if encMode != "" && encMode != "none" {
				key, err := resolveKey()
				if err != nil {
					return err
				}
				if len(key) == 0 {
					return fmt.Errorf("--key is required when --encryption is set")
				}
				switch encMode {
				case "archive":
					err = w.WithArchiveEncryption(key)
				case "per-entry":
					err = w.WithPerEntryEncryption(key)
				default:
					err = fmt.Errorf("--encryption must be none, archive, or per-entry")
				}
				if err != nil {
					return err
				}
			}

			for _, path := range inputs {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				slog.Info("adding entry", "path", path, "bytes", len(data))
				if err := w.AddEntry(path, data, compressionMethod); err != nil {
					return err
				}
			}

			if err := w.Finalize(); err != nil {
				return err
			}
			slog.Info("archive created", "path", archivePath, "entries", len(inputs))
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "compression method: none, lz4, zstd, deflate")
	cmd.Flags().StringVar(&encMode, "encryption", "none", "encryption mode: none, archive, per-entry")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <archive>",
		Short: "List the entries in an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := resolveKey()
			if err != nil {
				return err
			}
			r, err := reader.Open(args[0], key)
			if err != nil {
				return err
			}
			defer r.Close()
			for _, p := range r.List() {
				fmt.Println(p)
			}
			return nil
		},
	}
}

func newExtractCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "extract <archive> <path>",
		Short: "Extract a single entry to stdout, or to --out",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := resolveKey()
			if err != nil {
				return err
			}
			r, err := reader.Open(args[0], key)
			if err != nil {
				return err
			}
			defer r.Close()

			data, err := r.ReadEntry(args[1])
			if err != nil {
				return err
			}
			if outDir == "" {
				_, err := os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(outDir, data, 0o644)
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "write the entry to this path instead of stdout")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <archive>",
		Short: "Open an archive, validate its structure, and verify manifest signatures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := resolveKey()
			if err != nil {
				return err
			}
			r, err := reader.Open(args[0], key)
			if err != nil {
				return fmt.Errorf("structural validation failed: %w", err)
			}
			defer r.Close()
			slog.Info("archive structurally valid", "entries", r.EntryCount())

			if !r.Contains(reader.ManifestPath) {
				slog.Warn("no manifest present")
				return nil
			}
			m, err := r.ReadManifest()
			if err != nil {
				return err
			}
			ok, results, err := manifest.Verify(m)
			if err != nil {
				return err
			}
			for _, res := range results {
				slog.Info("signature checked", "index", res.Index, "valid", res.Valid, "error", res.Err)
			}
			if !ok {
				return fmt.Errorf("manifest signature verification failed")
			}
			if len(results) == 0 {
				slog.Warn("manifest carries no signatures")
				return nil
			}
			slog.Info("manifest fully signed", "signatures", len(results))
			return nil
		},
	}
}

func newSignCmd() *cobra.Command {
	var privHex, signer string
	cmd := &cobra.Command{
		Use:   "sign <manifest.json>",
		Short: "Append an Ed25519 signature to a manifest JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var m manifest.Manifest
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}

			priv, err := hex.DecodeString(privHex)
			if err != nil || len(priv) != ed25519.PrivateKeySize {
				return fmt.Errorf("--private-key must be a %d-byte hex ed25519 private key", ed25519.PrivateKeySize)
			}

			sig, err := manifest.Sign(m, ed25519.PrivateKey(priv), signer, time.Now().Unix())
			if err != nil {
				return err
			}
			m.Signatures = append(m.Signatures, sig)

			out, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return err
			}
			return os.WriteFile(args[0], out, 0o644)
		},
	}
	cmd.Flags().StringVar(&privHex, "private-key", "", "hex-encoded ed25519 private key")
	cmd.Flags().StringVar(&signer, "signer", "", "signer identity recorded in the signature")
	return cmd
}

func parseMethod(name string) (uint8, error) {
	switch name {
	case "none":
		return format.CompressionNone, nil
	case "lz4":
		return format.CompressionLZ4, nil
	case "zstd":
		return format.CompressionZstd, nil
	case "deflate":
		return format.CompressionDeflate, nil
	default:
		return 0, fmt.Errorf("--method must be none, lz4, zstd, or deflate")
	}
}
