// Package writer implements the Engram archive writer: it streams entries
// to an output file, accumulates central-directory descriptors, and on
// Finalize writes the directory, the end-of-central-directory record, and
// (if configured) wraps the whole post-header region in AES-256-GCM.
//
// A Writer owns its output file exclusively for its entire lifetime; see
// spec §5 for the concurrency model. Finalize consumes the Writer — it
// may be called exactly once.
package writer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/blackfall-labs/engram/compress"
	"github.com/blackfall-labs/engram/crypt"
	"github.com/blackfall-labs/engram/format"
)

// ErrAlreadyFinalized is returned by any operation attempted after
// Finalize has consumed the Writer.
var ErrAlreadyFinalized = errors.New("engram: writer already finalized")

// ManifestPath is the reserved entry name for the archive manifest.
const ManifestPath = "manifest.json"

// Writer accumulates entries for a single Engram archive.
type Writer struct {
	f       *os.File
	path    string
	offset  int64 // current absolute file write offset
	entries []format.DirEntry
	paths   map[string]bool

	encMode     uint32
	archiveKey  []byte
	perEntryKey []byte

	frameThreshold int64 // 0 means compress.FrameThreshold
	contentVersion uint32
	finalized      bool
}

// Create allocates path, writes a placeholder header, and positions the
// writer at byte 64 ready to receive entries.
//
// The placeholder header is all-zero, which fails magic validation on
// open; if the process dies before Finalize, the partial file is left on
// disk but any reader rejects it (spec §4.4 invariant 4).
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("engram: create %s: %w", path, err)
	}
	if _, err := f.Write(make([]byte, format.HeaderSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("engram: write placeholder header: %w", err)
	}
	return &Writer{
		f:      f,
		path:   path,
		offset: format.HeaderSize,
		paths:  make(map[string]bool),
	}, nil
}

// WithArchiveEncryption configures archive-wide AES-256-GCM encryption.
// It must be called before any entry is added.
func (w *Writer) WithArchiveEncryption(key []byte) error {
	if err := w.lockMode(key); err != nil {
		return err
	}
	w.encMode = format.EncryptionArchive
	w.archiveKey = key
	return nil
}

// WithPerEntryEncryption configures per-entry AES-256-GCM encryption,
// where every entry carries its own nonce. It must be called before any
// entry is added.
func (w *Writer) WithPerEntryEncryption(key []byte) error {
	if err := w.lockMode(key); err != nil {
		return err
	}
	w.encMode = format.EncryptionPerEntry
	w.perEntryKey = key
	return nil
}

func (w *Writer) lockMode(key []byte) error {
	if w.finalized {
		return ErrAlreadyFinalized
	}
	if len(w.entries) > 0 {
		return fmt.Errorf("%w: encryption mode must be set before any entry is added", format.ErrEncryptionModeMismatch)
	}
	if len(key) != crypt.KeySize {
		return fmt.Errorf("%w: key must be %d bytes, got %d", format.ErrMissingKey, crypt.KeySize, len(key))
	}
	return nil
}

// SetContentVersion sets the opaque application counter stored in the
// header's content_version field.
func (w *Writer) SetContentVersion(v uint32) {
	w.contentVersion = v
}

// SetFrameThreshold overrides the uncompressed-size threshold at or
// above which an entry is frame-wrapped, letting a policy config's
// frame.threshold_bytes take effect. It has no effect on entries
// already added.
func (w *Writer) SetFrameThreshold(bytes int64) {
	w.frameThreshold = bytes
}

// AddEntry normalizes path, compresses data with method, optionally
// per-entry-encrypts it, and appends it to the archive.
func (w *Writer) AddEntry(path string, data []byte, method uint8) error {
	return w.addEntry(path, data, method, time.Now())
}

// AddEntryAt is AddEntry with an explicit modification time, used by
// callers (and tests) that need deterministic mtimes.
func (w *Writer) AddEntryAt(path string, data []byte, method uint8, mtime time.Time) error {
	return w.addEntry(path, data, method, mtime)
}

func (w *Writer) addEntry(path string, data []byte, method uint8, mtime time.Time) error {
	if w.finalized {
		return ErrAlreadyFinalized
	}
	norm, err := format.NormalizePath(path)
	if err != nil {
		return err
	}
	if w.paths[norm] {
		return fmt.Errorf("%w: %q", format.ErrDuplicateEntry, norm)
	}

	crc := format.CRC32(data)
	payload, framed, err := compress.CompressWithThreshold(data, method, w.frameThreshold)
	if err != nil {
		return err
	}

	stored := payload
	if w.encMode == format.EncryptionPerEntry && len(stored) > 0 {
		stored, err = crypt.Seal(w.perEntryKey, payload)
		if err != nil {
			return err
		}
	}

	dataOffset := uint64(w.offset)
	if w.encMode == format.EncryptionArchive {
		dataOffset -= format.HeaderSize
	}

	if len(stored) > 0 {
		if _, err := w.f.Write(stored); err != nil {
			return fmt.Errorf("engram: write entry %q: %w", norm, err)
		}
		w.offset += int64(len(stored))
	}

	flags := uint8(0)
	if framed {
		flags |= format.EntryFlagFrameCompressed
	}

	w.entries = append(w.entries, format.DirEntry{
		DataOffset:       dataOffset,
		UncompressedSize: uint64(len(data)),
		CompressedSize:   uint64(len(stored)),
		CRC32:            crc,
		Mtime:            mtime.Unix(),
		Compression:      method,
		Flags:            flags,
		Path:             norm,
	})
	w.paths[norm] = true
	return nil
}

// AddManifest JSON-encodes value and writes it as the reserved
// manifest.json entry, uncompressed and never frame-wrapped. It fails if
// a manifest has already been added.
func (w *Writer) AddManifest(value any) error {
	if w.paths[ManifestPath] {
		return fmt.Errorf("%w: manifest.json already present", format.ErrDuplicateEntry)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("engram: marshal manifest: %w", err)
	}
	return w.addEntry(ManifestPath, data, format.CompressionNone, time.Now())
}

// Finalize consumes the Writer: it writes the central directory and ENDR,
// optionally archive-encrypts the post-header region, and rewrites the
// header with its definitive field values. Finalize may be called
// exactly once.
func (w *Writer) Finalize() error {
	if w.finalized {
		return ErrAlreadyFinalized
	}
	w.finalized = true
	defer w.f.Close()

	cdOffsetAbsolute := w.offset
	cdBuf, err := w.encodeDirectory()
	if err != nil {
		return err
	}
	if _, err := w.f.Write(cdBuf); err != nil {
		return fmt.Errorf("engram: write central directory: %w", err)
	}
	w.offset += int64(len(cdBuf))

	endRec := format.EndRecord{
		CDOffset:   relativeOffset(uint64(cdOffsetAbsolute), w.encMode),
		CDSize:     uint64(len(cdBuf)),
		EntryCount: uint32(len(w.entries)),
		ArchiveCRC: format.CRC32(cdBuf),
	}
	endBuf := format.EncodeEndRecord(endRec)
	if _, err := w.f.Write(endBuf); err != nil {
		return fmt.Errorf("engram: write end record: %w", err)
	}
	w.offset += int64(len(endBuf))

	if w.encMode == format.EncryptionArchive {
		if err := w.encryptRegion(); err != nil {
			return err
		}
	}

	header := format.Header{
		VersionMajor:   format.VersionMajor,
		VersionMinor:   format.VersionMinor,
		CDOffset:       endRec.CDOffset,
		CDSize:         endRec.CDSize,
		EntryCount:     endRec.EntryCount,
		ContentVersion: w.contentVersion,
		Flags:          w.encMode,
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("engram: seek to header: %w", err)
	}
	if _, err := w.f.Write(format.EncodeHeader(header)); err != nil {
		return fmt.Errorf("engram: write final header: %w", err)
	}
	return w.f.Sync()
}

func relativeOffset(absolute uint64, mode uint32) uint64 {
	if mode == format.EncryptionArchive {
		return absolute - format.HeaderSize
	}
	return absolute
}

func (w *Writer) encodeDirectory() ([]byte, error) {
	buf := make([]byte, 0, len(w.entries)*format.DirEntrySize)
	for _, e := range w.entries {
		enc, err := format.EncodeDirEntry(e)
		if err != nil {
			return nil, err
		}
		buf = append(buf, enc...)
	}
	return buf, nil
}

// encryptRegion reads everything from byte 64 to EOF (the plaintext
// entries + central directory + ENDR), seals it under the archive key,
// and rewrites that range as nonce || ciphertext || tag, per spec §4.4.
func (w *Writer) encryptRegion() error {
	if _, err := w.f.Seek(format.HeaderSize, io.SeekStart); err != nil {
		return fmt.Errorf("engram: seek to region start: %w", err)
	}
	plain, err := io.ReadAll(w.f)
	if err != nil {
		return fmt.Errorf("engram: read region for encryption: %w", err)
	}

	sealed, err := crypt.Seal(w.archiveKey, plain)
	if err != nil {
		return err
	}

	if err := w.f.Truncate(format.HeaderSize); err != nil {
		return fmt.Errorf("engram: truncate before rewrite: %w", err)
	}
	if _, err := w.f.Seek(format.HeaderSize, io.SeekStart); err != nil {
		return fmt.Errorf("engram: seek to region start: %w", err)
	}
	if _, err := w.f.Write(sealed); err != nil {
		return fmt.Errorf("engram: write sealed region: %w", err)
	}
	w.offset = format.HeaderSize + int64(len(sealed))
	return nil
}
