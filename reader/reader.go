// Package reader implements the Engram archive reader: it opens a file,
// locates and parses the end record and central directory, builds an
// O(1) path index, and returns entry bytes through the full inverse
// pipeline (decrypt → de-frame → decompress → CRC check).
//
// Structural checks (header, ENDR, directory) are eager at Open time.
// Content checks (CRC32, decompression size) are lazy, performed only
// when ReadEntry is called for a given entry (spec §4.5).
package reader

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/blackfall-labs/engram/compress"
	"github.com/blackfall-labs/engram/crypt"
	"github.com/blackfall-labs/engram/format"
	"github.com/blackfall-labs/engram/manifest"
)

// ManifestPath is the reserved entry name for the archive manifest.
const ManifestPath = "manifest.json"

// Reader provides random-access reads over a finalized Engram archive.
//
// A Reader is not safe to share across goroutines: it mutates an internal
// file seek position and, in archive-encryption mode, retains a decrypted
// inner buffer. Multiple independent Readers may safely open the same
// file concurrently (spec §5).
type Reader struct {
	f    *os.File
	path string

	header  format.Header
	entries map[string]format.DirEntry

	encMode     uint32
	archiveKey  []byte
	perEntryKey []byte
	innerBuf    []byte // populated only in archive-encryption mode
}

// Open opens path and parses its header and directory. key is required
// for archive-wide encryption (decryption happens at Open time) and may
// optionally be supplied for per-entry encryption, in which case every
// ReadEntry call will use it; pass nil if the key is not yet known and
// supply one later via WithKey.
func Open(path string, key []byte) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engram: open %s: %w", path, err)
	}

	r, err := openReader(f, path, key)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func openReader(f *os.File, path string, key []byte) (*Reader, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("engram: stat %s: %w", path, err)
	}
	size := fi.Size()
	if size < format.HeaderSize {
		return nil, format.ErrTruncated
	}

	headerBuf := make([]byte, format.HeaderSize)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		return nil, fmt.Errorf("engram: read header: %w", err)
	}
	header, err := format.DecodeHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	r := &Reader{f: f, path: path, header: header}
	r.encMode = header.EncryptionMode()

	switch r.encMode {
	case format.EncryptionNone:
		if err := r.initPlain(size); err != nil {
			return nil, err
		}
	case format.EncryptionArchive:
		if len(key) != crypt.KeySize {
			return nil, fmt.Errorf("%w: archive-encrypted archive requires a %d-byte key", format.ErrMissingKey, crypt.KeySize)
		}
		if err := r.initArchiveEncrypted(size, key); err != nil {
			return nil, err
		}
		r.archiveKey = key
	case format.EncryptionPerEntry:
		if err := r.initPlain(size); err != nil {
			return nil, err
		}
		r.perEntryKey = key
	default:
		return nil, fmt.Errorf("%w: unknown encryption mode %d", format.ErrInvalidFormat, r.encMode)
	}

	return r, nil
}

// WithKey supplies (or replaces) the per-entry decryption key on an
// already-open Reader. It is a no-op for archive-encrypted archives,
// whose key must be supplied to Open.
func (r *Reader) WithKey(key []byte) {
	if r.encMode == format.EncryptionPerEntry {
		r.perEntryKey = key
	}
}

func (r *Reader) initPlain(fileSize int64) error {
	if r.header.CDOffset+r.header.CDSize > uint64(fileSize) {
		return fmt.Errorf("%w: central directory extends past end of file", format.ErrInvalidFormat)
	}
	cdBuf := make([]byte, r.header.CDSize)
	if _, err := r.f.ReadAt(cdBuf, int64(r.header.CDOffset)); err != nil {
		return fmt.Errorf("engram: read central directory: %w", err)
	}

	tail := make([]byte, format.EndRecordSize)
	if _, err := r.f.ReadAt(tail, fileSize-format.EndRecordSize); err != nil {
		return fmt.Errorf("engram: read end record: %w", err)
	}
	end, err := format.LocateEndRecord(fileSize, tail)
	if err != nil {
		return err
	}

	entries, err := parseDirectory(cdBuf, r.header, end)
	if err != nil {
		return err
	}
	r.entries = entries
	return nil
}

func (r *Reader) initArchiveEncrypted(fileSize int64, key []byte) error {
	sealed := make([]byte, fileSize-format.HeaderSize)
	if _, err := r.f.ReadAt(sealed, format.HeaderSize); err != nil {
		return fmt.Errorf("engram: read encrypted region: %w", err)
	}
	plain, err := crypt.Open(key, sealed)
	if err != nil {
		return err
	}
	r.innerBuf = plain

	innerSize := int64(len(plain))
	if r.header.CDOffset+r.header.CDSize > uint64(innerSize) {
		return fmt.Errorf("%w: central directory extends past end of inner buffer", format.ErrInvalidFormat)
	}
	cdBuf := plain[r.header.CDOffset : r.header.CDOffset+r.header.CDSize]

	if innerSize < format.EndRecordSize {
		return format.ErrTruncated
	}
	tail := plain[innerSize-format.EndRecordSize:]
	end, err := format.LocateEndRecord(innerSize, tail)
	if err != nil {
		return err
	}

	entries, err := parseDirectory(cdBuf, r.header, end)
	if err != nil {
		return err
	}
	r.entries = entries
	return nil
}

// parseDirectory decodes cdBuf into individual entries, cross-validates
// the end record against the header, and builds the path index.
func parseDirectory(cdBuf []byte, header format.Header, end format.EndRecord) (map[string]format.DirEntry, error) {
	if end.CDOffset != header.CDOffset || end.CDSize != header.CDSize || end.EntryCount != header.EntryCount {
		return nil, fmt.Errorf("%w: end record does not match header", format.ErrInvalidFormat)
	}
	if format.CRC32(cdBuf) != end.ArchiveCRC {
		return nil, fmt.Errorf("%w: end record archive crc mismatch", format.ErrInvalidFormat)
	}
	if uint64(len(cdBuf)) != uint64(header.EntryCount)*format.DirEntrySize {
		return nil, fmt.Errorf("%w: central directory size does not match entry_count", format.ErrInvalidFormat)
	}

	entries := make(map[string]format.DirEntry, header.EntryCount)
	for i := uint32(0); i < header.EntryCount; i++ {
		start := int(i) * format.DirEntrySize
		e, err := format.DecodeDirEntry(cdBuf[start : start+format.DirEntrySize])
		if err != nil {
			return nil, err
		}
		if _, dup := entries[e.Path]; dup {
			return nil, fmt.Errorf("%w: duplicate path %q in central directory", format.ErrInvalidFormat, e.Path)
		}
		entries[e.Path] = e
	}
	return entries, nil
}

// ReadEntry returns the plaintext bytes of the entry at path, running the
// full inverse pipeline: decrypt (if per-entry mode), de-frame (if
// frame-compressed), decompress, and verify CRC32 against the directory.
func (r *Reader) ReadEntry(path string) ([]byte, error) {
	entry, err := r.lookup(path)
	if err != nil {
		return nil, err
	}

	stored, err := r.readStored(entry)
	if err != nil {
		return nil, err
	}

	payload := stored
	if r.encMode == format.EncryptionPerEntry && len(stored) > 0 {
		if len(r.perEntryKey) == 0 {
			return nil, format.ErrMissingKey
		}
		payload, err = crypt.Open(r.perEntryKey, stored)
		if err != nil {
			return nil, err
		}
	}

	plaintext, err := compress.Decompress(payload, entry.Compression, entry.FrameCompressed(), entry.UncompressedSize)
	if err != nil {
		return nil, err
	}

	if format.CRC32(plaintext) != entry.CRC32 {
		return nil, fmt.Errorf("%w: crc mismatch for %q", format.ErrCorruptedData, entry.Path)
	}
	return plaintext, nil
}

// ReadManifest reads and JSON-decodes the reserved manifest.json entry
// (spec §4.5 read_manifest). It returns format.ErrEntryNotFound if the
// archive carries no manifest.
func (r *Reader) ReadManifest() (manifest.Manifest, error) {
	raw, err := r.ReadEntry(ManifestPath)
	if err != nil {
		return manifest.Manifest{}, err
	}
	var m manifest.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return manifest.Manifest{}, fmt.Errorf("engram: parse manifest: %w", err)
	}
	return m, nil
}

func (r *Reader) readStored(entry format.DirEntry) ([]byte, error) {
	if entry.CompressedSize == 0 {
		return nil, nil
	}
	if r.encMode == format.EncryptionArchive {
		start := entry.DataOffset
		end := start + entry.CompressedSize
		if end > uint64(len(r.innerBuf)) {
			return nil, fmt.Errorf("%w: entry payload extends past inner buffer", format.ErrInvalidFormat)
		}
		out := make([]byte, entry.CompressedSize)
		copy(out, r.innerBuf[start:end])
		return out, nil
	}

	buf := make([]byte, entry.CompressedSize)
	if _, err := r.f.Seek(int64(entry.DataOffset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("engram: seek to entry: %w", err)
	}
	if _, err := io.ReadFull(r.f, buf); err != nil {
		return nil, fmt.Errorf("engram: read entry: %w", err)
	}
	return buf, nil
}

// lookup normalizes path and, if not found directly, retries with the
// opposite slash convention to accept legacy backslash-style paths
// (spec §4.5 step 1).
func (r *Reader) lookup(path string) (format.DirEntry, error) {
	norm, err := format.NormalizePath(path)
	if err == nil {
		if e, ok := r.entries[norm]; ok {
			return e, nil
		}
	}
	if e, ok := r.entries[path]; ok {
		return e, nil
	}
	if e, ok := r.entries[strings.ReplaceAll(path, "/", `\`)]; ok {
		return e, nil
	}
	return format.DirEntry{}, fmt.Errorf("%w: %q", format.ErrEntryNotFound, path)
}

// List returns every entry path in the archive, sorted.
func (r *Reader) List() []string {
	paths := make([]string, 0, len(r.entries))
	for p := range r.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Contains reports whether path (in either slash convention) names an
// entry in the archive.
func (r *Reader) Contains(path string) bool {
	_, err := r.lookup(path)
	return err == nil
}

// EntryCount returns the number of entries in the archive.
func (r *Reader) EntryCount() int {
	return len(r.entries)
}

// ContentVersion returns the header's opaque application counter.
func (r *Reader) ContentVersion() uint32 {
	return r.header.ContentVersion
}

// Close releases the reader's file handle and any decrypted inner
// buffer.
func (r *Reader) Close() error {
	r.innerBuf = nil
	return r.f.Close()
}
