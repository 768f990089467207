package writer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blackfall-labs/engram/format"
)

func testKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func tempArchivePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "archive.eng")
}

func TestCreateWritesPlaceholderHeader(t *testing.T) {
	path := tempArchivePath(t)
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	placeholder, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(placeholder) != format.HeaderSize {
		t.Fatalf("placeholder header is %d bytes, want %d", len(placeholder), format.HeaderSize)
	}
	for i, b := range placeholder {
		if b != 0 {
			t.Fatalf("placeholder header byte %d = %#x, want 0", i, b)
		}
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Size() < format.HeaderSize+format.EndRecordSize {
		t.Fatalf("archive too small: %d bytes", fi.Size())
	}
}

func TestAddEntryRejectsDuplicatePaths(t *testing.T) {
	w, err := Create(tempArchivePath(t))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	mtime := time.Unix(1700000000, 0)
	if err := w.AddEntryAt("a.txt", []byte("one"), format.CompressionNone, mtime); err != nil {
		t.Fatalf("AddEntryAt: %v", err)
	}
	err = w.AddEntryAt("a.txt", []byte("two"), format.CompressionNone, mtime)
	if !errors.Is(err, format.ErrDuplicateEntry) {
		t.Fatalf("AddEntryAt duplicate: err = %v, want ErrDuplicateEntry", err)
	}
	// a backslash-style path normalizing to the same forward-slash path is
	// still a duplicate.
	if err := w.AddEntryAt("dir/b.txt", []byte("b"), format.CompressionNone, mtime); err != nil {
		t.Fatalf("AddEntryAt: %v", err)
	}
	err = w.AddEntryAt(`dir\b.txt`, []byte("b2"), format.CompressionNone, mtime)
	if !errors.Is(err, format.ErrDuplicateEntry) {
		t.Fatalf("AddEntryAt backslash duplicate: err = %v, want ErrDuplicateEntry", err)
	}
}

func TestAddEntryRejectsInvalidPath(t *testing.T) {
	w, err := Create(tempArchivePath(t))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	cases := []string{"", "/absolute", "../escape", "a/../../b"}
	for _, p := range cases {
		if err := w.AddEntry(p, []byte("x"), format.CompressionNone); !errors.Is(err, format.ErrInvalidPath) {
			t.Fatalf("AddEntry(%q) err = %v, want ErrInvalidPath", p, err)
		}
	}
}

func TestFinalizeExactlyOnce(t *testing.T) {
	w, err := Create(tempArchivePath(t))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := w.Finalize(); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("second Finalize: err = %v, want ErrAlreadyFinalized", err)
	}
	if err := w.AddEntry("late.txt", []byte("x"), format.CompressionNone); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("AddEntry after Finalize: err = %v, want ErrAlreadyFinalized", err)
	}
}

func TestEncryptionModeMustBeSetBeforeEntries(t *testing.T) {
	w, err := Create(tempArchivePath(t))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.AddEntry("a.txt", []byte("x"), format.CompressionNone); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	err = w.WithArchiveEncryption(testKey(1))
	if !errors.Is(err, format.ErrEncryptionModeMismatch) {
		t.Fatalf("WithArchiveEncryption after entries: err = %v, want ErrEncryptionModeMismatch", err)
	}
}

func TestWithArchiveEncryptionRejectsShortKey(t *testing.T) {
	w, err := Create(tempArchivePath(t))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.WithArchiveEncryption([]byte("short")); !errors.Is(err, format.ErrMissingKey) {
		t.Fatalf("WithArchiveEncryption(short key): err = %v, want ErrMissingKey", err)
	}
}

func TestAddManifestRejectsSecondCall(t *testing.T) {
	w, err := Create(tempArchivePath(t))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.AddManifest(map[string]string{"schema_version": "1"}); err != nil {
		t.Fatalf("AddManifest: %v", err)
	}
	err = w.AddManifest(map[string]string{"schema_version": "1"})
	if !errors.Is(err, format.ErrDuplicateEntry) {
		t.Fatalf("second AddManifest: err = %v, want ErrDuplicateEntry", err)
	}
}

func TestZeroLengthEntryFinalizes(t *testing.T) {
	path := tempArchivePath(t)
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.AddEntry("empty.txt", nil, format.CompressionNone); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

func TestSetFrameThresholdAppliesToSubsequentEntries(t *testing.T) {
	path := tempArchivePath(t)
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	const threshold = 8 * 1024
	w.SetFrameThreshold(threshold)

	data := make([]byte, threshold+1)
	for i := range data {
		data[i] = byte(i)
	}
	if err := w.AddEntryAt("big.bin", data, format.CompressionZstd, time.Unix(1700000000, 0)); err != nil {
		t.Fatalf("AddEntryAt: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	entry := w.entries[0]
	if entry.Flags&format.EntryFlagFrameCompressed == 0 {
		t.Fatalf("entry flags = %x, want frame-compressed flag set given an %d-byte threshold override", entry.Flags, threshold)
	}
}
