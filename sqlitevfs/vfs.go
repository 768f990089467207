// Package sqlitevfs exposes a single archive entry containing a SQLite
// database as a connection usable by database/sql, without extracting
// the whole archive. It implements the minimal file contract SQLite
// requires (open, close, read-at, write-at, size, sync, truncate,
// advisory locking, sector size, device characteristics) over a
// decompressed-once, held-in-memory buffer, following the
// "one entry, exposed once, lazily filled" shape of a single-file
// filesystem shim.
//
// mattn/go-sqlite3 does not accept an arbitrary Go-side VFS
// implementation, and its DSN "vfs=" parameter only resolves names
// registered with SQLite's own sqlite3_vfs_register — a driver name
// registered with database/sql is not visible there. So the buffer
// built here is handed to SQLite through the "alternative strategy"
// spec.md §4.6 explicitly allows: the plaintext is extracted to a
// caller-scoped temporary file and opened through the host's default
// VFS, under a uniquely named database/sql driver (this package's
// "VFS token") whose ConnectHook pins the read-only, journal-free
// pragmas every Engram-backed connection needs. The VFSFile type below
// is the buffer-serving contract the strategy in spec.md §4.6
// describes; bufferFile is its concrete, fully in-memory
// implementation, held alongside the temp file for callers that want
// direct ReadAt access to the recovered bytes without going through
// SQLite.
package sqlitevfs

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/blackfall-labs/engram/format"
	"github.com/blackfall-labs/engram/reader"
)

// VFSFile is the file contract an Engram-backed SQLite database must
// satisfy, matching the operations spec.md §4.6 requires SQLite's VFS
// layer to be able to call.
type VFSFile interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() (int64, error)
	Sync() error
	Truncate(size int64) error
	Lock() error
	Unlock() error
	CheckReservedLock() (bool, error)
	SectorSize() int64
	DeviceCharacteristics() int64
}

// SectorSize is reported to SQLite per spec.md §4.6.
const SectorSize = 4096

// deviceCharacteristicsAtomic4K mirrors SQLite's
// SQLITE_IOCAP_ATOMIC4K flag: 4 KiB writes are atomic. The adapter is
// read-only in practice, but the capability is reported for any caller
// that probes it before attempting a journal write.
const deviceCharacteristicsAtomic4K = 0x00000010

var errReadOnly = fmt.Errorf("%w: sqlitevfs buffer is read-only", format.ErrInvalidFormat)

// bufferFile is a read-only VFSFile backed by a fully materialized byte
// buffer, recovered once via the reader's inverse pipeline.
type bufferFile struct {
	mu  sync.Mutex
	buf []byte
}

func newBufferFile(data []byte) *bufferFile {
	return &bufferFile{buf: data}
}

func (f *bufferFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 || off >= int64(len(f.buf)) {
		if off == int64(len(f.buf)) {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("%w: read offset %d out of range", format.ErrInvalidFormat, off)
	}
	n := copy(p, f.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *bufferFile) WriteAt(p []byte, off int64) (int, error) {
	return 0, errReadOnly
}

func (f *bufferFile) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.buf)), nil
}

func (f *bufferFile) Sync() error                      { return nil }
func (f *bufferFile) Truncate(size int64) error        { return errReadOnly }
func (f *bufferFile) Lock() error                      { return nil }
func (f *bufferFile) Unlock() error                    { return nil }
func (f *bufferFile) CheckReservedLock() (bool, error) { return false, nil }
func (f *bufferFile) SectorSize() int64                { return SectorSize }
func (f *bufferFile) DeviceCharacteristics() int64     { return deviceCharacteristicsAtomic4K }

// Adapter exposes one archive entry as an open *sql.DB. Close releases
// the *sql.DB and removes the temp file; the driver registration stays
// in database/sql's registry.
type Adapter struct {
	token    string
	file     *bufferFile
	tempPath string
	db       *sql.DB
}

// Open runs r's inverse pipeline once over dbName, holds the recovered
// plaintext in memory, extracts it to a private temp file, and opens
// that file through SQLite's default host VFS via a freshly registered,
// uniquely named database/sql driver with read-only, journal-free
// pragmas pinned via ConnectHook.
func Open(r *reader.Reader, dbName string) (*Adapter, error) {
	data, err := r.ReadEntry(dbName)
	if err != nil {
		return nil, err
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "engram-vfs-*.sqlite")
	if err != nil {
		return nil, fmt.Errorf("engram: create vfs temp file: %w", err)
	}
	tempPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return nil, fmt.Errorf("engram: write vfs temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("engram: close vfs temp file: %w", err)
	}

	sql.Register(token, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, pragma := range []string{
				"PRAGMA journal_mode=MEMORY",
				"PRAGMA locking_mode=EXCLUSIVE",
				"PRAGMA query_only=ON",
			} {
				if _, err := conn.Exec(pragma, nil); err != nil {
					return fmt.Errorf("engram: pragma %q: %w", pragma, err)
				}
			}
			return nil
		},
	})

	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=MEMORY&_locking_mode=EXCLUSIVE", tempPath)
	db, err := sql.Open(token, dsn)
	if err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("engram: open sqlite database %q: %w", dbName, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		os.Remove(tempPath)
		return nil, fmt.Errorf("engram: ping sqlite database %q: %w", dbName, err)
	}

	return &Adapter{
		token:    token,
		file:     newBufferFile(data),
		tempPath: tempPath,
		db:       db,
	}, nil
}

// DB returns the open, read-only *sql.DB backed by the archive entry.
func (a *Adapter) DB() *sql.DB {
	return a.db
}

// File returns the in-memory VFSFile view of the recovered database
// bytes, independent of the temp-file path used to hand them to SQLite.
func (a *Adapter) File() VFSFile {
	return a.file
}

// Close releases the *sql.DB and removes its temp file. The registered
// driver name is intentionally left in database/sql's process-wide
// registry: the standard library has no Unregister, so every token is a
// small permanent entry there, bounded by the number of Adapters ever
// opened in the process's lifetime (spec.md §5 "no process-wide caches"
// is about Engram's own state, not database/sql's driver table).
func (a *Adapter) Close() error {
	dbErr := a.db.Close()
	rmErr := os.Remove(a.tempPath)
	if dbErr != nil {
		return dbErr
	}
	return rmErr
}

func newToken() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("engram: generate vfs token: %w", err)
	}
	return "engram-vfs-" + hex.EncodeToString(raw), nil
}
