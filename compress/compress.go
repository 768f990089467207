// Package compress implements Engram's per-entry compression pipeline:
// the four method codecs (none, LZ4, Zstd, deflate) and the frame-table
// wrapper used for entries above the frame threshold.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/blackfall-labs/engram/format"
)

// FrameThreshold is the uncompressed-size threshold at or above which
// Compress wraps the payload in a frame table (spec §4.2).
const FrameThreshold = 50 * 1024 * 1024

// FrameSize is the uncompressed size of every frame but the last.
const FrameSize = 64 * 1024

// MinFrameCandidateSize is the size below which an entry must never carry
// a frame table, matching spec §4.2 ("entries below 4 KiB ... must not
// carry a frame table").
const MinFrameCandidateSize = 4 * 1024

// Compress encodes plaintext with method, wrapping it in a frame table if
// plaintext is at least FrameThreshold bytes and method is not
// CompressionNone (a CompressionNone payload is never frame-wrapped). It
// returns the on-disk bytes and whether the frame-table flag should be set.
func Compress(plaintext []byte, method uint8) (payload []byte, framed bool, err error) {
	return CompressWithThreshold(plaintext, method, FrameThreshold)
}

// CompressWithThreshold is Compress with the frame-table threshold
// overridden (used by callers that honor a policy config's
// frame.threshold_bytes). threshold <= 0 falls back to FrameThreshold.
// An entry smaller than MinFrameCandidateSize is never frame-wrapped
// regardless of threshold, per spec §4.2.
func CompressWithThreshold(plaintext []byte, method uint8, threshold int64) (payload []byte, framed bool, err error) {
	if len(plaintext) == 0 {
		return nil, false, nil
	}
	if threshold <= 0 {
		threshold = FrameThreshold
	}

	if int64(len(plaintext)) >= threshold && len(plaintext) >= MinFrameCandidateSize && method != format.CompressionNone {
		payload, err := compressFramed(plaintext, method)
		return payload, true, err
	}

	payload, err = compressOne(plaintext, method)
	return payload, false, err
}

// Decompress inverts Compress, given the on-disk bytes, the method,
// whether the frame-table flag is set, and the expected uncompressed size
// from the directory entry.
func Decompress(payload []byte, method uint8, framed bool, uncompressedSize uint64) ([]byte, error) {
	if uncompressedSize == 0 {
		if len(payload) != 0 {
			return nil, fmt.Errorf("%w: zero-length entry has non-empty payload", format.ErrSizeMismatch)
		}
		return []byte{}, nil
	}

	var out []byte
	var err error
	if framed {
		out, err = decompressFramed(payload, method, uncompressedSize)
	} else {
		out, err = decompressOne(payload, method, int(uncompressedSize))
	}
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) != uncompressedSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", format.ErrSizeMismatch, len(out), uncompressedSize)
	}
	return out, nil
}

func compressOne(plaintext []byte, method uint8) ([]byte, error) {
	switch method {
	case format.CompressionNone:
		out := make([]byte, len(plaintext))
		copy(out, plaintext)
		return out, nil
	case format.CompressionLZ4:
		return lz4Compress(plaintext)
	case format.CompressionZstd:
		return zstdCompress(plaintext)
	case format.CompressionDeflate:
		return deflateCompress(plaintext)
	default:
		return nil, fmt.Errorf("%w: unknown compression method %d", format.ErrInvalidFormat, method)
	}
}

func decompressOne(payload []byte, method uint8, expected int) ([]byte, error) {
	switch method {
	case format.CompressionNone:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case format.CompressionLZ4:
		return lz4Decompress(payload, expected)
	case format.CompressionZstd:
		return zstdDecompress(payload, expected)
	case format.CompressionDeflate:
		return deflateDecompress(payload, expected)
	default:
		return nil, fmt.Errorf("%w: unknown compression method %d", format.ErrInvalidFormat, method)
	}
}

func lz4Compress(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("%w: lz4 write: %v", format.ErrDecompressError, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: lz4 close: %v", format.ErrDecompressError, err)
	}
	return buf.Bytes(), nil
}

func lz4Decompress(payload []byte, expected int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(payload))
	out := make([]byte, 0, expected)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", format.ErrDecompressError, err)
	}
	return buf.Bytes(), nil
}

func zstdCompress(plaintext []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
	if err != nil {
		return nil, fmt.Errorf("%w: create zstd encoder: %v", format.ErrDecompressError, err)
	}
	defer enc.Close()
	return enc.EncodeAll(plaintext, make([]byte, 0, len(plaintext)/2)), nil
}

func zstdDecompress(payload []byte, expected int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create zstd decoder: %v", format.ErrDecompressError, err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(payload, make([]byte, 0, expected))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", format.ErrDecompressError, err)
	}
	return out, nil
}

func deflateCompress(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("%w: create flate writer: %v", format.ErrDecompressError, err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("%w: flate write: %v", format.ErrDecompressError, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: flate close: %v", format.ErrDecompressError, err)
	}
	return buf.Bytes(), nil
}

func deflateDecompress(payload []byte, expected int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(payload))
	defer r.Close()
	out := bytes.NewBuffer(make([]byte, 0, expected))
	if _, err := io.Copy(out, r); err != nil {
		return nil, fmt.Errorf("%w: flate: %v", format.ErrDecompressError, err)
	}
	return out.Bytes(), nil
}
