package compress

import (
	"encoding/binary"
	"fmt"

	"github.com/blackfall-labs/engram/format"
)

// compressFramed splits plaintext into FrameSize chunks (the last may be
// shorter), compresses each chunk independently with method, and writes
// the frame table: frame_count u32, then (compressed_size u32, bytes)
// for each frame, per spec §3.
func compressFramed(plaintext []byte, method uint8) ([]byte, error) {
	frameCount := (len(plaintext) + FrameSize - 1) / FrameSize
	compressedFrames := make([][]byte, frameCount)

	for i := 0; i < frameCount; i++ {
		start := i * FrameSize
		end := start + FrameSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		c, err := compressOne(plaintext[start:end], method)
		if err != nil {
			return nil, err
		}
		compressedFrames[i] = c
	}

	size := 4
	for _, f := range compressedFrames {
		size += 4 + len(f)
	}
	out := make([]byte, size)
	binary.LittleEndian.PutUint32(out, uint32(frameCount))
	off := 4
	for _, f := range compressedFrames {
		binary.LittleEndian.PutUint32(out[off:], uint32(len(f)))
		off += 4
		copy(out[off:], f)
		off += len(f)
	}
	return out, nil
}

// decompressFramed inverts compressFramed. totalUncompressed is the
// expected plaintext size from the directory entry, used to compute the
// expected size of the final, possibly-short, frame.
func decompressFramed(payload []byte, method uint8, totalUncompressed uint64) ([]byte, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: frame table missing frame_count", format.ErrFrameTableCorrupt)
	}
	frameCount := binary.LittleEndian.Uint32(payload)
	payload = payload[4:]

	out := make([]byte, 0, totalUncompressed)
	remaining := totalUncompressed
	for i := uint32(0); i < frameCount; i++ {
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: truncated frame header at frame %d", format.ErrFrameTableCorrupt, i)
		}
		frameSize := binary.LittleEndian.Uint32(payload)
		payload = payload[4:]
		if uint64(len(payload)) < uint64(frameSize) {
			return nil, fmt.Errorf("%w: truncated frame body at frame %d", format.ErrFrameTableCorrupt, i)
		}
		frameBytes := payload[:frameSize]
		payload = payload[frameSize:]

		expected := uint64(FrameSize)
		if remaining < expected {
			expected = remaining
		}

		frame, err := decompressOne(frameBytes, method, int(expected))
		if err != nil {
			return nil, err
		}
		if uint64(len(frame)) != expected {
			return nil, fmt.Errorf("%w: frame %d decompressed to %d bytes, want %d", format.ErrFrameTableCorrupt, i, len(frame), expected)
		}
		out = append(out, frame...)
		remaining -= expected
	}
	if remaining != 0 {
		return nil, fmt.Errorf("%w: frame table covers %d bytes, want %d", format.ErrFrameTableCorrupt, uint64(len(out)), totalUncompressed)
	}
	return out, nil
}
