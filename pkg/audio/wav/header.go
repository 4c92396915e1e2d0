// Package wav encodes and decodes the minimal RIFF/WAVE header used for
// mictrail segment files: a fixed 44-byte layout describing single-channel,
// 16-bit, linear PCM at a caller-supplied sample rate.
//
// The encoder is a pure function of (sample rate, data size), so the header
// written when a segment is created and the one patched in when it is
// finalized occupy exactly the same bytes at offset 0.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// HeaderSize is the length of the canonical PCM header in bytes.
	HeaderSize = 44

	// MaxDataSize is the largest data size whose RIFF length field
	// (data size + 36) still fits in 32 bits.
	MaxDataSize = math.MaxUint32 - (HeaderSize - 8)

	formatPCM     = 1
	numChannels   = 1
	bitsPerSample = 16
	blockAlign    = numChannels * bitsPerSample / 8
	fmtChunkSize  = 16
)

// ErrInvalidHeader is returned by [DecodeHeader] when the input is not a
// mono PCM16 RIFF/WAVE header.
var ErrInvalidHeader = errors.New("wav: invalid header")

// Header is the decoded form of a segment file header.
type Header struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	ByteRate      int
	BlockAlign    int
	// DataSize is the value of the data chunk length field.
	DataSize uint32
	// RIFFSize is the value of the RIFF chunk length field (file size − 8).
	RIFFSize uint32
}

// EncodeHeader returns the 44-byte header for dataSize bytes of mono PCM16
// audio at sampleRate. All multi-byte fields are little-endian. Identical
// arguments always produce identical bytes.
func EncodeHeader(sampleRate int, dataSize uint32) []byte {
	buf := make([]byte, HeaderSize)
	PutHeader(buf, sampleRate, dataSize)
	return buf
}

// PutHeader writes the header into buf, which must be at least [HeaderSize]
// bytes long.
func PutHeader(buf []byte, sampleRate int, dataSize uint32) {
	_ = buf[HeaderSize-1]

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], dataSize+HeaderSize-8) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], fmtChunkSize)
	binary.LittleEndian.PutUint16(buf[20:22], formatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], numChannels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], blockAlign)
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataSize)
}

// DecodeHeader reads and validates a 44-byte header from r.
func DecodeHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("wav: read header: %w", err)
	}
	return ParseHeader(buf[:])
}

// ParseHeader decodes a header from the first [HeaderSize] bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(b), HeaderSize)
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return Header{}, fmt.Errorf("%w: missing RIFF/WAVE tags", ErrInvalidHeader)
	}
	if string(b[12:16]) != "fmt " || string(b[36:40]) != "data" {
		return Header{}, fmt.Errorf("%w: unexpected chunk layout", ErrInvalidHeader)
	}
	if format := binary.LittleEndian.Uint16(b[20:22]); format != formatPCM {
		return Header{}, fmt.Errorf("%w: audio format %d is not linear PCM", ErrInvalidHeader, format)
	}

	h := Header{
		RIFFSize:      binary.LittleEndian.Uint32(b[4:8]),
		Channels:      int(binary.LittleEndian.Uint16(b[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(b[24:28])),
		ByteRate:      int(binary.LittleEndian.Uint32(b[28:32])),
		BlockAlign:    int(binary.LittleEndian.Uint16(b[32:34])),
		BitsPerSample: int(binary.LittleEndian.Uint16(b[34:36])),
		DataSize:      binary.LittleEndian.Uint32(b[40:44]),
	}
	if h.Channels != numChannels || h.BitsPerSample != bitsPerSample {
		return Header{}, fmt.Errorf("%w: %d channels at %d bits, want mono 16-bit", ErrInvalidHeader, h.Channels, h.BitsPerSample)
	}
	return h, nil
}

// DurationMs returns the integer millisecond duration of dataSize bytes of
// mono PCM16 audio at sampleRate: dataSize / (sampleRate × 2) × 1000,
// truncated. Returns 0 for a non-positive sample rate.
func DurationMs(dataSize int64, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return dataSize * 1000 / (int64(sampleRate) * blockAlign)
}
