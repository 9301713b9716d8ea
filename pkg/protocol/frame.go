package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the largest payload a transport frame can carry (2-byte length prefix)
	MaxFrameSize = math.MaxUint16

	// MessageHeaderSize is tag (1 byte) + body length (2 bytes)
	MessageHeaderSize = 3

	// CipherOverhead is what an encrypted connection adds to every message:
	// IV length (4) + IV (12) + ciphertext length (4) + GCM tag (16)
	CipherOverhead = 36

	// MaxMessageSize is the largest encoded message, header included, that still
	// fits one transport frame after encryption
	MaxMessageSize = MaxFrameSize - CipherOverhead

	// CompressionThreshold is the minimum chat body size to consider compression (512 bytes)
	CompressionThreshold = 512

	// maxCipherPart bounds each length field of a cipher container read from a stream
	maxCipherPart = MaxFrameSize
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size (65535 bytes)")
	ErrMessageTooLarge      = errors.New("message exceeds maximum size")
	ErrEmptyFrame           = errors.New("empty frame")
	ErrTruncatedFrame       = errors.New("truncated frame")
	ErrUnknownType          = errors.New("unknown message type")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// WriteFrame writes one length-prefixed transport frame.
// Format: [Length (2 bytes, big-endian)][Payload (Length bytes)]
// The frame is assembled before writing so it reaches the socket in a single Write.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(payload)))
	copy(buf[2:], payload)

	if _, err := w.Write(buf); err != nil {
		return err
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// ReadFrame reads one length-prefixed transport frame and returns its payload
func ReadFrame(r io.Reader) ([]byte, error) {
	length, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, ErrEmptyFrame
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadMessageUnit reads exactly one self-describing message frame from a
// free-stream (legacy) connection: [Tag][Body Length][Body].
// The returned slice contains the complete frame including its header.
func ReadMessageUnit(r io.Reader) ([]byte, error) {
	header := make([]byte, MessageHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	bodyLen := binary.BigEndian.Uint16(header[1:3])
	frame := make([]byte, MessageHeaderSize+int(bodyLen))
	copy(frame, header)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, frame[MessageHeaderSize:]); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

// ReadCipherUnit reads exactly one cipher container from a free-stream (legacy)
// connection: [IV Length (4)][IV][Ciphertext Length (4)][Ciphertext].
// The container layout is owned by the crypto package; this only splits the stream.
func ReadCipherUnit(r io.Reader) ([]byte, error) {
	ivLen, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if ivLen > maxCipherPart {
		return nil, ErrFrameTooLarge
	}
	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, err
	}

	ctLen, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if ctLen > maxCipherPart {
		return nil, ErrFrameTooLarge
	}
	ct := make([]byte, ctLen)
	if _, err := io.ReadFull(r, ct); err != nil {
		return nil, err
	}

	unit := make([]byte, 0, 8+len(iv)+len(ct))
	unit = binary.BigEndian.AppendUint32(unit, ivLen)
	unit = append(unit, iv...)
	unit = binary.BigEndian.AppendUint32(unit, ctLen)
	unit = append(unit, ct...)
	return unit, nil
}

// ReadStreamUnit reads the next unit from a free-stream (legacy) connection:
// a cipher container once the connection is encrypted, a message frame otherwise.
func ReadStreamUnit(r io.Reader, encrypted bool) ([]byte, error) {
	if encrypted {
		return ReadCipherUnit(r)
	}
	return ReadMessageUnit(r)
}

// CompressPayload compresses data using LZ4 and prepends the uncompressed size.
// Format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
// Returns the original data if compression doesn't reduce size.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	maxCompressedSize := lz4.CompressBlockBound(len(data))
	compressed := make([]byte, 4+maxCompressedSize)
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		// Compression failed or data is incompressible
		return data, false
	}

	compressedTotal := 4 + n
	if compressedTotal >= len(data) {
		return data, false
	}
	return compressed[:compressedTotal], true
}

// DecompressPayload decompresses LZ4-compressed data.
// Expects format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	uncompressedSize := binary.BigEndian.Uint32(data[:4])
	if uncompressedSize > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	decompressed := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(data[4:], decompressed)
	if err != nil || n != int(uncompressedSize) {
		return nil, ErrDecompressionFailed
	}
	return decompressed, nil
}
