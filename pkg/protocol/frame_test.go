package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		wantErr error
	}{
		{name: "small payload", payload: []byte("hello")},
		{name: "max payload", payload: make([]byte, MaxFrameSize)},
		{name: "oversized payload", payload: make([]byte, MaxFrameSize+1), wantErr: ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := WriteFrame(&buf, tt.payload)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, buf.Len(), "nothing should be written on error")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 2+len(tt.payload), buf.Len())

			got, err := ReadFrame(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, got)
		})
	}
}

func TestWriteFrameFlushesBufferedWriter(t *testing.T) {
	var out bytes.Buffer
	bw := bufio.NewWriter(&out)

	require.NoError(t, WriteFrame(bw, []byte("abc")))
	assert.Equal(t, []byte{0x00, 0x03, 'a', 'b', 'c'}, out.Bytes())
}

func TestReadFrameErrors(t *testing.T) {
	t.Run("zero length", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x00}))
		assert.ErrorIs(t, err, ErrEmptyFrame)
	})

	t.Run("short payload", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x05, 'a', 'b'}))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("clean EOF", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader(nil))
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestReadFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range payloads {
		require.NoError(t, WriteFrame(&buf, p))
	}

	for _, want := range payloads {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadMessageUnit(t *testing.T) {
	first, err := Encode(NewSetName("alice"))
	require.NoError(t, err)
	second, err := Encode(NewListUsers())
	require.NoError(t, err)

	stream := bytes.NewReader(append(append([]byte{}, first...), second...))

	got, err := ReadMessageUnit(stream)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = ReadMessageUnit(stream)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = ReadMessageUnit(stream)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadMessageUnitTruncated(t *testing.T) {
	frame, err := Encode(NewSetName("alice"))
	require.NoError(t, err)

	_, err = ReadMessageUnit(bytes.NewReader(frame[:len(frame)-1]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func cipherUnit(iv, ct []byte) []byte {
	unit := binary.BigEndian.AppendUint32(nil, uint32(len(iv)))
	unit = append(unit, iv...)
	unit = binary.BigEndian.AppendUint32(unit, uint32(len(ct)))
	return append(unit, ct...)
}

func TestReadCipherUnit(t *testing.T) {
	a := cipherUnit(bytes.Repeat([]byte{1}, 12), []byte("ciphertext-a"))
	b := cipherUnit(bytes.Repeat([]byte{2}, 12), []byte("ciphertext-b-longer"))
	stream := bytes.NewReader(append(append([]byte{}, a...), b...))

	got, err := ReadCipherUnit(stream)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	got, err = ReadCipherUnit(stream)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestReadStreamUnitSelectsByMode(t *testing.T) {
	frame, err := Encode(NewPing())
	require.NoError(t, err)
	unit := cipherUnit(bytes.Repeat([]byte{9}, 12), []byte("sealed"))

	got, err := ReadStreamUnit(bytes.NewReader(frame), false)
	require.NoError(t, err)
	assert.Equal(t, frame, got)

	got, err = ReadStreamUnit(bytes.NewReader(unit), true)
	require.NoError(t, err)
	assert.Equal(t, unit, got)
}

func TestReadCipherUnitRejectsHugeLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteUint32(&buf, maxCipherPart+1))

	_, err := ReadCipherUnit(&buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCompression(t *testing.T) {
	t.Run("compressible data shrinks", func(t *testing.T) {
		data := []byte(strings.Repeat("all work and no play ", 100))
		compressed, ok := CompressPayload(data)
		require.True(t, ok)
		assert.Less(t, len(compressed), len(data))

		decompressed, err := DecompressPayload(compressed)
		require.NoError(t, err)
		assert.Equal(t, data, decompressed)
	})

	t.Run("empty data is left alone", func(t *testing.T) {
		out, ok := CompressPayload(nil)
		assert.False(t, ok)
		assert.Empty(t, out)
	})

	t.Run("short input is rejected", func(t *testing.T) {
		_, err := DecompressPayload([]byte{0x00, 0x01})
		assert.ErrorIs(t, err, ErrInvalidCompressedLen)
	})

	t.Run("declared size too large", func(t *testing.T) {
		_, err := DecompressPayload([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00})
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("corrupt block", func(t *testing.T) {
		_, err := DecompressPayload([]byte{0x00, 0x00, 0x00, 0x10, 0xFF, 0xFF})
		assert.ErrorIs(t, err, ErrDecompressionFailed)
	})
}
