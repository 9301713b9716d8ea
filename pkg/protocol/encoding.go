package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"time"
)

var (
	ErrStringTooLong = errors.New("string exceeds 65535 bytes")
	ErrTooManyItems  = errors.New("list exceeds 65535 items")
)

// WriteUint8 writes a single byte
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// WriteUint16 writes a big-endian uint16
func WriteUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// WriteUint32 writes a big-endian uint32
func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// WriteUint64 writes a big-endian uint64
func WriteUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// WriteInt64 writes a big-endian int64
func WriteInt64(w io.Writer, v int64) error {
	return WriteUint64(w, uint64(v))
}

// WriteBool writes a bool as a single 0/1 byte
func WriteBool(w io.Writer, v bool) error {
	if v {
		return WriteUint8(w, 1)
	}
	return WriteUint8(w, 0)
}

// WriteTimestamp writes a time as Unix milliseconds
func WriteTimestamp(w io.Writer, t time.Time) error {
	return WriteInt64(w, t.UnixMilli())
}

// WriteBytes writes a u16 length prefix followed by the raw bytes
func WriteBytes(w io.Writer, b []byte) error {
	if len(b) > math.MaxUint16 {
		return ErrStringTooLong
	}
	if err := WriteUint16(w, uint16(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

// WriteString writes a u16 length-prefixed UTF-8 string
func WriteString(w io.Writer, s string) error {
	return WriteBytes(w, []byte(s))
}

// WriteStrings writes a u16 count followed by each string
func WriteStrings(w io.Writer, items []string) error {
	if len(items) > math.MaxUint16 {
		return ErrTooManyItems
	}
	if err := WriteUint16(w, uint16(len(items))); err != nil {
		return err
	}
	for _, s := range items {
		if err := WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

// ReadUint8 reads a single byte
func ReadUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 reads a big-endian uint16
func ReadUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// ReadUint32 reads a big-endian uint32
func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// ReadUint64 reads a big-endian uint64
func ReadUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// ReadInt64 reads a big-endian int64
func ReadInt64(r io.Reader) (int64, error) {
	v, err := ReadUint64(r)
	return int64(v), err
}

// ReadBool reads a single byte as a bool (any non-zero value is true)
func ReadBool(r io.Reader) (bool, error) {
	v, err := ReadUint8(r)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ReadTimestamp reads Unix milliseconds as a time
func ReadTimestamp(r io.Reader) (time.Time, error) {
	ms, err := ReadInt64(r)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// ReadBytes reads a u16 length-prefixed byte slice
func ReadBytes(r io.Reader) ([]byte, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// ReadString reads a u16 length-prefixed string
func ReadString(r io.Reader) (string, error) {
	b, err := ReadBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadStrings reads a u16 count followed by that many strings
func ReadStrings(r io.Reader) ([]string, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}
	items := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		s, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, nil
}
