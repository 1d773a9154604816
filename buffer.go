package rudp

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// DefaultBufferSize is the capacity of a buffer created without an explicit
// size. It keeps a full packet under a typical 1500 byte datagram MTU.
const DefaultBufferSize = 1450

// Encoded sizes of the fixed-width types.
const (
	boolSize    = 1
	byteSize    = 1
	int16Size   = 2
	int32Size   = 4
	int64Size   = 8
	float32Size = 4
	float64Size = 8
)

// Errors returned by buffer operations.
var (
	// ErrOverflow is returned when a write would go past the buffer capacity.
	ErrOverflow = errors.New("buffer overflow")
	// ErrUnderflow is returned when a read would go past the buffer capacity.
	ErrUnderflow = errors.New("buffer underflow")
)

var le = binary.LittleEndian

// Buffer is a fixed-capacity byte region with a single cursor, used both to
// build outgoing packets and to parse incoming ones. All values are encoded
// little-endian.
//
// Len has two meanings. While a packet is being built it counts the bytes
// written so far. Once SetLength has been called on a received datagram it
// counts the bytes still to be consumed, and every read lowers it.
//
// A failed read or write leaves the cursor and length untouched.
type Buffer struct {
	data   []byte
	cursor int
	count  int
}

// NewBuffer returns an empty buffer with the given capacity.
// A non-positive size selects DefaultBufferSize.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{data: make([]byte, size)}
}

// NewBufferFrom wraps data without copying it. The capacity is len(data)
// and the length starts at zero.
func NewBufferFrom(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Cap returns the fixed capacity of the buffer.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Len returns the byte count (written bytes, or unread bytes after SetLength).
func (b *Buffer) Len() int {
	return b.count
}

// Pos returns the cursor offset.
func (b *Buffer) Pos() int {
	return b.cursor
}

// IsFull reports whether the byte count has reached the capacity.
func (b *Buffer) IsFull() bool {
	return b.count >= len(b.data)
}

// Bytes returns the first Len bytes, which is the encoded packet for a
// buffer that has only been written to. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:min(b.count, len(b.data))]
}

// Remaining returns the Len bytes that follow the cursor, which is the
// unread part of a received datagram. The slice aliases the buffer.
func (b *Buffer) Remaining() []byte {
	end := min(b.cursor+b.count, len(b.data))
	return b.data[b.cursor:end]
}

// Reset rewinds the cursor to zero and keeps the length.
func (b *Buffer) Reset() {
	b.cursor = 0
}

// Wipe rewinds the cursor, zeroes the length and clears the storage.
func (b *Buffer) Wipe() {
	b.cursor = 0
	b.count = 0
	clear(b.data)
}

// SetLength records the logical length of a datagram that was received
// directly into the buffer storage. n must be smaller than the capacity.
func (b *Buffer) SetLength(n int) error {
	if n < 0 || n >= len(b.data) {
		return errors.Wrapf(ErrOverflow, "set length %d, capacity %d", n, len(b.data))
	}
	b.count = n
	return nil
}

// WriteBuffer appends bytes from src. With whole set it copies src.Bytes(),
// otherwise only src.Remaining(). src is not modified.
func (b *Buffer) WriteBuffer(src *Buffer, whole bool) error {
	if whole {
		return b.WriteBytes(src.Bytes())
	}
	return b.WriteBytes(src.Remaining())
}

// WriteBytes appends p verbatim, without a length prefix.
func (b *Buffer) WriteBytes(p []byte) error {
	off, err := b.reserve(len(p))
	if err != nil {
		return err
	}
	copy(b.data[off:], p)
	return nil
}

// String returns a debug dump of the buffer.
func (b *Buffer) String() string {
	end := min(b.cursor+max(b.count, 0), len(b.data))
	return fmt.Sprintf("Buffer[len=%d pos=%d cap=%d data=% x]", b.count, b.cursor, len(b.data), b.data[:end])
}

// reserve advances the cursor and length by n for a write and returns the
// offset to write at.
func (b *Buffer) reserve(n int) (int, error) {
	if b.cursor+n > len(b.data) {
		return 0, errors.Wrapf(ErrOverflow, "write %d bytes at %d, capacity %d", n, b.cursor, len(b.data))
	}
	off := b.cursor
	b.cursor += n
	b.count += n
	return off, nil
}

// consume advances the cursor by n for a read and lowers the length by the
// same amount. Bounds are checked against the capacity, not the length.
func (b *Buffer) consume(n int) (int, error) {
	if b.cursor+n > len(b.data) {
		return 0, errors.Wrapf(ErrUnderflow, "read %d bytes at %d, capacity %d", n, b.cursor, len(b.data))
	}
	off := b.cursor
	b.cursor += n
	b.count = max(b.count-n, 0)
	return off, nil
}

// at returns the absolute offset of an n byte value located offset bytes
// after the cursor.
func (b *Buffer) at(offset, n int) (int, error) {
	pos := b.cursor + offset
	if offset < 0 || pos+n > len(b.data) {
		return 0, errors.Wrapf(ErrUnderflow, "peek %d bytes at %d, capacity %d", n, pos, len(b.data))
	}
	return pos, nil
}

func readFixed[T any](b *Buffer, size int, decode func([]byte) T) (T, error) {
	off, err := b.consume(size)
	if err != nil {
		var zero T
		return zero, err
	}
	return decode(b.data[off : off+size]), nil
}

func peekFixed[T any](b *Buffer, offset, size int, decode func([]byte) T) (T, error) {
	off, err := b.at(offset, size)
	if err != nil {
		var zero T
		return zero, err
	}
	return decode(b.data[off : off+size]), nil
}

func decodeBool(p []byte) bool       { return p[0] == 1 }
func decodeByte(p []byte) byte       { return p[0] }
func decodeInt16(p []byte) int16     { return int16(le.Uint16(p)) }
func decodeUint16(p []byte) uint16   { return le.Uint16(p) }
func decodeInt32(p []byte) int32     { return int32(le.Uint32(p)) }
func decodeUint32(p []byte) uint32   { return le.Uint32(p) }
func decodeInt64(p []byte) int64     { return int64(le.Uint64(p)) }
func decodeUint64(p []byte) uint64   { return le.Uint64(p) }
func decodeFloat32(p []byte) float32 { return math.Float32frombits(le.Uint32(p)) }
func decodeFloat64(p []byte) float64 { return math.Float64frombits(le.Uint64(p)) }

// WriteBool writes v as a single byte, 1 or 0.
func (b *Buffer) WriteBool(v bool) error {
	var x byte
	if v {
		x = 1
	}
	return b.WriteByte(x)
}

// WriteByte writes a single byte.
func (b *Buffer) WriteByte(v byte) error {
	off, err := b.reserve(byteSize)
	if err != nil {
		return err
	}
	b.data[off] = v
	return nil
}

// WriteInt16 writes v in two bytes.
func (b *Buffer) WriteInt16(v int16) error {
	return b.WriteUint16(uint16(v))
}

// WriteUint16 writes v in two bytes.
func (b *Buffer) WriteUint16(v uint16) error {
	off, err := b.reserve(int16Size)
	if err != nil {
		return err
	}
	le.PutUint16(b.data[off:], v)
	return nil
}

// WriteInt32 writes v in four bytes.
func (b *Buffer) WriteInt32(v int32) error {
	return b.WriteUint32(uint32(v))
}

// WriteUint32 writes v in four bytes.
func (b *Buffer) WriteUint32(v uint32) error {
	off, err := b.reserve(int32Size)
	if err != nil {
		return err
	}
	le.PutUint32(b.data[off:], v)
	return nil
}

// WriteInt64 writes v in eight bytes.
func (b *Buffer) WriteInt64(v int64) error {
	return b.WriteUint64(uint64(v))
}

// WriteUint64 writes v in eight bytes.
func (b *Buffer) WriteUint64(v uint64) error {
	off, err := b.reserve(int64Size)
	if err != nil {
		return err
	}
	le.PutUint64(b.data[off:], v)
	return nil
}

// WriteFloat32 writes the IEEE 754 bits of v in four bytes.
func (b *Buffer) WriteFloat32(v float32) error {
	return b.WriteUint32(math.Float32bits(v))
}

// WriteFloat64 writes the IEEE 754 bits of v in eight bytes.
func (b *Buffer) WriteFloat64(v float64) error {
	return b.WriteUint64(math.Float64bits(v))
}

// WriteString writes a two byte prefix holding the UTF-8 byte length of s,
// followed by those bytes.
func (b *Buffer) WriteString(s string) error {
	if len(s) > math.MaxUint16 {
		return errors.Wrapf(ErrOverflow, "string of %d bytes", len(s))
	}
	off, err := b.reserve(int16Size + len(s))
	if err != nil {
		return err
	}
	le.PutUint16(b.data[off:], uint16(len(s)))
	copy(b.data[off+int16Size:], s)
	return nil
}

// ReadBool reads a single byte and reports whether it equals 1.
func (b *Buffer) ReadBool() (bool, error) {
	return readFixed(b, boolSize, decodeBool)
}

// ReadByte reads a single byte.
func (b *Buffer) ReadByte() (byte, error) {
	return readFixed(b, byteSize, decodeByte)
}

// ReadInt16 reads an int16 from two bytes.
func (b *Buffer) ReadInt16() (int16, error) {
	return readFixed(b, int16Size, decodeInt16)
}

// ReadUint16 reads a uint16 from two bytes.
func (b *Buffer) ReadUint16() (uint16, error) {
	return readFixed(b, int16Size, decodeUint16)
}

// ReadInt32 reads an int32 from four bytes.
func (b *Buffer) ReadInt32() (int32, error) {
	return readFixed(b, int32Size, decodeInt32)
}

// ReadUint32 reads a uint32 from four bytes.
func (b *Buffer) ReadUint32() (uint32, error) {
	return readFixed(b, int32Size, decodeUint32)
}

// ReadInt64 reads an int64 from eight bytes.
func (b *Buffer) ReadInt64() (int64, error) {
	return readFixed(b, int64Size, decodeInt64)
}

// ReadUint64 reads a uint64 from eight bytes.
func (b *Buffer) ReadUint64() (uint64, error) {
	return readFixed(b, int64Size, decodeUint64)
}

// ReadFloat32 reads a float32 from four bytes.
func (b *Buffer) ReadFloat32() (float32, error) {
	return readFixed(b, float32Size, decodeFloat32)
}

// ReadFloat64 reads a float64 from eight bytes.
func (b *Buffer) ReadFloat64() (float64, error) {
	return readFixed(b, float64Size, decodeFloat64)
}

// ReadString reads a string written by WriteString. The prefix and the
// bytes are consumed together or not at all.
func (b *Buffer) ReadString() (string, error) {
	s, err := b.PeekString(0)
	if err != nil {
		return "", err
	}
	if _, err = b.consume(int16Size + len(s)); err != nil {
		return "", err
	}
	return s, nil
}

// PeekBool decodes a bool offset bytes after the cursor without consuming it.
func (b *Buffer) PeekBool(offset int) (bool, error) {
	return peekFixed(b, offset, boolSize, decodeBool)
}

// PeekByte decodes a byte offset bytes after the cursor without consuming it.
func (b *Buffer) PeekByte(offset int) (byte, error) {
	return peekFixed(b, offset, byteSize, decodeByte)
}

// PeekInt16 decodes an int16 offset bytes after the cursor without consuming it.
func (b *Buffer) PeekInt16(offset int) (int16, error) {
	return peekFixed(b, offset, int16Size, decodeInt16)
}

// PeekUint16 decodes a uint16 offset bytes after the cursor without consuming it.
func (b *Buffer) PeekUint16(offset int) (uint16, error) {
	return peekFixed(b, offset, int16Size, decodeUint16)
}

// PeekInt32 decodes an int32 offset bytes after the cursor without consuming it.
func (b *Buffer) PeekInt32(offset int) (int32, error) {
	return peekFixed(b, offset, int32Size, decodeInt32)
}

// PeekUint32 decodes a uint32 offset bytes after the cursor without consuming it.
func (b *Buffer) PeekUint32(offset int) (uint32, error) {
	return peekFixed(b, offset, int32Size, decodeUint32)
}

// PeekInt64 decodes an int64 offset bytes after the cursor without consuming it.
func (b *Buffer) PeekInt64(offset int) (int64, error) {
	return peekFixed(b, offset, int64Size, decodeInt64)
}

// PeekUint64 decodes a uint64 offset bytes after the cursor without consuming it.
func (b *Buffer) PeekUint64(offset int) (uint64, error) {
	return peekFixed(b, offset, int64Size, decodeUint64)
}

// PeekFloat32 decodes a float32 offset bytes after the cursor without consuming it.
func (b *Buffer) PeekFloat32(offset int) (float32, error) {
	return peekFixed(b, offset, float32Size, decodeFloat32)
}

// PeekFloat64 decodes a float64 offset bytes after the cursor without consuming it.
func (b *Buffer) PeekFloat64(offset int) (float64, error) {
	return peekFixed(b, offset, float64Size, decodeFloat64)
}

// PeekString decodes a length-prefixed string offset bytes after the cursor
// without consuming it.
func (b *Buffer) PeekString(offset int) (string, error) {
	n, err := b.PeekUint16(offset)
	if err != nil {
		return "", err
	}
	off, err := b.at(offset+int16Size, int(n))
	if err != nil {
		return "", err
	}
	return string(b.data[off : off+int(n)]), nil
}
