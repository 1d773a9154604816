package rudp

import (
	"math"

	"github.com/pkg/errors"
)

// maxArrayLen is the exclusive upper bound on array lengths; the count is
// stored in a single byte.
const maxArrayLen = math.MaxUint8

// writeArray writes the element count followed by every element. The whole
// array is checked against the capacity before anything is written.
func writeArray[T any](b *Buffer, values []T, encoded int, write func(T) error) error {
	if len(values) >= maxArrayLen {
		return errors.Wrapf(ErrOverflow, "array length %d, must be under %d", len(values), maxArrayLen)
	}
	if b.cursor+byteSize+encoded > len(b.data) {
		return errors.Wrapf(ErrOverflow, "array of %d bytes at %d, capacity %d", byteSize+encoded, b.cursor, len(b.data))
	}
	if err := b.WriteByte(byte(len(values))); err != nil {
		return err
	}
	for _, v := range values {
		if err := write(v); err != nil {
			return err
		}
	}
	return nil
}

// readArray reads the element count and then that many elements. On
// failure the cursor and length are restored.
func readArray[T any](b *Buffer, read func() (T, error)) ([]T, error) {
	cursor, count := b.cursor, b.count

	n, err := b.ReadByte()
	if err != nil {
		return nil, err
	}

	values := make([]T, n)
	for i := range values {
		if values[i], err = read(); err != nil {
			b.cursor, b.count = cursor, count
			return nil, err
		}
	}
	return values, nil
}

// WriteBoolArray writes a one byte count followed by every bool.
func (b *Buffer) WriteBoolArray(values []bool) error {
	return writeArray(b, values, len(values)*boolSize, b.WriteBool)
}

// WriteByteArray writes a one byte count followed by every byte.
func (b *Buffer) WriteByteArray(values []byte) error {
	return writeArray(b, values, len(values)*byteSize, b.WriteByte)
}

// WriteInt16Array writes a one byte count followed by every int16.
func (b *Buffer) WriteInt16Array(values []int16) error {
	return writeArray(b, values, len(values)*int16Size, b.WriteInt16)
}

// WriteInt32Array writes a one byte count followed by every int32.
func (b *Buffer) WriteInt32Array(values []int32) error {
	return writeArray(b, values, len(values)*int32Size, b.WriteInt32)
}

// WriteInt64Array writes a one byte count followed by every int64.
func (b *Buffer) WriteInt64Array(values []int64) error {
	return writeArray(b, values, len(values)*int64Size, b.WriteInt64)
}

// WriteFloat32Array writes a one byte count followed by every float32.
func (b *Buffer) WriteFloat32Array(values []float32) error {
	return writeArray(b, values, len(values)*float32Size, b.WriteFloat32)
}

// WriteFloat64Array writes a one byte count followed by every float64.
func (b *Buffer) WriteFloat64Array(values []float64) error {
	return writeArray(b, values, len(values)*float64Size, b.WriteFloat64)
}

// WriteStringArray writes each element with the WriteString encoding.
func (b *Buffer) WriteStringArray(values []string) error {
	encoded := 0
	for _, s := range values {
		if len(s) > math.MaxUint16 {
			return errors.Wrapf(ErrOverflow, "string of %d bytes", len(s))
		}
		encoded += int16Size + len(s)
	}
	return writeArray(b, values, encoded, b.WriteString)
}

// ReadBoolArray reads an array written by WriteBoolArray.
func (b *Buffer) ReadBoolArray() ([]bool, error) {
	return readArray(b, b.ReadBool)
}

// ReadByteArray reads an array written by WriteByteArray.
func (b *Buffer) ReadByteArray() ([]byte, error) {
	return readArray(b, b.ReadByte)
}

// ReadInt16Array reads an array written by WriteInt16Array.
func (b *Buffer) ReadInt16Array() ([]int16, error) {
	return readArray(b, b.ReadInt16)
}

// ReadInt32Array reads an array written by WriteInt32Array.
func (b *Buffer) ReadInt32Array() ([]int32, error) {
	return readArray(b, b.ReadInt32)
}

// ReadInt64Array reads an array written by WriteInt64Array.
func (b *Buffer) ReadInt64Array() ([]int64, error) {
	return readArray(b, b.ReadInt64)
}

// ReadFloat32Array reads an array written by WriteFloat32Array.
func (b *Buffer) ReadFloat32Array() ([]float32, error) {
	return readArray(b, b.ReadFloat32)
}

// ReadFloat64Array reads an array written by WriteFloat64Array.
func (b *Buffer) ReadFloat64Array() ([]float64, error) {
	return readArray(b, b.ReadFloat64)
}

// ReadStringArray reads an array written by WriteStringArray.
func (b *Buffer) ReadStringArray() ([]string, error) {
	return readArray(b, b.ReadString)
}
