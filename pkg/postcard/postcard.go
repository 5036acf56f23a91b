// Package postcard implements the subset of the postcard wire format used by
// execution configurations: unsigned LEB128 varints, zigzag-encoded signed
// integers and length-prefixed UTF-8 strings. The format is not
// self-describing; the reader must know the schema.
package postcard

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Maximum encoded sizes of varints for the integer widths postcard supports.
const (
	MaxVarintLen32 = 5
	MaxVarintLen64 = 10
)

var (
	// ErrUnexpectedEnd is returned when the buffer ends inside a value.
	ErrUnexpectedEnd = errors.New("postcard: unexpected end of input")
	// ErrBadVarint is returned for varints that overflow their target width.
	ErrBadVarint = errors.New("postcard: malformed varint")
	// ErrBadUTF8 is returned when a string payload is not valid UTF-8.
	ErrBadUTF8 = errors.New("postcard: string is not valid utf-8")
	// ErrTrailingBytes is returned by Finish when input remains after the last field.
	ErrTrailingBytes = errors.New("postcard: trailing bytes after value")
)

// Decoder reads postcard values sequentially from a byte slice. The first
// error sticks; later reads return zero values.
type Decoder struct {
	buf []byte
	pos int
	err error
}

// NewDecoder creates a decoder over buf. The slice is not copied.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err returns the first error encountered.
func (d *Decoder) Err() error {
	return d.err
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%w (offset %d)", err, d.pos)
	}
}

// varint decodes an unsigned LEB128 value of at most maxLen bytes whose value
// fits in bits.
func (d *Decoder) varint(maxLen int, bits uint) uint64 {
	if d.err != nil {
		return 0
	}
	var v uint64
	for i := 0; i < maxLen; i++ {
		if d.pos >= len(d.buf) {
			d.fail(ErrUnexpectedEnd)
			return 0
		}
		b := d.buf[d.pos]
		d.pos++
		shift := uint(7 * i)
		if i == maxLen-1 {
			// Last permitted byte: the continuation bit must be clear and the
			// payload must not spill over the target width.
			if b&0x80 != 0 || uint64(b)>>(bits-shift) != 0 {
				d.fail(ErrBadVarint)
				return 0
			}
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v
		}
	}
	d.fail(ErrBadVarint)
	return 0
}

// Uint64 reads a varint-encoded u64 (also used for usize lengths).
func (d *Decoder) Uint64() uint64 {
	return d.varint(MaxVarintLen64, 64)
}

// Uint32 reads a varint-encoded u32.
func (d *Decoder) Uint32() uint32 {
	return uint32(d.varint(MaxVarintLen32, 32))
}

// Int32 reads a zigzag varint-encoded i32.
func (d *Decoder) Int32() int32 {
	u := d.Uint32()
	return int32(u>>1) ^ -int32(u&1)
}

// String reads a length-prefixed UTF-8 string.
func (d *Decoder) String() string {
	n := d.Uint64()
	if d.err != nil {
		return ""
	}
	if n > uint64(d.Remaining()) {
		d.fail(ErrUnexpectedEnd)
		return ""
	}
	raw := d.buf[d.pos : d.pos+int(n)]
	if !utf8.Valid(raw) {
		d.fail(ErrBadUTF8)
		return ""
	}
	d.pos += int(n)
	return string(raw)
}

// Finish reports the sticky error, or ErrTrailingBytes if input remains.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.Remaining() != 0 {
		return fmt.Errorf("%w (%d bytes)", ErrTrailingBytes, d.Remaining())
	}
	return nil
}

// Encoder appends postcard values to an internal buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an empty encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Uint64 appends a varint u64.
func (e *Encoder) Uint64(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

// Uint32 appends a varint u32.
func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.AppendUvarint(e.buf, uint64(v))
}

// Int32 appends a zigzag varint i32.
func (e *Encoder) Int32(v int32) {
	e.Uint32(uint32(v<<1) ^ uint32(v>>31))
}

// String appends a length-prefixed string.
func (e *Encoder) String(s string) {
	e.Uint64(uint64(len(s)))
	e.buf = append(e.buf, s...)
}
