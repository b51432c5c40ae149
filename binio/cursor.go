package binio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Cursor is a bounds-checked, position-tracking reader over an immutable
// byte buffer. Reads advance the position by the consumed width; the
// position always stays within [0, len(buffer)].
type Cursor struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
}

// NewCursor wraps buf in a cursor starting at offset 0. The cursor never
// mutates buf. order applies to all ReadFixed calls.
func NewCursor(buf []byte, order binary.ByteOrder) *Cursor {
	return &Cursor{buf: buf, order: order}
}

// Pos returns the number of bytes consumed so far.
func (c *Cursor) Pos() int { return c.pos }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

// Len returns the total buffer length.
func (c *Cursor) Len() int { return len(c.buf) }

// Seek moves the cursor to an absolute offset.
func (c *Cursor) Seek(abs int) error {
	if abs < 0 || abs > len(c.buf) {
		return fmt.Errorf("%w: seek to %d in %d-byte buffer", ErrInvalidOffset, abs, len(c.buf))
	}
	c.pos = abs
	return nil
}

// Skip advances the cursor by n bytes without decoding them.
func (c *Cursor) Skip(n int) error {
	return c.Seek(c.pos + n)
}

// ReadBytes consumes n raw bytes. The returned slice aliases the
// underlying buffer and must not be modified.
func (c *Cursor) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative read of %d bytes", ErrInvalidOffset, n)
	}
	if n > c.Remaining() {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncatedData, n, c.pos, c.Remaining())
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// ReadFixed decodes one fixed-width scalar of the given kind at the current
// position and advances past it.
func (c *Cursor) ReadFixed(kind Kind) (Value, error) {
	width := kind.FixedSize()
	if width == 0 {
		return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedType, kind)
	}
	b, err := c.ReadBytes(width)
	if err != nil {
		return Value{}, err
	}
	return Decode(b, kind, c.order)
}

// Expect consumes len(marker) bytes and verifies they equal marker. Used
// for file signatures and section preambles.
func (c *Cursor) Expect(marker []byte) error {
	at := c.pos
	b, err := c.ReadBytes(len(marker))
	if err != nil {
		return err
	}
	if !bytes.Equal(b, marker) {
		return fmt.Errorf("%w: at offset 0x%x expected % x, got % x", ErrUnexpectedBytes, at, marker, b)
	}
	return nil
}

// ReadCString consumes n bytes and returns the contents up to the first
// NUL, the way instrument headers store fixed-width text fields.
func (c *Cursor) ReadCString(n int) (string, error) {
	b, err := c.ReadBytes(n)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}
