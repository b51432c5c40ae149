// Package binio provides the low-level primitives for decoding instrument
// binary files: a bounds-checked cursor over an in-memory buffer and a set
// of fixed-width scalar codecs parametrized by endianness.
//
// Every decoder in this repository goes through this package for raw buffer
// access; no other component performs index arithmetic on file bytes.
package binio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Kind identifies the wire encoding of a single field.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindU8
	KindU16
	KindU32
	KindU64
	KindI8
	KindI16
	KindI32
	KindI64
	KindF32
	KindF64
	KindBytes // fixed-length blob, width supplied by the caller
	KindFlags // bit-packed flag byte, decoded against a bit-position table
)

var kindNames = map[Kind]string{
	KindInvalid: "invalid",
	KindU8:      "u8",
	KindU16:     "u16",
	KindU32:     "u32",
	KindU64:     "u64",
	KindI8:      "i8",
	KindI16:     "i16",
	KindI32:     "i32",
	KindI64:     "i64",
	KindF32:     "f32",
	KindF64:     "f64",
	KindBytes:   "bytes",
	KindFlags:   "flags",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// FixedSize returns the encoded width in bytes, or 0 for kinds whose width
// is supplied by the caller (KindBytes) or fixed at one byte elsewhere
// (KindFlags is always a single byte on the instruments supported here).
func (k Kind) FixedSize() int {
	switch k {
	case KindU8, KindI8, KindFlags:
		return 1
	case KindU16, KindI16:
		return 2
	case KindU32, KindI32, KindF32:
		return 4
	case KindU64, KindI64, KindF64:
		return 8
	default:
		return 0
	}
}

// Value is one decoded scalar. Exactly one of the payload fields is
// meaningful, selected by Kind; Float always carries a numeric view for
// the integer and float kinds so callers can treat columns uniformly.
type Value struct {
	Kind  Kind
	Uint  uint64
	Int   int64
	Float float64
	Bytes []byte
}

// AsFloat returns the numeric view of the value. Blob values have no
// numeric view and report NaN.
func (v Value) AsFloat() float64 {
	if v.Kind == KindBytes {
		return math.NaN()
	}
	return v.Float
}

// Decode decodes one fixed-width scalar from the start of buf using the
// given byte order. buf must hold at least kind.FixedSize() bytes; short
// buffers fail with ErrTruncatedData. Decoding is exact: integers are
// widened without rounding and floats keep their native IEEE-754 value.
func Decode(buf []byte, kind Kind, order binary.ByteOrder) (Value, error) {
	width := kind.FixedSize()
	if width == 0 {
		return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedType, kind)
	}
	if len(buf) < width {
		return Value{}, fmt.Errorf("%w: need %d bytes for %s, have %d", ErrTruncatedData, width, kind, len(buf))
	}

	v := Value{Kind: kind}
	switch kind {
	case KindU8, KindFlags:
		v.Uint = uint64(buf[0])
		v.Float = float64(v.Uint)
	case KindU16:
		v.Uint = uint64(order.Uint16(buf))
		v.Float = float64(v.Uint)
	case KindU32:
		v.Uint = uint64(order.Uint32(buf))
		v.Float = float64(v.Uint)
	case KindU64:
		v.Uint = order.Uint64(buf)
		v.Float = float64(v.Uint)
	case KindI8:
		v.Int = int64(int8(buf[0]))
		v.Float = float64(v.Int)
	case KindI16:
		v.Int = int64(int16(order.Uint16(buf)))
		v.Float = float64(v.Int)
	case KindI32:
		v.Int = int64(int32(order.Uint32(buf)))
		v.Float = float64(v.Int)
	case KindI64:
		v.Int = int64(order.Uint64(buf))
		v.Float = float64(v.Int)
	case KindF32:
		v.Float = float64(math.Float32frombits(order.Uint32(buf)))
	case KindF64:
		v.Float = math.Float64frombits(order.Uint64(buf))
	}
	return v, nil
}

// Flag describes one named bit-field packed inside a flags byte.
type Flag struct {
	Name string
	Bit  uint // position of the least significant bit
	Bits uint // width of the field in bits
}

// ExtractFlag pulls the named bit-field out of a decoded flags byte.
func ExtractFlag(flags uint64, f Flag) uint64 {
	return (flags >> f.Bit) & ((1 << f.Bits) - 1)
}
