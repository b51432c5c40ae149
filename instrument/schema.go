package instrument

import (
	"encoding/binary"
	"fmt"

	"github.com/voltaic-data/cellparse/binio"
)

// FieldDescriptor is the decode recipe for one named field within a module
// row: where it sits, how it is encoded, and how the raw value maps to the
// reported unit. Descriptors are constant data; the decoding engine never
// branches on instrument or version.
type FieldDescriptor struct {
	Name       string
	ByteOffset uint32
	Kind       binio.Kind

	// Width is the blob length for binio.KindBytes fields; ignored for
	// fixed-width kinds.
	Width int

	// Bit and Bits locate a binio.KindFlags field inside its flags byte.
	Bit  uint
	Bits uint

	// Scale multiplies the decoded numeric value. Zero means 1.0 so that
	// table literals can omit it.
	Scale float64
	Unit  string
}

func (f FieldDescriptor) scale() float64 {
	if f.Scale == 0 {
		return 1.0
	}
	return f.Scale
}

func (f FieldDescriptor) width() int {
	if f.Kind == binio.KindBytes {
		return f.Width
	}
	return f.Kind.FixedSize()
}

// Schema describes the row layout of one module for one (instrument,
// format version) pair: the ordered field list plus the fixed row stride,
// or a singleton marker for one-record modules.
type Schema struct {
	Fields []FieldDescriptor

	// Stride is the byte size of one row. Ignored for singletons.
	Stride int

	// Singleton modules hold exactly one record at the module offset.
	Singleton bool

	// Rows, when positive, fixes the record count instead of deriving it
	// from module length / stride. Self-describing modules (BioLogic VMP
	// data) declare their own row count and lead with a sub-header.
	Rows int

	// DataOffset is the offset of the row region within the module. Zero
	// for plainly tabular modules.
	DataOffset int

	// Order is the byte order of every field in the module. Nil defaults
	// to little-endian, which all currently supported instruments use.
	Order binary.ByteOrder

	// TimeField names the field guaranteed monotonic within the module, if
	// the layout declares one.
	TimeField string
}

// ByteOrder returns the schema's byte order, defaulting to little-endian.
func (s *Schema) ByteOrder() binary.ByteOrder {
	if s.Order == nil {
		return binary.LittleEndian
	}
	return s.Order
}

// Key is the lookup key for schema selection.
type Key struct {
	Instrument Kind
	Version    int
	Module     string
}

// Table maps schema keys to module layouts. Instrument packages populate
// their tables as constant data; supporting a new format version means
// adding entries here, never touching the decoder.
type Table map[Key]*Schema

// Lookup returns the schema for a key, or ErrUnsupportedVersion when the
// (instrument, version, module) triple has no entry.
func (t Table) Lookup(instrument Kind, version int, module string) (*Schema, error) {
	if s, ok := t[Key{Instrument: instrument, Version: version, Module: module}]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: no schema for %s version %d module %q", ErrUnsupportedVersion, instrument, version, module)
}
