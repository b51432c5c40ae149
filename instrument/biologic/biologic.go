// Package biologic decodes BioLogic potentiostat .mpr files.
//
// An .mpr file is a "BIO-LOGIC MODULAR FILE": a fixed signature followed by
// MODULE-framed sections (VMP settings, VMP data, VMP LOG). The VMP data
// section is self-describing: its payload header declares the point count
// and the list of column IDs, and the row layout is derived from the
// column table below. The module header layout itself depends on the
// instrument software version, which is the two-level dispatch the engine
// expects: software version selects the directory layout, the embedded
// column list selects the field layout.
package biologic

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/voltaic-data/cellparse/binio"
	"github.com/voltaic-data/cellparse/instrument"
	"github.com/voltaic-data/cellparse/internal/units"
)

// File framing constants for the BIO-LOGIC MODULAR FILE container.
const (
	moduleMarker    = "MODULE"
	shortNameSize   = 10
	longNameSize    = 25
	dateSize        = 8
	signatureSize   = 0x34 // padded magic plus four zero bytes
	sectionHeadSize = len(moduleMarker) + shortNameSize + longNameSize
)

// Supported instrument software versions. Version 1152 widens the module
// size field to 64 bits behind a -1 marker; 1101 has a firmware bug where
// the final record is written one stride early.
const (
	Version1101 = 1101
	Version1146 = 1146
	Version1152 = 1152
)

// Module names as they appear in section headers (long name, space padded).
const (
	ModuleSettings = "VMP settings"
	ModuleData     = "VMP data"
	ModuleLog      = "VMP LOG"
)

// fileMagic is the padded signature at offset 0.
var fileMagic = append(append([]byte("BIO-LOGIC MODULAR FILE\x1a"), bytes.Repeat([]byte{' '}, 0x30-len("BIO-LOGIC MODULAR FILE\x1a"))...), 0, 0, 0, 0)

// column describes one VMP data column template: how the column ID found
// in the payload header decodes within a row. Flag columns share the
// leading flags byte; numeric columns occupy their own slot in declaration
// order.
type column struct {
	name string
	kind binio.Kind
	bit  uint // flag columns only
	bits uint
	unit string
}

func (c column) isFlag() bool { return c.kind == binio.KindFlags }

// vmpColumns maps VMP data column IDs to their decode templates. Extending
// BioLogic support to new column IDs means adding entries here.
var vmpColumns = map[uint16]column{
	0x01:  {name: "mode", kind: binio.KindFlags, bit: 0, bits: 2},
	0x02:  {name: "ox/red", kind: binio.KindFlags, bit: 2, bits: 1},
	0x03:  {name: "error", kind: binio.KindFlags, bit: 3, bits: 1},
	0x15:  {name: "control changes", kind: binio.KindFlags, bit: 4, bits: 1},
	0x1f:  {name: "Ns changes", kind: binio.KindFlags, bit: 5, bits: 1},
	0x41:  {name: "counter inc", kind: binio.KindFlags, bit: 7, bits: 1},
	0x04:  {name: "time", kind: binio.KindF64, unit: units.Seconds},
	0x05:  {name: "control I", kind: binio.KindF32, unit: units.Milliamps},
	0x06:  {name: "Ewe", kind: binio.KindF32, unit: units.Volts},
	0x07:  {name: "dq", kind: binio.KindF64, unit: units.MilliampHours},
	0x08:  {name: "I", kind: binio.KindF32, unit: units.Milliamps},
	0x0b:  {name: "<I>_mA", kind: binio.KindF64, unit: units.Milliamps},
	0x0d:  {name: "Q-Q0", kind: binio.KindF64, unit: units.MilliampHours},
	0x13:  {name: "control V", kind: binio.KindF32, unit: units.Volts},
	0x18:  {name: "cycle number", kind: binio.KindF64},
	0x20:  {name: "freq", kind: binio.KindF32, unit: "Hz"},
	0x21:  {name: "|Ewe|", kind: binio.KindF32, unit: units.Volts},
	0x22:  {name: "|I|", kind: binio.KindF32, unit: units.Milliamps},
	0x23:  {name: "angle(Z)", kind: binio.KindF32, unit: "deg"},
	0x24:  {name: "|Z|", kind: binio.KindF32, unit: "Ohm"},
	0x25:  {name: "Re(Z)", kind: binio.KindF32, unit: "Ohm"},
	0x26:  {name: "-Im(Z)", kind: binio.KindF32, unit: "Ohm"},
	0x27:  {name: "I range", kind: binio.KindU16},
	0x46:  {name: "P", kind: binio.KindF32, unit: "W"},
	0x4a:  {name: "Energy", kind: binio.KindF64, unit: units.WattHours},
	0x4c:  {name: "<I>", kind: binio.KindF32, unit: units.Milliamps},
	0x4d:  {name: "<Ewe>", kind: binio.KindF32, unit: units.Volts},
	0x7b:  {name: "Energy charge", kind: binio.KindF64, unit: units.WattHours},
	0x7c:  {name: "Energy discharge", kind: binio.KindF64, unit: units.WattHours},
	0x7d:  {name: "Capacitance charge", kind: binio.KindF64, unit: "F"},
	0x7e:  {name: "Capacitance discharge", kind: binio.KindF64, unit: "F"},
	0x83:  {name: "Ns", kind: binio.KindU16},
	0xa9:  {name: "Cs", kind: binio.KindF32, unit: "F"},
	0xac:  {name: "Cp", kind: binio.KindF32, unit: "F"},
	0x1b2: {name: "(Q-Q0)_C", kind: binio.KindF32, unit: "C"},
	0x1b6: {name: "Step time", kind: binio.KindF64, unit: units.Seconds},
	0x1d3: {name: "Q charge/discharge", kind: binio.KindF64, unit: units.MilliampHours},
	0x1d4: {name: "half cycle", kind: binio.KindU32},
	0x1d5: {name: "Z cycle", kind: binio.KindU32},
}

// Format implements instrument.Format for BioLogic .mpr files.
type Format struct{}

func init() {
	instrument.Register(Format{})
}

func (Format) Kind() instrument.Kind { return instrument.KindBioLogic }

func (Format) Extensions() []string { return []string{".mpr"} }

func (Format) Detect(raw []byte) bool {
	return len(raw) >= signatureSize && bytes.Equal(raw[:signatureSize], fileMagic)
}

// DetectVersion sniffs the module header layout of the first section.
// Version 1152 precedes its 64-bit size field with a -1 marker; earlier
// versions store a 32-bit size there. 1101 and 1146 share a layout and
// cannot be told apart from framing alone, so the newer one is assumed;
// pin 1101 explicitly with instrument.WithSoftwareVersion when parsing
// files from that firmware.
func (Format) DetectVersion(raw []byte) (int, error) {
	sizePos := signatureSize + sectionHeadSize
	if len(raw) < sizePos+4 {
		return 0, fmt.Errorf("%w: file ends inside the first module header", instrument.ErrBadSignature)
	}
	if int32(binary.LittleEndian.Uint32(raw[sizePos:])) == -1 {
		return Version1152, nil
	}
	return Version1146, nil
}

// sectionHeader is one decoded MODULE frame.
type sectionHeader struct {
	shortName  string
	longName   string
	size       uint64
	secVersion int
	date       string
	dataStart  int // payload offset within the file
}

// readSectionHeader decodes one MODULE frame at the cursor. The size field
// layout is version-dependent.
func readSectionHeader(cur *binio.Cursor, version int) (sectionHeader, error) {
	var h sectionHeader
	if err := cur.Expect([]byte(moduleMarker)); err != nil {
		return h, err
	}

	short, err := cur.ReadCString(shortNameSize)
	if err != nil {
		return h, err
	}
	long, err := cur.ReadCString(longNameSize)
	if err != nil {
		return h, err
	}
	h.shortName = strings.TrimRight(short, " ")
	h.longName = strings.TrimRight(long, " ")

	if version == Version1152 {
		// A marker field that always reads -1, then a 64-bit size.
		if _, err := cur.ReadFixed(binio.KindI32); err != nil {
			return h, err
		}
		v, err := cur.ReadFixed(binio.KindU64)
		if err != nil {
			return h, err
		}
		h.size = v.Uint
	} else {
		v, err := cur.ReadFixed(binio.KindU32)
		if err != nil {
			return h, err
		}
		h.size = v.Uint
	}

	v, err := cur.ReadFixed(binio.KindU32)
	if err != nil {
		return h, err
	}
	h.secVersion = int(v.Uint)

	date, err := cur.ReadCString(dateSize)
	if err != nil {
		return h, err
	}
	h.date = date
	h.dataStart = cur.Pos()
	return h, nil
}

// Index validates the signature and walks the MODULE sections in file
// order. A section header that runs off the end of the buffer terminates
// the walk with a warning; the engine bounds-checks the payloads.
func (f Format) Index(buf []byte, version int) ([]instrument.Module, []instrument.Warning, error) {
	if !f.Detect(buf) {
		return nil, nil, instrument.ErrBadSignature
	}
	if err := checkVersion(version); err != nil {
		return nil, nil, err
	}

	cur := binio.NewCursor(buf, binary.LittleEndian)
	if err := cur.Seek(signatureSize); err != nil {
		return nil, nil, err
	}

	var mods []instrument.Module
	var warnings []instrument.Warning
	for cur.Remaining() > 0 {
		at := cur.Pos()
		h, err := readSectionHeader(cur, version)
		if err != nil {
			warnings = append(warnings, instrument.Warning{
				Err: fmt.Errorf("section header at offset 0x%x unreadable, stopping directory walk: %w", at, err),
			})
			break
		}
		mods = append(mods, instrument.Module{
			Name:    h.longName,
			Version: h.secVersion,
			Offset:  uint64(h.dataStart),
			Length:  h.size,
		})
		if err := cur.Seek(h.dataStart + int(h.size)); err != nil {
			// Truncated payload; the module stays listed and the engine
			// drops it with its own warning.
			break
		}
	}
	return mods, warnings, nil
}

// ModuleSchema derives the row layout of the VMP data module from its
// payload header. Settings and log modules carry no tabular rows and are
// skipped; their contents surface through Metadata.
func (Format) ModuleSchema(buf []byte, version int, mod instrument.Module) (*instrument.Schema, error) {
	if err := checkVersion(version); err != nil {
		return nil, err
	}
	if mod.Name != ModuleData {
		return nil, nil
	}
	return dataSchema(buf, version, mod)
}

func checkVersion(version int) error {
	switch version {
	case Version1101, Version1146, Version1152:
		return nil
	default:
		return fmt.Errorf("%w: biologic software version %d", instrument.ErrUnsupportedVersion, version)
	}
}

// dataSchema parses the VMP data payload header: point count, column
// count, column IDs. Flag columns pack into a single leading flags byte;
// numeric columns follow in declaration order.
func dataSchema(buf []byte, version int, mod instrument.Module) (*instrument.Schema, error) {
	cur := binio.NewCursor(buf, binary.LittleEndian)
	if err := cur.Seek(int(mod.Offset)); err != nil {
		return nil, err
	}

	nPoints, err := cur.ReadFixed(binio.KindU32)
	if err != nil {
		return nil, fmt.Errorf("data point count: %w", err)
	}

	colKind := binio.KindU8
	if version == Version1152 {
		colKind = binio.KindU16
	}
	nCols, err := cur.ReadFixed(colKind)
	if err != nil {
		return nil, fmt.Errorf("column count: %w", err)
	}

	var cols []column
	hasFlags := false
	for i := 0; i < int(nCols.Uint); i++ {
		id, err := cur.ReadFixed(binio.KindU16)
		if err != nil {
			return nil, fmt.Errorf("column id %d: %w", i, err)
		}
		col, ok := vmpColumns[uint16(id.Uint)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown VMP data column id 0x%x", binio.ErrUnsupportedType, id.Uint)
		}
		cols = append(cols, col)
		if col.isFlag() {
			hasFlags = true
		}
	}

	// Lay out one row: the flags byte first when present, then the numeric
	// fields in declared order.
	var fields []instrument.FieldDescriptor
	stride := 0
	if hasFlags {
		stride = 1
	}
	for _, col := range cols {
		if col.isFlag() {
			fields = append(fields, instrument.FieldDescriptor{
				Name: col.name, ByteOffset: 0, Kind: binio.KindFlags,
				Bit: col.bit, Bits: col.bits,
			})
			continue
		}
		fields = append(fields, instrument.FieldDescriptor{
			Name: col.name, ByteOffset: uint32(stride), Kind: col.kind, Unit: col.unit,
		})
		stride += col.kind.FixedSize()
	}
	if stride == 0 {
		return nil, fmt.Errorf("VMP data module declares no columns")
	}

	// The rows end at the payload end; everything between the column list
	// and the rows is unparsed padding whose size varies by version. The
	// 1101 firmware writes the last record one stride early, so the row
	// region starts one stride sooner there.
	rows := int(nPoints.Uint)
	rowBytes := rows * stride
	if uint64(rowBytes) > mod.Length {
		return nil, fmt.Errorf("%w: %d rows of %d bytes exceed module length %d",
			binio.ErrTruncatedData, rows, stride, mod.Length)
	}
	dataOffset := int(mod.Length) - rowBytes
	if version == Version1101 {
		if dataOffset < stride {
			return nil, fmt.Errorf("%w: no room for the 1101 trailing-record correction", binio.ErrTruncatedData)
		}
		dataOffset -= stride
	}

	return &instrument.Schema{
		Fields:     fields,
		Stride:     stride,
		Rows:       rows,
		DataOffset: dataOffset,
		TimeField:  "time",
	}, nil
}

// Metadata surfaces the settings-section acquisition date.
func (f Format) Metadata(raw []byte, version int) (map[string]string, []instrument.Step, error) {
	cur := binio.NewCursor(raw, binary.LittleEndian)
	if err := cur.Seek(signatureSize); err != nil {
		return nil, nil, err
	}
	h, err := readSectionHeader(cur, version)
	if err != nil {
		return nil, nil, err
	}
	meta := map[string]string{
		"module":  h.longName,
		"date":    h.date,
		"version": fmt.Sprintf("%d", version),
	}
	return meta, nil, nil
}
