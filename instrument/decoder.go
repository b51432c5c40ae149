package instrument

import (
	"fmt"

	"github.com/voltaic-data/cellparse/binio"
)

// DecodeModule materializes the records of one module from the full file
// buffer using the module's schema.
//
// For a tabular module the row count is module.Length / Stride, failing
// with ErrMisalignedModule when the division is not exact. Schemas that
// declare their own row count (Rows > 0) decode exactly that many rows
// starting at Offset+DataOffset. Singleton modules decode one record at the
// module offset.
//
// A field that fails to decode is recorded as missing with its diagnostic
// and decoding continues, so one bad field never discards an otherwise
// valid row. Structural problems (rows running past the module) abort the
// module instead.
func DecodeModule(buf []byte, mod Module, schema *Schema) ([]Record, []Warning, error) {
	if schema.Singleton {
		rec, warns := decodeRow(buf, mod, schema, int(mod.Offset)+schema.DataOffset, 0)
		return []Record{rec}, warns, nil
	}

	if schema.Stride <= 0 {
		return nil, nil, fmt.Errorf("module %q: schema has no row stride", mod.Name)
	}

	rows := schema.Rows
	if rows == 0 {
		if mod.Length%uint64(schema.Stride) != 0 {
			return nil, nil, fmt.Errorf("%w: module %q length %d, stride %d",
				ErrMisalignedModule, mod.Name, mod.Length, schema.Stride)
		}
		rows = int(mod.Length / uint64(schema.Stride))
	}

	dataStart := int(mod.Offset) + schema.DataOffset
	dataEnd := int(mod.Offset) + int(mod.Length)
	if dataStart+rows*schema.Stride > dataEnd {
		return nil, nil, fmt.Errorf("%w: module %q declares %d rows of %d bytes past its end",
			binio.ErrTruncatedData, mod.Name, rows, schema.Stride)
	}

	records := make([]Record, 0, rows)
	var warnings []Warning
	for row := 0; row < rows; row++ {
		rec, warns := decodeRow(buf, mod, schema, dataStart+row*schema.Stride, row)
		records = append(records, rec)
		warnings = append(warnings, warns...)
	}
	return records, warnings, nil
}

// DecodeRowAt decodes one row at an absolute buffer offset. Page-framed
// formats use it for rows the validity bitmap scatters through a module.
func DecodeRowAt(buf []byte, mod Module, schema *Schema, rowStart, row int) (Record, []Warning) {
	return decodeRow(buf, mod, schema, rowStart, row)
}

// decodeRow decodes every field of one row. Field offsets in the schema
// are relative to rowStart. All buffer access goes through a cursor so the
// bounds check lives in exactly one place.
func decodeRow(buf []byte, mod Module, schema *Schema, rowStart, row int) (Record, []Warning) {
	cur := binio.NewCursor(buf, schema.ByteOrder())
	rec := Record{
		Module: mod.Name,
		Row:    row,
		Values: make(map[string]binio.Value, len(schema.Fields)),
	}
	var warnings []Warning

	for _, field := range schema.Fields {
		val, err := decodeField(cur, field, rowStart)
		if err != nil {
			if rec.Missing == nil {
				rec.Missing = make(map[string]error)
			}
			err = fmt.Errorf("row %d field %q: %w", row, field.Name, err)
			rec.Missing[field.Name] = err
			warnings = append(warnings, Warning{Module: mod.Name, Err: err})
			continue
		}
		rec.Values[field.Name] = val
	}
	return rec, warnings
}

func decodeField(cur *binio.Cursor, field FieldDescriptor, rowStart int) (binio.Value, error) {
	if err := cur.Seek(rowStart + int(field.ByteOffset)); err != nil {
		return binio.Value{}, err
	}

	switch field.Kind {
	case binio.KindBytes:
		b, err := cur.ReadBytes(field.Width)
		if err != nil {
			return binio.Value{}, err
		}
		return binio.Value{Kind: binio.KindBytes, Bytes: b}, nil

	case binio.KindFlags:
		v, err := cur.ReadFixed(binio.KindFlags)
		if err != nil {
			return binio.Value{}, err
		}
		bits := binio.ExtractFlag(v.Uint, binio.Flag{Name: field.Name, Bit: field.Bit, Bits: field.Bits})
		return binio.Value{
			Kind:  binio.KindFlags,
			Uint:  bits,
			Float: float64(bits) * field.scale(),
		}, nil

	default:
		v, err := cur.ReadFixed(field.Kind)
		if err != nil {
			return binio.Value{}, err
		}
		v.Float *= field.scale()
		return v, nil
	}
}

// ValidateModules checks module slices against the file length, dropping
// any module that would overrun the buffer. Instruments are known to write
// truncated trailing modules on abnormal shutdown, so an overrun is a
// warning, not a parse failure.
func ValidateModules(mods []Module, fileLen int) ([]Module, []Warning) {
	kept := make([]Module, 0, len(mods))
	var warnings []Warning
	for _, m := range mods {
		end := m.Offset + m.Length
		if end < m.Offset || end > uint64(fileLen) {
			warnings = append(warnings, Warning{
				Module: m.Name,
				Err: fmt.Errorf("%w: module spans [%d, %d) in %d-byte file, dropped",
					binio.ErrTruncatedData, m.Offset, end, fileLen),
			})
			continue
		}
		kept = append(kept, m)
	}
	return kept, warnings
}
