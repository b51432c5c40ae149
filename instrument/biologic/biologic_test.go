package biologic

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/voltaic-data/cellparse/instrument"
)

// testStride is one VMP data row with the test column set: a flags byte,
// f64 time, f32 Ewe, f32 I.
const testStride = 1 + 8 + 4 + 4

var testColumns = []uint16{0x01, 0x02, 0x04, 0x06, 0x08}

func padded(s string, n int) []byte {
	b := bytes.Repeat([]byte(" "), n)
	copy(b, s)
	return b
}

// section frames one MODULE payload with the version-dependent header.
func section(version int, longName string, secVersion int, payload []byte) []byte {
	var b bytes.Buffer
	b.WriteString(moduleMarker)
	b.Write(padded("VMP Set", shortNameSize))
	b.Write(padded(longName, longNameSize))
	if version == Version1152 {
		binary.Write(&b, binary.LittleEndian, int32(-1))
		binary.Write(&b, binary.LittleEndian, uint64(len(payload)))
	} else {
		binary.Write(&b, binary.LittleEndian, uint32(len(payload)))
	}
	binary.Write(&b, binary.LittleEndian, uint32(secVersion))
	b.Write(padded("08/26/26", dateSize))
	b.Write(payload)
	return b.Bytes()
}

func putRow(buf []byte, row int) {
	buf[0] = byte(row % 4) // mode in bits 0-1, ox/red clear
	binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(float64(row)*10))
	binary.LittleEndian.PutUint32(buf[9:], math.Float32bits(float32(3.7)+float32(row)*0.1))
	binary.LittleEndian.PutUint32(buf[13:], math.Float32bits(1.5))
}

// dataPayload builds a VMP data payload: count header, column IDs, junk
// padding, then nRows rows ending at the payload end. Version 1101 gets
// one extra trailing stride of junk because its rows start a stride early.
func dataPayload(version, nRows int, cols []uint16) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint32(nRows))
	if version == Version1152 {
		binary.Write(&b, binary.LittleEndian, uint16(len(cols)))
	} else {
		b.WriteByte(byte(len(cols)))
	}
	for _, id := range cols {
		binary.Write(&b, binary.LittleEndian, id)
	}
	b.Write(bytes.Repeat([]byte{0xee}, 10)) // unparsed header remainder

	rows := make([]byte, nRows*testStride)
	for r := 0; r < nRows; r++ {
		putRow(rows[r*testStride:], r)
	}
	b.Write(rows)
	if version == Version1101 {
		b.Write(bytes.Repeat([]byte{0xcc}, testStride))
	}
	return b.Bytes()
}

func buildMPR(version, nRows int, cols []uint16) []byte {
	var b bytes.Buffer
	b.Write(fileMagic)
	b.Write(section(version, ModuleSettings, 0, bytes.Repeat([]byte{0x5a}, 16)))
	b.Write(section(version, ModuleData, 2, dataPayload(version, nRows, cols)))
	return b.Bytes()
}

func TestDetect(t *testing.T) {
	raw := buildMPR(Version1146, 1, testColumns)
	var f Format
	if !f.Detect(raw) {
		t.Fatal("valid signature not detected")
	}
	raw[3] = 'X'
	if f.Detect(raw) {
		t.Error("corrupted signature detected as valid")
	}
	if f.Detect(raw[:10]) {
		t.Error("short buffer detected as valid")
	}
}

func TestDetectVersion(t *testing.T) {
	var f Format
	v, err := f.DetectVersion(buildMPR(Version1152, 1, testColumns))
	if err != nil || v != Version1152 {
		t.Errorf("1152 file: got (%d, %v)", v, err)
	}
	v, err = f.DetectVersion(buildMPR(Version1146, 1, testColumns))
	if err != nil || v != Version1146 {
		t.Errorf("1146 file: got (%d, %v)", v, err)
	}
	if _, err := f.DetectVersion(fileMagic); !errors.Is(err, instrument.ErrBadSignature) {
		t.Errorf("header-only file: got %v, want ErrBadSignature", err)
	}
}

func TestIndexWalksSections(t *testing.T) {
	raw := buildMPR(Version1146, 3, testColumns)
	var f Format
	mods, warns, err := f.Index(raw, Version1146)
	if err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	if len(warns) != 0 {
		t.Errorf("unexpected warnings: %v", warns)
	}
	if len(mods) != 2 {
		t.Fatalf("got %d modules, want 2", len(mods))
	}
	if mods[0].Name != ModuleSettings || mods[1].Name != ModuleData {
		t.Errorf("module names = %q, %q", mods[0].Name, mods[1].Name)
	}
	if mods[0].Length != 16 {
		t.Errorf("settings length = %d, want 16", mods[0].Length)
	}
	if mods[1].Version != 2 {
		t.Errorf("data section version = %d, want 2", mods[1].Version)
	}
	// The payload region must lie inside the file.
	end := mods[1].Offset + mods[1].Length
	if end != uint64(len(raw)) {
		t.Errorf("data module ends at %d, file is %d bytes", end, len(raw))
	}
}

func TestParseRecords(t *testing.T) {
	for _, version := range []int{Version1146, Version1152} {
		raw := buildMPR(version, 3, testColumns)
		seq, err := instrument.Parse(Format{}, raw, "run.mpr", version)
		if err != nil {
			t.Fatalf("version %d: Parse failed: %v", version, err)
		}
		if seq.Len() != 3 {
			t.Fatalf("version %d: got %d records, want 3", version, seq.Len())
		}
		for r, rec := range seq.Records {
			if mode, _ := rec.Uint("mode"); mode != uint64(r%4) {
				t.Errorf("version %d row %d: mode = %d, want %d", version, r, mode, r%4)
			}
			if oxred, _ := rec.Uint("ox/red"); oxred != 0 {
				t.Errorf("version %d row %d: ox/red = %d, want 0", version, r, oxred)
			}
			if tm, _ := rec.Float("time"); tm != float64(r)*10 {
				t.Errorf("version %d row %d: time = %v, want %v", version, r, tm, float64(r)*10)
			}
			want := float64(float32(3.7) + float32(r)*0.1)
			if ewe, _ := rec.Float("Ewe"); ewe != want {
				t.Errorf("version %d row %d: Ewe = %v, want %v", version, r, ewe, want)
			}
		}
		if seq.Meta["date"] != "08/26/26" {
			t.Errorf("version %d: meta date = %q", version, seq.Meta["date"])
		}
	}
}

func TestParse1101TrailingRecordQuirk(t *testing.T) {
	raw := buildMPR(Version1101, 3, testColumns)
	seq, err := instrument.Parse(Format{}, raw, "run.mpr", Version1101)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if seq.Len() != 3 {
		t.Fatalf("got %d records, want 3", seq.Len())
	}
	// Rows sit one stride before the payload end for this firmware; the
	// values must still decode exactly, not shifted into the junk tail.
	if tm, _ := seq.Records[2].Float("time"); tm != 20 {
		t.Errorf("last row time = %v, want 20", tm)
	}
}

func TestParseUnknownColumnSkipsModule(t *testing.T) {
	raw := buildMPR(Version1146, 2, []uint16{0x04, 0x9999})
	seq, err := instrument.Parse(Format{}, raw, "run.mpr", Version1146)
	if err != nil {
		t.Fatalf("unknown column must not be fatal for the file: %v", err)
	}
	if seq.Len() != 0 {
		t.Errorf("got %d records from a module with an unknown column", seq.Len())
	}
	found := false
	for _, w := range seq.Warnings {
		if w.Module == ModuleData {
			found = true
		}
	}
	if !found {
		t.Errorf("skipped data module left no warning: %v", seq.Warnings)
	}
}

func TestParseUnsupportedVersion(t *testing.T) {
	raw := buildMPR(Version1146, 1, testColumns)
	_, err := instrument.Parse(Format{}, raw, "run.mpr", 999)
	if !errors.Is(err, instrument.ErrUnsupportedVersion) {
		t.Errorf("got %v, want ErrUnsupportedVersion", err)
	}
}

func TestParseTruncatedDataSection(t *testing.T) {
	raw := buildMPR(Version1146, 3, testColumns)
	raw = raw[:len(raw)-testStride-2]
	seq, err := instrument.Parse(Format{}, raw, "run.mpr", Version1146)
	if err != nil {
		t.Fatalf("truncated data section must not be fatal: %v", err)
	}
	if seq.Len() != 0 {
		t.Errorf("got %d records from a truncated module", seq.Len())
	}
	if len(seq.Warnings) == 0 {
		t.Error("truncation left no warning")
	}
}
