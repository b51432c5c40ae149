package neware

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/voltaic-data/cellparse/instrument"
)

// putNDARecord packs one 59-byte record.
func putNDARecord(buf []byte, status uint8, recNo, cyc uint32, ns, mode uint8, stepTime uint32, ewe, current int32, q, energy int64) {
	buf[0] = status
	binary.LittleEndian.PutUint32(buf[1:], recNo)
	binary.LittleEndian.PutUint32(buf[5:], cyc)
	buf[9] = ns
	buf[10] = mode
	binary.LittleEndian.PutUint32(buf[11:], stepTime)
	binary.LittleEndian.PutUint32(buf[15:], uint32(ewe))
	binary.LittleEndian.PutUint32(buf[19:], uint32(current))
	binary.LittleEndian.PutUint64(buf[23:], 250) // temperature, raw
	binary.LittleEndian.PutUint64(buf[31:], uint64(q))
	binary.LittleEndian.PutUint64(buf[39:], uint64(energy))
	binary.LittleEndian.PutUint64(buf[47:], 1710500000)
	binary.LittleEndian.PutUint32(buf[55:], 0xdeadbeef) // checksum, undecoded
}

// buildNDA assembles a header, a four-step program (CC charge, rest, loop,
// stop) and the given records.
func buildNDA(t *testing.T, records [][]byte) []byte {
	t.Helper()
	headerEnd := ndaUsernameOffset + ndaUsernameLen + ndaBatchLen + ndaMemoLen
	buf := make([]byte, headerEnd)
	copy(buf, "NEWARE20240315")
	copy(buf[ndaVersionStringOffset:], "BTS Client 7.5.6\x00")
	buf[ndaChannelInfoOffset] = 23  // machine
	buf[ndaChannelInfoOffset+1] = 5 // hw version
	copy(buf[ndaUsernameOffset:], "kyle\x00")
	copy(buf[ndaUsernameOffset+ndaUsernameLen:], "batch-12\x00")
	copy(buf[ndaUsernameOffset+ndaUsernameLen+ndaBatchLen:], "coin cell 2032\x00")

	steps := make([]byte, 4*ndaStepEntrySize)
	// Step 1: CC charge at 1500 uA for 3600 s to 4.2 V.
	steps[0], steps[1] = 1, 1
	binary.LittleEndian.PutUint32(steps[2:], 1500)
	binary.LittleEndian.PutUint32(steps[6:], 3600)
	binary.LittleEndian.PutUint32(steps[10:], 42000)
	// Step 2: rest for 600 s.
	e := ndaStepEntrySize
	steps[e], steps[e+1] = 2, 4
	binary.LittleEndian.PutUint32(steps[e+2:], 600)
	// Step 3: loop to step 1, 10 repeats.
	e = 2 * ndaStepEntrySize
	steps[e], steps[e+1] = 3, 5
	binary.LittleEndian.PutUint32(steps[e+2:], 1)
	binary.LittleEndian.PutUint32(steps[e+6:], 10)
	// Step 4: stop.
	e = 3 * ndaStepEntrySize
	steps[e], steps[e+1] = 4, 6

	buf = append(buf, steps...)
	for _, rec := range records {
		buf = append(buf, rec...)
	}
	return buf
}

func ndaTestRecords(t *testing.T) [][]byte {
	t.Helper()
	recs := make([][]byte, 3)
	for i := range recs {
		recs[i] = make([]byte, ndaRecordSize)
	}
	putNDARecord(recs[0], 0, 1, 1, 1, 1, 60, 38000, 1500, 3_600_000, 13_680_000)
	putNDARecord(recs[1], 0, 2, 1, 1, 1, 120, 39000, 1500, 7_200_000, 27_360_000)
	// A failed record the parser must drop.
	putNDARecord(recs[2], 1, 3, 1, 2, 4, 10, 39500, 0, 0, 0)
	return recs
}

func TestNDADetect(t *testing.T) {
	raw := buildNDA(t, ndaTestRecords(t))
	var f NDAFormat
	if !f.Detect(raw) {
		t.Fatal("valid file not detected")
	}
	if f.Detect([]byte("NEWAREnotadate")) {
		t.Error("non-digit date detected as valid")
	}
	if f.Detect(raw[:4]) {
		t.Error("short buffer detected as valid")
	}
}

func TestNDAParse(t *testing.T) {
	raw := buildNDA(t, ndaTestRecords(t))
	seq, err := instrument.Parse(NDAFormat{}, raw, "run.nda", 0)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if seq.Len() != 2 {
		t.Fatalf("got %d records, want 2 (failed-status row dropped)", seq.Len())
	}

	rec := seq.Records[0]
	if got, _ := rec.Float("Ewe"); math.Abs(got-3.8) > 1e-12 {
		t.Errorf("Ewe = %v, want 3.8", got)
	}
	if got, _ := rec.Float("current"); got != 1.5 {
		t.Errorf("current = %v mA, want 1.5", got)
	}
	if got, _ := rec.Float("Q charge/discharge"); math.Abs(got-1.0) > 1e-12 {
		t.Errorf("Q = %v mAh, want 1 (3.6e6 uAs)", got)
	}
	if got, _ := rec.Float("Energy charge/discharge"); math.Abs(got-0.0038) > 1e-12 {
		t.Errorf("Energy = %v Wh, want 0.0038", got)
	}
	if got, _ := rec.Uint("Ns"); got != 1 {
		t.Errorf("Ns = %d, want 1", got)
	}

	if seq.Provenance.Instrument != instrument.KindNewareNDA {
		t.Errorf("provenance instrument = %q", seq.Provenance.Instrument)
	}
}

func TestNDAMetadataAndSteps(t *testing.T) {
	raw := buildNDA(t, ndaTestRecords(t))
	seq, err := instrument.Parse(NDAFormat{}, raw, "run.nda", 0)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	for key, want := range map[string]string{
		"date":       "20240315",
		"sw_version": "BTS Client 7.5.6",
		"machine":    "23",
		"hw_version": "5",
		"username":   "kyle",
		"batch":      "batch-12",
		"memo":       "coin cell 2032",
	} {
		if got := seq.Meta[key]; got != want {
			t.Errorf("meta[%q] = %q, want %q", key, got, want)
		}
	}

	if len(seq.Steps) != 4 {
		t.Fatalf("got %d steps, want 4", len(seq.Steps))
	}
	cc := seq.Steps[0]
	if cc.Mode != "CC_charge" {
		t.Errorf("step 1 mode = %q", cc.Mode)
	}
	if cc.Params["current"] != 1.5 {
		t.Errorf("step 1 current = %v mA, want 1.5", cc.Params["current"])
	}
	if cc.Params["voltage"] != 4.2 {
		t.Errorf("step 1 voltage = %v V, want 4.2", cc.Params["voltage"])
	}
	if seq.Steps[1].Mode != "Rest" || seq.Steps[1].Params["time"] != 600 {
		t.Errorf("step 2 = %+v", seq.Steps[1])
	}
	if seq.Steps[2].Mode != "Loop" || seq.Steps[2].Params["repeats"] != 10 {
		t.Errorf("step 3 = %+v", seq.Steps[2])
	}
	if seq.Steps[3].Mode != "Stop" || len(seq.Steps[3].Params) != 0 {
		t.Errorf("step 4 = %+v", seq.Steps[3])
	}
}

func TestNDAMisalignedRecordRegion(t *testing.T) {
	recs := ndaTestRecords(t)
	raw := buildNDA(t, recs)
	raw = append(raw, 0x42) // stray trailing byte breaks the stride

	seq, err := instrument.Parse(NDAFormat{}, raw, "run.nda", 0)
	if err != nil {
		t.Fatalf("misaligned record region must not be fatal: %v", err)
	}
	if seq.Len() != 0 {
		t.Errorf("got %d records from a misaligned module", seq.Len())
	}
	found := false
	for _, w := range seq.Warnings {
		if errors.Is(w.Err, instrument.ErrMisalignedModule) {
			found = true
		}
	}
	if !found {
		t.Errorf("no misalignment warning recorded: %v", seq.Warnings)
	}
}

func TestNDAUnknownStepTypeFails(t *testing.T) {
	raw := buildNDA(t, ndaTestRecords(t))
	// Corrupt step 2's type byte to an unassigned code.
	stepBase := ndaUsernameOffset + ndaUsernameLen + ndaBatchLen + ndaMemoLen
	raw[stepBase+ndaStepEntrySize+1] = 0xfd

	_, err := instrument.Parse(NDAFormat{}, raw, "run.nda", 0)
	if err == nil {
		t.Fatal("unrecognized step type must fail the parse")
	}
}
