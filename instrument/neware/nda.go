// Package neware decodes Neware battery cycler files: the legacy
// single-blob .nda format and the zip-packaged .ndax format that split
// the record stream across page-framed .ndc members.
package neware

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/voltaic-data/cellparse/binio"
	"github.com/voltaic-data/cellparse/cycle"
	"github.com/voltaic-data/cellparse/instrument"
	"github.com/voltaic-data/cellparse/internal/units"
)

// Fixed header offsets in .nda files. The region between the memo and the
// first data record holds the step program, terminated by the first byte
// that breaks the sequential step numbering.
const (
	ndaVersionStringOffset = 0x70
	ndaVersionStringLen    = 30
	ndaChannelInfoOffset   = 0x82b
	ndaUsernameOffset      = 0x876
	ndaUsernameLen         = 15
	ndaBatchLen            = 20
	ndaMemoLen             = 100

	ndaDateLen    = 8 // YYYYMMDD ASCII right after the magic
	ndaRecordSize = 59
	ndaMaxSteps   = 0xfe

	// Each step definition is a step ID byte, a step type byte and five
	// 32-bit parameter slots. How many slots carry values depends on the
	// step type; the entry width does not.
	ndaStepParamSlots = 5
	ndaStepEntrySize  = 2 + ndaStepParamSlots*4

	ndaStatusSuccess = 0
)

// ndaLayoutVersion is the single record layout the legacy format ever
// shipped; .nda files carry no numeric format version of their own.
const ndaLayoutVersion = 1

var ndaMagic = []byte("NEWARE")

const ModuleRecords = "records"

// ndaRecordSchema lays out the 59-byte packed record. The trailing
// checksum is unverifiable without the vendor's algorithm and is left
// undecoded. Raw integers scale to V / mA / mAh / Wh at decode time.
var ndaRecordSchema = &instrument.Schema{
	Stride:    ndaRecordSize,
	TimeField: "step_time",
	Fields: []instrument.FieldDescriptor{
		{Name: "status", ByteOffset: 0, Kind: binio.KindU8},
		{Name: "record_no", ByteOffset: 1, Kind: binio.KindU32},
		{Name: "cycle number", ByteOffset: 5, Kind: binio.KindU32},
		{Name: "Ns", ByteOffset: 9, Kind: binio.KindU8},
		{Name: "mode", ByteOffset: 10, Kind: binio.KindU8},
		{Name: "step_time", ByteOffset: 11, Kind: binio.KindU32, Unit: units.Seconds},
		{Name: "Ewe", ByteOffset: 15, Kind: binio.KindI32, Scale: units.TenthMillivoltsToVolts, Unit: units.Volts},
		{Name: "current", ByteOffset: 19, Kind: binio.KindI32, Scale: units.MicroampsToMilliamps, Unit: units.Milliamps},
		{Name: "temperature", ByteOffset: 23, Kind: binio.KindI64},
		{Name: "Q charge/discharge", ByteOffset: 31, Kind: binio.KindI64, Scale: units.MicroampSecondsToMilliampHours, Unit: units.MilliampHours},
		{Name: "Energy charge/discharge", ByteOffset: 39, Kind: binio.KindI64, Scale: units.MicrowattSecondsToWattHours, Unit: units.WattHours},
		{Name: "clock_time", ByteOffset: 47, Kind: binio.KindU64},
	},
}

// NDAFormat implements instrument.Format for legacy .nda files.
type NDAFormat struct{}

func init() {
	instrument.Register(NDAFormat{})
}

func (NDAFormat) Kind() instrument.Kind { return instrument.KindNewareNDA }

func (NDAFormat) Extensions() []string { return []string{".nda"} }

func (NDAFormat) Detect(raw []byte) bool {
	if len(raw) < len(ndaMagic)+ndaDateLen {
		return false
	}
	if !bytes.HasPrefix(raw, ndaMagic) {
		return false
	}
	for _, b := range raw[len(ndaMagic) : len(ndaMagic)+ndaDateLen] {
		if b < '0' || b > '9' {
			return false
		}
	}
	return true
}

func (NDAFormat) DetectVersion(raw []byte) (int, error) {
	return ndaLayoutVersion, nil
}

// Index locates the single record region: everything between the end of
// the step program and the end of the file.
func (f NDAFormat) Index(buf []byte, version int) ([]instrument.Module, []instrument.Warning, error) {
	if version != ndaLayoutVersion {
		return nil, nil, fmt.Errorf("%w: nda layout version %d", instrument.ErrUnsupportedVersion, version)
	}
	if !f.Detect(buf) {
		return nil, nil, instrument.ErrBadSignature
	}

	_, recStart, err := parseNDASteps(buf)
	if err != nil {
		return nil, nil, err
	}
	if recStart > len(buf) {
		return nil, nil, fmt.Errorf("%w: step program runs past the file", binio.ErrTruncatedData)
	}
	mod := instrument.Module{
		Name:    ModuleRecords,
		Version: version,
		Offset:  uint64(recStart),
		Length:  uint64(len(buf) - recStart),
	}
	return []instrument.Module{mod}, nil, nil
}

func (NDAFormat) ModuleSchema(buf []byte, version int, mod instrument.Module) (*instrument.Schema, error) {
	if version != ndaLayoutVersion {
		return nil, fmt.Errorf("%w: nda layout version %d", instrument.ErrUnsupportedVersion, version)
	}
	if mod.Name != ModuleRecords {
		return nil, nil
	}
	return ndaRecordSchema, nil
}

// Keep drops records whose in-band status byte marks them failed.
func (NDAFormat) Keep(mod instrument.Module, rec instrument.Record) bool {
	status, ok := rec.Uint("status")
	return ok && status == ndaStatusSuccess
}

// Metadata decodes the fixed-offset header strings and the step program.
func (NDAFormat) Metadata(raw []byte, version int) (map[string]string, []instrument.Step, error) {
	cur := binio.NewCursor(raw, binary.LittleEndian)
	if err := cur.Seek(len(ndaMagic)); err != nil {
		return nil, nil, err
	}
	date, err := cur.ReadCString(ndaDateLen)
	if err != nil {
		return nil, nil, err
	}

	meta := map[string]string{"date": date}
	for _, field := range []struct {
		key    string
		offset int
		n      int
	}{
		{"sw_version", ndaVersionStringOffset, ndaVersionStringLen},
		{"username", ndaUsernameOffset, ndaUsernameLen},
		{"batch", ndaUsernameOffset + ndaUsernameLen, ndaBatchLen},
		{"memo", ndaUsernameOffset + ndaUsernameLen + ndaBatchLen, ndaMemoLen},
	} {
		if err := cur.Seek(field.offset); err != nil {
			return nil, nil, err
		}
		s, err := cur.ReadCString(field.n)
		if err != nil {
			return nil, nil, err
		}
		meta[field.key] = s
	}

	if err := cur.Seek(ndaChannelInfoOffset); err != nil {
		return nil, nil, err
	}
	machine, err := cur.ReadFixed(binio.KindU8)
	if err != nil {
		return nil, nil, err
	}
	hw, err := cur.ReadFixed(binio.KindU8)
	if err != nil {
		return nil, nil, err
	}
	meta["machine"] = fmt.Sprintf("%d", machine.Uint)
	meta["hw_version"] = fmt.Sprintf("%d", hw.Uint)

	steps, _, err := parseNDASteps(raw)
	if err != nil {
		return nil, nil, err
	}
	return meta, steps, nil
}

// parseNDASteps walks the step program that follows the memo field. Steps
// are numbered sequentially from 1; the first byte that breaks the
// numbering marks the start of the data records. Returns the steps and the
// offset of the first record.
func parseNDASteps(buf []byte) ([]instrument.Step, int, error) {
	cur := binio.NewCursor(buf, binary.LittleEndian)
	start := ndaUsernameOffset + ndaUsernameLen + ndaBatchLen + ndaMemoLen
	if err := cur.Seek(start); err != nil {
		return nil, 0, fmt.Errorf("step program: %w", err)
	}

	var steps []instrument.Step
	for id := 1; ; id++ {
		if id > ndaMaxSteps {
			return nil, 0, fmt.Errorf("step program does not terminate within %d steps", ndaMaxSteps)
		}
		entry := cur.Pos()
		if cur.Remaining() < ndaStepEntrySize {
			break
		}
		got, err := cur.ReadFixed(binio.KindU8)
		if err != nil {
			return nil, 0, err
		}
		if int(got.Uint) != id {
			// Not a step entry: the records begin here.
			if err := cur.Seek(entry); err != nil {
				return nil, 0, err
			}
			break
		}

		step, err := readNDAStep(cur, id)
		if err != nil {
			return nil, 0, err
		}
		steps = append(steps, step)
		if err := cur.Seek(entry + ndaStepEntrySize); err != nil {
			return nil, 0, err
		}
	}
	return steps, cur.Pos(), nil
}

// readNDAStep decodes the type byte and the typed parameter slots of one
// step entry. The cursor sits right after the step ID byte.
func readNDAStep(cur *binio.Cursor, id int) (instrument.Step, error) {
	typeVal, err := cur.ReadFixed(binio.KindU8)
	if err != nil {
		return instrument.Step{}, err
	}
	mode := cycle.StepType(typeVal.Uint)
	if !mode.Known() {
		return instrument.Step{}, fmt.Errorf("step %d: unrecognized step type %d", id, typeVal.Uint)
	}

	step := instrument.Step{Index: id, Mode: mode.String(), Params: map[string]float64{}}
	param := func() (float64, error) {
		v, err := cur.ReadFixed(binio.KindI32)
		if err != nil {
			return 0, fmt.Errorf("step %d (%s): %w", id, mode, err)
		}
		return float64(v.Int), nil
	}

	switch mode {
	case cycle.StepCCCharge, cycle.StepCCDischarge:
		current, err := param()
		if err != nil {
			return step, err
		}
		duration, err := param()
		if err != nil {
			return step, err
		}
		voltage, err := param()
		if err != nil {
			return step, err
		}
		step.Params["current"] = current * units.MicroampsToMilliamps
		step.Params["time"] = duration
		step.Params["voltage"] = voltage * units.TenthMillivoltsToVolts
	case cycle.StepRest:
		duration, err := param()
		if err != nil {
			return step, err
		}
		step.Params["time"] = duration
	case cycle.StepLoop:
		target, err := param()
		if err != nil {
			return step, err
		}
		repeats, err := param()
		if err != nil {
			return step, err
		}
		step.Params["target"] = target
		step.Params["repeats"] = repeats
	default:
		// Stop and the remaining types carry no decoded parameters; their
		// slots stay in the entry but are skipped by the fixed entry width.
	}
	return step, nil
}
