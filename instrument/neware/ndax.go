package neware

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"hash/crc32"
	"math"
	"math/bits"
	"sort"
	"strings"

	"golang.org/x/net/html/charset"
	"gonum.org/v1/gonum/interp"

	"github.com/voltaic-data/cellparse/binio"
	"github.com/voltaic-data/cellparse/cycle"
	"github.com/voltaic-data/cellparse/instrument"
	"github.com/voltaic-data/cellparse/internal/units"
)

// An .ndax file is a zip holding GB2312-encoded XML metadata plus .ndc
// binaries built from fixed 0x1000-byte pages: a type word, a population
// count, a 1024-bit validity bitmap, 3960 payload bytes and a CRC32 over
// everything before it. Each .ndc member carries one record stream.
const (
	ndaxPageSize     = 0x1000
	ndaxPageBitmapSz = 128
	ndaxPageDataSz   = 3960
	ndaxPageHeadSz   = 4 // type u16 + count u16

	ndaxPageTypeStep    = 8
	ndaxPageTypeData    = 2
	ndaxPageTypeRunInfo = 0x13
)

// Software versions distinguished by the ZwjVersion string in
// VersionInfo.xml. Version 8 pads the step and run-info records to 100
// bytes and reports charge in Ah instead of mA·s.
const (
	VersionNDAX4 = 4
	VersionNDAX8 = 8
)

// Logical module names for the unpacked record streams.
const (
	ModuleNDAXSteps   = "step"
	ModuleNDAXData    = "data"
	ModuleNDAXRunInfo = "runinfo"
)

const zipMagic = "PK\x03\x04"

// ndcMembers lists the zip members that carry record streams, in the order
// Unpack lays them out.
var ndcMembers = []struct {
	member   string
	module   string
	pageType uint16
}{
	{"data_step.ndc", ModuleNDAXSteps, ndaxPageTypeStep},
	{"data.ndc", ModuleNDAXData, ndaxPageTypeData},
	{"data_runInfo.ndc", ModuleNDAXRunInfo, ndaxPageTypeRunInfo},
}

var ndaxPageTypes = map[string]uint16{
	ModuleNDAXSteps:   ndaxPageTypeStep,
	ModuleNDAXData:    ndaxPageTypeData,
	ModuleNDAXRunInfo: ndaxPageTypeRunInfo,
}

// Frame header used by Unpack: an 8-byte NUL-padded module name and a
// 64-bit payload length in front of each member's bytes.
const ndcFrameNameSz = 8

// NDAXFormat implements instrument.Format for .ndax files.
type NDAXFormat struct{}

func init() {
	instrument.Register(NDAXFormat{})
}

func (NDAXFormat) Kind() instrument.Kind { return instrument.KindNewareNDAX }

func (NDAXFormat) Extensions() []string { return []string{".ndax"} }

func (NDAXFormat) Detect(raw []byte) bool {
	if !bytes.HasPrefix(raw, []byte(zipMagic)) {
		return false
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if f.Name == "VersionInfo.xml" {
			return true
		}
	}
	return false
}

func (NDAXFormat) DetectVersion(raw []byte) (int, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", instrument.ErrBadSignature, err)
	}
	var doc versionInfoDoc
	if err := decodeZipXML(zr, "VersionInfo.xml", &doc); err != nil {
		return 0, err
	}
	if doc.Config.Type != "Version Info File" {
		return 0, fmt.Errorf("%w: VersionInfo.xml has type %q", instrument.ErrBadSignature, doc.Config.Type)
	}
	zwj := doc.Config.Zwj.Version
	switch {
	case strings.HasPrefix(zwj, "4S_8."):
		return VersionNDAX8, nil
	case strings.HasPrefix(zwj, "4S_4."):
		return VersionNDAX4, nil
	}
	return 0, fmt.Errorf("%w: ndax client version %q", instrument.ErrUnsupportedVersion, zwj)
}

// Unpack flattens the zip's .ndc members into one framed buffer so the
// module directory can address them by offset: per member an 8-byte name,
// a u64 payload length, then the payload.
func (NDAXFormat) Unpack(raw []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", instrument.ErrBadSignature, err)
	}

	var out bytes.Buffer
	for _, m := range ndcMembers {
		f, err := zr.Open(m.member)
		if err != nil {
			return nil, fmt.Errorf("%w: zip member %s: %v", binio.ErrTruncatedData, m.member, err)
		}
		var payload bytes.Buffer
		if _, err := payload.ReadFrom(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("zip member %s: %w", m.member, err)
		}
		f.Close()

		name := make([]byte, ndcFrameNameSz)
		copy(name, m.module)
		out.Write(name)
		binary.Write(&out, binary.LittleEndian, uint64(payload.Len()))
		out.Write(payload.Bytes())
	}
	return out.Bytes(), nil
}

// Index walks the frames Unpack laid down.
func (NDAXFormat) Index(buf []byte, version int) ([]instrument.Module, []instrument.Warning, error) {
	if err := checkNDAXVersion(version); err != nil {
		return nil, nil, err
	}
	cur := binio.NewCursor(buf, binary.LittleEndian)
	var mods []instrument.Module
	for cur.Remaining() > 0 {
		name, err := cur.ReadCString(ndcFrameNameSz)
		if err != nil {
			return nil, nil, err
		}
		length, err := cur.ReadFixed(binio.KindU64)
		if err != nil {
			return nil, nil, err
		}
		mods = append(mods, instrument.Module{
			Name:    name,
			Version: version,
			Offset:  uint64(cur.Pos()),
			Length:  length.Uint,
		})
		if err := cur.Skip(int(length.Uint)); err != nil {
			break // truncated frame, the engine drops it
		}
	}
	return mods, nil, nil
}

func checkNDAXVersion(version int) error {
	if version != VersionNDAX4 && version != VersionNDAX8 {
		return fmt.Errorf("%w: ndax version %d", instrument.ErrUnsupportedVersion, version)
	}
	return nil
}

// ModuleSchema returns the per-stream record layout. Version 8 pads the
// step and run-info records to 100 bytes; the field offsets are unchanged.
func (NDAXFormat) ModuleSchema(buf []byte, version int, mod instrument.Module) (*instrument.Schema, error) {
	if err := checkNDAXVersion(version); err != nil {
		return nil, err
	}

	switch mod.Name {
	case ModuleNDAXData:
		eweScale := 1.0
		if version == VersionNDAX4 {
			// Version 4 stores voltage in tenths of mV even as float.
			eweScale = units.TenthMillivoltsToVolts
		}
		return &instrument.Schema{
			Stride: 8,
			Fields: []instrument.FieldDescriptor{
				{Name: "Ewe", ByteOffset: 0, Kind: binio.KindF32, Scale: eweScale, Unit: units.Volts},
				{Name: "current", ByteOffset: 4, Kind: binio.KindF32, Unit: units.Milliamps},
			},
		}, nil

	case ModuleNDAXSteps:
		stride := 37
		if version == VersionNDAX8 {
			stride = 100
		}
		return &instrument.Schema{
			Stride: stride,
			Fields: []instrument.FieldDescriptor{
				{Name: "cycle number", ByteOffset: 0, Kind: binio.KindU32},
				{Name: "Ns", ByteOffset: 4, Kind: binio.KindU32},
				// Bytes 8..24 hold four more step ID slots, populated only
				// for auxiliary channels.
				{Name: "mode", ByteOffset: 24, Kind: binio.KindU8},
				{Name: "start_time", ByteOffset: 25, Kind: binio.KindU64, Scale: units.MillisecondsToSeconds, Unit: units.Seconds},
				{Name: "start_record_no", ByteOffset: 33, Kind: binio.KindU32},
			},
		}, nil

	case ModuleNDAXRunInfo:
		stride := 47
		if version == VersionNDAX8 {
			stride = 100
		}
		return &instrument.Schema{
			Stride: stride,
			Fields: []instrument.FieldDescriptor{
				{Name: "step_time", ByteOffset: 0, Kind: binio.KindU32},
				{Name: "step_time_high", ByteOffset: 4, Kind: binio.KindU8},
				{Name: "Q charge", ByteOffset: 5, Kind: binio.KindF32},
				{Name: "Q discharge", ByteOffset: 9, Kind: binio.KindF32},
				{Name: "Energy charge", ByteOffset: 13, Kind: binio.KindF32},
				{Name: "Energy discharge", ByteOffset: 17, Kind: binio.KindF32},
				{Name: "current range", ByteOffset: 21, Kind: binio.KindF32},
				{Name: "work type", ByteOffset: 25, Kind: binio.KindU32},
				{Name: "delta t", ByteOffset: 29, Kind: binio.KindU32},
				{Name: "clock_time", ByteOffset: 33, Kind: binio.KindU32},
				{Name: "step_no", ByteOffset: 37, Kind: binio.KindU32},
				{Name: "record_no", ByteOffset: 41, Kind: binio.KindU32},
				{Name: "clock_time_ms", ByteOffset: 45, Kind: binio.KindU16},
			},
		}, nil
	}
	return nil, nil
}

// DecodeModule walks the pages of one .ndc stream: pages of the wrong type
// are skipped, CRC-failed pages are dropped with a warning, and the
// validity bitmap selects which payload slots hold records. Data records
// get a synthesized record_no from their global slot position, which is
// the interpolation key the run-info stream refers to.
func (NDAXFormat) DecodeModule(buf []byte, mod instrument.Module, schema *instrument.Schema) ([]instrument.Record, []instrument.Warning, error) {
	if mod.Length%ndaxPageSize != 0 {
		return nil, nil, fmt.Errorf("%w: module %q length %d is not a whole number of pages",
			instrument.ErrMisalignedModule, mod.Name, mod.Length)
	}
	wantType := ndaxPageTypes[mod.Name]
	slots := ndaxPageDataSz / schema.Stride

	var records []instrument.Record
	var warnings []instrument.Warning
	slotNo := 0 // global 1-based record numbering across matching pages
	cur := binio.NewCursor(buf, binary.LittleEndian)

	for pageOff := int(mod.Offset); pageOff < int(mod.Offset+mod.Length); pageOff += ndaxPageSize {
		if err := cur.Seek(pageOff); err != nil {
			return nil, nil, err
		}
		pageType, err := cur.ReadFixed(binio.KindU16)
		if err != nil {
			return nil, nil, err
		}
		if uint16(pageType.Uint) != wantType {
			continue
		}
		count, err := cur.ReadFixed(binio.KindU16)
		if err != nil {
			return nil, nil, err
		}
		bitmap, err := cur.ReadBytes(ndaxPageBitmapSz)
		if err != nil {
			return nil, nil, err
		}

		if err := cur.Seek(pageOff + ndaxPageSize - 4); err != nil {
			return nil, nil, err
		}
		stored, err := cur.ReadFixed(binio.KindU32)
		if err != nil {
			return nil, nil, err
		}
		if crc := crc32.ChecksumIEEE(buf[pageOff : pageOff+ndaxPageSize-4]); crc != uint32(stored.Uint) {
			slotNo += slots
			warnings = append(warnings, instrument.Warning{
				Module: mod.Name,
				Err: fmt.Errorf("page at offset 0x%x: crc mismatch (stored %08x, computed %08x), page dropped",
					pageOff, stored.Uint, crc),
			})
			continue
		}

		if popcount(bitmap, slots) != int(count.Uint) {
			warnings = append(warnings, instrument.Warning{
				Module: mod.Name,
				Err:    fmt.Errorf("page at offset 0x%x: bitmap population disagrees with count %d", pageOff, count.Uint),
			})
		}

		dataStart := pageOff + ndaxPageHeadSz + ndaxPageBitmapSz
		for s := 0; s < slots; s++ {
			slotNo++
			if bitmap[s/8]>>(s%8)&1 == 0 {
				continue
			}
			rec, rowWarns := instrument.DecodeRowAt(buf, mod, schema, dataStart+s*schema.Stride, len(records))
			if mod.Name == ModuleNDAXData {
				rec.Values["record_no"] = binio.Value{
					Kind: binio.KindU32, Uint: uint64(slotNo), Float: float64(slotNo),
				}
			}
			records = append(records, rec)
			warnings = append(warnings, rowWarns...)
		}
	}
	return records, warnings, nil
}

func popcount(bitmap []byte, slots int) int {
	n := 0
	for s := 0; s < slots; s += 8 {
		b := bitmap[s/8]
		if rem := slots - s; rem < 8 {
			b &= byte(1<<rem) - 1
		}
		n += bits.OnesCount8(b)
	}
	return n
}

// Postprocess joins the three record streams: run-info counters are
// interpolated onto the data records by record number, and each data
// record is assigned its step, cycle, mode and experiment-global time from
// the step stream.
func (f NDAXFormat) Postprocess(seq *instrument.Sequence) error {
	version := seq.Provenance.SoftwareVersion
	steps := seq.ModuleRecords(ModuleNDAXSteps)
	runs := seq.ModuleRecords(ModuleNDAXRunInfo)
	if len(steps) == 0 || len(runs) == 0 {
		return fmt.Errorf("%w: step or run-info stream empty", instrument.ErrNoRecords)
	}
	if n, _ := steps[0].Uint("start_record_no"); n != 1 {
		return fmt.Errorf("first step starts at record %d, want 1", n)
	}

	// Per-version scales for the interpolated counters.
	qScale := units.MilliampSecondsToMilliampHours
	eScale := units.MilliwattSecondsToWattHours
	if version == VersionNDAX8 {
		qScale = units.AmpHoursToMilliampHours
		eScale = 1
	}

	counterNames := []string{"Q charge", "Q discharge", "Energy charge", "Energy discharge"}
	xs := make([]float64, len(runs))
	stepTimes := make([]float64, len(runs))
	series := make(map[string][]float64, len(counterNames))
	for _, name := range counterNames {
		series[name] = make([]float64, len(runs))
	}
	for i, r := range runs {
		no, _ := r.Float("record_no")
		xs[i] = no
		low, _ := r.Uint("step_time")
		high, _ := r.Uint("step_time_high")
		stepTimes[i] = float64(high<<32|low) * units.MillisecondsToSeconds
		for _, name := range counterNames {
			v, _ := r.Float(name)
			series[name][i] = v
		}
	}

	predictors := make(map[string]interp.PiecewiseLinear, len(series)+1)
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, stepTimes); err != nil {
		return fmt.Errorf("fit step_time: %w", err)
	}
	predictors["step_time"] = pl
	for name, ys := range series {
		var p interp.PiecewiseLinear
		if err := p.Fit(xs, ys); err != nil {
			return fmt.Errorf("fit %s: %w", name, err)
		}
		predictors[name] = p
	}
	clamp := func(x float64) float64 {
		return math.Min(math.Max(x, xs[0]), xs[len(xs)-1])
	}

	// Step stream, sorted by starting record number, for Ns assignment.
	type stepInfo struct {
		startRecord uint64
		ns          uint64
		cycle       uint64
		mode        uint64
		startTime   float64
	}
	infos := make([]stepInfo, len(steps))
	for i, s := range steps {
		infos[i].startRecord, _ = s.Uint("start_record_no")
		infos[i].ns, _ = s.Uint("Ns")
		infos[i].cycle, _ = s.Uint("cycle number")
		infos[i].mode, _ = s.Uint("mode")
		infos[i].startTime, _ = s.Float("start_time")
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].startRecord < infos[j].startRecord })

	scaleFor := map[string]float64{
		"Q charge": qScale, "Q discharge": qScale,
		"Energy charge": eScale, "Energy discharge": eScale,
	}
	for i := range seq.Records {
		rec := &seq.Records[i]
		if rec.Module != ModuleNDAXData {
			continue
		}
		no, ok := rec.Float("record_no")
		if !ok {
			continue
		}

		x := clamp(no)
		stepTime := predictors["step_time"].Predict(x)
		setFloat(rec, "step_time", stepTime)
		for _, name := range counterNames {
			setFloat(rec, name, predictors[name].Predict(x)*scaleFor[name])
		}

		// The step whose start record is the last one at or before this
		// record.
		idx := sort.Search(len(infos), func(j int) bool {
			return infos[j].startRecord > uint64(no)
		}) - 1
		if idx < 0 {
			continue
		}
		setUint(rec, "Ns", infos[idx].ns)
		setUint(rec, "cycle number", infos[idx].cycle)
		setUint(rec, "mode", infos[idx].mode)
		setFloat(rec, "time", infos[idx].startTime+stepTime)
	}
	return nil
}

func setFloat(rec *instrument.Record, name string, v float64) {
	rec.Values[name] = binio.Value{Kind: binio.KindF64, Float: v}
}

func setUint(rec *instrument.Record, name string, v uint64) {
	rec.Values[name] = binio.Value{Kind: binio.KindU64, Uint: v, Float: float64(v)}
}

// Metadata reads TestInfo.xml and Step.xml from the original zip.
func (NDAXFormat) Metadata(raw []byte, version int) (map[string]string, []instrument.Step, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", instrument.ErrBadSignature, err)
	}

	var test testInfoDoc
	if err := decodeZipXML(zr, "TestInfo.xml", &test); err != nil {
		return nil, nil, err
	}
	if test.Config.Type != "Test Info File" {
		return nil, nil, fmt.Errorf("TestInfo.xml has type %q", test.Config.Type)
	}
	info := test.Config.TestInfo
	meta := map[string]string{
		"sw_version": test.Config.SortVersion,
		"machine":    info.DevID,
		"hw_version": info.DevType,
		"unit":       info.UnitID,
		"channel":    info.ChlID,
		"test_id":    info.TestID,
	}
	if d, _, ok := strings.Cut(info.StartTime, " "); ok {
		meta["date"] = d
	} else {
		meta["date"] = info.StartTime
	}

	steps, err := parseNDAXSteps(zr)
	if err != nil {
		return nil, nil, err
	}
	return meta, steps, nil
}

// ndaxLimitNames maps the limit tags in Step.xml to parameter names, with
// unit conversions where the raw values are in vendor units.
var ndaxLimitNames = map[string]string{
	"Time":        "time",
	"Curr":        "current",
	"Volt":        "voltage",
	"Stop_Volt":   "stop_voltage",
	"Stop_Curr":   "stop_current",
	"Start_Step":  "target",
	"Cycle_Count": "repeats",
}

func convertNDAXLimit(name string, raw float64) float64 {
	switch name {
	case "time":
		return raw * units.MillisecondsToSeconds
	case "voltage":
		return raw * units.TenthMillivoltsToVolts
	}
	return raw
}

func parseNDAXSteps(zr *zip.Reader) ([]instrument.Step, error) {
	var doc stepDoc
	if err := decodeZipXML(zr, "Step.xml", &doc); err != nil {
		return nil, err
	}
	if doc.Config.Type != "Step File" {
		return nil, fmt.Errorf("Step.xml has type %q", doc.Config.Type)
	}

	steps := make([]instrument.Step, 0, len(doc.Config.StepInfo.Steps))
	for i, node := range doc.Config.StepInfo.Steps {
		id := i + 1
		if node.ID != id {
			return nil, fmt.Errorf("Step.xml entry %d carries Step_ID %d", id, node.ID)
		}
		mode := cycle.StepType(node.Type)
		if node.Type < 0 || node.Type > 0xff || !mode.Known() {
			return nil, fmt.Errorf("Step.xml step %d: unrecognized step type %d", id, node.Type)
		}
		step := instrument.Step{Index: id, Mode: mode.String(), Params: map[string]float64{}}
		for _, lim := range append(node.Limit.Main.Entries, node.Limit.Other.Entries...) {
			name, ok := ndaxLimitNames[lim.XMLName.Local]
			if !ok {
				return nil, fmt.Errorf("Step.xml step %d: unrecognized limit %q", id, lim.XMLName.Local)
			}
			step.Params[name] = convertNDAXLimit(name, lim.Value)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// XML document shapes. The files are GB2312 encoded; decodeZipXML routes
// them through a charset-aware decoder.

type versionInfoDoc struct {
	Config struct {
		Type string `xml:"type,attr"`
		Zwj  struct {
			Version string `xml:"ZwjVersion,attr"`
		} `xml:"ZwjVersion"`
	} `xml:"config"`
}

type testInfoDoc struct {
	Config struct {
		Type        string `xml:"type,attr"`
		SortVersion string `xml:"SortVersion,attr"`
		TestInfo    struct {
			DevID     string `xml:"DevID,attr"`
			DevType   string `xml:"DevType,attr"`
			UnitID    string `xml:"UnitID,attr"`
			ChlID     string `xml:"ChlID,attr"`
			TestID    string `xml:"TestID,attr"`
			StartTime string `xml:"StartTime,attr"`
		} `xml:"TestInfo"`
	} `xml:"config"`
}

type stepDoc struct {
	Config struct {
		Type     string `xml:"type,attr"`
		StepInfo struct {
			Num   int        `xml:"Num,attr"`
			Steps []stepNode `xml:",any"`
		} `xml:"Step_Info"`
	} `xml:"config"`
}

type stepNode struct {
	XMLName xml.Name
	ID      int `xml:"Step_ID,attr"`
	Type    int `xml:"Step_Type,attr"`
	Limit   struct {
		Main  limitGroup `xml:"Main"`
		Other limitGroup `xml:"Other"`
	} `xml:"Limit"`
}

type limitGroup struct {
	Entries []limitEntry `xml:",any"`
}

type limitEntry struct {
	XMLName xml.Name
	Value   float64 `xml:"Value,attr"`
}

func decodeZipXML(zr *zip.Reader, name string, v any) error {
	f, err := zr.Open(name)
	if err != nil {
		return fmt.Errorf("zip member %s: %w", name, err)
	}
	defer f.Close()
	dec := xml.NewDecoder(f)
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
