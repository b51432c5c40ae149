package instrument

import (
	"math"

	"github.com/voltaic-data/cellparse/binio"
)

// Record is one decoded row or singleton result: a mapping from field name
// to decoded scalar, plus the row index and originating module. Records are
// immutable once constructed; fields that failed to decode are absent from
// Values and carry a diagnostic in Missing instead.
type Record struct {
	Module  string
	Row     int
	Values  map[string]binio.Value
	Missing map[string]error
}

// Float returns the scaled numeric value of a field and whether it was
// decoded.
func (r Record) Float(name string) (float64, bool) {
	v, ok := r.Values[name]
	if !ok {
		return 0, false
	}
	return v.AsFloat(), true
}

// Uint returns the unsigned integer view of a field, for flag and counter
// columns.
func (r Record) Uint(name string) (uint64, bool) {
	v, ok := r.Values[name]
	if !ok {
		return 0, false
	}
	return v.Uint, true
}

// Provenance identifies where a sequence came from.
type Provenance struct {
	Instrument      Kind
	SoftwareVersion int
	SourcePath      string
}

// Step is one program step declared in an instrument file header: the
// experiment schedule entry a record's step number refers to.
type Step struct {
	Index  int
	Mode   string
	Params map[string]float64
}

// Sequence is the ordered, provenance-tagged result of parsing one file:
// records in stable row order within each module, modules concatenated in
// file-declaration order, plus the non-fatal warnings accumulated on the
// way.
type Sequence struct {
	Records    []Record
	Steps      []Step
	Meta       map[string]string
	Provenance Provenance
	Warnings   []Warning
}

// Len returns the number of records.
func (s *Sequence) Len() int { return len(s.Records) }

// Column extracts one field across all records as a float slice, with NaN
// holes for records where the field is missing. This is the handoff shape
// the cycle-interpretation layer consumes.
func (s *Sequence) Column(name string) []float64 {
	out := make([]float64, len(s.Records))
	for i, r := range s.Records {
		if v, ok := r.Float(name); ok {
			out[i] = v
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// ModuleRecords returns the records belonging to one module, in row order.
func (s *Sequence) ModuleRecords(module string) []Record {
	var out []Record
	for _, r := range s.Records {
		if r.Module == module {
			out = append(out, r)
		}
	}
	return out
}
