// Package export writes parsed sequences and per-cycle summaries to CSV
// and XLSX files for downstream spreadsheet work.
package export

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"

	"github.com/xuri/excelize/v2"
	"gonum.org/v1/gonum/stat"

	"github.com/voltaic-data/cellparse/cycle"
	"github.com/voltaic-data/cellparse/instrument"
)

// Fields returns the sorted union of field names across a sequence's
// records, giving exports a stable column order.
func Fields(seq *instrument.Sequence) []string {
	seen := map[string]bool{}
	for _, r := range seq.Records {
		for name := range r.Values {
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// WriteCSV writes the sequence's records as CSV with one column per
// field. A nil fields slice exports every field. Fields a record did not
// decode come out as empty cells.
func WriteCSV(w io.Writer, seq *instrument.Sequence, fields []string) error {
	if fields == nil {
		fields = Fields(seq)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"row"}, fields...)); err != nil {
		return err
	}

	line := make([]string, len(fields)+1)
	for _, rec := range seq.Records {
		line[0] = strconv.Itoa(rec.Row)
		for i, name := range fields {
			if v, ok := rec.Float(name); ok {
				line[i+1] = strconv.FormatFloat(v, 'g', -1, 64)
			} else {
				line[i+1] = ""
			}
		}
		if err := cw.Write(line); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// CycleSummary is one cycle's headline numbers.
type CycleSummary struct {
	Cycle               int
	PlatingCapacity     float64
	StrippingCapacity   float64
	CoulombicEfficiency float64
}

// Summarize builds per-cycle summaries from an experiment, walking cycles
// until the data runs out.
func Summarize(e *cycle.Experiment, plating, stripping cycle.HalfCycleRef) ([]CycleSummary, error) {
	ces := e.CoulombicEfficiencies(plating, stripping)
	if len(ces) == 0 {
		return nil, cycle.ErrMissingCycleData
	}

	plate, strip, err := e.Capacities(plating, stripping, len(ces))
	if err != nil {
		return nil, err
	}

	out := make([]CycleSummary, len(ces))
	for i := range ces {
		out[i] = CycleSummary{
			Cycle:               i + 1,
			PlatingCapacity:     plate[i],
			StrippingCapacity:   strip[i],
			CoulombicEfficiency: ces[i],
		}
	}
	return out, nil
}

// MeanEfficiency averages the coulombic efficiency over a summary run.
func MeanEfficiency(summaries []CycleSummary) float64 {
	ces := make([]float64, len(summaries))
	for i, s := range summaries {
		ces[i] = s.CoulombicEfficiency
	}
	return stat.Mean(ces, nil)
}

// WriteSummaryCSV writes per-cycle summaries as CSV.
func WriteSummaryCSV(w io.Writer, summaries []CycleSummary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"cycle", "plating_capacity", "stripping_capacity", "coulombic_efficiency"}); err != nil {
		return err
	}
	for _, s := range summaries {
		err := cw.Write([]string{
			strconv.Itoa(s.Cycle),
			strconv.FormatFloat(s.PlatingCapacity, 'g', -1, 64),
			strconv.FormatFloat(s.StrippingCapacity, 'g', -1, 64),
			strconv.FormatFloat(s.CoulombicEfficiency, 'g', -1, 64),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes the sequence to an Excel workbook: a Records sheet
// with one column per field, a Metadata sheet with provenance and header
// metadata, and, when summaries are given, a Cycles sheet.
func WriteXLSX(path string, seq *instrument.Sequence, fields []string, summaries []CycleSummary) error {
	if fields == nil {
		fields = Fields(seq)
	}

	f := excelize.NewFile()
	defer f.Close()

	const recordSheet = "Records"
	if err := f.SetSheetName("Sheet1", recordSheet); err != nil {
		return err
	}

	setCell := func(sheet string, col, row int, value interface{}) error {
		cell, err := excelize.CoordinatesToCellName(col, row)
		if err != nil {
			return err
		}
		return f.SetCellValue(sheet, cell, value)
	}

	if err := setCell(recordSheet, 1, 1, "row"); err != nil {
		return err
	}
	for i, name := range fields {
		if err := setCell(recordSheet, i+2, 1, name); err != nil {
			return err
		}
	}
	for r, rec := range seq.Records {
		if err := setCell(recordSheet, 1, r+2, rec.Row); err != nil {
			return err
		}
		for i, name := range fields {
			v, ok := rec.Float(name)
			if !ok {
				continue
			}
			if err := setCell(recordSheet, i+2, r+2, v); err != nil {
				return err
			}
		}
	}

	if err := writeMetadataSheet(f, setCell, seq); err != nil {
		return err
	}

	if len(summaries) > 0 {
		if err := writeCyclesSheet(f, setCell, summaries); err != nil {
			return err
		}
	}

	return f.SaveAs(path)
}

type cellSetter func(sheet string, col, row int, value interface{}) error

func writeMetadataSheet(f *excelize.File, setCell cellSetter, seq *instrument.Sequence) error {
	const sheet = "Metadata"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	rows := [][2]interface{}{
		{"source", seq.Provenance.SourcePath},
		{"format", string(seq.Provenance.Instrument)},
		{"software_version", seq.Provenance.SoftwareVersion},
		{"records", len(seq.Records)},
		{"warnings", len(seq.Warnings)},
	}

	keys := make([]string, 0, len(seq.Meta))
	for k := range seq.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, [2]interface{}{k, seq.Meta[k]})
	}

	for i, kv := range rows {
		if err := setCell(sheet, 1, i+1, kv[0]); err != nil {
			return err
		}
		if err := setCell(sheet, 2, i+1, kv[1]); err != nil {
			return err
		}
	}
	return nil
}

func writeCyclesSheet(f *excelize.File, setCell cellSetter, summaries []CycleSummary) error {
	const sheet = "Cycles"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	headers := []string{"cycle", "plating_capacity", "stripping_capacity", "coulombic_efficiency"}
	for i, h := range headers {
		if err := setCell(sheet, i+1, 1, h); err != nil {
			return err
		}
	}
	for r, s := range summaries {
		values := []interface{}{s.Cycle, s.PlatingCapacity, s.StrippingCapacity, s.CoulombicEfficiency}
		for i, v := range values {
			if err := setCell(sheet, i+1, r+2, v); err != nil {
				return err
			}
		}
	}
	return nil
}
