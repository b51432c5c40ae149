package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voltaic-data/cellparse/binio"
	"github.com/voltaic-data/cellparse/instrument"
	"github.com/voltaic-data/cellparse/internal/version"
)

// The software-version pin flag and the build-version banner live in the
// same file and must not shadow each other.
func TestVersionFlagAndBuildBanner(t *testing.T) {
	if *pinVersion != 0 {
		t.Errorf("version pin must default to auto-detect, got %d", *pinVersion)
	}
	if !strings.Contains(version.String(), "cellparse") {
		t.Errorf("build banner = %q", version.String())
	}
}

func cliSequence() *instrument.Sequence {
	v := func(x float64) binio.Value { return binio.Value{Kind: binio.KindF64, Float: x} }
	return &instrument.Sequence{
		Records: []instrument.Record{
			{Module: "records", Row: 0, Values: map[string]binio.Value{"time": v(0), "Ewe": v(3.2)}},
			{Module: "records", Row: 1, Values: map[string]binio.Value{"time": v(10), "Ewe": v(3.4)}},
		},
		Provenance: instrument.Provenance{
			Instrument:      instrument.KindBioLogic,
			SoftwareVersion: 1146,
			SourcePath:      "cell-07.mpr",
		},
	}
}

func TestExportOneWritesCSV(t *testing.T) {
	dir := t.TempDir()
	*writeCSV = true
	*outDir = dir
	defer func() { *writeCSV = false; *outDir = "" }()

	res := result{path: "cell-07.mpr", seq: cliSequence()}
	if err := exportOne("cell-07.mpr", res); err != nil {
		t.Fatalf("exportOne: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "cell-07.csv"))
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("csv lines = %d, want 3", len(lines))
	}
	if lines[0] != "row,Ewe,time" {
		t.Errorf("header = %q", lines[0])
	}
}

func TestExportOneNoFlagsIsNoop(t *testing.T) {
	if err := exportOne("nowhere/cell.mpr", result{seq: cliSequence()}); err != nil {
		t.Fatalf("exportOne without flags must not touch the filesystem: %v", err)
	}
}

func TestParseOneUnknownExtension(t *testing.T) {
	res := parseOne("cell.unknown")
	if res.err == nil {
		t.Fatal("expected an error for an unregistered extension")
	}
}

func TestReportPrintsWarnings(t *testing.T) {
	// report writes to stdout; capture it.
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w
	defer func() { os.Stdout = old }()

	report(result{path: "cell-07.mpr", seq: cliSequence()})
	w.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.Contains(out, "biologic v1146") {
		t.Errorf("summary line missing provenance: %q", out)
	}
	if !strings.Contains(out, "2 records") {
		t.Errorf("summary line missing record count: %q", out)
	}
}
