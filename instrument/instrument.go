// Package instrument defines the instrument-agnostic measurement model and
// the decoding engine that turns a raw instrument file into an ordered
// sequence of measurement records.
//
// The engine never hard-codes a file layout: each supported instrument
// implements the Format interface (container framing and field-layout
// lookup) and registers itself, and the generic decoder does the rest.
// Adding an instrument or a new format version means adding schema table
// entries and, at most, a new directory-parsing branch in that instrument's
// Format; the cursor, codec and record decoder never change.
package instrument

import (
	"errors"
	"fmt"
)

// Kind identifies a supported instrument family.
type Kind string

const (
	KindBioLogic   Kind = "biologic"
	KindNewareNDA  Kind = "neware-nda"
	KindNewareNDAX Kind = "neware-ndax"
)

// Error taxonomy. Structural failures abort the whole parse; module-level
// failures drop the module with a recorded warning; field-level failures
// leave a hole in the record with a diagnostic.
var (
	// ErrBadSignature means the file magic did not match; the whole file is
	// unreadable and no partial sequence is produced.
	ErrBadSignature = errors.New("instrument: bad file signature")

	// ErrUnsupportedVersion means no schema table entry exists for the
	// (instrument, format version, module) key. Fatal for the file, but the
	// caller can report the offending version.
	ErrUnsupportedVersion = errors.New("instrument: unsupported format version")

	// ErrMisalignedModule means a tabular module's length is not a whole
	// multiple of its row stride. The module is skipped with a warning.
	ErrMisalignedModule = errors.New("instrument: module length not a multiple of row stride")

	// ErrNoRecords means the file parsed but produced no measurement rows.
	ErrNoRecords = errors.New("instrument: no measurement records")
)

// Module is a named, offset-addressed region of an instrument file, either
// tabular (fixed-stride rows) or singleton (one record).
type Module struct {
	Name    string
	Version int
	Offset  uint64
	Length  uint64

	// Nested marks a sub-module that intentionally overlaps its parent
	// region. Modules are otherwise disjoint.
	Nested bool
}

// Warning records a non-fatal degradation observed during a parse: a
// dropped module, a truncated trailing region, a field that failed to
// decode. Warnings travel with the sequence so no degradation is hidden.
type Warning struct {
	Module string
	Err    error
}

func (w Warning) String() string {
	if w.Module == "" {
		return w.Err.Error()
	}
	return fmt.Sprintf("%s: %v", w.Module, w.Err)
}
