package instrument

import (
	"errors"
	"fmt"
	"os"
)

// Experiment orchestrates one instrument format over one file at a time:
// directory discovery, schema selection, record decoding and sequence
// assembly. The (format, software version) pair is fixed at construction;
// each FromFile call replaces the sequence rather than mutating it, so a
// previously returned sequence stays valid.
//
// Parsing is a synchronous computation over an in-memory buffer with no
// shared state between experiments; parse independent files from
// independent Experiment values concurrently without coordination.
type Experiment struct {
	format  Format
	version int // 0 = detect per file
	seq     *Sequence
}

// Option configures an Experiment.
type Option func(*Experiment)

// WithSoftwareVersion pins the instrument software version used for schema
// lookup instead of detecting it from each file's signature region.
func WithSoftwareVersion(v int) Option {
	return func(e *Experiment) { e.version = v }
}

// New creates an experiment for one instrument format.
func New(format Format, opts ...Option) *Experiment {
	e := &Experiment{format: format}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sequence returns the result of the most recent FromFile call, or nil
// before the first parse.
func (e *Experiment) Sequence() *Sequence { return e.seq }

// FromFile reads the file fully into memory, parses it, and replaces the
// experiment's sequence. On failure the previous sequence is kept and no
// partial result is exposed.
func (e *Experiment) FromFile(path string) (*Sequence, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	seq, err := Parse(e.format, raw, path, e.version)
	if err != nil {
		return nil, err
	}
	e.seq = seq
	return seq, nil
}

// Parse decodes one in-memory instrument file. version 0 means detect from
// the signature region. The buffer is only read, never retained: the
// returned sequence holds decoded values, not buffer slices, except for
// blob fields which alias raw.
func Parse(format Format, raw []byte, path string, version int) (*Sequence, error) {
	if !format.Detect(raw) {
		return nil, fmt.Errorf("%w: %s does not look like a %s file", ErrBadSignature, path, format.Kind())
	}

	if version == 0 {
		v, err := format.DetectVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		version = v
	}

	// Archive-framed formats flatten the container first; the module
	// directory then addresses the flattened buffer.
	buf := raw
	if u, ok := format.(ContainerUnpacker); ok {
		b, err := u.Unpack(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: unpack container: %w", path, err)
		}
		buf = b
	}

	mods, warnings, err := format.Index(buf, version)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	mods, boundsWarns := ValidateModules(mods, len(buf))
	warnings = append(warnings, boundsWarns...)

	seq := &Sequence{
		Provenance: Provenance{
			Instrument:      format.Kind(),
			SoftwareVersion: version,
			SourcePath:      path,
		},
		Warnings: warnings,
	}

	filter, _ := format.(RecordFilter)
	decoder, _ := format.(ModuleDecoder)

	for _, mod := range mods {
		schema, err := format.ModuleSchema(buf, version, mod)
		if err != nil {
			if errors.Is(err, ErrUnsupportedVersion) {
				// A version the tables do not cover is fatal: matching a
				// wrong table entry would silently corrupt the data.
				return nil, fmt.Errorf("%s: module %q: %w", path, mod.Name, err)
			}
			seq.Warnings = append(seq.Warnings, Warning{Module: mod.Name, Err: err})
			continue
		}
		if schema == nil {
			continue // module the format deliberately skips
		}

		var records []Record
		var modWarns []Warning
		if decoder != nil {
			records, modWarns, err = decoder.DecodeModule(buf, mod, schema)
		} else {
			records, modWarns, err = DecodeModule(buf, mod, schema)
		}
		seq.Warnings = append(seq.Warnings, modWarns...)
		if err != nil {
			// Module-level failure: drop this module, keep the rest.
			seq.Warnings = append(seq.Warnings, Warning{Module: mod.Name, Err: err})
			continue
		}

		for _, rec := range records {
			if filter != nil && !filter.Keep(mod, rec) {
				continue
			}
			seq.Records = append(seq.Records, rec)
		}
	}

	if post, ok := format.(Postprocessor); ok {
		if err := post.Postprocess(seq); err != nil {
			seq.Warnings = append(seq.Warnings, Warning{Err: fmt.Errorf("postprocess: %w", err)})
		}
	}

	if meta, ok := format.(MetadataReader); ok {
		m, steps, err := meta.Metadata(raw, version)
		if err != nil {
			seq.Warnings = append(seq.Warnings, Warning{Err: fmt.Errorf("metadata: %w", err)})
		} else {
			seq.Meta = m
			seq.Steps = steps
		}
	}

	return seq, nil
}

// Open parses a file with the format registered for its extension.
func Open(path string) (*Sequence, error) {
	format, err := ForPath(path)
	if err != nil {
		return nil, err
	}
	return New(format).FromFile(path)
}
