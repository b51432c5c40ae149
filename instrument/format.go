package instrument

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Format describes one instrument's container framing: signature
// validation, module directory parsing and field-layout lookup. Format
// implementations are stateless; a single instance may serve any number of
// concurrent parses.
type Format interface {
	// Kind identifies the instrument family.
	Kind() Kind

	// Extensions lists the file extensions (with dot, lower case) this
	// format claims.
	Extensions() []string

	// Detect reports whether raw starts with this format's signature.
	Detect(raw []byte) bool

	// DetectVersion extracts the format version embedded in the signature
	// region. It fails with ErrUnsupportedVersion when the version is not
	// one the schema tables cover.
	DetectVersion(raw []byte) (int, error)

	// Index parses the module directory and returns the modules in
	// file-declaration order. Modules are not yet bounds-validated; the
	// engine drops overrunning modules with a warning.
	Index(buf []byte, version int) ([]Module, []Warning, error)

	// ModuleSchema returns the field layout for one module. Formats whose
	// modules are self-describing may consult the module bytes to build the
	// schema. A nil schema with nil error marks a module the format
	// deliberately does not decode (settings blobs, logs).
	ModuleSchema(buf []byte, version int, mod Module) (*Schema, error)
}

// ContainerUnpacker is implemented by formats whose outer file is an
// archive (Neware NDAX ships a zip): Unpack flattens the container into
// the buffer the module directory addresses.
type ContainerUnpacker interface {
	Unpack(raw []byte) ([]byte, error)
}

// ModuleDecoder is implemented by formats with modules whose internal
// structure the generic row decoder cannot express (page-framed modules
// with validity bitmaps). The engine calls it instead of DecodeModule.
type ModuleDecoder interface {
	DecodeModule(buf []byte, mod Module, schema *Schema) ([]Record, []Warning, error)
}

// MetadataReader is implemented by formats that carry experiment metadata
// and step programs alongside the measurement modules.
type MetadataReader interface {
	Metadata(raw []byte, version int) (map[string]string, []Step, error)
}

// Postprocessor is implemented by formats whose files split one logical
// record stream across modules (Neware NDAX keeps per-record charge
// counters in a separate run-info stream). Postprocess runs once after all
// modules are decoded and may add derived values to the sequence; a
// failure degrades to a warning because the raw records are already valid.
type Postprocessor interface {
	Postprocess(seq *Sequence) error
}

// RecordFilter is implemented by formats that mark individual rows invalid
// in-band (status columns). Filtered rows are dropped after decoding.
type RecordFilter interface {
	Keep(mod Module, rec Record) bool
}

var registry = struct {
	mu      sync.RWMutex
	formats map[Kind]Format
	byExt   map[string]Format
}{
	formats: make(map[Kind]Format),
	byExt:   make(map[string]Format),
}

// Register adds a format to the registry. Instrument packages call this
// from init; re-registering a kind panics to surface wiring mistakes early.
func Register(f Format) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, dup := registry.formats[f.Kind()]; dup {
		panic(fmt.Sprintf("instrument: format %q registered twice", f.Kind()))
	}
	registry.formats[f.Kind()] = f
	for _, ext := range f.Extensions() {
		registry.byExt[strings.ToLower(ext)] = f
	}
}

// ForKind returns the registered format for an instrument kind.
func ForKind(kind Kind) (Format, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	if f, ok := registry.formats[kind]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("instrument: no format registered for %q (known: %s)", kind, knownKindsLocked())
}

// ForPath returns the format claiming the path's extension.
func ForPath(path string) (Format, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	ext := strings.ToLower(filepath.Ext(path))
	if f, ok := registry.byExt[ext]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("instrument: no format registered for extension %q (known: %s)", ext, knownKindsLocked())
}

// DetectFormat tries every registered format's signature against raw.
func DetectFormat(raw []byte) (Format, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for _, f := range registry.formats {
		if f.Detect(raw) {
			return f, nil
		}
	}
	return nil, ErrBadSignature
}

func knownKindsLocked() string {
	kinds := make([]string, 0, len(registry.formats))
	for k := range registry.formats {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return strings.Join(kinds, ", ")
}
