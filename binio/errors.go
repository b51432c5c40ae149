package binio

import "errors"

var (
	// ErrTruncatedData indicates a read past the end of the buffer. This is
	// the single checked boundary that prevents out-of-bounds access in the
	// decoding engine.
	ErrTruncatedData = errors.New("binio: truncated data")

	// ErrInvalidOffset indicates a seek outside [0, len(buffer)].
	ErrInvalidOffset = errors.New("binio: invalid offset")

	// ErrUnsupportedType indicates an unknown or variable-width Kind passed
	// to a fixed-width decode.
	ErrUnsupportedType = errors.New("binio: unsupported field type")

	// ErrUnexpectedBytes indicates a magic/marker check failed.
	ErrUnexpectedBytes = errors.New("binio: unexpected bytes")
)
