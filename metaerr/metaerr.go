// Package metaerr holds the errors shared by the container scanners.
//
// Every error returned by the scanners wraps one of the sentinels below, so
// callers can classify failures with errors.Is.
package metaerr

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedContainer is returned for bad magic numbers, markers or box
	// headers.
	ErrMalformedContainer = errors.New("malformed container")

	// ErrOffsetOutOfBounds is returned when a pointer or read reaches past the
	// populated bytes or the total size of the source.
	ErrOffsetOutOfBounds = errors.New("offset out of bounds")

	// ErrUnsupportedType is returned for TIFF types outside 1-13 and for
	// missing box kinds that were required.
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrTruncatedSegment is returned when a declared length exceeds the
	// available bytes.
	ErrTruncatedSegment = errors.New("truncated segment")

	// ErrUnknownFileFormat is returned when no scanner claims the input.
	ErrUnknownFileFormat = errors.New("unknown file format")
)

// Errorf formats an error that wraps sentinel.
func Errorf(sentinel error, format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, a...))
}
