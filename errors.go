package imgmeta

import "github.com/sebnyberg/imgmeta/metaerr"

// Errors returned by Parse wrap one of these.
var (
	ErrMalformedContainer = metaerr.ErrMalformedContainer
	ErrOffsetOutOfBounds  = metaerr.ErrOffsetOutOfBounds
	ErrUnsupportedType    = metaerr.ErrUnsupportedType
	ErrTruncatedSegment   = metaerr.ErrTruncatedSegment
	ErrUnknownFileFormat  = metaerr.ErrUnknownFileFormat
)
