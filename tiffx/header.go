// Package tiffx walks TIFF image file directories.
//
// https://web.archive.org/web/20210108174645/https://www.adobe.io/content/dam/udp/en/open/standards/tiff/TIFF6.pdf
//
// The walker reads IFD0 and, on request, the Exif, GPS and Interop
// directories it points to, plus IFD1 and its thumbnail. Each directory is
// resolved independently through a bufx.Feeder, so a directory or value array
// that lives far away from the header only costs a targeted fetch.
package tiffx

import (
	"context"
	"encoding/binary"

	"github.com/sebnyberg/imgmeta/bufx"
	"github.com/sebnyberg/imgmeta/metaerr"
)

const (
	leHeader = "II\x2A\x00" // Header for little-endian files.
	beHeader = "MM\x00\x2A" // Header for big-endian files.

	headerLen = 8
	ifdLen    = 12 // Length of an IFD entry in bytes.
)

// Header is the 8-byte TIFF header.
type Header struct {
	ByteOrder binary.ByteOrder
	IFD0      uint32 // relative to the start of the header
}

// IsHeader reports whether p starts with a TIFF header.
func IsHeader(p []byte) bool {
	if len(p) < 4 {
		return false
	}
	s := string(p[:4])
	return s == leHeader || s == beHeader
}

// DecodeHeader reads the header at base.
func DecodeHeader(ctx context.Context, f bufx.Feeder, base int) (Header, error) {
	var res Header
	if err := f.Ensure(ctx, base, headerLen); err != nil {
		return res, err
	}
	b, err := f.Buffer().Slice(base, headerLen)
	if err != nil {
		return res, err
	}

	switch string(b[0:4]) {
	case leHeader:
		res.ByteOrder = binary.LittleEndian
	case beHeader:
		res.ByteOrder = binary.BigEndian
	default:
		return res, metaerr.Errorf(metaerr.ErrMalformedContainer, "bad tiff header % x at %d", b[0:4], base)
	}

	res.IFD0 = res.ByteOrder.Uint32(b[4:8])
	if res.IFD0 < headerLen {
		return res, metaerr.Errorf(metaerr.ErrMalformedContainer, "ifd0 offset %d overlaps the header", res.IFD0)
	}
	return res, nil
}
