// Package bmpx decodes BMP headers and locates ICC profiles embedded in
// BITMAPV5HEADER files.
package bmpx

import (
	"context"

	"github.com/sebnyberg/imgmeta/bufx"
	"github.com/sebnyberg/imgmeta/metaerr"
	"github.com/sebnyberg/imgmeta/segx"
)

// We only support those BMP images with one of the following DIB headers:
// - BITMAPINFOHEADER (40 bytes)
// - BITMAPV4HEADER (108 bytes)
// - BITMAPV5HEADER (124 bytes)
const (
	fileHeaderLen   = 14
	infoHeaderLen   = 40
	v4InfoHeaderLen = 108
	v5InfoHeaderLen = 124
)

// Color space types of V4 and V5 headers.
const (
	CSCalibratedRGB   = 0x00000000
	CSSRGB            = 0x73524742 // 'sRGB'
	CSWindows         = 0x57696E20 // 'Win '
	CSProfileLinked   = 0x4C494E4B // 'LINK'
	CSProfileEmbedded = 0x4D424544 // 'MBED'
)

// Header holds the fields of the file and DIB headers.
type Header struct {
	Width           int    `yaml:"width"`
	Height          int    `yaml:"height"`
	TopDown         bool   `yaml:"topDown"`
	BitsPerPixel    int    `yaml:"bitsPerPixel"`
	Compression     uint32 `yaml:"compression"`
	XPixelsPerMeter int32  `yaml:"xPixelsPerMeter"`
	YPixelsPerMeter int32  `yaml:"yPixelsPerMeter"`
	ImageOffset     uint32 `yaml:"imageOffset"`
	InfoLen         uint32 `yaml:"infoLen"`

	// Set for V4 and V5 headers only.
	CSType uint32 `yaml:"csType,omitempty"`
	// Set for V5 headers only. ProfileData is relative to the start of the
	// DIB header.
	ProfileData uint32 `yaml:"profileData,omitempty"`
	ProfileSize uint32 `yaml:"profileSize,omitempty"`
}

// IsBMP reports whether p starts with the BMP signature.
func IsBMP(p []byte) bool {
	return len(p) >= 2 && string(p[:2]) == "BM"
}

// DecodeHeader reads the file header and the DIB header. Unlike
// x/image/bmp, it does not care about pixel formats: any bit depth and
// compression is accepted since only the header fields are of interest.
func DecodeHeader(ctx context.Context, f bufx.Feeder) (Header, error) {
	var empty Header
	if err := f.Ensure(ctx, 0, fileHeaderLen+4); err != nil {
		return empty, metaerr.Errorf(metaerr.ErrMalformedContainer, "bmp too short: %v", err)
	}
	b, _ := f.Buffer().Slice(0, fileHeaderLen+4)
	if string(b[:2]) != "BM" {
		return empty, metaerr.Errorf(metaerr.ErrMalformedContainer, "bmp: invalid format")
	}
	readUint16 := func(b []byte) uint16 {
		return uint16(b[0]) | uint16(b[1])<<8
	}
	readUint32 := func(b []byte) uint32 {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	}

	var res Header
	res.ImageOffset = readUint32(b[10:14])
	res.InfoLen = readUint32(b[14:18])
	switch res.InfoLen {
	case infoHeaderLen, v4InfoHeaderLen, v5InfoHeaderLen:
	default:
		return empty, metaerr.Errorf(metaerr.ErrUnsupportedType, "bmp: info header of %d bytes", res.InfoLen)
	}
	n := fileHeaderLen + int(res.InfoLen)
	if err := f.Ensure(ctx, 0, n); err != nil {
		return empty, metaerr.Errorf(metaerr.ErrTruncatedSegment, "bmp info header: %v", err)
	}
	b, _ = f.Buffer().Slice(0, n)

	width := int(int32(readUint32(b[18:22])))
	height := int(int32(readUint32(b[22:26])))
	if height < 0 {
		height, res.TopDown = -height, true
	}
	if width < 0 {
		return empty, metaerr.Errorf(metaerr.ErrMalformedContainer, "bmp: negative width %d", width)
	}
	res.Width, res.Height = width, height
	if planes := readUint16(b[26:28]); planes != 1 {
		return empty, metaerr.Errorf(metaerr.ErrMalformedContainer, "bmp: %d planes", planes)
	}
	res.BitsPerPixel = int(readUint16(b[28:30]))
	res.Compression = readUint32(b[30:34])
	res.XPixelsPerMeter = int32(readUint32(b[38:42]))
	res.YPixelsPerMeter = int32(readUint32(b[42:46]))

	if res.InfoLen >= v4InfoHeaderLen {
		res.CSType = readUint32(b[70:74])
	}
	if res.InfoLen >= v5InfoHeaderLen {
		res.ProfileData = readUint32(b[126:130])
		res.ProfileSize = readUint32(b[130:134])
	}
	return res, nil
}

// ICCSegment returns the location of the embedded ICC profile, if any.
func (h Header) ICCSegment() (segx.Segment, bool) {
	if h.InfoLen < v5InfoHeaderLen || h.CSType != CSProfileEmbedded || h.ProfileSize == 0 {
		return segx.Segment{}, false
	}
	off := fileHeaderLen + int(h.ProfileData)
	size := int(h.ProfileSize)
	return segx.Segment{
		Type:   "icc",
		Offset: off,
		Length: size,
		Start:  off,
		Size:   size,
		End:    off + size,
	}, true
}

// Result is the outcome of Scan.
type Result struct {
	Header   Header
	Segments []segx.Segment
}

// Scan decodes the header and, when wanted, makes the embedded ICC profile
// available in the buffer.
func Scan(ctx context.Context, f bufx.Feeder, icc bool) (*Result, error) {
	h, err := DecodeHeader(ctx, f)
	if err != nil {
		return nil, err
	}
	res := &Result{Header: h}
	if !icc {
		return res, nil
	}
	if seg, ok := h.ICCSegment(); ok {
		if err := f.Ensure(ctx, seg.Offset, seg.Length); err != nil {
			return nil, metaerr.Errorf(metaerr.ErrTruncatedSegment,
				"icc profile at %d of length %d: %v", seg.Offset, seg.Length, err)
		}
		res.Segments = append(res.Segments, seg)
	}
	return res, nil
}
