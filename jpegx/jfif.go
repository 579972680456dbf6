package jpegx

import (
	"context"
	"encoding/binary"

	"github.com/sebnyberg/imgmeta/metaerr"
)

// JFIF is the APP0 JFIF header.
type JFIF struct {
	VersionMajor uint8  `yaml:"versionMajor"`
	VersionMinor uint8  `yaml:"versionMinor"`
	Units        uint8  `yaml:"units"` // 0: aspect ratio only, 1: dots per inch, 2: dots per cm
	XDensity     uint16 `yaml:"xDensity"`
	YDensity     uint16 `yaml:"yDensity"`
	XThumbnail   uint8  `yaml:"xThumbnail"`
	YThumbnail   uint8  `yaml:"yThumbnail"`
}

const jfifLen = 9

// ParseJFIF decodes the payload following the JFIF signature.
func ParseJFIF(ctx context.Context, p []byte) (interface{}, error) {
	if len(p) < jfifLen {
		return nil, metaerr.Errorf(metaerr.ErrTruncatedSegment, "jfif header of %d bytes", len(p))
	}
	return &JFIF{
		VersionMajor: p[0],
		VersionMinor: p[1],
		Units:        p[2],
		XDensity:     binary.BigEndian.Uint16(p[3:5]),
		YDensity:     binary.BigEndian.Uint16(p[5:7]),
		XThumbnail:   p[7],
		YThumbnail:   p[8],
	}, nil
}
