package imgmeta

import (
	"github.com/sebnyberg/imgmeta/bmffx"
	"github.com/sebnyberg/imgmeta/bmpx"
	"github.com/sebnyberg/imgmeta/jpegx"
	"github.com/sebnyberg/imgmeta/metaerr"
	"github.com/sebnyberg/imgmeta/tiffx"
)

// Format is a container format.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatTIFF Format = "tiff"
	FormatHEIF Format = "heif"
	FormatAVIF Format = "avif"
	FormatBMP  Format = "bmp"
)

// DetectFormat identifies the container from the first bytes of a file. A
// few dozen bytes are enough; HEIF brands listed late in ftyp may need more.
func DetectFormat(p []byte) (Format, error) {
	switch {
	case jpegx.IsJPEG(p):
		return FormatJPEG, nil
	case tiffx.IsHeader(p):
		return FormatTIFF, nil
	case bmpx.IsBMP(p):
		return FormatBMP, nil
	}
	if brand, ok := bmffx.Sniff(p); ok {
		if brand == "avif" || brand == "avis" {
			return FormatAVIF, nil
		}
		return FormatHEIF, nil
	}
	n := len(p)
	if n > 8 {
		n = 8
	}
	return "", metaerr.Errorf(metaerr.ErrUnknownFileFormat, "leading bytes % X", p[:n])
}
