package imgmeta

import (
	"github.com/sebnyberg/imgmeta/jpegx"
	"github.com/sebnyberg/imgmeta/segx"
	"github.com/sebnyberg/imgmeta/sourcex"
	"github.com/sebnyberg/imgmeta/tiffx"
	"go.uber.org/zap"
)

// Options selects what Parse extracts and how it reads the source.
type Options struct {
	// TIFF directories.
	IFD0    bool
	Exif    bool
	GPS     bool
	Interop bool
	IFD1    bool
	// Thumbnail extracts the JPEG thumbnail referenced by IFD1.
	Thumbnail bool

	// Payloads returned as raw bytes unless a parser is plugged in.
	XMP         bool
	XMPExtended bool
	ICC         bool
	IPTC        bool
	JFIF        bool

	// Sanitize strips resolved pointer tags and lifted payload tags from the
	// TIFF blocks.
	Sanitize bool
	// CollectErrors keeps decoding the other blocks and segments when one of
	// them fails. Failures are listed in Metadata.Errors.
	CollectErrors bool

	// StopAfterSos ends JPEG scans at the start of scan marker.
	StopAfterSos bool
	// MultiSegment reassembles ICC and extended XMP payloads split over
	// several JPEG segments.
	MultiSegment bool
	// RecordJpegSegments and RecordUnknownSegments add structural and
	// unclassified JPEG segments to Metadata.Segments.
	RecordJpegSegments    bool
	RecordUnknownSegments bool

	// Chunking of file, HTTP and compressed sources. Zero values use the
	// sourcex defaults.
	FirstChunkSize int
	ChunkSize      int
	ChunkLimit     int
	MaxBytes       int64

	// Parsers replaces the decoder of a segment type. Values that are not
	// raw payloads end up in Metadata.Decoded.
	Parsers map[string]segx.ParseFunc
	// Kinds registers additional JPEG segment kinds after the built-in ones.
	// Their segments are always wanted.
	Kinds []segx.Kind

	Logger *zap.Logger
}

// DefaultOptions reads IFD0, Exif and GPS. Payloads that may require reading
// the whole file, like multi-segment ICC profiles, are off.
func DefaultOptions() Options {
	def := sourcex.DefaultChunkOptions()
	return Options{
		IFD0:           true,
		Exif:           true,
		GPS:            true,
		Sanitize:       true,
		StopAfterSos:   true,
		MultiSegment:   true,
		FirstChunkSize: def.FirstChunkSize,
		ChunkSize:      def.ChunkSize,
		ChunkLimit:     def.ChunkLimit,
	}
}

// AllOptions enables every block and payload.
func AllOptions() Options {
	opts := DefaultOptions()
	opts.Interop = true
	opts.IFD1 = true
	opts.Thumbnail = true
	opts.XMP = true
	opts.XMPExtended = true
	opts.ICC = true
	opts.IPTC = true
	opts.JFIF = true
	return opts
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o Options) chunkOptions() sourcex.ChunkOptions {
	return sourcex.ChunkOptions{
		FirstChunkSize: o.FirstChunkSize,
		ChunkSize:      o.ChunkSize,
		ChunkLimit:     o.ChunkLimit,
		MaxBytes:       o.MaxBytes,
	}
}

func (o Options) tiffOptions() tiffx.Options {
	return tiffx.Options{
		IFD0:          o.IFD0,
		Exif:          o.Exif,
		GPS:           o.GPS,
		Interop:       o.Interop,
		IFD1:          o.IFD1,
		Thumbnail:     o.Thumbnail,
		XMP:           o.XMP,
		IPTC:          o.IPTC,
		ICC:           o.ICC,
		Sanitize:      o.Sanitize,
		CollectErrors: o.CollectErrors,
		Logger:        o.logger(),
	}
}

// wantsTIFF reports whether any TIFF directory needs to be walked.
func (o Options) wantsTIFF() bool {
	return o.IFD0 || o.Exif || o.GPS || o.Interop || o.IFD1 || o.Thumbnail
}

// wanted lists the JPEG segment types to scan for.
func (o Options) wanted() []string {
	var res []string
	for _, x := range []struct {
		typ string
		on  bool
	}{
		{jpegx.TypeJFIF, o.JFIF},
		{jpegx.TypeTIFF, o.wantsTIFF()},
		{jpegx.TypeXMP, o.XMP},
		{jpegx.TypeXMPExtended, o.XMPExtended},
		{jpegx.TypeICC, o.ICC},
		{jpegx.TypeIPTC, o.IPTC},
	} {
		if x.on {
			res = append(res, x.typ)
		}
	}
	for _, k := range o.Kinds {
		res = append(res, k.Type())
	}
	return res
}
