package imgmeta

import (
	"encoding/binary"
	"fmt"

	"github.com/sebnyberg/imgmeta/bmpx"
	"github.com/sebnyberg/imgmeta/jpegx"
	"github.com/sebnyberg/imgmeta/segx"
	"github.com/sebnyberg/imgmeta/sourcex"
	"github.com/sebnyberg/imgmeta/tiffx"
	"gopkg.in/yaml.v3"
)

// Metadata is the outcome of one parse. Fields of blocks and payloads that
// were not requested or not present are nil.
type Metadata struct {
	Format Format
	// Brand is the major brand of HEIF and AVIF files.
	Brand     string
	ByteOrder binary.ByteOrder

	IFD0    *tiffx.Block
	Exif    *tiffx.Block
	GPS     *tiffx.Block
	Interop *tiffx.Block
	IFD1    *tiffx.Block

	Thumbnail   []byte
	XMP         []byte
	XMPExtended []byte
	ICC         []byte
	IPTC        []byte
	JFIF        *jpegx.JFIF
	BMP         *bmpx.Header

	// Decoded holds values of custom parsers and kinds, keyed by segment
	// type.
	Decoded map[string]interface{}

	Segments []segx.Segment
	Warnings []string
	// Errors lists the failures tolerated in CollectErrors mode.
	Errors []error
	Stats  sourcex.Stats
}

func (md *Metadata) setTIFF(res *tiffx.Result) {
	if res == nil {
		return
	}
	md.ByteOrder = res.ByteOrder
	md.IFD0 = res.IFD0
	md.Exif = res.Exif
	md.GPS = res.GPS
	md.Interop = res.Interop
	md.IFD1 = res.IFD1
	md.Thumbnail = res.Thumbnail
	// Payloads found in APPn segments take precedence over IFD0 tags.
	if md.XMP == nil {
		md.XMP = res.XMP
	}
	if md.IPTC == nil {
		md.IPTC = res.IPTC
	}
	if md.ICC == nil {
		md.ICC = res.ICC
	}
}

// set stores a decoded segment value in its field.
func (md *Metadata) set(typ string, v interface{}) {
	if v == nil {
		return
	}
	switch x := v.(type) {
	case *tiffx.Result:
		md.setTIFF(x)
		return
	case *jpegx.JFIF:
		md.JFIF = x
		return
	case []byte:
		switch typ {
		case jpegx.TypeXMP:
			md.XMP = x
			return
		case jpegx.TypeXMPExtended:
			md.XMPExtended = x
			return
		case jpegx.TypeICC:
			md.ICC = x
			return
		case jpegx.TypeIPTC:
			md.IPTC = x
			return
		}
	}
	if md.Decoded == nil {
		md.Decoded = make(map[string]interface{})
	}
	md.Decoded[typ] = v
}

func payloadNode(p []byte) interface{} {
	if p == nil {
		return nil
	}
	return fmt.Sprintf("<%d bytes>", len(p))
}

type segmentYAML struct {
	Type   string `yaml:"type"`
	Offset int    `yaml:"offset"`
	Length int    `yaml:"length"`
	Start  int    `yaml:"start"`
	Size   int    `yaml:"size"`
	Chunk  int    `yaml:"chunk,omitempty"`
	Chunks int    `yaml:"chunks,omitempty"`
}

// MarshalYAML lists the decoded blocks in a fixed order. Raw payloads are
// summarized by their size.
func (md *Metadata) MarshalYAML() (interface{}, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	add := func(key string, v interface{}) error {
		if v == nil {
			return nil
		}
		var n yaml.Node
		if err := n.Encode(v); err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key}, &n)
		return nil
	}

	var order interface{}
	if md.ByteOrder != nil {
		order = md.ByteOrder.String()
	}
	var segs []segmentYAML
	for _, s := range md.Segments {
		segs = append(segs, segmentYAML{
			Type: s.Type, Offset: s.Offset, Length: s.Length, Start: s.Start, Size: s.Size,
			Chunk: s.ChunkNumber, Chunks: s.ChunkCount,
		})
	}
	var errs []string
	for _, err := range md.Errors {
		errs = append(errs, err.Error())
	}
	fields := []struct {
		key string
		v   interface{}
	}{
		{"format", string(md.Format)},
		{"brand", nonEmpty(md.Brand)},
		{"byteOrder", order},
		{"jfif", nilIf(md.JFIF == nil, md.JFIF)},
		{"bmp", nilIf(md.BMP == nil, md.BMP)},
		{"ifd0", nilIf(md.IFD0 == nil, md.IFD0)},
		{"exif", nilIf(md.Exif == nil, md.Exif)},
		{"gps", nilIf(md.GPS == nil, md.GPS)},
		{"interop", nilIf(md.Interop == nil, md.Interop)},
		{"ifd1", nilIf(md.IFD1 == nil, md.IFD1)},
		{"thumbnail", payloadNode(md.Thumbnail)},
		{"xmp", payloadNode(md.XMP)},
		{"xmpExtended", payloadNode(md.XMPExtended)},
		{"icc", payloadNode(md.ICC)},
		{"iptc", payloadNode(md.IPTC)},
		{"decoded", nilIf(len(md.Decoded) == 0, md.Decoded)},
		{"segments", nilIf(len(segs) == 0, segs)},
		{"warnings", nilIf(len(md.Warnings) == 0, md.Warnings)},
		{"errors", nilIf(len(errs) == 0, errs)},
	}
	for _, f := range fields {
		if err := add(f.key, f.v); err != nil {
			return nil, err
		}
	}
	return root, nil
}

// nilIf avoids encoding typed nil pointers as null entries.
func nilIf(isNil bool, v interface{}) interface{} {
	if isNil {
		return nil
	}
	return v
}

func nonEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
