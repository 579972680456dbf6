package jpegx

import (
	"context"
	"encoding/binary"

	"github.com/sebnyberg/imgmeta/bufx"
	"github.com/sebnyberg/imgmeta/metaerr"
	"github.com/sebnyberg/imgmeta/segx"
	"github.com/sebnyberg/imgmeta/tiffx"
)

// Segment types produced by the built-in kinds.
const (
	TypeJFIF        = "jfif"
	TypeTIFF        = "tiff"
	TypeXMP         = "xmp"
	TypeXMPExtended = "xmpext"
	TypeICC         = "icc"
	TypeIPTC        = "iptc"
)

const (
	sigJFIF   = "JFIF\x00"
	sigExif   = "Exif\x00\x00"
	sigXMP    = "http://ns.adobe.com/xap/1.0/\x00"
	sigXMPExt = "http://ns.adobe.com/xmp/extension/\x00"
	sigICC    = "ICC_PROFILE\x00"
	sigIPTC   = "Photoshop 3.0\x00"

	// marker (2) + length (2)
	segHead = 4
	// GUID (32) + full length (4) + chunk offset (4)
	xmpExtFields = 40
	// sequence number (1) + chunk count (1)
	iccFields = 2

	iptcResource = 0x0404
)

// Kinds returns the built-in APPn kinds in classification order. TIFF
// payloads are walked with tiffOpts.
func Kinds(tiffOpts tiffx.Options) []segx.Kind {
	return []segx.Kind{
		appKind{typ: TypeJFIF, marker: APP0, sig: sigJFIF, parse: ParseJFIF},
		appKind{typ: TypeTIFF, marker: APP1, sig: sigExif, parse: tiffParser(tiffOpts)},
		appKind{typ: TypeXMP, marker: APP1, sig: sigXMP},
		xmpExtKind{appKind{typ: TypeXMPExtended, marker: APP1, sig: sigXMPExt, extra: xmpExtFields}},
		iccKind{appKind{typ: TypeICC, marker: APP2, sig: sigICC, extra: iccFields}},
		appKind{typ: TypeIPTC, marker: APP13, sig: sigIPTC, parse: ParseIPTC},
	}
}

// appKind recognises an APPn segment by its marker and the signature that
// opens its payload.
type appKind struct {
	typ    string
	marker Marker
	sig    string
	extra  int // fixed header fields after the signature
	parse  segx.ParseFunc
}

func (k appKind) Type() string { return k.typ }

func (k appKind) CanHandle(b *bufx.Buffer, off, length int) bool {
	m, err := b.Uint8(off + 1)
	if err != nil || Marker(m) != k.marker {
		return false
	}
	return b.HasPrefix(off+segHead, k.sig)
}

func (k appKind) HeaderLength(b *bufx.Buffer, off, length int) int {
	return segHead + len(k.sig) + k.extra
}

// Parse returns a copy of the payload unless the kind has a decoder.
func (k appKind) Parse(ctx context.Context, p []byte) (interface{}, error) {
	if k.parse == nil {
		return append([]byte{}, p...), nil
	}
	return k.parse(ctx, p)
}

func tiffParser(opts tiffx.Options) segx.ParseFunc {
	return func(ctx context.Context, p []byte) (interface{}, error) {
		res, err := tiffx.Parse(ctx, p, opts)
		if res == nil {
			return nil, err
		}
		return res, err
	}
}

// iccKind splits an ICC profile over APP2 segments. Each segment carries its
// 1-based sequence number and the total count.
type iccKind struct {
	appKind
}

func (k iccKind) ChunkInfo(b *bufx.Buffer, seg *segx.Segment) error {
	p, err := b.Slice(seg.Offset+segHead+len(sigICC), iccFields)
	if err != nil {
		return err
	}
	seq, count := int(p[0]), int(p[1])
	if count == 0 || seq == 0 || seq > count {
		return metaerr.Errorf(metaerr.ErrMalformedContainer,
			"icc chunk %d of %d", seq, count)
	}
	seg.ChunkNumber = seq
	seg.ChunkCount = count
	return nil
}

func (k iccKind) Complete(parts []segx.Segment) bool {
	if len(parts) == 0 {
		return false
	}
	count := parts[0].ChunkCount
	if count <= 0 {
		return false
	}
	seen := make(map[int]bool, count)
	for _, p := range parts {
		seen[p.ChunkNumber] = true
	}
	for i := 1; i <= count; i++ {
		if !seen[i] {
			return false
		}
	}
	return true
}

func (k iccKind) MergeChunks(parts [][]byte) []byte {
	return segx.Concat(parts)
}

// xmpExtKind carries extended XMP. Chunks are ordered by their offset into
// the full packet, which the chunk number holds; the chunk count holds the
// full packet length.
type xmpExtKind struct {
	appKind
}

func (k xmpExtKind) ChunkInfo(b *bufx.Buffer, seg *segx.Segment) error {
	pos := seg.Offset + segHead + len(sigXMPExt) + 32
	full, err := b.Uint32(pos, binary.BigEndian)
	if err != nil {
		return err
	}
	chunkOff, err := b.Uint32(pos+4, binary.BigEndian)
	if err != nil {
		return err
	}
	if full == 0 || chunkOff >= full {
		return metaerr.Errorf(metaerr.ErrMalformedContainer,
			"xmp extension chunk at %d of %d", chunkOff, full)
	}
	seg.ChunkNumber = int(chunkOff)
	seg.ChunkCount = int(full)
	return nil
}

func (k xmpExtKind) Complete(parts []segx.Segment) bool {
	if len(parts) == 0 {
		return false
	}
	if parts[0].ChunkCount <= 0 {
		return false
	}
	// Chunks repeating an offset are counted once.
	seen := make(map[int]bool, len(parts))
	n := 0
	for _, p := range parts {
		if seen[p.ChunkNumber] {
			continue
		}
		seen[p.ChunkNumber] = true
		n += p.Size
	}
	return n >= parts[0].ChunkCount
}

func (k xmpExtKind) MergeChunks(parts [][]byte) []byte {
	return segx.Concat(parts)
}

// ParseIPTC extracts the IPTC-NAA record from a Photoshop image resource
// block. It returns nil when the block holds no such record.
func ParseIPTC(ctx context.Context, p []byte) (interface{}, error) {
	be := binary.BigEndian
	for i := 0; i < len(p); {
		if len(p)-i < 12 {
			// Trailing padding.
			break
		}
		if string(p[i:i+4]) != "8BIM" {
			return nil, metaerr.Errorf(metaerr.ErrMalformedContainer, "image resource at %d lacks 8BIM signature", i)
		}
		id := be.Uint16(p[i+4:])
		name := 1 + int(p[i+6]) // pascal string, padded to even length
		if name%2 == 1 {
			name++
		}
		j := i + 6 + name
		if j+4 > len(p) {
			return nil, metaerr.Errorf(metaerr.ErrTruncatedSegment, "image resource 0x%04X header", id)
		}
		size := int(be.Uint32(p[j:]))
		data := j + 4
		if size > len(p)-data {
			return nil, metaerr.Errorf(metaerr.ErrTruncatedSegment,
				"image resource 0x%04X: %d bytes declared, %d left", id, size, len(p)-data)
		}
		if id == iptcResource {
			return append([]byte{}, p[data:data+size]...), nil
		}
		i = data + size + size%2
	}
	return nil, nil
}
