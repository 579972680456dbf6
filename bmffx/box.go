// Package bmffx finds Exif and ICC payloads in ISO base media files such as
// HEIC and AVIF.
//
// Only the boxes on the path to the payloads are read: top-level boxes other
// than meta are skipped by their declared length, and children are parsed the
// first time they are looked up.
package bmffx

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/sebnyberg/imgmeta/bufx"
	"github.com/sebnyberg/imgmeta/metaerr"
)

// BoxType is a four character box code.
type BoxType [4]byte

// Common box types.
var (
	TypeFtyp = boxType("ftyp")
	TypeMeta = boxType("meta")
	TypeMdat = boxType("mdat")
	TypeIinf = boxType("iinf")
	TypeInfe = boxType("infe")
	TypeIloc = boxType("iloc")
	TypeIdat = boxType("idat")
	TypeIprp = boxType("iprp")
	TypeIpco = boxType("ipco")
	TypeColr = boxType("colr")
)

func boxType(s string) BoxType {
	var t BoxType
	copy(t[:], s)
	return t
}

func (t BoxType) String() string { return string(t[:]) }

const (
	boxHeaderLen = 8
	extLen       = 8 // 64-bit extended length
	fullBoxLen   = 4 // version + flags
)

// Box locates one box. Start is where its content begins, past the header
// and, for full boxes once applied, past version and flags.
type Box struct {
	Type         BoxType
	Offset       int
	Length       int
	HeaderLength int
	Start        int
	End          int

	Full    bool
	Version uint8
	Flags   uint32

	children []*Box
	parsed   bool
}

// Size returns the content length.
func (b *Box) Size() int {
	return b.End - b.Start
}

// Uint reads an n-byte big-endian unsigned integer at off, for n in
// {0, 1, 2, 4, 8}. Zero-width fields read as 0.
func Uint(b *bufx.Buffer, off, n int) (uint64, error) {
	switch n {
	case 0:
		return 0, nil
	case 1:
		v, err := b.Uint8(off)
		return uint64(v), err
	case 2:
		v, err := b.Uint16(off, binary.BigEndian)
		return uint64(v), err
	case 4:
		v, err := b.Uint32(off, binary.BigEndian)
		return uint64(v), err
	case 8:
		return b.Uint64(off, binary.BigEndian)
	}
	return 0, metaerr.Errorf(metaerr.ErrUnsupportedType, "%d-byte integer field", n)
}

// toInt converts a file offset or length. Values that do not fit an int are
// rejected rather than truncated.
func toInt(v uint64) (int, error) {
	if v > math.MaxInt {
		return 0, metaerr.Errorf(metaerr.ErrOffsetOutOfBounds, "value %d exceeds the addressable range", v)
	}
	return int(v), nil
}

// cursor reads consecutive big-endian fields from a populated range.
type cursor struct {
	b   *bufx.Buffer
	pos int
	end int
	err error
}

func (c *cursor) uint(n int) uint64 {
	if c.err != nil {
		return 0
	}
	if c.pos+n > c.end {
		c.err = metaerr.Errorf(metaerr.ErrTruncatedSegment, "field of %d bytes at %d exceeds box end %d", n, c.pos, c.end)
		return 0
	}
	v, err := Uint(c.b, c.pos, n)
	if err != nil {
		c.err = err
		return 0
	}
	c.pos += n
	return v
}

func (c *cursor) fourcc() string {
	if c.err != nil {
		return ""
	}
	if c.pos+4 > c.end {
		c.err = metaerr.Errorf(metaerr.ErrTruncatedSegment, "type at %d exceeds box end %d", c.pos, c.end)
		return ""
	}
	s, err := c.b.String(c.pos, 4)
	if err != nil {
		c.err = err
		return ""
	}
	c.pos += 4
	return s
}

// content makes the content of b available and returns a cursor over it.
func content(ctx context.Context, f bufx.Feeder, b *Box) (*cursor, error) {
	if err := f.Ensure(ctx, b.Start, b.Size()); err != nil {
		return nil, err
	}
	return &cursor{b: f.Buffer(), pos: b.Start, end: b.End}, nil
}
