package bmffx

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/sebnyberg/imgmeta/bufx"
	"github.com/sebnyberg/imgmeta/metaerr"
	"github.com/sebnyberg/imgmeta/sourcex"
	"github.com/sebnyberg/imgmeta/tiffx"
	"github.com/stretchr/testify/require"
)

func be(v uint64, n int) []byte {
	p := make([]byte, 8)
	binary.BigEndian.PutUint64(p, v)
	return p[8-n:]
}

func box(typ string, payload ...[]byte) []byte {
	body := bytes.Join(payload, nil)
	return append(append(be(uint64(8+len(body)), 4), typ...), body...)
}

func fullBox(typ string, version uint8, payload ...[]byte) []byte {
	return box(typ, append([][]byte{{version, 0, 0, 0}}, payload...)...)
}

// orientationTIFF is a big-endian TIFF with Orientation 6 in IFD0.
var orientationTIFF = []byte{
	'M', 'M', 0, 42, 0, 0, 0, 8,
	0, 1,
	0x01, 0x12, 0, 3, 0, 0, 0, 1, 0, 6, 0, 0,
	0, 0, 0, 0,
}

// exifItem prefixes the TIFF with the offset field and an "Exif\0\0" header.
func exifItem() []byte {
	return bytes.Join([][]byte{be(6, 4), []byte("Exif\x00\x00"), orientationTIFF}, nil)
}

type heif struct {
	ilocVersion    uint8
	infeVersion    uint8
	offsetSize     int
	lengthSize     int
	baseOffsetSize int
	method         uint16 // 1 stores the item in idat
	extraExtent    bool
	zeroLength     bool // the extent runs to the end of the file
	before         []byte
	icc            []byte
	exif           []byte
}

func defaultHEIF() heif {
	return heif{ilocVersion: 1, infeVersion: 2, offsetSize: 4, lengthSize: 4, exif: exifItem()}
}

func (h heif) infe(id uint32, typ string) []byte {
	idLen := 2
	if h.infeVersion >= 3 {
		idLen = 4
	}
	return fullBox("infe", h.infeVersion, be(uint64(id), idLen), be(0, 2), []byte(typ), []byte{0})
}

func (h heif) iloc(off, length uint64) []byte {
	wide := 2
	if h.ilocVersion == 2 {
		wide = 4
	}
	var base uint64
	if h.baseOffsetSize > 0 {
		base, off = off, 0
	}
	if h.zeroLength {
		length = 0
	}
	extents := [][]byte{be(0, 0), be(off, h.offsetSize), be(length, h.lengthSize)}
	count := uint64(1)
	if h.extraExtent {
		extents = append(extents, be(off, h.offsetSize), be(4, h.lengthSize))
		count = 2
	}
	item := [][]byte{be(2, wide)}
	if h.ilocVersion > 0 {
		item = append(item, be(uint64(h.method), 2))
	}
	item = append(item, be(0, 2), be(base, h.baseOffsetSize), be(count, 2))
	item = append(item, extents...)
	return fullBox("iloc", h.ilocVersion,
		[]byte{byte(h.offsetSize<<4 | h.lengthSize), byte(h.baseOffsetSize << 4)},
		be(1, wide),
		bytes.Join(item, nil))
}

func (h heif) meta(dataOff int) []byte {
	parts := [][]byte{
		fullBox("hdlr", 0, be(0, 4), []byte("pict"), make([]byte, 13)),
		fullBox("iinf", 0, be(2, 2), h.infe(1, "hvc1"), h.infe(2, "Exif")),
		h.iloc(uint64(dataOff), uint64(len(h.exif))),
	}
	if h.icc != nil {
		parts = append(parts, box("iprp", box("ipco",
			box("colr", []byte("nclx"), make([]byte, 7)),
			box("colr", []byte("prof"), h.icc))))
	}
	if h.method == 1 {
		parts = append(parts, box("idat", h.exif))
	}
	return fullBox("meta", 0, parts...)
}

func (h heif) build() []byte {
	ftyp := box("ftyp", []byte("heic"), be(0, 4), []byte("mif1heic"))
	head := append(append([]byte{}, ftyp...), h.before...)
	if h.method == 1 {
		return append(head, h.meta(0)...)
	}
	// The mdat offset depends on the meta size, which does not depend on the
	// offset value.
	meta := h.meta(0)
	dataOff := len(head) + len(meta) + 8
	meta = h.meta(dataOff)
	return append(append(head, meta...), box("mdat", h.exif)...)
}

func walk(t *testing.T, file []byte, opts Options) (*Result, error) {
	t.Helper()
	return NewWalker(bufx.Static(bufx.From(file)), opts).Walk(context.Background())
}

func exifOptions() Options {
	return Options{Exif: true, ICC: true, TIFF: tiffx.DefaultOptions()}
}

func orientation(t *testing.T, res *Result) uint64 {
	t.Helper()
	require.NotNil(t, res.TIFF)
	require.NotNil(t, res.TIFF.IFD0)
	v, ok := res.TIFF.IFD0.Uint(tiffx.TagOrientation)
	require.True(t, ok)
	return v
}

func TestSniff(t *testing.T) {
	for _, tc := range []struct {
		p     []byte
		brand string
		ok    bool
	}{
		{box("ftyp", []byte("heic"), be(0, 4)), "heic", true},
		{box("ftyp", []byte("avif"), be(0, 4), []byte("mif1")), "avif", true},
		{box("ftyp", []byte("isom"), be(0, 4), []byte("mif1")), "isom", true},
		{box("ftyp", []byte("isom"), be(0, 4), []byte("mp41")), "", false},
		{box("free", []byte("heic")), "", false},
		{[]byte("ftyp"), "", false},
	} {
		brand, ok := Sniff(tc.p)
		require.Equal(t, tc.ok, ok, "%q", tc.p)
		require.Equal(t, tc.brand, brand)
	}
}

func TestExifOrientation(t *testing.T) {
	file := defaultHEIF().build()
	res, err := walk(t, file, exifOptions())
	require.NoError(t, err)
	require.Equal(t, "heic", res.Brand)
	require.Equal(t, uint64(6), orientation(t, res))
	require.Len(t, res.Segments, 1)
	seg := res.Segments[0]
	require.Equal(t, "tiff", seg.Type)
	require.Equal(t, 10, seg.HeaderLength)
	require.Equal(t, orientationTIFF, file[seg.Start:seg.End])
}

func TestLocateFieldSizes(t *testing.T) {
	for _, offsetSize := range []int{1, 2, 4, 8} {
		for _, lengthSize := range []int{1, 2, 4, 8} {
			for _, version := range []uint8{0, 1, 2} {
				h := defaultHEIF()
				h.ilocVersion = version
				h.offsetSize = offsetSize
				h.lengthSize = lengthSize
				if offsetSize == 1 {
					h.baseOffsetSize = 4
				}
				name := fmt.Sprintf("off%d/len%d/v%d", offsetSize, lengthSize, version)
				t.Run(name, func(t *testing.T) {
					file := h.build()
					w := NewWalker(bufx.Static(bufx.From(file)), Options{})
					meta, err := w.Meta(context.Background())
					require.NoError(t, err)
					id, ok, err := w.ItemID(context.Background(), meta, "Exif")
					require.NoError(t, err)
					require.True(t, ok)
					require.Equal(t, uint32(2), id)
					ext, ok, err := w.Locate(context.Background(), meta, id)
					require.NoError(t, err)
					require.True(t, ok)
					require.Equal(t, h.exif, file[ext.Offset:ext.Offset+ext.Length])
				})
			}
		}
	}
}

func TestInfeVersion3(t *testing.T) {
	h := defaultHEIF()
	h.infeVersion = 3
	h.ilocVersion = 2
	res, err := walk(t, h.build(), exifOptions())
	require.NoError(t, err)
	require.Equal(t, uint64(6), orientation(t, res))
}

func TestConstructionMethodIdat(t *testing.T) {
	h := defaultHEIF()
	h.method = 1
	res, err := walk(t, h.build(), exifOptions())
	require.NoError(t, err)
	require.Equal(t, uint64(6), orientation(t, res))
}

func TestUnsupportedConstructionMethod(t *testing.T) {
	h := defaultHEIF()
	h.method = 2
	_, err := walk(t, h.build(), exifOptions())
	require.True(t, errors.Is(err, metaerr.ErrUnsupportedType), err)
}

func TestMultipleExtents(t *testing.T) {
	h := defaultHEIF()
	h.extraExtent = true
	res, err := walk(t, h.build(), exifOptions())
	require.NoError(t, err)
	require.Equal(t, uint64(6), orientation(t, res))
	require.Len(t, res.Warnings, 1)
}

func TestZeroLengthExtent(t *testing.T) {
	h := defaultHEIF()
	h.zeroLength = true
	file := h.build()
	res, err := walk(t, file, exifOptions())
	require.NoError(t, err)
	require.Equal(t, uint64(6), orientation(t, res))
	require.Equal(t, len(file), res.Segments[0].End)
}

func TestExtendedLengthBox(t *testing.T) {
	free := append(append(be(1, 4), "free"...), be(16+100, 8)...)
	free = append(free, make([]byte, 100)...)
	h := defaultHEIF()
	h.before = free
	res, err := walk(t, h.build(), exifOptions())
	require.NoError(t, err)
	require.Equal(t, uint64(6), orientation(t, res))
}

func TestZeroLengthBoxRunsToEnd(t *testing.T) {
	file := box("ftyp", []byte("heic"), be(0, 4))
	file = append(file, be(0, 4)...)
	file = append(file, "mdat"...)
	file = append(file, make([]byte, 50)...)
	w := NewWalker(bufx.Static(bufx.From(file)), Options{})
	b, err := w.readBox(context.Background(), 16, len(file))
	require.NoError(t, err)
	require.Equal(t, TypeMdat, b.Type)
	require.Equal(t, len(file), b.End)
	_, err = w.Meta(context.Background())
	require.True(t, errors.Is(err, metaerr.ErrMalformedContainer), err)
}

func TestMalformedBoxes(t *testing.T) {
	for name, file := range map[string][]byte{
		"no ftyp":   defaultHEIF().build()[24:],
		"too short": append(box("ftyp", []byte("heic"), be(0, 4)), append(be(4, 4), "meta"...)...),
		"overrun":   append(box("ftyp", []byte("heic"), be(0, 4)), append(be(1000, 4), "meta"...)...),
	} {
		_, err := walk(t, file, exifOptions())
		require.True(t, errors.Is(err, metaerr.ErrMalformedContainer), "%s: %v", name, err)
	}
}

func TestICC(t *testing.T) {
	h := defaultHEIF()
	h.icc = bytes.Repeat([]byte("icc!"), 10)
	res, err := walk(t, h.build(), exifOptions())
	require.NoError(t, err)
	require.Equal(t, h.icc, res.ICC)
	require.Len(t, res.Segments, 2)
	require.Equal(t, "icc", res.Segments[1].Type)
}

func TestNoExifItem(t *testing.T) {
	file := bytes.Join([][]byte{
		box("ftyp", []byte("avif"), be(0, 4)),
		fullBox("meta", 0, fullBox("iinf", 0, be(0, 2))),
	}, nil)
	res, err := walk(t, file, exifOptions())
	require.NoError(t, err)
	require.Nil(t, res.TIFF)
	require.Empty(t, res.Segments)
}

func TestChunkedSkipsLargeBoxes(t *testing.T) {
	h := defaultHEIF()
	h.before = box("free", make([]byte, 1<<20))
	file := h.build()

	src := sourcex.NewReaderAt(bytes.NewReader(file), int64(len(file)), nil)
	r := sourcex.NewReader(src, sourcex.ChunkOptions{FirstChunkSize: 64, ChunkSize: 64}, nil)
	ctx := context.Background()
	require.NoError(t, r.ReadFirstChunk(ctx))

	res, err := NewWalker(r, exifOptions()).Walk(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(6), orientation(t, res))
	require.Less(t, r.Stats().Bytes, int64(4096))
}

func TestUint(t *testing.T) {
	b := bufx.From([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	for _, tc := range []struct {
		n    int
		want uint64
	}{
		{0, 0},
		{1, 0x01},
		{2, 0x0102},
		{4, 0x01020304},
		{8, 0x0102030405060708},
	} {
		v, err := Uint(b, 0, tc.n)
		require.NoError(t, err)
		require.Equal(t, tc.want, v)
	}
	_, err := Uint(b, 0, 3)
	require.True(t, errors.Is(err, metaerr.ErrUnsupportedType))

	_, err = toInt(math.MaxUint64)
	require.True(t, errors.Is(err, metaerr.ErrOffsetOutOfBounds))
	v, err := toInt(1 << 40)
	require.NoError(t, err)
	require.Equal(t, 1<<40, v)
}
