package bmffx

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/sebnyberg/imgmeta/bufx"
	"github.com/sebnyberg/imgmeta/metaerr"
	"github.com/sebnyberg/imgmeta/segx"
	"github.com/sebnyberg/imgmeta/tiffx"
	"go.uber.org/zap"
)

// Brands identifying HEIF and AVIF files.
var brands = map[string]bool{
	"heic": true, "heix": true, "hevc": true, "heim": true, "heis": true,
	"hevm": true, "hevs": true, "mif1": true, "msf1": true,
	"avif": true, "avis": true,
}

// Sniff reports whether p starts with an ftyp box naming a HEIF or AVIF
// brand, and returns the major brand.
func Sniff(p []byte) (string, bool) {
	if len(p) < 12 || string(p[4:8]) != "ftyp" {
		return "", false
	}
	major := string(p[8:12])
	if brands[major] {
		return major, true
	}
	n := int(uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3]))
	if n > len(p) {
		n = len(p)
	}
	// Compatible brands follow the major brand and minor version.
	for off := 16; off+4 <= n; off += 4 {
		if brands[string(p[off:off+4])] {
			return major, true
		}
	}
	return "", false
}

// Options selects what the walker extracts.
type Options struct {
	Exif bool
	ICC  bool
	// TIFF configures the walk of the Exif payload.
	TIFF   tiffx.Options
	Logger *zap.Logger
}

// Result holds the payloads found in the meta box.
type Result struct {
	Brand    string
	TIFF     *tiffx.Result
	ICC      []byte
	Segments []segx.Segment
	Warnings []string
}

// Extent is a resolved, absolute byte range of an item.
type Extent struct {
	Offset int
	Length int
}

type sizer interface {
	Size() int64
}

// Walker reads the box tree of one file.
type Walker struct {
	f    bufx.Feeder
	opts Options
	log  *zap.Logger
	res  Result
}

// NewWalker returns a walker reading through f. If f knows the total size of
// the file, as *sourcex.Reader does, boxes with length 0 extend to it.
func NewWalker(f bufx.Feeder, opts Options) *Walker {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Walker{f: f, opts: opts, log: log}
}

func (w *Walker) size() int {
	if s, ok := w.f.(sizer); ok {
		if n := s.Size(); n >= 0 && n <= math.MaxInt {
			return int(n)
		}
		return math.MaxInt
	}
	return w.f.Buffer().Len()
}

func (w *Walker) warn(msg string, fields ...zap.Field) {
	w.log.Warn(msg, fields...)
	w.res.Warnings = append(w.res.Warnings, msg)
}

// Walk locates the meta box and extracts the requested payloads. In the
// TIFF CollectErrors mode, block errors are returned together with the
// result.
func (w *Walker) Walk(ctx context.Context) (*Result, error) {
	meta, err := w.Meta(ctx)
	if err != nil {
		return nil, err
	}

	var tiffErr error
	if w.opts.Exif {
		seg, ok, err := w.exifSegment(ctx, meta)
		if err != nil {
			return nil, err
		}
		if ok {
			w.res.Segments = append(w.res.Segments, seg)
			w.res.TIFF, tiffErr = tiffx.NewWalker(w.f, seg.Start, w.opts.TIFF).Walk(ctx)
			if w.res.TIFF == nil {
				return nil, tiffErr
			}
		}
	}
	if w.opts.ICC {
		seg, ok, err := w.iccSegment(ctx, meta)
		if err != nil {
			return nil, err
		}
		if ok {
			w.res.Segments = append(w.res.Segments, seg)
			p, err := w.f.Buffer().Slice(seg.Start, seg.Size)
			if err != nil {
				return nil, err
			}
			w.res.ICC = append([]byte{}, p...)
		}
	}
	return &w.res, tiffErr
}

// readBox decodes the box header at off. Boxes may not extend past limit,
// the end of the enclosing container.
func (w *Walker) readBox(ctx context.Context, off, limit int) (*Box, error) {
	if err := w.f.Ensure(ctx, off, boxHeaderLen); err != nil {
		return nil, err
	}
	buf := w.f.Buffer()
	n, _ := buf.Uint32(off, binary.BigEndian)
	typ, _ := buf.Slice(off+4, 4)
	b := &Box{Offset: off, HeaderLength: boxHeaderLen}
	copy(b.Type[:], typ)

	switch n {
	case 1:
		if err := w.f.Ensure(ctx, off+boxHeaderLen, extLen); err != nil {
			return nil, err
		}
		ext, _ := buf.Uint64(off+boxHeaderLen, binary.BigEndian)
		length, err := toInt(ext)
		if err != nil {
			return nil, fmt.Errorf("box %q at %d: %w", b.Type, off, err)
		}
		b.Length = length
		b.HeaderLength += extLen
	case 0:
		b.Length = limit - off
	default:
		b.Length = int(n)
	}
	if b.Length < b.HeaderLength {
		return nil, metaerr.Errorf(metaerr.ErrMalformedContainer,
			"box %q at %d has length %d", b.Type, off, b.Length)
	}
	if b.Length > limit-off {
		return nil, metaerr.Errorf(metaerr.ErrMalformedContainer,
			"box %q at %d of length %d exceeds its container ending at %d", b.Type, off, b.Length, limit)
	}
	b.Start = off + b.HeaderLength
	b.End = off + b.Length
	return b, nil
}

// applyFullBox reads version and flags and moves Start past them.
func (w *Walker) applyFullBox(ctx context.Context, b *Box) error {
	if b.Full {
		return nil
	}
	if b.Size() < fullBoxLen {
		return metaerr.Errorf(metaerr.ErrTruncatedSegment, "full box %q at %d is too short", b.Type, b.Offset)
	}
	if err := w.f.Ensure(ctx, b.Start, fullBoxLen); err != nil {
		return err
	}
	vf, _ := w.f.Buffer().Uint32(b.Start, binary.BigEndian)
	b.Version = uint8(vf >> 24)
	b.Flags = vf & 0xFFFFFF
	b.Full = true
	b.Start += fullBoxLen
	b.HeaderLength += fullBoxLen
	return nil
}

// Children returns the boxes contained in b, starting at from. The list is
// parsed once and cached.
func (w *Walker) children(ctx context.Context, b *Box, from int) ([]*Box, error) {
	if b.parsed {
		return b.children, nil
	}
	var res []*Box
	for off := from; off+boxHeaderLen <= b.End; {
		child, err := w.readBox(ctx, off, b.End)
		if err != nil {
			return nil, fmt.Errorf("child of %q: %w", b.Type, err)
		}
		res = append(res, child)
		off = child.End
	}
	b.children = res
	b.parsed = true
	return res, nil
}

// Child returns the first child of b with type typ, or nil.
func (w *Walker) Child(ctx context.Context, b *Box, typ BoxType) (*Box, error) {
	children, err := w.children(ctx, b, b.Start)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if c.Type == typ {
			return c, nil
		}
	}
	return nil, nil
}

// Meta walks the top-level boxes until it finds meta. Only box headers are
// fetched on the way.
func (w *Walker) Meta(ctx context.Context) (*Box, error) {
	size := w.size()
	for off := 0; off < size; {
		b, err := w.readBox(ctx, off, size)
		if err != nil {
			if off > 0 && errors.Is(err, metaerr.ErrOffsetOutOfBounds) {
				// End of a source of unknown size.
				break
			}
			return nil, err
		}
		if off == 0 {
			if b.Type != TypeFtyp {
				return nil, metaerr.Errorf(metaerr.ErrMalformedContainer, "first box is %q, not ftyp", b.Type)
			}
			if err := w.f.Ensure(ctx, b.Start, 4); err == nil {
				w.res.Brand, _ = w.f.Buffer().String(b.Start, 4)
			}
		}
		w.log.Debug("top-level box", zap.Stringer("type", b.Type), zap.Int("offset", b.Offset), zap.Int("length", b.Length))
		if b.Type == TypeMeta {
			if err := w.applyFullBox(ctx, b); err != nil {
				return nil, err
			}
			return b, nil
		}
		off = b.End
	}
	return nil, metaerr.Errorf(metaerr.ErrMalformedContainer, "no meta box")
}

// ItemID returns the id of the first item of type itemType listed in
// meta/iinf.
func (w *Walker) ItemID(ctx context.Context, meta *Box, itemType string) (uint32, bool, error) {
	iinf, err := w.Child(ctx, meta, TypeIinf)
	if err != nil || iinf == nil {
		return 0, false, err
	}
	if err := w.applyFullBox(ctx, iinf); err != nil {
		return 0, false, err
	}
	countLen := 4
	if iinf.Version == 0 {
		countLen = 2
	}
	entries, err := w.children(ctx, iinf, iinf.Start+countLen)
	if err != nil {
		return 0, false, err
	}
	for _, infe := range entries {
		if infe.Type != TypeInfe {
			continue
		}
		if err := w.applyFullBox(ctx, infe); err != nil {
			return 0, false, err
		}
		if infe.Version < 2 {
			// Versions 0 and 1 carry no item type.
			continue
		}
		c, err := content(ctx, w.f, infe)
		if err != nil {
			return 0, false, err
		}
		idLen := 2
		if infe.Version >= 3 {
			idLen = 4
		}
		id := c.uint(idLen)
		c.uint(2) // protection index
		typ := c.fourcc()
		if c.err != nil {
			return 0, false, fmt.Errorf("infe at %d: %w", infe.Offset, c.err)
		}
		if typ == itemType {
			return uint32(id), true, nil
		}
	}
	return 0, false, nil
}

// Item is one entry of an iloc box.
type Item struct {
	ID                 uint32
	ConstructionMethod uint8
	DataReferenceIndex uint16
	BaseOffset         uint64
	Extents            []RawExtent
}

// RawExtent is an extent as stored, relative to the item's base offset.
type RawExtent struct {
	Index  uint64
	Offset uint64
	Length uint64
}

func validFieldSize(n int) bool {
	switch n {
	case 0, 1, 2, 4, 8:
		return true
	}
	return false
}

// Items decodes meta/iloc.
func (w *Walker) Items(ctx context.Context, meta *Box) ([]Item, error) {
	iloc, err := w.Child(ctx, meta, TypeIloc)
	if err != nil || iloc == nil {
		return nil, err
	}
	if err := w.applyFullBox(ctx, iloc); err != nil {
		return nil, err
	}
	if iloc.Version > 2 {
		return nil, metaerr.Errorf(metaerr.ErrUnsupportedType, "iloc version %d", iloc.Version)
	}
	c, err := content(ctx, w.f, iloc)
	if err != nil {
		return nil, err
	}

	sizes := c.uint(1)
	offsetSize := int(sizes >> 4)
	lengthSize := int(sizes & 15)
	sizes = c.uint(1)
	baseOffsetSize := int(sizes >> 4)
	indexSize := 0
	if iloc.Version > 0 {
		indexSize = int(sizes & 15)
	}
	for _, n := range []int{offsetSize, lengthSize, baseOffsetSize, indexSize} {
		if !validFieldSize(n) {
			return nil, metaerr.Errorf(metaerr.ErrUnsupportedType, "iloc field size %d", n)
		}
	}

	wide := 2
	if iloc.Version == 2 {
		wide = 4
	}
	count := c.uint(wide)
	var items []Item
	for i := uint64(0); c.err == nil && i < count; i++ {
		var it Item
		it.ID = uint32(c.uint(wide))
		if iloc.Version > 0 {
			it.ConstructionMethod = uint8(c.uint(2) & 15)
		}
		it.DataReferenceIndex = uint16(c.uint(2))
		it.BaseOffset = c.uint(baseOffsetSize)
		extents := c.uint(2)
		for j := uint64(0); c.err == nil && j < extents; j++ {
			var e RawExtent
			e.Index = c.uint(indexSize)
			e.Offset = c.uint(offsetSize)
			e.Length = c.uint(lengthSize)
			it.Extents = append(it.Extents, e)
		}
		items = append(items, it)
	}
	if c.err != nil {
		return nil, fmt.Errorf("iloc at %d: %w", iloc.Offset, c.err)
	}
	return items, nil
}

// Locate resolves the first extent of item id to an absolute range. Items
// with more than one extent are reported with a warning; only the first
// extent is returned.
func (w *Walker) Locate(ctx context.Context, meta *Box, id uint32) (Extent, bool, error) {
	items, err := w.Items(ctx, meta)
	if err != nil {
		return Extent{}, false, err
	}
	for _, it := range items {
		if it.ID != id {
			continue
		}
		if len(it.Extents) == 0 {
			return Extent{}, false, metaerr.Errorf(metaerr.ErrMalformedContainer, "item %d has no extents", id)
		}
		if len(it.Extents) > 1 {
			w.warn("item has multiple extents, using the first",
				zap.Uint32("item", id), zap.Int("extents", len(it.Extents)))
		}
		return w.resolve(ctx, meta, it)
	}
	return Extent{}, false, nil
}

func (w *Walker) resolve(ctx context.Context, meta *Box, it Item) (Extent, bool, error) {
	e := it.Extents[0]
	if it.BaseOffset > math.MaxUint64-e.Offset {
		return Extent{}, false, metaerr.Errorf(metaerr.ErrOffsetOutOfBounds, "item %d offset overflows", it.ID)
	}
	off, err := toInt(it.BaseOffset + e.Offset)
	if err != nil {
		return Extent{}, false, err
	}
	length, err := toInt(e.Length)
	if err != nil {
		return Extent{}, false, err
	}

	switch it.ConstructionMethod {
	case 0:
	case 1:
		idat, err := w.Child(ctx, meta, TypeIdat)
		if err != nil {
			return Extent{}, false, err
		}
		if idat == nil {
			return Extent{}, false, metaerr.Errorf(metaerr.ErrMalformedContainer, "item %d refers to a missing idat box", it.ID)
		}
		if off > idat.Size() {
			return Extent{}, false, metaerr.Errorf(metaerr.ErrOffsetOutOfBounds, "item %d lies outside idat", it.ID)
		}
		off += idat.Start
		if length == 0 {
			length = idat.End - off
		}
	default:
		return Extent{}, false, metaerr.Errorf(metaerr.ErrUnsupportedType,
			"item %d uses construction method %d", it.ID, it.ConstructionMethod)
	}
	if length == 0 {
		// The extent runs to the end of the file.
		length = w.size() - off
	}
	return Extent{Offset: off, Length: length}, true, nil
}

// exifSegment locates the TIFF header inside the Exif item. The item starts
// with a 4-byte offset from its payload to the TIFF header.
func (w *Walker) exifSegment(ctx context.Context, meta *Box) (segx.Segment, bool, error) {
	id, ok, err := w.ItemID(ctx, meta, "Exif")
	if err != nil || !ok {
		return segx.Segment{}, false, err
	}
	ext, ok, err := w.Locate(ctx, meta, id)
	if err != nil || !ok {
		return segx.Segment{}, false, err
	}
	if err := w.f.Ensure(ctx, ext.Offset, 4); err != nil {
		return segx.Segment{}, false, err
	}
	skip, _ := w.f.Buffer().Uint32(ext.Offset, binary.BigEndian)
	header := 4 + int(skip)
	if header > ext.Length {
		return segx.Segment{}, false, metaerr.Errorf(metaerr.ErrTruncatedSegment,
			"exif item of %d bytes skips %d", ext.Length, header)
	}
	seg := segx.Segment{
		Type:         "tiff",
		Offset:       ext.Offset,
		Length:       ext.Length,
		HeaderLength: header,
		Start:        ext.Offset + header,
		Size:         ext.Length - header,
		End:          ext.Offset + ext.Length,
	}
	w.log.Debug("found exif item", zap.Uint32("item", id), zap.Int("offset", seg.Offset), zap.Int("length", seg.Length))
	return seg, true, nil
}

// iccSegment finds a colr property carrying an ICC profile.
func (w *Walker) iccSegment(ctx context.Context, meta *Box) (segx.Segment, bool, error) {
	iprp, err := w.Child(ctx, meta, TypeIprp)
	if err != nil || iprp == nil {
		return segx.Segment{}, false, err
	}
	ipco, err := w.Child(ctx, iprp, TypeIpco)
	if err != nil || ipco == nil {
		return segx.Segment{}, false, err
	}
	props, err := w.children(ctx, ipco, ipco.Start)
	if err != nil {
		return segx.Segment{}, false, err
	}
	for _, colr := range props {
		if colr.Type != TypeColr || colr.Size() < 4 {
			continue
		}
		if err := w.f.Ensure(ctx, colr.Start, 4); err != nil {
			return segx.Segment{}, false, err
		}
		kind, _ := w.f.Buffer().String(colr.Start, 4)
		if kind != "prof" && kind != "rICC" {
			continue
		}
		seg := segx.Segment{
			Type:         "icc",
			Offset:       colr.Offset,
			Length:       colr.Length,
			HeaderLength: colr.HeaderLength + 4,
			Start:        colr.Start + 4,
			Size:         colr.Size() - 4,
			End:          colr.End,
		}
		if err := w.f.Ensure(ctx, seg.Start, seg.Size); err != nil {
			return segx.Segment{}, false, err
		}
		return seg, true, nil
	}
	return segx.Segment{}, false, nil
}
