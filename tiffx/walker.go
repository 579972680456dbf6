package tiffx

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/sebnyberg/imgmeta/bufx"
	"github.com/sebnyberg/imgmeta/metaerr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// maxEntries bounds the entry count of one IFD. Real directories hold a few
// hundred entries at most.
const maxEntries = 4096

// Options selects which blocks the walker decodes.
type Options struct {
	IFD0    bool
	Exif    bool
	GPS     bool
	Interop bool
	IFD1    bool

	// Thumbnail extracts the IFD1 JPEG thumbnail.
	Thumbnail bool
	// XMP, IPTC and ICC lift payloads stored in IFD0 tags.
	XMP  bool
	IPTC bool
	ICC  bool

	// Sanitize removes resolved pointer tags and lifted payload tags from
	// the returned blocks.
	Sanitize bool
	// CollectErrors isolates failures per block. A failing block is left
	// out of the result and its error is accumulated; the other blocks
	// still decode.
	CollectErrors bool

	Logger *zap.Logger
}

// DefaultOptions decodes every directory and lifts no payloads.
func DefaultOptions() Options {
	return Options{
		IFD0:     true,
		Exif:     true,
		GPS:      true,
		Interop:  true,
		IFD1:     true,
		Sanitize: true,
	}
}

// Result holds the decoded blocks. Blocks that were not requested, absent or
// failed in CollectErrors mode are nil.
type Result struct {
	ByteOrder binary.ByteOrder
	IFD0      *Block
	Exif      *Block
	GPS       *Block
	Interop   *Block
	IFD1      *Block

	Thumbnail []byte
	XMP       []byte
	IPTC      []byte
	ICC       []byte
}

// Walker resolves the IFD graph of one TIFF structure. Offsets inside the
// structure are relative to base, the position of its header in the buffer.
type Walker struct {
	f     bufx.Feeder
	base  int
	order binary.ByteOrder
	opts  Options
	log   *zap.Logger
	seen  map[uint32]bool
	errs  error
}

// NewWalker returns a walker for the TIFF header at base.
func NewWalker(f bufx.Feeder, base int, opts Options) *Walker {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Walker{
		f:    f,
		base: base,
		opts: opts,
		log:  log,
		seen: make(map[uint32]bool),
	}
}

// Parse walks a TIFF structure held entirely in p.
func Parse(ctx context.Context, p []byte, opts Options) (*Result, error) {
	return NewWalker(bufx.Static(bufx.From(p)), 0, opts).Walk(ctx)
}

// Walk decodes the requested blocks. In CollectErrors mode the result is
// returned together with the accumulated block errors; otherwise the first
// error aborts the walk. A bad header is fatal in both modes.
func (w *Walker) Walk(ctx context.Context) (*Result, error) {
	hdr, err := DecodeHeader(ctx, w.f, w.base)
	if err != nil {
		return nil, err
	}
	w.order = hdr.ByteOrder
	res := &Result{ByteOrder: hdr.ByteOrder}

	var ifd0 *Block
	var next uint32
	if err := w.isolate("ifd0", func() (err error) {
		ifd0, next, err = w.readIFD(ctx, "ifd0", hdr.IFD0)
		return err
	}); err != nil {
		return nil, err
	}
	if ifd0 == nil {
		return res, w.errs
	}

	if w.opts.Exif || w.opts.Interop {
		if off, ok := ifd0.Uint(TagExifIFD); ok {
			var exif *Block
			if err := w.isolate("exif", func() (err error) {
				exif, _, err = w.readIFD(ctx, "exif", uint32(off))
				return err
			}); err != nil {
				return nil, err
			}
			if exif != nil && w.opts.Interop {
				if off, ok := exif.Uint(TagInteropIFD); ok {
					if err := w.isolate("interop", func() (err error) {
						res.Interop, _, err = w.readIFD(ctx, "interop", uint32(off))
						return err
					}); err != nil {
						return nil, err
					}
					w.sanitize(exif, TagInteropIFD)
				}
			}
			if w.opts.Exif {
				res.Exif = exif
			}
			w.sanitize(ifd0, TagExifIFD)
		}
	}

	if w.opts.GPS {
		if off, ok := ifd0.Uint(TagGPSIFD); ok {
			if err := w.isolate("gps", func() (err error) {
				res.GPS, _, err = w.readIFD(ctx, "gps", uint32(off))
				return err
			}); err != nil {
				return nil, err
			}
			w.sanitize(ifd0, TagGPSIFD)
		}
	}

	res.XMP = w.payload(ifd0, TagXMP, w.opts.XMP)
	res.IPTC = w.payload(ifd0, TagIPTC, w.opts.IPTC)
	res.ICC = w.payload(ifd0, TagICC, w.opts.ICC)

	if next != 0 && (w.opts.IFD1 || w.opts.Thumbnail) {
		var ifd1 *Block
		if err := w.isolate("ifd1", func() (err error) {
			ifd1, _, err = w.readIFD(ctx, "ifd1", next)
			return err
		}); err != nil {
			return nil, err
		}
		if ifd1 != nil && w.opts.Thumbnail {
			if err := w.isolate("thumbnail", func() (err error) {
				res.Thumbnail, err = w.thumbnail(ctx, ifd1)
				return err
			}); err != nil {
				return nil, err
			}
		}
		if w.opts.IFD1 {
			res.IFD1 = ifd1
		}
	}

	if w.opts.IFD0 {
		res.IFD0 = ifd0
	}
	return res, w.errs
}

func (w *Walker) isolate(name string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	err = fmt.Errorf("tiff %s: %w", name, err)
	if !w.opts.CollectErrors {
		return err
	}
	w.log.Warn("skipping tiff block", zap.String("block", name), zap.Error(err))
	w.errs = multierr.Append(w.errs, err)
	return nil
}

func (w *Walker) sanitize(b *Block, tag uint16) {
	if w.opts.Sanitize {
		b.Delete(tag)
	}
}

func (w *Walker) payload(b *Block, tag uint16, want bool) []byte {
	if !want {
		return nil
	}
	e, ok := b.Get(tag)
	if !ok {
		return nil
	}
	w.sanitize(b, tag)
	return e.raw
}

func (w *Walker) thumbnail(ctx context.Context, ifd1 *Block) ([]byte, error) {
	off, ok := ifd1.Uint(TagThumbnailOffset)
	if !ok {
		return nil, nil
	}
	n, ok := ifd1.Uint(TagThumbnailLength)
	if !ok || n == 0 {
		return nil, nil
	}
	abs := w.base + int(off)
	if err := w.f.Ensure(ctx, abs, int(n)); err != nil {
		return nil, err
	}
	p, err := w.f.Buffer().Slice(abs, int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte{}, p...), nil
}

// readIFD decodes the directory at off and returns it with the offset of the
// next directory.
func (w *Walker) readIFD(ctx context.Context, name string, off uint32) (*Block, uint32, error) {
	if off < headerLen {
		return nil, 0, metaerr.Errorf(metaerr.ErrMalformedContainer, "ifd offset %d overlaps the header", off)
	}
	if w.seen[off] {
		return nil, 0, metaerr.Errorf(metaerr.ErrMalformedContainer, "ifd at %d is referenced twice", off)
	}
	w.seen[off] = true

	abs := w.base + int(off)
	if err := w.f.Ensure(ctx, abs, 2); err != nil {
		return nil, 0, err
	}
	buf := w.f.Buffer()
	n, err := buf.Uint16(abs, w.order)
	if err != nil {
		return nil, 0, err
	}
	if n > maxEntries {
		return nil, 0, metaerr.Errorf(metaerr.ErrMalformedContainer, "ifd at %d claims %d entries", off, n)
	}
	if err := w.f.Ensure(ctx, abs+2, int(n)*ifdLen+4); err != nil {
		return nil, 0, err
	}

	block := NewBlock(name)
	for i := 0; i < int(n); i++ {
		e, err := w.readEntry(ctx, abs+2+i*ifdLen)
		if err != nil {
			return nil, 0, err
		}
		block.Set(e)
	}
	// Buffer may have grown while resolving out-of-line values.
	next, err := w.f.Buffer().Uint32(abs+2+int(n)*ifdLen, w.order)
	if err != nil {
		return nil, 0, err
	}
	w.log.Debug("read tiff ifd",
		zap.String("block", name),
		zap.Uint32("offset", off),
		zap.Int("entries", block.Len()),
		zap.Uint32("next", next))
	return block, next, nil
}

func (w *Walker) readEntry(ctx context.Context, pos int) (Entry, error) {
	p, err := w.f.Buffer().Slice(pos, ifdLen)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		Tag:   w.order.Uint16(p[0:2]),
		Type:  Type(w.order.Uint16(p[2:4])),
		Count: w.order.Uint32(p[4:8]),
	}
	size, err := e.Type.Size()
	if err != nil {
		return Entry{}, fmt.Errorf("tag 0x%04X: %w", e.Tag, err)
	}
	total := int64(size) * int64(e.Count)
	if total > int64(^uint32(0)) {
		return Entry{}, metaerr.Errorf(metaerr.ErrOffsetOutOfBounds,
			"tag 0x%04X: %d values of %d bytes", e.Tag, e.Count, size)
	}

	var raw []byte
	if total <= 4 {
		raw = p[8 : 8+total]
	} else {
		abs := w.base + int(w.order.Uint32(p[8:12]))
		if err := w.f.Ensure(ctx, abs, int(total)); err != nil {
			return Entry{}, fmt.Errorf("tag 0x%04X: %w", e.Tag, err)
		}
		if raw, err = w.f.Buffer().Slice(abs, int(total)); err != nil {
			return Entry{}, err
		}
	}

	if e.Value, err = Decode(raw, e.Type, int(e.Count), w.order); err != nil {
		return Entry{}, fmt.Errorf("tag 0x%04X: %w", e.Tag, err)
	}
	switch e.Tag {
	case TagXMP, TagIPTC, TagICC:
		e.raw = append([]byte{}, raw...)
	}
	return e, nil
}
