// Package imgmeta extracts Exif, XMP, ICC and IPTC metadata from JPEG, TIFF,
// HEIF, AVIF and BMP files while reading as little of the file as possible.
//
// Files, HTTP resources and seekable zstd archives are read in chunks: the
// first chunk identifies the format and the scanners request more bytes only
// when a segment or directory they need lies beyond what has been fetched.
package imgmeta

import (
	"context"
	"fmt"

	"github.com/sebnyberg/imgmeta/bmffx"
	"github.com/sebnyberg/imgmeta/bmpx"
	"github.com/sebnyberg/imgmeta/jpegx"
	"github.com/sebnyberg/imgmeta/segx"
	"github.com/sebnyberg/imgmeta/sourcex"
	"github.com/sebnyberg/imgmeta/tiffx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// sniffLen is how much of the first chunk DetectFormat looks at.
const sniffLen = 64

// ParseFile parses the file at name.
func ParseFile(ctx context.Context, name string, opts Options) (*Metadata, error) {
	src, err := sourcex.OpenFile(name)
	if err != nil {
		return nil, err
	}
	return Parse(ctx, src, opts)
}

// ParseBytes parses an in-memory file.
func ParseBytes(ctx context.Context, p []byte, opts Options) (*Metadata, error) {
	return Parse(ctx, sourcex.NewBytes(p), opts)
}

// Parse reads metadata from src and closes it before returning.
func Parse(ctx context.Context, src sourcex.Source, opts Options) (md *Metadata, err error) {
	log := opts.logger()
	r := sourcex.NewReader(src, opts.chunkOptions(), log)
	defer func() {
		if cerr := r.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close source err, %w", cerr))
		}
	}()

	if err := r.ReadFirstChunk(ctx); err != nil {
		return nil, err
	}
	buf := r.Buffer()
	n := buf.ContiguousEnd(0)
	if n > sniffLen {
		n = sniffLen
	}
	head, err := buf.Slice(0, n)
	if err != nil {
		return nil, err
	}
	format, err := DetectFormat(head)
	if err != nil {
		return nil, err
	}
	log.Debug("detected format", zap.String("format", string(format)), zap.Bool("chunked", r.Chunked()))

	s := &session{r: r, opts: opts, log: log, md: &Metadata{Format: format}}
	switch format {
	case FormatJPEG:
		err = s.jpeg(ctx)
	case FormatTIFF:
		err = s.tiff(ctx)
	case FormatHEIF, FormatAVIF:
		err = s.bmff(ctx)
	case FormatBMP:
		err = s.bmp(ctx)
	}
	if err != nil {
		return nil, err
	}
	s.md.Stats = r.Stats()
	return s.md, nil
}

type session struct {
	r    *sourcex.Reader
	opts Options
	log  *zap.Logger
	md   *Metadata
}

// fail records err in CollectErrors mode and returns it otherwise.
func (s *session) fail(err error) error {
	if err == nil {
		return nil
	}
	if !s.opts.CollectErrors {
		return err
	}
	s.log.Warn("tolerating error", zap.Error(err))
	s.md.Errors = append(s.md.Errors, multierr.Errors(err)...)
	return nil
}

func (s *session) registry() *segx.Registry {
	reg := segx.NewRegistry(s.log, jpegx.Kinds(s.opts.tiffOptions())...)
	for _, k := range s.opts.Kinds {
		reg.Register(k)
	}
	for typ, fn := range s.opts.Parsers {
		reg.Override(typ, fn)
	}
	return reg
}

func (s *session) jpeg(ctx context.Context) error {
	wanted := s.opts.wanted()
	if len(wanted) == 0 && !s.opts.RecordJpegSegments && !s.opts.RecordUnknownSegments {
		return nil
	}
	reg := s.registry()
	sc := jpegx.NewScanner(s.r, reg, jpegx.Options{
		Wanted:                wanted,
		StopAfterSos:          s.opts.StopAfterSos,
		MultiSegment:          s.opts.MultiSegment,
		RecordJpegSegments:    s.opts.RecordJpegSegments,
		RecordUnknownSegments: s.opts.RecordUnknownSegments,
		Logger:                s.log,
	})
	res, err := sc.Scan(ctx)
	if err != nil {
		return err
	}
	s.md.Warnings = append(s.md.Warnings, res.Warnings...)

	want := make(map[string]bool, len(wanted))
	for _, typ := range wanted {
		want[typ] = true
	}
	results := reg.Decode(ctx, s.r.Buffer(), res.Segments, segx.DecodeOptions{
		Enabled:      func(typ string) bool { return want[typ] },
		MultiSegment: s.opts.MultiSegment,
	})
	for _, x := range results {
		s.md.Warnings = append(s.md.Warnings, x.Warnings...)
		if err := s.fail(x.Err); err != nil {
			return err
		}
		s.md.set(x.Type, x.Value)
	}

	s.md.Segments = append(s.md.Segments, res.Segments...)
	s.md.Segments = append(s.md.Segments, res.Jpeg...)
	s.md.Segments = append(s.md.Segments, res.Unknown...)
	return nil
}

func (s *session) tiff(ctx context.Context) error {
	res, err := tiffx.NewWalker(s.r, 0, s.opts.tiffOptions()).Walk(ctx)
	if res == nil {
		return err
	}
	if err := s.fail(err); err != nil {
		return err
	}
	s.md.setTIFF(res)
	s.md.Segments = append(s.md.Segments, segx.Segment{Type: jpegx.TypeTIFF, Length: s.r.Buffer().Len()})
	return s.custom(ctx)
}

func (s *session) bmff(ctx context.Context) error {
	w := bmffx.NewWalker(s.r, bmffx.Options{
		Exif:   s.opts.wantsTIFF() || s.opts.XMP || s.opts.IPTC,
		ICC:    s.opts.ICC,
		TIFF:   s.opts.tiffOptions(),
		Logger: s.log,
	})
	res, err := w.Walk(ctx)
	if res == nil {
		return err
	}
	if err := s.fail(err); err != nil {
		return err
	}
	s.md.Brand = res.Brand
	s.md.Warnings = append(s.md.Warnings, res.Warnings...)
	s.md.ICC = res.ICC
	s.md.setTIFF(res.TIFF)
	s.md.Segments = append(s.md.Segments, res.Segments...)
	return s.custom(ctx)
}

func (s *session) bmp(ctx context.Context) error {
	res, err := bmpx.Scan(ctx, s.r, s.opts.ICC)
	if err != nil {
		return err
	}
	h := res.Header
	s.md.BMP = &h
	for _, seg := range res.Segments {
		p, err := s.r.Buffer().Slice(seg.Start, seg.Size)
		if err != nil {
			return err
		}
		s.md.ICC = append([]byte{}, p...)
	}
	s.md.Segments = append(s.md.Segments, res.Segments...)
	return s.custom(ctx)
}

// custom runs plugged-in parsers over the raw payloads of formats that are
// not decoded through the segment registry.
func (s *session) custom(ctx context.Context) error {
	for typ, p := range map[string][]byte{
		jpegx.TypeXMP:  s.md.XMP,
		jpegx.TypeICC:  s.md.ICC,
		jpegx.TypeIPTC: s.md.IPTC,
	} {
		fn, ok := s.opts.Parsers[typ]
		if !ok || p == nil {
			continue
		}
		v, err := fn(ctx, p)
		if err != nil {
			err = fmt.Errorf("decode %s: %w", typ, err)
		}
		if err := s.fail(err); err != nil {
			return err
		}
		if v != nil {
			if s.md.Decoded == nil {
				s.md.Decoded = make(map[string]interface{})
			}
			s.md.Decoded[typ] = v
		}
	}
	return nil
}
