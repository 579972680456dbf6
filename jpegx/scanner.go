// Package jpegx locates metadata segments in JPEG files.
//
// The scanner walks markers over whatever part of the file is buffered and
// asks its reader for another chunk only when it runs out of bytes before
// finding every wanted segment. It never rescans: after each chunk it resumes
// at the last marker it could not fully read.
package jpegx

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/sebnyberg/imgmeta/bufx"
	"github.com/sebnyberg/imgmeta/metaerr"
	"github.com/sebnyberg/imgmeta/segx"
	"go.uber.org/zap"
)

// sniffLen is the number of segment bytes that must be buffered before
// classification is attempted. It covers the longest built-in header, XMP
// extension, whose chunk fields end 79 bytes into the segment.
const sniffLen = 80

// Reader feeds the scanner. *sourcex.Reader implements it.
type Reader interface {
	bufx.Feeder
	Chunked() bool
	CanReadNextChunk() bool
	ReadNextChunk(ctx context.Context, off int) (bool, error)
	ReadRemaining(ctx context.Context) error
}

// Options configures a scan.
type Options struct {
	// Wanted lists the segment types to look for. Empty means every
	// registered type.
	Wanted []string
	// StopAfterSos ends the scan at the start of scan marker. Metadata
	// segments after SOS are rare and finding them means scanning the
	// entropy coded data.
	StopAfterSos bool
	// MultiSegment keeps scanning until every chunk of a chunked payload
	// has been found.
	MultiSegment bool
	// RecordJpegSegments records structural segments such as DQT and SOF.
	RecordJpegSegments bool
	// RecordUnknownSegments records APPn segments no kind claimed.
	RecordUnknownSegments bool

	Logger *zap.Logger
}

// DefaultOptions stops at SOS and reassembles chunked payloads.
func DefaultOptions() Options {
	return Options{
		StopAfterSos: true,
		MultiSegment: true,
	}
}

// Result lists the segments found by a scan, in file order.
type Result struct {
	Segments []segx.Segment
	Jpeg     []segx.Segment
	Unknown  []segx.Segment
	Warnings []string
}

// Scanner finds segments of registered kinds.
type Scanner struct {
	r    Reader
	reg  *segx.Registry
	opts Options
	log  *zap.Logger

	wanted    map[string]bool
	remaining map[string]bool
	parts     map[string][]segx.Segment
	res       Result
}

// NewScanner returns a scanner classifying APPn segments with reg.
func NewScanner(r Reader, reg *segx.Registry, opts Options) *Scanner {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scanner{
		r:         r,
		reg:       reg,
		opts:      opts,
		log:       log,
		wanted:    make(map[string]bool),
		remaining: make(map[string]bool),
		parts:     make(map[string][]segx.Segment),
	}
	if len(opts.Wanted) == 0 {
		for _, k := range reg.Kinds() {
			s.wanted[k.Type()] = true
		}
	} else {
		for _, typ := range opts.Wanted {
			s.wanted[typ] = true
		}
	}
	for typ := range s.wanted {
		s.remaining[typ] = true
	}
	return s
}

// IsJPEG reports whether p starts with an SOI marker.
func IsJPEG(p []byte) bool {
	return len(p) >= 2 && p[0] == 0xFF && p[1] == SOI
}

// scanState is where scanRange stopped.
type scanState struct {
	off  int
	done bool
}

// Scan walks the file and returns the wanted segments it found. The bytes of
// every returned segment are available in the reader's buffer.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	if err := s.r.Ensure(ctx, 0, 2); err != nil {
		return nil, metaerr.Errorf(metaerr.ErrMalformedContainer, "jpeg too short: %v", err)
	}
	buf := s.r.Buffer()
	if soi, _ := buf.Uint16(0, binary.BigEndian); soi != 0xFF00|SOI {
		return nil, metaerr.Errorf(metaerr.ErrMalformedContainer, "missing SOI marker, got 0x%04X", soi)
	}

	if s.r.Chunked() && s.opts.MultiSegment && s.wantsMultiSegment() {
		// Chunks of one payload may be spread over the whole file.
		if err := s.r.ReadRemaining(ctx); err != nil {
			return nil, err
		}
	}

	off := 2
	for {
		final := !s.r.CanReadNextChunk()
		st := s.scanRange(off, s.r.Buffer().ContiguousEnd(off), final)
		if st.done {
			break
		}
		if final {
			if s.r.Chunked() {
				s.warn("chunk budget exhausted before the scan completed", zap.Int("offset", st.off))
			}
			break
		}
		off = st.off
		more, err := s.r.ReadNextChunk(ctx, s.r.Buffer().ContiguousEnd(off))
		if err != nil {
			return nil, err
		}
		if !more {
			// The source is exhausted; scan what the last read delivered.
			s.scanRange(off, s.r.Buffer().ContiguousEnd(off), true)
			break
		}
	}

	for _, seg := range s.res.Segments {
		if err := s.r.Ensure(ctx, seg.Offset, seg.Length); err != nil {
			return nil, metaerr.Errorf(metaerr.ErrTruncatedSegment,
				"%s segment at %d of length %d: %v", seg.Type, seg.Offset, seg.Length, err)
		}
	}
	for typ := range s.remaining {
		if parts := s.parts[typ]; len(parts) > 0 {
			s.warn("multi-segment payload is incomplete",
				zap.String("type", typ), zap.Int("chunks", len(parts)))
		}
	}
	return &s.res, nil
}

func (s *Scanner) wantsMultiSegment() bool {
	for typ := range s.wanted {
		if k, ok := s.reg.Lookup(typ); ok {
			if _, ok := k.(segx.MultiSegmentKind); ok {
				return true
			}
		}
	}
	return false
}

func (s *Scanner) satisfied() bool {
	return len(s.remaining) == 0 && !s.opts.RecordJpegSegments && !s.opts.RecordUnknownSegments
}

// scanRange scans markers in [off, end). When final is false a marker whose
// header is not fully buffered stops the scan so it can be retried after the
// next chunk.
func (s *Scanner) scanRange(off, end int, final bool) scanState {
	buf := s.r.Buffer()
	// The last byte of the window is never a marker start: the marker pair
	// must be complete.
	for off+1 < end {
		if b, _ := buf.Uint8(off); b != 0xFF {
			off++
			continue
		}
		mb, _ := buf.Uint8(off + 1)
		m := Marker(mb)
		if !m.IsApp() && !m.structural() {
			off++
			continue
		}

		// Length field.
		if off+4 > end {
			return scanState{off: off}
		}
		n, _ := buf.Uint16(off+2, binary.BigEndian)
		length := int(n) + 2
		if length < 4 {
			s.warn("invalid segment length", zap.Int("offset", off), zap.String("marker", m.Name()))
			off += 2
			continue
		}

		if m == SOS {
			if s.opts.RecordJpegSegments {
				s.res.Jpeg = append(s.res.Jpeg, structural(m, off, length))
			}
			if s.opts.StopAfterSos {
				return scanState{off: off, done: true}
			}
			off += 2
			continue
		}

		if m.structural() {
			if s.opts.RecordJpegSegments {
				s.res.Jpeg = append(s.res.Jpeg, structural(m, off, length))
			}
			off += length
			continue
		}

		need := length
		if need > sniffLen {
			need = sniffLen
		}
		if !final && off+need > end {
			// The type signature may straddle the window.
			return scanState{off: off}
		}
		s.classify(m, off, length)
		off += length
		if s.satisfied() {
			return scanState{off: off, done: true}
		}
	}
	return scanState{off: off}
}

func structural(m Marker, off, length int) segx.Segment {
	return segx.Segment{
		Type:         m.Name(),
		Marker:       uint8(m),
		Offset:       off,
		Length:       length,
		HeaderLength: segHead,
		Start:        off + segHead,
		Size:         length - segHead,
		End:          off + length,
	}
}

func (s *Scanner) classify(m Marker, off, length int) {
	buf := s.r.Buffer()
	k, ok := s.reg.Classify(buf, off, length)
	if !ok {
		if s.opts.RecordUnknownSegments {
			seg := structural(m, off, length)
			seg.Type = "unknown"
			s.res.Unknown = append(s.res.Unknown, seg)
		}
		return
	}
	if !s.wanted[k.Type()] {
		return
	}
	seg, err := segx.Position(k, buf, off, length)
	if err != nil {
		s.warn(fmt.Sprintf("skipping segment: %v", err), zap.Int("offset", off))
		return
	}
	seg.Marker = uint8(m)
	mk, multi := k.(segx.MultiSegmentKind)
	multi = multi && s.opts.MultiSegment
	if multi && s.hasChunk(seg) {
		s.warn(fmt.Sprintf("skipping duplicate %s chunk %d", seg.Type, seg.ChunkNumber),
			zap.Int("offset", off))
		return
	}
	s.log.Debug("found segment",
		zap.String("type", seg.Type),
		zap.String("marker", m.Name()),
		zap.Int("offset", seg.Offset),
		zap.Int("length", seg.Length),
		zap.Int("chunk", seg.ChunkNumber))
	s.res.Segments = append(s.res.Segments, seg)

	if !multi {
		delete(s.remaining, seg.Type)
		return
	}
	s.parts[seg.Type] = append(s.parts[seg.Type], seg)
	if mk.Complete(s.parts[seg.Type]) {
		delete(s.remaining, seg.Type)
	}
}

func (s *Scanner) hasChunk(seg segx.Segment) bool {
	for _, p := range s.parts[seg.Type] {
		if p.ChunkNumber == seg.ChunkNumber {
			return true
		}
	}
	return false
}

func (s *Scanner) warn(msg string, fields ...zap.Field) {
	s.log.Warn(msg, fields...)
	s.res.Warnings = append(s.res.Warnings, msg)
}
