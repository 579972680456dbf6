// Package segx describes container segments and dispatches them to decoder
// plugins.
//
// A Kind knows how to recognise one segment type, where its payload starts and
// how to decode it. The Registry keeps kinds in registration order; that order
// is significant, since Classify returns the first kind whose CanHandle
// predicate accepts a segment.
package segx

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sebnyberg/imgmeta/bufx"
	"github.com/sebnyberg/imgmeta/metaerr"
	"go.uber.org/zap"
)

// Segment locates one segment inside the buffer. Offset is where the
// structural marker or box starts; Start and Size bound the payload handed to
// the decoder. End is Offset+Length.
type Segment struct {
	Type         string
	Marker       byte // JPEG marker byte, zero for other containers
	Offset       int
	Length       int
	HeaderLength int
	Start        int
	Size         int
	End          int

	MultiSegment bool
	ChunkNumber  int
	ChunkCount   int
}

// Kind is one segment type.
type Kind interface {
	Type() string
	// CanHandle reports whether the segment at off with total length (marker
	// included) is of this kind. It must return false rather than fail when
	// header bytes are not populated yet.
	CanHandle(b *bufx.Buffer, off, length int) bool
	// HeaderLength is the distance from off to the payload.
	HeaderLength(b *bufx.Buffer, off, length int) int
	Parse(ctx context.Context, p []byte) (interface{}, error)
}

// MultiSegmentKind is a Kind whose payload may be split across segments.
type MultiSegmentKind interface {
	Kind
	// ChunkInfo fills in ChunkNumber and ChunkCount.
	ChunkInfo(b *bufx.Buffer, seg *Segment) error
	// Complete reports whether parts hold the whole payload.
	Complete(parts []Segment) bool
	// MergeChunks joins payloads already sorted by chunk number.
	MergeChunks(parts [][]byte) []byte
}

// ParseFunc replaces the Parse method of a registered kind.
type ParseFunc func(ctx context.Context, p []byte) (interface{}, error)

// Position computes the descriptor for a segment of kind k at off.
func Position(k Kind, b *bufx.Buffer, off, length int) (Segment, error) {
	h := k.HeaderLength(b, off, length)
	if h > length {
		return Segment{}, metaerr.Errorf(metaerr.ErrTruncatedSegment,
			"%s segment at %d: header of %d bytes exceeds length %d", k.Type(), off, h, length)
	}
	seg := Segment{
		Type:         k.Type(),
		Offset:       off,
		Length:       length,
		HeaderLength: h,
		Start:        off + h,
		Size:         length - h,
		End:          off + length,
	}
	if mk, ok := k.(MultiSegmentKind); ok {
		seg.MultiSegment = true
		if err := mk.ChunkInfo(b, &seg); err != nil {
			return Segment{}, fmt.Errorf("%s segment at %d: %w", k.Type(), off, err)
		}
	}
	return seg, nil
}

// Concat joins parts into one freshly allocated slice.
func Concat(parts [][]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	res := make([]byte, 0, n)
	for _, p := range parts {
		res = append(res, p...)
	}
	return res
}

// SortChunks returns a copy of parts ordered by chunk number. File order is
// not assumed to match chunk order.
func SortChunks(parts []Segment) []Segment {
	sorted := append([]Segment(nil), parts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ChunkNumber < sorted[j].ChunkNumber
	})
	return sorted
}

// Reassemble sorts parts by chunk number and merges their payloads. A nil
// merge concatenates.
func Reassemble(b *bufx.Buffer, parts []Segment, merge func([][]byte) []byte) ([]byte, error) {
	if merge == nil {
		merge = Concat
	}
	sorted := SortChunks(parts)
	payloads := make([][]byte, len(sorted))
	for i, seg := range sorted {
		p, err := b.Slice(seg.Start, seg.Size)
		if err != nil {
			return nil, fmt.Errorf("%s chunk %d: %w", seg.Type, seg.ChunkNumber, err)
		}
		payloads[i] = p
	}
	return merge(payloads), nil
}

// Registry holds the kinds of one parse session.
type Registry struct {
	kinds   []Kind
	parsers map[string]ParseFunc
	log     *zap.Logger
}

// NewRegistry returns a registry with kinds in classification order.
func NewRegistry(log *zap.Logger, kinds ...Kind) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		kinds:   kinds,
		parsers: make(map[string]ParseFunc),
		log:     log,
	}
}

// Register appends k. It is tried after every kind registered before it.
func (r *Registry) Register(k Kind) {
	r.kinds = append(r.kinds, k)
}

// Override replaces the parse function used for typ.
func (r *Registry) Override(typ string, fn ParseFunc) {
	r.parsers[typ] = fn
}

// Kinds returns the registered kinds in order.
func (r *Registry) Kinds() []Kind {
	return r.kinds
}

// Lookup returns the kind registered for typ.
func (r *Registry) Lookup(typ string) (Kind, bool) {
	for _, k := range r.kinds {
		if k.Type() == typ {
			return k, true
		}
	}
	return nil, false
}

// Classify returns the first kind that accepts the segment at off.
func (r *Registry) Classify(b *bufx.Buffer, off, length int) (Kind, bool) {
	for _, k := range r.kinds {
		if k.CanHandle(b, off, length) {
			return k, true
		}
	}
	return nil, false
}

// DecodeOptions selects what Decode does.
type DecodeOptions struct {
	// Enabled filters segment types. Nil enables everything.
	Enabled func(typ string) bool
	// MultiSegment reassembles chunked payloads. When false only the lowest
	// numbered chunk is decoded and a warning is reported.
	MultiSegment bool
}

// Result is the outcome of decoding one segment type. Value may be set even
// when Err is, for decoders that return partial results.
type Result struct {
	Type     string
	Value    interface{}
	Err      error
	Warnings []string
}

// Decode groups segs by type and decodes each enabled type. Types are decoded
// concurrently; they only read from b. Results follow the order in which
// types first appear in segs.
func (r *Registry) Decode(ctx context.Context, b *bufx.Buffer, segs []Segment, opts DecodeOptions) []Result {
	var order []string
	groups := make(map[string][]Segment)
	for _, seg := range segs {
		if opts.Enabled != nil && !opts.Enabled(seg.Type) {
			continue
		}
		if _, ok := groups[seg.Type]; !ok {
			order = append(order, seg.Type)
		}
		groups[seg.Type] = append(groups[seg.Type], seg)
	}

	results := make([]Result, len(order))
	var wg sync.WaitGroup
	for i, typ := range order {
		results[i].Type = typ
		k, ok := r.Lookup(typ)
		if !ok {
			results[i].Err = metaerr.Errorf(metaerr.ErrUnsupportedType, "no decoder registered for %q", typ)
			continue
		}
		p, warnings, err := r.payload(b, k, groups[typ], opts.MultiSegment)
		results[i].Warnings = warnings
		if err != nil {
			results[i].Err = err
			continue
		}
		for _, w := range warnings {
			r.log.Warn(w, zap.String("type", typ))
		}
		parse := k.Parse
		if fn, ok := r.parsers[typ]; ok {
			parse = fn
		}
		wg.Add(1)
		go func(res *Result, parse ParseFunc, p []byte) {
			defer wg.Done()
			// Partial values are kept alongside the error.
			v, err := parse(ctx, p)
			res.Value = v
			if err != nil {
				res.Err = fmt.Errorf("decode %s: %w", res.Type, err)
			}
		}(&results[i], parse, p)
	}
	wg.Wait()
	return results
}

func (r *Registry) payload(b *bufx.Buffer, k Kind, segs []Segment, multi bool) ([]byte, []string, error) {
	mk, isMulti := k.(MultiSegmentKind)
	if !isMulti {
		var warnings []string
		if len(segs) > 1 {
			warnings = append(warnings, fmt.Sprintf(
				"found %d %s segments, decoding the first", len(segs), k.Type()))
		}
		p, err := b.Slice(segs[0].Start, segs[0].Size)
		return p, warnings, err
	}

	sorted := SortChunks(segs)
	if !multi {
		var warnings []string
		if len(sorted) > 1 || sorted[0].ChunkCount > 1 {
			warnings = append(warnings, fmt.Sprintf(
				"multi-segment %s not reassembled, decoding chunk %d only", k.Type(), sorted[0].ChunkNumber))
		}
		p, err := b.Slice(sorted[0].Start, sorted[0].Size)
		return p, warnings, err
	}
	var warnings []string
	if !mk.Complete(sorted) {
		warnings = append(warnings, fmt.Sprintf(
			"multi-segment %s is incomplete, found %d chunks", k.Type(), len(sorted)))
	}
	p, err := Reassemble(b, sorted, mk.MergeChunks)
	return p, warnings, err
}
