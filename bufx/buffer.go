// Package bufx implements a growable byte buffer that tracks which of its
// ranges have actually been populated.
//
// Bytes are written at arbitrary offsets as they arrive from a source. Writes
// that touch or overlap existing ranges are coalesced; a write far away from
// everything else opens a new disjoint range. The gap between two ranges holds
// whatever the backing array happened to contain and can never be read: every
// accessor fails with metaerr.ErrOffsetOutOfBounds outside populated ranges.
package bufx

import (
	"context"
	"encoding/binary"

	"github.com/google/btree"
	"github.com/sebnyberg/imgmeta/metaerr"
)

// Range is a populated half-open interval [Offset, End).
type Range struct {
	Offset int
	End    int
}

// Len returns the number of bytes in the range.
func (r Range) Len() int {
	return r.End - r.Offset
}

func rangeLess(a, b Range) bool {
	return a.Offset < b.Offset
}

// Buffer is a sparse, growable byte buffer. A Buffer is not safe for
// concurrent mutation; concurrent reads are fine once writes have stopped.
type Buffer struct {
	data   []byte
	ranges *btree.BTreeG[Range]
	length int    // high-water mark
	gen    uint64 // bumped on every reallocation
}

// New returns an empty buffer with the provided initial capacity.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{
		data:   make([]byte, capacity),
		ranges: btree.NewG(8, rangeLess),
	}
}

// From wraps p without copying. All of p is considered populated.
func From(p []byte) *Buffer {
	b := &Buffer{
		data:   p,
		ranges: btree.NewG(8, rangeLess),
	}
	if len(p) > 0 {
		b.mark(0, len(p))
	}
	return b
}

// Len returns the high-water mark, i.e. the largest End of any range. Bytes
// below Len are not necessarily populated.
func (b *Buffer) Len() int {
	return b.length
}

// Cap returns the size of the backing array.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Generation changes every time the backing array is reallocated.
func (b *Buffer) Generation() uint64 {
	return b.gen
}

// Append writes p at the current high-water mark, growing as needed.
func (b *Buffer) Append(p []byte) {
	// Cannot fail: the offset is non-negative and extend is set.
	_ = b.Write(p, b.length, true)
}

// Write copies p to off. If the write does not fit the backing array, it
// either grows the buffer (extend) or fails.
func (b *Buffer) Write(p []byte, off int, extend bool) error {
	if off < 0 {
		return metaerr.Errorf(metaerr.ErrOffsetOutOfBounds, "write at negative offset %d", off)
	}
	end := off + len(p)
	if end > len(b.data) {
		if !extend {
			return metaerr.Errorf(metaerr.ErrOffsetOutOfBounds,
				"write of %d bytes at %d exceeds capacity %d", len(p), off, len(b.data))
		}
		b.grow(end)
	}
	if len(p) == 0 {
		return nil
	}
	copy(b.data[off:end], p)
	b.mark(off, end)
	return nil
}

func (b *Buffer) grow(min int) {
	n := 2 * len(b.data)
	if n < min {
		n = min
	}
	data := make([]byte, n)
	copy(data, b.data[:b.length])
	b.data = data
	b.gen++
}

// mark records [off, end) as populated, absorbing every range that touches or
// overlaps it.
func (b *Buffer) mark(off, end int) {
	merged := Range{Offset: off, End: end}
	var absorbed []Range
	b.ranges.DescendLessOrEqual(Range{Offset: end}, func(r Range) bool {
		if r.End < off {
			return false
		}
		absorbed = append(absorbed, r)
		return true
	})
	for _, r := range absorbed {
		if r.Offset < merged.Offset {
			merged.Offset = r.Offset
		}
		if r.End > merged.End {
			merged.End = r.End
		}
		b.ranges.Delete(r)
	}
	b.ranges.ReplaceOrInsert(merged)
	if end > b.length {
		b.length = end
	}
}

// Ranges returns the populated ranges in ascending order.
func (b *Buffer) Ranges() []Range {
	res := make([]Range, 0, b.ranges.Len())
	b.ranges.Ascend(func(r Range) bool {
		res = append(res, r)
		return true
	})
	return res
}

func (b *Buffer) containing(off int) (Range, bool) {
	var found Range
	var ok bool
	b.ranges.DescendLessOrEqual(Range{Offset: off}, func(r Range) bool {
		found, ok = r, r.End > off
		return false
	})
	return found, ok
}

// Available reports whether every byte of [off, off+n) is populated. Empty
// ranges are always available.
func (b *Buffer) Available(off, n int) bool {
	if off < 0 || n < 0 {
		return false
	}
	if n == 0 {
		return true
	}
	r, ok := b.containing(off)
	// n is compared against the remaining length so off+n cannot overflow.
	return ok && n <= r.End-off
}

// ContiguousEnd returns the end of the populated range containing off, or off
// itself when off is not populated.
func (b *Buffer) ContiguousEnd(off int) int {
	if r, ok := b.containing(off); ok {
		return r.End
	}
	return off
}

// Slice returns the bytes in [off, off+n) without copying. The result aliases
// the current backing array and must not be retained across writes; use View
// for that.
func (b *Buffer) Slice(off, n int) ([]byte, error) {
	if !b.Available(off, n) {
		return nil, metaerr.Errorf(metaerr.ErrOffsetOutOfBounds,
			"%d bytes at %d are not populated", n, off)
	}
	return b.data[off : off+n : off+n], nil
}

// Uint8 reads the byte at off.
func (b *Buffer) Uint8(off int) (uint8, error) {
	p, err := b.Slice(off, 1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// Uint16 reads a 16-bit integer at off.
func (b *Buffer) Uint16(off int, order binary.ByteOrder) (uint16, error) {
	p, err := b.Slice(off, 2)
	if err != nil {
		return 0, err
	}
	return order.Uint16(p), nil
}

// Uint32 reads a 32-bit integer at off.
func (b *Buffer) Uint32(off int, order binary.ByteOrder) (uint32, error) {
	p, err := b.Slice(off, 4)
	if err != nil {
		return 0, err
	}
	return order.Uint32(p), nil
}

// Uint64 reads a 64-bit integer at off.
func (b *Buffer) Uint64(off int, order binary.ByteOrder) (uint64, error) {
	p, err := b.Slice(off, 8)
	if err != nil {
		return 0, err
	}
	return order.Uint64(p), nil
}

// String reads n bytes at off as a string.
func (b *Buffer) String(off, n int) (string, error) {
	p, err := b.Slice(off, n)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// HasPrefix reports whether the populated bytes at off start with prefix.
// Unpopulated bytes never match.
func (b *Buffer) HasPrefix(off int, prefix string) bool {
	p, err := b.Slice(off, len(prefix))
	return err == nil && string(p) == prefix
}

// View is a borrowed range of a Buffer. It stores an offset rather than a
// slice so that it stays valid when the buffer grows.
type View struct {
	b      *Buffer
	gen    uint64
	Offset int
	Length int
}

// View returns a borrowed view of [off, off+n).
func (b *Buffer) View(off, n int) View {
	return View{b: b, gen: b.gen, Offset: off, Length: n}
}

// Bytes resolves the view against the current backing array.
func (v View) Bytes() ([]byte, error) {
	return v.b.Slice(v.Offset, v.Length)
}

// Stale reports whether the buffer was reallocated since the view was taken.
// Stale views still resolve correctly through Bytes; raw slices obtained
// before the reallocation no longer observe new writes.
func (v View) Stale() bool {
	return v.gen != v.b.gen
}

// Feeder is a Buffer together with a way to populate missing ranges on demand.
type Feeder interface {
	Buffer() *Buffer
	Ensure(ctx context.Context, off, n int) error
}

// Static returns a Feeder that never fetches. Ensure fails for anything not
// already populated.
func Static(b *Buffer) Feeder {
	return static{b}
}

type static struct {
	b *Buffer
}

func (s static) Buffer() *Buffer { return s.b }

func (s static) Ensure(_ context.Context, off, n int) error {
	if s.b.Available(off, n) {
		return nil
	}
	return metaerr.Errorf(metaerr.ErrOffsetOutOfBounds,
		"%d bytes at %d are not populated", n, off)
}
