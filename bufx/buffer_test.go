package bufx

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/sebnyberg/imgmeta/metaerr"
	"github.com/stretchr/testify/require"
)

func TestWriteGap(t *testing.T) {
	b := From([]byte{1, 2, 3, 4, 5})
	require.NoError(t, b.Write([]byte{6, 7, 8, 9, 10}, 10, true))
	require.Equal(t, []Range{{0, 5}, {10, 15}}, b.Ranges())
	require.Equal(t, 15, b.Len())

	require.True(t, b.Available(0, 5))
	require.True(t, b.Available(10, 5))
	require.False(t, b.Available(4, 2))
	require.False(t, b.Available(5, 1))
	require.False(t, b.Available(9, 2))

	_, err := b.Uint8(7)
	require.True(t, errors.Is(err, metaerr.ErrOffsetOutOfBounds))
	_, err = b.Uint16(4, binary.BigEndian)
	require.True(t, errors.Is(err, metaerr.ErrOffsetOutOfBounds))

	v, err := b.Uint16(10, binary.BigEndian)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0607), v)
}

func TestHugeLengths(t *testing.T) {
	b := From([]byte{1, 2, 3, 4})
	require.False(t, b.Available(1, math.MaxInt))
	require.False(t, b.Available(math.MaxInt, 1))
	_, err := b.Slice(1, math.MaxInt)
	require.True(t, errors.Is(err, metaerr.ErrOffsetOutOfBounds))
	_, err = b.String(3, math.MaxInt-1)
	require.True(t, errors.Is(err, metaerr.ErrOffsetOutOfBounds))
	_, err = b.View(2, math.MaxInt).Bytes()
	require.True(t, errors.Is(err, metaerr.ErrOffsetOutOfBounds))
}

func TestWriteCoalesce(t *testing.T) {
	b := New(0)
	require.NoError(t, b.Write([]byte{1, 2}, 4, true))
	require.NoError(t, b.Write([]byte{1, 2}, 8, true))
	require.NoError(t, b.Write([]byte{1, 2}, 0, true))
	require.Equal(t, []Range{{0, 2}, {4, 6}, {8, 10}}, b.Ranges())

	// Touching on both sides.
	require.NoError(t, b.Write([]byte{1, 2}, 6, true))
	require.Equal(t, []Range{{0, 2}, {4, 10}}, b.Ranges())

	// Overlapping several ranges at once.
	require.NoError(t, b.Write(make([]byte, 8), 1, true))
	require.Equal(t, []Range{{0, 10}}, b.Ranges())
}

func TestWriteNoExtend(t *testing.T) {
	b := New(4)
	require.NoError(t, b.Write([]byte{1, 2, 3, 4}, 0, false))
	err := b.Write([]byte{5}, 4, false)
	require.True(t, errors.Is(err, metaerr.ErrOffsetOutOfBounds))
	require.Equal(t, 4, b.Cap())
	require.Equal(t, []Range{{0, 4}}, b.Ranges())
}

func TestAppend(t *testing.T) {
	b := New(2)
	b.Append([]byte("ab"))
	b.Append([]byte("cd"))
	s, err := b.String(0, 4)
	require.NoError(t, err)
	require.Equal(t, "abcd", s)
	require.True(t, b.HasPrefix(1, "bc"))
	require.False(t, b.HasPrefix(3, "de"))
	require.Equal(t, 4, b.ContiguousEnd(1))
	require.Equal(t, 9, b.ContiguousEnd(9))
}

func TestViewSurvivesGrowth(t *testing.T) {
	b := New(4)
	b.Append([]byte{1, 2, 3, 4})
	v := b.View(1, 2)
	gen := b.Generation()
	require.NoError(t, b.Write([]byte{9}, 100, true))
	require.NotEqual(t, gen, b.Generation())
	require.True(t, v.Stale())
	p, err := v.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{2, 3}, p)
}

func TestStaticFeeder(t *testing.T) {
	f := Static(From([]byte{1, 2, 3}))
	require.NoError(t, f.Ensure(context.Background(), 0, 3))
	err := f.Ensure(context.Background(), 2, 2)
	require.True(t, errors.Is(err, metaerr.ErrOffsetOutOfBounds))
}

// TestRangesModel compares range bookkeeping against a per-byte bitmap.
func TestRangesModel(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for round := 0; round < 200; round++ {
		const size = 256
		var model [size]bool
		b := New(rnd.Intn(16))
		prevLen := 0
		for i := 0; i < 12; i++ {
			off := rnd.Intn(size - 32)
			n := rnd.Intn(32)
			p := make([]byte, n)
			rnd.Read(p)
			require.NoError(t, b.Write(p, off, true))
			for j := off; j < off+n; j++ {
				model[j] = true
			}
			require.GreaterOrEqual(t, b.Len(), prevLen)
			prevLen = b.Len()

			// Ranges are sorted, non-touching and match the model exactly.
			ranges := b.Ranges()
			for k := 1; k < len(ranges); k++ {
				require.Less(t, ranges[k-1].End, ranges[k].Offset)
			}
			var covered [size]bool
			for _, r := range ranges {
				require.Less(t, r.Offset, r.End)
				for j := r.Offset; j < r.End; j++ {
					covered[j] = true
				}
			}
			require.Equal(t, model, covered)

			for q := 0; q < 20; q++ {
				o := rnd.Intn(size - 16)
				l := 1 + rnd.Intn(15)
				want := true
				for j := o; j < o+l; j++ {
					want = want && model[j]
				}
				require.Equal(t, want, b.Available(o, l), "offset %d length %d", o, l)
			}
		}
	}
}
