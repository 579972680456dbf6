package sourcex

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go"
	"github.com/klauspost/compress/zstd"
	"github.com/sebnyberg/imgmeta/metaerr"
	"github.com/stretchr/testify/require"
)

func randBytes(n int) []byte {
	p := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(p)
	return p
}

// checkSource fetches a few ranges from src and compares them to want.
func checkSource(t *testing.T, src Source, want []byte) {
	ctx := context.Background()
	for _, x := range []struct {
		off int64
		n   int
	}{
		{0, 10},
		{1, 1},
		{7, 100},
		{int64(len(want)) - 5, 5},
		{int64(len(want)) - 5, 50},
	} {
		p, err := src.Fetch(ctx, x.off, x.n)
		end := x.off + int64(x.n)
		if end >= int64(len(want)) {
			require.True(t, errors.Is(err, io.EOF), "offset %d", x.off)
			end = int64(len(want))
		} else {
			require.NoError(t, err, "offset %d", x.off)
		}
		require.Equal(t, want[x.off:end], p, "offset %d", x.off)
	}
	_, err := src.Fetch(ctx, int64(len(want)), 1)
	require.True(t, errors.Is(err, io.EOF))
}

func TestBytes(t *testing.T) {
	want := randBytes(300)
	src := NewBytes(want)
	require.Equal(t, int64(300), src.Size())
	checkSource(t, src, want)
}

func TestBase64(t *testing.T) {
	for _, n := range []int{298, 299, 300} {
		want := randBytes(n)
		src, err := NewBase64("data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(want))
		require.NoError(t, err)
		require.Equal(t, int64(n), src.Size())
		checkSource(t, src, want)
	}
	_, err := NewBase64("abc")
	require.Error(t, err)
}

func TestFile(t *testing.T) {
	want := randBytes(1000)
	name := filepath.Join(t.TempDir(), "img.bin")
	require.NoError(t, os.WriteFile(name, want, 0644))
	src, err := OpenFile(name)
	require.NoError(t, err)
	defer src.Close()
	require.Equal(t, int64(1000), src.Size())
	checkSource(t, src, want)
}

func TestHTTP(t *testing.T) {
	want := randBytes(2000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "img.jpg", time.Time{}, bytes.NewReader(want))
	}))
	defer srv.Close()

	src := NewHTTP(srv.URL, srv.Client())
	require.Equal(t, int64(-1), src.Size())
	p, err := src.Fetch(context.Background(), 10, 20)
	require.NoError(t, err)
	require.Equal(t, want[10:30], p)
	require.Equal(t, int64(2000), src.Size())
	checkSource(t, src, want)
	require.NoError(t, src.Close())
}

func TestZstd(t *testing.T) {
	want := randBytes(5000)
	var archive bytes.Buffer
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	require.NoError(t, err)
	w, err := seekable.NewWriter(&archive, enc)
	require.NoError(t, err)
	for i := 0; i < len(want); i += 1024 {
		end := i + 1024
		if end > len(want) {
			end = len(want)
		}
		_, err = w.Write(want[i:end])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, enc.Close())

	src, err := NewZstd(bytes.NewReader(archive.Bytes()), nil)
	require.NoError(t, err)
	defer src.Close()
	require.Equal(t, int64(len(want)), src.Size())
	checkSource(t, src, want)
}

// unsized hides the size of a source until EOF, like a chunked network
// stream would.
type unsized struct {
	Source
	fetches int
}

func (u *unsized) Size() int64 { return -1 }

func (u *unsized) Fetch(ctx context.Context, off int64, n int) ([]byte, error) {
	u.fetches++
	return u.Source.Fetch(ctx, off, n)
}

func TestReaderInMemory(t *testing.T) {
	want := randBytes(100)
	r := NewReader(NewBytes(want), DefaultChunkOptions(), nil)
	require.False(t, r.Chunked())
	require.NoError(t, r.ReadFirstChunk(context.Background()))
	require.True(t, r.Buffer().Available(0, 100))
	require.False(t, r.CanReadNextChunk())
	err := r.Ensure(context.Background(), 90, 20)
	require.True(t, errors.Is(err, metaerr.ErrOffsetOutOfBounds))
}

func TestReaderChunks(t *testing.T) {
	ctx := context.Background()
	want := randBytes(1000)
	src := &unsized{Source: NewReaderAt(bytes.NewReader(want), 1000, nil)}
	r := NewReader(src, ChunkOptions{FirstChunkSize: 16, ChunkSize: 100, ChunkLimit: 3}, nil)
	require.True(t, r.Chunked())
	require.NoError(t, r.ReadFirstChunk(ctx))
	require.Equal(t, 16, r.Buffer().Len())
	require.Equal(t, int64(-1), r.Size())

	require.True(t, r.CanReadNextChunk())
	more, err := r.ReadNextChunk(ctx, r.NextChunkOffset())
	require.NoError(t, err)
	require.True(t, more)
	require.Equal(t, 116, r.Buffer().Len())

	// A targeted read far ahead leaves a gap.
	require.NoError(t, r.Ensure(ctx, 500, 10))
	require.False(t, r.Buffer().Available(116, 10))
	require.True(t, r.Buffer().Available(500, 10))

	// The chunk limit stops sequential growth.
	require.False(t, r.CanReadNextChunk())
	require.Equal(t, Stats{Chunks: 3, Bytes: 126}, r.Stats())

	// Ensure only fetches the missing tail of a partially populated range.
	require.NoError(t, r.Ensure(ctx, 505, 15))
	require.Equal(t, int64(10), r.Stats().Bytes-126)

	// Reading past the end reveals the size.
	err = r.Ensure(ctx, 990, 20)
	require.True(t, errors.Is(err, metaerr.ErrOffsetOutOfBounds))
	require.Equal(t, int64(1000), r.Size())

	require.NoError(t, r.ReadRemaining(ctx))
	p, err := r.Buffer().Slice(0, 1000)
	require.NoError(t, err)
	require.Equal(t, want, p)
}

func TestReaderKnownSizeBounds(t *testing.T) {
	want := randBytes(64)
	src := NewReaderAt(bytes.NewReader(want), 64, nil)
	r := NewReader(src, ChunkOptions{FirstChunkSize: 8}, nil)
	require.NoError(t, r.ReadFirstChunk(context.Background()))
	err := r.Ensure(context.Background(), 60, 8)
	require.True(t, errors.Is(err, metaerr.ErrOffsetOutOfBounds))
	require.Equal(t, int64(1), r.Stats().Chunks)
}

func TestReaderEnsureHugeLength(t *testing.T) {
	ctx := context.Background()
	src := &unsized{Source: NewReaderAt(bytes.NewReader(randBytes(64)), 64, nil)}
	r := NewReader(src, ChunkOptions{FirstChunkSize: 8, ChunkSize: 8}, nil)
	require.NoError(t, r.ReadFirstChunk(ctx))
	err := r.Ensure(ctx, 1, math.MaxInt)
	require.True(t, errors.Is(err, metaerr.ErrOffsetOutOfBounds))
	err = r.Ensure(ctx, -1, 4)
	require.True(t, errors.Is(err, metaerr.ErrOffsetOutOfBounds))
	require.Equal(t, Stats{Chunks: 1, Bytes: 8}, r.Stats())
}

func TestReadRemainingMaxBytes(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name string
		src  Source
	}{
		{"sized", NewReaderAt(bytes.NewReader(randBytes(1000)), 1000, nil)},
		{"unsized", &unsized{Source: NewReaderAt(bytes.NewReader(randBytes(1000)), 1000, nil)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReader(tc.src, ChunkOptions{FirstChunkSize: 16, ChunkSize: 100, MaxBytes: 300}, nil)
			require.NoError(t, r.ReadFirstChunk(ctx))
			require.NoError(t, r.Ensure(ctx, 500, 10))
			require.NoError(t, r.ReadRemaining(ctx))
			require.Equal(t, int64(300), r.Stats().Bytes)
			require.False(t, r.CanReadNextChunk())
			require.False(t, r.Buffer().Available(0, 1000))
		})
	}
}
