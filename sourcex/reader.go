package sourcex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/sebnyberg/imgmeta/bufx"
	"github.com/sebnyberg/imgmeta/metaerr"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ChunkOptions controls how a Reader grows its buffer.
type ChunkOptions struct {
	// FirstChunkSize is the size of the initial read used to sniff the format.
	FirstChunkSize int
	// ChunkSize is the size of every subsequent sequential read.
	ChunkSize int
	// ChunkLimit bounds the number of reads issued through CanReadNextChunk.
	// It guards scans of corrupt files that lack a terminal marker.
	ChunkLimit int
	// MaxBytes bounds the total number of fetched bytes for sequential
	// growth and ReadRemaining. Zero means unlimited.
	MaxBytes int64
}

// DefaultChunkOptions returns the defaults used for file and network sources.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		FirstChunkSize: 512,
		ChunkSize:      64 * 1024,
		ChunkLimit:     5,
	}
}

// Stats counts the reads a Reader has issued.
type Stats struct {
	Chunks int64
	Bytes  int64
}

// Reader owns a Buffer and populates it from a Source.
//
// In-memory sources are wrapped without copying and never fetch again. All
// other sources are read in chunks: a small first chunk, then either
// sequential growth or targeted reads at offsets discovered while scanning.
type Reader struct {
	src     Source
	buf     *bufx.Buffer
	opts    ChunkOptions
	log     *zap.Logger
	chunked bool
	size    int64 // learned at EOF when the source does not know its size

	chunks  *atomic.Int64
	fetched *atomic.Int64
}

// NewReader returns a Reader over src. A nil logger disables logging.
func NewReader(src Source, opts ChunkOptions, log *zap.Logger) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultChunkOptions()
	if opts.FirstChunkSize <= 0 {
		opts.FirstChunkSize = def.FirstChunkSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.ChunkLimit <= 0 {
		opts.ChunkLimit = def.ChunkLimit
	}
	r := &Reader{
		src:     src,
		opts:    opts,
		log:     log,
		size:    -1,
		chunks:  atomic.NewInt64(0),
		fetched: atomic.NewInt64(0),
	}
	if b, ok := src.(*Bytes); ok {
		r.buf = bufx.From(b.p)
		r.size = int64(len(b.p))
		return r
	}
	r.buf = bufx.New(opts.FirstChunkSize)
	r.chunked = true
	return r
}

// Buffer returns the buffer populated by the reader.
func (r *Reader) Buffer() *bufx.Buffer {
	return r.buf
}

// Chunked reports whether the reader fetches on demand.
func (r *Reader) Chunked() bool {
	return r.chunked
}

// Size returns the total size of the source, or -1 if still unknown.
func (r *Reader) Size() int64 {
	if s := r.src.Size(); s >= 0 {
		return s
	}
	return r.size
}

// Stats returns the number of fetches and fetched bytes so far.
func (r *Reader) Stats() Stats {
	return Stats{Chunks: r.chunks.Load(), Bytes: r.fetched.Load()}
}

// Close releases the source.
func (r *Reader) Close() error {
	return r.src.Close()
}

// ReadFirstChunk fetches the sniffing window at the start of the source.
func (r *Reader) ReadFirstChunk(ctx context.Context) error {
	if !r.chunked {
		return nil
	}
	_, err := r.ReadChunk(ctx, 0, r.opts.FirstChunkSize)
	return err
}

// NextChunkOffset is where sequential growth continues.
func (r *Reader) NextChunkOffset() int {
	return r.buf.Len()
}

func (r *Reader) complete() bool {
	size := r.Size()
	return size >= 0 && int64(r.buf.Len()) >= size
}

// CanReadNextChunk reports whether sequential growth is still possible within
// the chunk and byte budgets.
func (r *Reader) CanReadNextChunk() bool {
	if !r.chunked || r.complete() {
		return false
	}
	if r.opts.MaxBytes > 0 && r.fetched.Load() >= r.opts.MaxBytes {
		return false
	}
	return r.chunks.Load() < int64(r.opts.ChunkLimit)
}

// ReadNextChunk reads one chunk at off, which is normally NextChunkOffset but
// may lie further ahead when the scanner skipped over a large segment. It
// returns false once the source has no more bytes at off.
func (r *Reader) ReadNextChunk(ctx context.Context, off int) (bool, error) {
	if !r.chunked {
		return false, nil
	}
	n, err := r.ReadChunk(ctx, off, r.opts.ChunkSize)
	if err != nil {
		return false, err
	}
	return n > 0 && !r.complete(), nil
}

// ReadChunk fetches n bytes at off into the buffer and returns how many bytes
// the source delivered.
func (r *Reader) ReadChunk(ctx context.Context, off, n int) (int, error) {
	if off < 0 || n < 0 {
		return 0, metaerr.Errorf(metaerr.ErrOffsetOutOfBounds, "read of %d bytes at %d", n, off)
	}
	if size := r.Size(); size >= 0 && int64(off) >= size {
		return 0, nil
	}
	p, err := r.src.Fetch(ctx, int64(off), n)
	eof := errors.Is(err, io.EOF)
	if err != nil && !eof {
		return 0, fmt.Errorf("fetch %d bytes at %d err, %w", n, off, err)
	}
	if eof && r.src.Size() < 0 {
		r.size = int64(off + len(p))
	}
	if err := r.buf.Write(p, off, true); err != nil {
		return 0, err
	}
	r.chunks.Inc()
	r.fetched.Add(int64(len(p)))
	r.log.Debug("fetched chunk",
		zap.Int("offset", off),
		zap.Int("requested", n),
		zap.Int("received", len(p)),
		zap.Bool("eof", eof))
	return len(p), nil
}

// Ensure makes [off, off+n) available, fetching only what is missing.
func (r *Reader) Ensure(ctx context.Context, off, n int) error {
	if off < 0 || n < 0 || n > math.MaxInt-off {
		return metaerr.Errorf(metaerr.ErrOffsetOutOfBounds, "range of %d bytes at %d", n, off)
	}
	if r.buf.Available(off, n) {
		return nil
	}
	if size := r.Size(); size >= 0 && int64(n) > size-int64(off) {
		return metaerr.Errorf(metaerr.ErrOffsetOutOfBounds,
			"range [%d,%d) exceeds size %d", off, off+n, size)
	}
	if !r.chunked {
		return metaerr.Errorf(metaerr.ErrOffsetOutOfBounds, "range [%d,%d) is not available", off, off+n)
	}
	start := r.buf.ContiguousEnd(off)
	if _, err := r.ReadChunk(ctx, start, off+n-start); err != nil {
		return err
	}
	if !r.buf.Available(off, n) {
		return metaerr.Errorf(metaerr.ErrOffsetOutOfBounds,
			"range [%d,%d) extends past the end of the source", off, off+n)
	}
	return nil
}

// ReadRemaining populates every byte of the source. It is the fallback for
// payloads that may be scattered anywhere in the file. Reads stop once
// MaxBytes have been fetched; the buffer is then left partially populated and
// CanReadNextChunk reports false.
func (r *Reader) ReadRemaining(ctx context.Context) error {
	if !r.chunked {
		return nil
	}
	r.log.Debug("reading remaining bytes", zap.Int64("size", r.Size()))
	cursor := 0
	for _, rg := range r.buf.Ranges() {
		if rg.Offset > cursor {
			n := r.budget(rg.Offset - cursor)
			if n == 0 {
				return nil
			}
			if _, err := r.ReadChunk(ctx, cursor, n); err != nil {
				return err
			}
		}
		cursor = rg.End
	}
	for !r.complete() {
		off := r.buf.Len()
		n := r.opts.ChunkSize
		if size := r.Size(); size >= 0 {
			n = int(size - int64(off))
		}
		if n = r.budget(n); n == 0 {
			return nil
		}
		got, err := r.ReadChunk(ctx, off, n)
		if err != nil {
			return err
		}
		if got == 0 {
			break
		}
	}
	return nil
}

// budget caps a read of n bytes to what MaxBytes still allows.
func (r *Reader) budget(n int) int {
	if r.opts.MaxBytes <= 0 {
		return n
	}
	left := r.opts.MaxBytes - r.fetched.Load()
	if left <= 0 {
		r.log.Warn("byte budget exhausted", zap.Int64("maxBytes", r.opts.MaxBytes))
		return 0
	}
	if int64(n) > left {
		return int(left)
	}
	return n
}
