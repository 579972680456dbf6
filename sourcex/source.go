// Package sourcex provides random-access byte sources and the chunked Reader
// that feeds a bufx.Buffer from them on demand.
package sourcex

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
)

// Source supplies bytes for a range on demand.
//
// Fetch returns up to n bytes at off. At the end of the data it returns the
// bytes that exist together with io.EOF. Size returns -1 while the total size
// is unknown. Close releases the underlying resource.
type Source interface {
	Fetch(ctx context.Context, off int64, n int) ([]byte, error)
	Size() int64
	Close() error
}

// Bytes is a Source over an in-memory slice.
type Bytes struct {
	p []byte
}

// NewBytes returns a Source over p. The slice is not copied.
func NewBytes(p []byte) *Bytes {
	return &Bytes{p: p}
}

func (b *Bytes) Fetch(_ context.Context, off int64, n int) ([]byte, error) {
	if off < 0 {
		return nil, fmt.Errorf("fetch at negative offset %d", off)
	}
	if off >= int64(len(b.p)) {
		return nil, io.EOF
	}
	end := off + int64(n)
	if end >= int64(len(b.p)) {
		return b.p[off:], io.EOF
	}
	return b.p[off:end], nil
}

func (b *Bytes) Size() int64 { return int64(len(b.p)) }

func (b *Bytes) Close() error { return nil }

// readerAt adapts an io.ReaderAt of known size.
type readerAt struct {
	r      io.ReaderAt
	size   int64
	closer io.Closer
}

// NewReaderAt returns a Source reading from r. closer may be nil.
func NewReaderAt(r io.ReaderAt, size int64, closer io.Closer) Source {
	return &readerAt{r: r, size: size, closer: closer}
}

func (s *readerAt) Fetch(ctx context.Context, off int64, n int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if off >= s.size {
		return nil, io.EOF
	}
	if rem := s.size - off; int64(n) > rem {
		n = int(rem)
	}
	p := make([]byte, n)
	k, err := s.r.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if off+int64(k) >= s.size {
		return p[:k], io.EOF
	}
	return p[:k], nil
}

func (s *readerAt) Size() int64 { return s.size }

func (s *readerAt) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// OpenFile opens the file at name as a Source.
func OpenFile(name string) (Source, error) {
	name = path.Clean(name)
	f, err := os.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open file %q err, %w", name, err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file %q err, %w", name, err)
	}
	return NewReaderAt(f, stat.Size(), f), nil
}
