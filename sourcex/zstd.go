package sourcex

import (
	"fmt"
	"io"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go"
	"github.com/klauspost/compress/zstd"
)

type zstdCloser struct {
	r      seekable.Reader
	dec    *zstd.Decoder
	closer io.Closer
}

func (c *zstdCloser) Close() error {
	err := c.r.Close()
	c.dec.Close()
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// NewZstd returns a Source over a seekable zstd archive. Only the frames
// covering a requested range are decompressed. closer may be nil.
func NewZstd(rs io.ReadSeeker, closer io.Closer) (Source, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("new zstd decoder err, %w", err)
	}
	r, err := seekable.NewReader(rs, dec)
	if err != nil {
		dec.Close()
		return nil, fmt.Errorf("open seekable zstd err, %w", err)
	}
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		r.Close()
		dec.Close()
		return nil, fmt.Errorf("seek seekable zstd err, %w", err)
	}
	return NewReaderAt(r, size, &zstdCloser{r: r, dec: dec, closer: closer}), nil
}

// OpenZstd opens a seekable zstd archive from disk.
func OpenZstd(name string) (Source, error) {
	f, err := OpenFile(name)
	if err != nil {
		return nil, err
	}
	ra := f.(*readerAt)
	src, err := NewZstd(io.NewSectionReader(ra.r, 0, ra.size), ra.closer)
	if err != nil {
		f.Close()
		return nil, err
	}
	return src, nil
}
