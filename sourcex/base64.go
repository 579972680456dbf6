package sourcex

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Base64 is a Source over base64 encoded data. Only the quads covering a
// requested range are decoded.
type Base64 struct {
	s    string
	size int64
}

// NewBase64 returns a Source over s, which may be a data URI.
func NewBase64(s string) (*Base64, error) {
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 {
			return nil, errors.New("data uri without payload")
		}
		s = s[i+1:]
	}
	if len(s)%4 != 0 {
		return nil, fmt.Errorf("base64 length %d is not a multiple of 4", len(s))
	}
	size := int64(len(s) / 4 * 3)
	if strings.HasSuffix(s, "==") {
		size -= 2
	} else if strings.HasSuffix(s, "=") {
		size--
	}
	return &Base64{s: s, size: size}, nil
}

func (b *Base64) Fetch(_ context.Context, off int64, n int) ([]byte, error) {
	if off < 0 {
		return nil, fmt.Errorf("fetch at negative offset %d", off)
	}
	if off >= b.size {
		return nil, io.EOF
	}
	end := off + int64(n)
	var eof error
	if end >= b.size {
		end, eof = b.size, io.EOF
	}
	first := off / 3
	last := (end + 2) / 3
	dec, err := base64.StdEncoding.DecodeString(b.s[first*4 : last*4])
	if err != nil {
		return nil, fmt.Errorf("decode base64 at %d err, %w", off, err)
	}
	return dec[off-first*3 : end-first*3], eof
}

func (b *Base64) Size() int64 { return b.size }

func (b *Base64) Close() error { return nil }
