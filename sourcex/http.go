package sourcex

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// HTTP is a Source issuing Range requests against a URL. The total size is
// unknown until the first response carrying Content-Range arrives.
type HTTP struct {
	client *http.Client
	url    string
	size   int64
}

// NewHTTP returns a Source for url. A nil client means http.DefaultClient.
func NewHTTP(url string, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client, url: url, size: -1}
}

func (h *HTTP) Fetch(ctx context.Context, off int64, n int) ([]byte, error) {
	if h.size >= 0 && off >= h.size {
		return nil, io.EOF
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(n)-1))
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("range request %q err, %w", h.url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			h.size = total
		}
		p, err := io.ReadAll(io.LimitReader(resp.Body, int64(n)))
		if err != nil {
			return nil, fmt.Errorf("read range body %q err, %w", h.url, err)
		}
		if len(p) < n || (h.size >= 0 && off+int64(len(p)) >= h.size) {
			return p, io.EOF
		}
		return p, nil
	case http.StatusOK:
		// The server ignored the range and sent everything.
		all, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body %q err, %w", h.url, err)
		}
		h.size = int64(len(all))
		return NewBytes(all).Fetch(ctx, off, n)
	case http.StatusRequestedRangeNotSatisfiable:
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			h.size = total
		}
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("range request %q: unexpected status %s", h.url, resp.Status)
	}
}

// parseContentRangeTotal extracts the total from "bytes a-b/total".
func parseContentRangeTotal(v string) (int64, bool) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || v[i+1:] == "*" {
		return 0, false
	}
	total, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

func (h *HTTP) Size() int64 { return h.size }

func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
