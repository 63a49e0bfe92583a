package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cesargomez89/capsulecache/internal/httpclient"
)

// HTTPSource reads objects over HTTP(S) using ranged GETs.
type HTTPSource struct {
	client *httpclient.Client
}

func NewHTTPSource(client *httpclient.Client) *HTTPSource {
	if client == nil {
		client = httpclient.NewClient(nil, 0)
	}
	return &HTTPSource{client: client}
}

// Stat issues a HEAD request. Servers that reject HEAD are probed with a
// one-byte ranged GET instead.
func (s *HTTPSource) Stat(ctx context.Context, rawURL string) (*Info, error) {
	req, err := http.NewRequest(http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		return s.statByRange(ctx, rawURL)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	case resp.StatusCode >= 300:
		return nil, &httpclient.StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	if resp.ContentLength < 0 {
		return nil, fmt.Errorf("server did not report a content length for %s", rawURL)
	}
	return infoFromHeader(resp.Header, resp.ContentLength), nil
}

func (s *HTTPSource) statByRange(ctx context.Context, rawURL string) (*Info, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build probe request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		size, ok := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if !ok {
			return nil, fmt.Errorf("unparseable Content-Range %q", resp.Header.Get("Content-Range"))
		}
		return infoFromHeader(resp.Header, size), nil
	case http.StatusOK:
		if resp.ContentLength < 0 {
			return nil, fmt.Errorf("server did not report a content length for %s", rawURL)
		}
		return infoFromHeader(resp.Header, resp.ContentLength), nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	default:
		return nil, &httpclient.StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
}

// OpenRange requests bytes=offset-. A server that ignores the Range header
// and answers 200 has the leading offset bytes skipped locally.
func (s *HTTPSource) OpenRange(ctx context.Context, rawURL string, offset int64) (io.ReadCloser, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if start, ok := parseContentRangeStart(resp.Header.Get("Content-Range")); ok && start != offset {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("server returned range starting at %d, want %d", start, offset)
		}
		return resp.Body, nil
	case http.StatusOK:
		if offset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				_ = resp.Body.Close()
				return nil, fmt.Errorf("failed to skip %d already downloaded bytes: %w", offset, err)
			}
		}
		return resp.Body, nil
	}

	_ = resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, fmt.Errorf("%w: offset %d", ErrRangeNotSatisfied, offset)
	default:
		return nil, &httpclient.StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
}

func infoFromHeader(h http.Header, size int64) *Info {
	info := &Info{
		Size: size,
		ETag: strings.Trim(h.Get("ETag"), `"`),
	}
	if lm := h.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t.UTC()
		}
	}
	return info
}

// parseContentRangeTotal reads the total from "bytes 0-0/12345".
func parseContentRangeTotal(v string) (int64, bool) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || v[i+1:] == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(v[i+1:], 10, 64)
	return n, err == nil
}

// parseContentRangeStart reads the first byte from "bytes 100-199/200".
func parseContentRangeStart(v string) (int64, bool) {
	v = strings.TrimPrefix(v, "bytes ")
	i := strings.IndexByte(v, '-')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(v[:i], 10, 64)
	return n, err == nil
}

var _ Source = (*HTTPSource)(nil)
