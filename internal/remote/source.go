// Package remote reads objects from the stores capsule assets live in.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound          = errors.New("remote object not found")
	ErrRangeNotSatisfied = errors.New("requested range not satisfiable")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)

// Info is the metadata returned by a probe.
type Info struct {
	LastModified time.Time
	ETag         string
	Size         int64
}

// Source streams remote objects by URL.
type Source interface {
	// Stat probes the object without reading its body.
	Stat(ctx context.Context, rawURL string) (*Info, error)
	// OpenRange returns the object's bytes starting at offset.
	OpenRange(ctx context.Context, rawURL string, offset int64) (io.ReadCloser, error)
}

// Mux dispatches to a Source by URL scheme.
type Mux struct {
	sources map[string]Source
	mu      sync.RWMutex
}

func NewMux() *Mux {
	return &Mux{sources: make(map[string]Source)}
}

// Handle registers src for each of the given schemes.
func (m *Mux) Handle(src Source, schemes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range schemes {
		m.sources[strings.ToLower(s)] = src
	}
}

func (m *Mux) Stat(ctx context.Context, rawURL string) (*Info, error) {
	src, err := m.route(rawURL)
	if err != nil {
		return nil, err
	}
	return src.Stat(ctx, rawURL)
}

func (m *Mux) OpenRange(ctx context.Context, rawURL string, offset int64) (io.ReadCloser, error) {
	src, err := m.route(rawURL)
	if err != nil {
		return nil, err
	}
	return src.OpenRange(ctx, rawURL, offset)
}

func (m *Mux) route(rawURL string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote url %q: %w", rawURL, err)
	}

	m.mu.RLock()
	src, ok := m.sources[strings.ToLower(u.Scheme)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return src, nil
}

var _ Source = (*Mux)(nil)
