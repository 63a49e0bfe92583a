package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew_Proxy(t *testing.T) {
	tests := []struct {
		name    string
		proxy   string
		wantErr bool
	}{
		{"none", "", false},
		{"http", "http://proxy.local:3128", false},
		{"socks5", "socks5://user:pw@127.0.0.1:1080", false},
		{"unsupported", "ftp://proxy.local", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Options{ProxyURL: tt.proxy, Timeout: time.Second})
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%q) error = %v, wantErr %v", tt.proxy, err, tt.wantErr)
			}
		})
	}
}

func TestDo_RetriesThrottled(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), 0)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("Expected 2 calls, got %d", n)
	}
}

func TestDo_PassesThroughErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), 0)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502 to be returned as is, got %d", resp.StatusCode)
	}
}

func TestDo_CancelledContext(t *testing.T) {
	c := NewClient(nil, time.Hour)
	c.lastRequest = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:1", nil)
	if _, err := c.Do(ctx, req); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded while waiting for a slot, got %v", err)
	}
}

func TestStatusError_Temporary(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
	}
	for _, tt := range tests {
		e := &StatusError{Code: tt.code}
		if got := e.Temporary(); got != tt.want {
			t.Errorf("StatusError{%d}.Temporary() = %v, want %v", tt.code, got, tt.want)
		}
	}

	if got := (&StatusError{Code: 418}).Error(); got != "unexpected HTTP status: 418" {
		t.Errorf("Unexpected message %q", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	if d := parseRetryAfter(resp); d != 0 {
		t.Errorf("Expected 0 without header, got %v", d)
	}

	resp.Header.Set("Retry-After", "3")
	if d := parseRetryAfter(resp); d != 3*time.Second {
		t.Errorf("Expected 3s, got %v", d)
	}

	resp.Header.Set("Retry-After", "soon")
	if d := parseRetryAfter(resp); d != 0 {
		t.Errorf("Expected 0 for garbage, got %v", d)
	}
}
