package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesargomez89/capsulecache/internal/httpclient"
)

func newObjectServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	modTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("/obj.wav", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		http.ServeContent(w, r, "obj.wav", modTime, bytes.NewReader(body))
	})
	mux.HandleFunc("/norange.wav", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/nohead.wav", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		http.ServeContent(w, r, "nohead.wav", modTime, bytes.NewReader(body))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSource_Stat(t *testing.T) {
	body := []byte(strings.Repeat("x", 4096))
	srv := newObjectServer(t, body)
	src := NewHTTPSource(nil)

	info, err := src.Stat(context.Background(), srv.URL+"/obj.wav")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size)
	assert.Equal(t, "abc123", info.ETag)
	assert.Equal(t, 2024, info.LastModified.Year())

	info, err = src.Stat(context.Background(), srv.URL+"/nohead.wav")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size)

	_, err = src.Stat(context.Background(), srv.URL+"/missing.wav")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPSource_OpenRange(t *testing.T) {
	body := make([]byte, 1000)
	for i := range body {
		body[i] = byte(i % 251)
	}
	srv := newObjectServer(t, body)
	src := NewHTTPSource(nil)

	t.Run("partial content", func(t *testing.T) {
		rc, err := src.OpenRange(context.Background(), srv.URL+"/obj.wav", 400)
		require.NoError(t, err)
		defer rc.Close()

		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, body[400:], got)
	})

	t.Run("server ignores range", func(t *testing.T) {
		rc, err := src.OpenRange(context.Background(), srv.URL+"/norange.wav", 250)
		require.NoError(t, err)
		defer rc.Close()

		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, body[250:], got)
	})

	t.Run("from zero", func(t *testing.T) {
		rc, err := src.OpenRange(context.Background(), srv.URL+"/obj.wav", 0)
		require.NoError(t, err)
		defer rc.Close()

		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, body, got)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := src.OpenRange(context.Background(), srv.URL+"/missing.wav", 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("past the end", func(t *testing.T) {
		_, err := src.OpenRange(context.Background(), srv.URL+"/obj.wav", 5000)
		assert.ErrorIs(t, err, ErrRangeNotSatisfied)
	})
}

func TestHTTPSource_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPSource(nil).Stat(context.Background(), srv.URL+"/x")
	require.Error(t, err)

	var statusErr *httpclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
	assert.True(t, IsRetryable(err))
}

func TestMux(t *testing.T) {
	srv := newObjectServer(t, []byte("hello"))
	mux := NewMux()
	mux.Handle(NewHTTPSource(nil), "http", "https")

	info, err := mux.Stat(context.Background(), srv.URL+"/obj.wav")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)

	_, err = mux.Stat(context.Background(), "ftp://example.com/a.wav")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := parseS3URL("s3://capsules/42/mix.wav")
	require.NoError(t, err)
	assert.Equal(t, "capsules", bucket)
	assert.Equal(t, "42/mix.wav", key)

	_, _, err = parseS3URL("s3://capsules/")
	assert.Error(t, err)

	_, _, err = parseS3URL("https://capsules/a.wav")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context cancelled", fmt.Errorf("get: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, false},
		{"not found", fmt.Errorf("%w: x", ErrNotFound), false},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"net error", fmt.Errorf("read: %w", timeoutErr{}), true},
		{"5xx", &httpclient.StatusError{Code: 503}, true},
		{"4xx", &httpclient.StatusError{Code: 403}, false},
		{"s3 slow down", &smithy.GenericAPIError{Code: "SlowDown"}, true},
		{"s3 access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
