package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/cesargomez89/capsulecache/internal/constants"
)

// Client wraps an http.Client to provide rate limiting and backoff on
// throttling responses. Transport errors are returned to the caller, which
// owns the retry budget for them.
type Client struct {
	httpClient *http.Client

	minRequestInterval time.Duration
	maxThrottleRetries int
	lastRequest        time.Time
	mu                 sync.Mutex
}

// Options configures the underlying transport.
type Options struct {
	ProxyURL string
	// Timeout bounds a whole request including the body read. Zero disables it.
	Timeout            time.Duration
	MinRequestInterval time.Duration
	MaxThrottleRetries int
}

// New builds a Client with its own transport.
func New(opts Options) (*Client, error) {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	if opts.ProxyURL != "" {
		if err := configureProxy(transport, opts.ProxyURL); err != nil {
			return nil, err
		}
	}

	c := NewClient(&http.Client{Timeout: opts.Timeout, Transport: transport}, opts.MinRequestInterval)
	if opts.MaxThrottleRetries > 0 {
		c.maxThrottleRetries = opts.MaxThrottleRetries
	}
	return c, nil
}

// NewClient wraps an existing http.Client.
func NewClient(httpClient *http.Client, minRequestInterval time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: constants.DefaultHTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		}
	}
	return &Client{
		httpClient:         httpClient,
		minRequestInterval: minRequestInterval,
		maxThrottleRetries: constants.DefaultMaxRetries,
	}
}

// configureProxy sets up proxy configuration for the transport
func configureProxy(transport *http.Transport, proxyURL string) error {
	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsedURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	case "socks5":
		var auth *proxy.Auth
		if parsedURL.User != nil {
			pw, _ := parsedURL.User.Password()
			auth = &proxy.Auth{User: parsedURL.User.Username(), Password: pw}
		}
		dialer, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
		}
		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", parsedURL.Scheme)
	}

	return nil
}

// Do executes an HTTP request with rate-limiting. 429 and 503 responses are
// retried honoring Retry-After; every other outcome is returned as is.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)

	var lastErr error
	for attempt := 0; attempt <= c.maxThrottleRetries; attempt++ {
		if err := c.waitTurn(ctx); err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusServiceUnavailable && resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		retryAfter := parseRetryAfter(resp)
		_ = resp.Body.Close()
		lastErr = &StatusError{Code: resp.StatusCode, Status: resp.Status}
		if attempt == c.maxThrottleRetries {
			break
		}

		backoffWait := time.Duration(attempt+1) * constants.DefaultRetryBase
		if retryAfter > backoffWait {
			backoffWait = retryAfter
		}
		if retryAfter > 0 {
			c.mu.Lock()
			next := time.Now().Add(retryAfter)
			if c.lastRequest.Before(next) {
				c.lastRequest = next
			}
			c.mu.Unlock()
		}

		backoffTimer := time.NewTimer(backoffWait)
		select {
		case <-ctx.Done():
			backoffTimer.Stop()
			return nil, ctx.Err()
		case <-backoffTimer.C:
		}
	}
	return nil, lastErr
}

// waitTurn claims the next request slot, sleeping if needed.
func (c *Client) waitTurn(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.mu.Lock()
	now := time.Now()
	nextAllowed := c.lastRequest.Add(c.minRequestInterval)
	var waitTime time.Duration
	if now.Before(nextAllowed) {
		waitTime = nextAllowed.Sub(now)
		c.lastRequest = nextAllowed
	} else {
		c.lastRequest = now
	}
	c.mu.Unlock()

	if waitTime <= 0 {
		return nil
	}
	timer := time.NewTimer(waitTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetUnderlyingClient returns the underlying *http.Client.
func (c *Client) GetUnderlyingClient() *http.Client {
	return c.httpClient
}

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Status string
	Code   int
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return "unexpected HTTP status: " + e.Status
	}
	return fmt.Sprintf("unexpected HTTP status: %d", e.Code)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// parseRetryAfter reads a Retry-After header and returns the duration to wait.
func parseRetryAfter(resp *http.Response) time.Duration {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		return time.Until(t)
	}
	return 0
}
