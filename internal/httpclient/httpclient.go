// Package httpclient implements the non-blocking HTTP 1.1 client (spec.md
// §2, C4) used for direct-upload PUTs and blocking config fetches: per
// request method/headers/body/upload-rate-cap/response-callback/
// cancellation, with worker threads doing the actual blocking I/O and
// results posted back via the caller-supplied callback (spec.md §5:
// "worker threads do only blocking I/O ... results are posted back").
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single HTTP request (spec.md §5: "HTTP
// per-request 30s").
const DefaultTimeout = 30 * time.Second

// Request describes one HTTP call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte

	// MaxBytesPerSec caps the upload rate of Body; 0 means unbounded.
	MaxBytesPerSec int64

	// IsCanceled is polled during the body upload; a true return aborts the
	// transfer and Do returns ErrCanceled.
	IsCanceled func() bool

	Timeout time.Duration
}

// Response is the result of a completed request.
type Response struct {
	StatusCode int
	Body       []byte
}

// ErrCanceled is returned when IsCanceled reported true mid-transfer.
var ErrCanceled = fmt.Errorf("httpclient: canceled")

// Client wraps net/http with the request shape the agent needs.
type Client struct {
	http *http.Client
	log  *slog.Logger
}

// New creates a Client. httpClient may be nil to use a default with
// DefaultTimeout.
func New(httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{http: httpClient, log: log.With("component", "httpclient")}
}

// Do performs req and blocks until it completes, is canceled, or ctx is
// done.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Timeout == 0 {
		req.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		r := io.Reader(bytes.NewReader(req.Body))
		if req.IsCanceled != nil {
			r = &cancelableReader{r: r, isCanceled: req.IsCanceled}
		}
		if req.MaxBytesPerSec > 0 {
			r = &throttledReader{r: r, bytesPerSec: req.MaxBytesPerSec}
		}
		body = r
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	for k, v := range req.Headers {
		if k == "Content-Length" {
			continue // set by the transport, never forwarded verbatim (spec.md §6)
		}
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 {
		httpReq.ContentLength = int64(len(req.Body))
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: read response body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// DoAsync runs Do on a new goroutine and invokes cb with the result,
// keeping the calling (dispatcher) goroutine non-blocking per spec.md §5.
func (c *Client) DoAsync(ctx context.Context, req Request, cb func(*Response, error)) {
	go func() {
		resp, err := c.Do(ctx, req)
		cb(resp, err)
	}()
}

type cancelableReader struct {
	r          io.Reader
	isCanceled func() bool
}

func (c *cancelableReader) Read(p []byte) (int, error) {
	if c.isCanceled() {
		return 0, ErrCanceled
	}
	return c.r.Read(p)
}

// throttledReader paces reads so the consumer (net/http's request writer)
// sees at most bytesPerSec bytes/s.
type throttledReader struct {
	r           io.Reader
	bytesPerSec int64
	read        int64
	started     time.Time
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if t.started.IsZero() {
		t.started = time.Now()
	}
	n, err := t.r.Read(p)
	t.read += int64(n)
	elapsed := time.Since(t.started)
	wantElapsed := time.Duration(float64(t.read) / float64(t.bytesPerSec) * float64(time.Second))
	if wantElapsed > elapsed {
		time.Sleep(wantElapsed - elapsed)
	}
	return n, err
}
