package logparse

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const userAgent = "treeherder-log-parser"

// Fetcher opens logs by URL. http(s) URLs are fetched with a pooled
// client; file:// URLs and bare paths are read from disk.
type Fetcher struct {
	client *http.Client
}

// NewFetcher returns a Fetcher whose requests time out after timeout.
// A zero timeout leaves requests bounded only by the caller's context.
func NewFetcher(timeout time.Duration) *Fetcher {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = timeout
	return &Fetcher{client: c}
}

// NewFetcherWithClient returns a Fetcher using the given client.
func NewFetcherWithClient(c *http.Client) *Fetcher {
	return &Fetcher{client: c}
}

// Open returns a reader over the decompressed log body. The caller must
// close it.
func (f *Fetcher) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Bare path, including Windows drive letters parsed as a scheme.
		return openFile(rawURL)
	}
	switch u.Scheme {
	case "file":
		return openFile(u.Path)
	case "http", "https":
		return f.openHTTP(ctx, rawURL)
	default:
		return nil, fmt.Errorf("logparse: unsupported log url scheme %q", u.Scheme)
	}
}

func openFile(path string) (io.ReadCloser, error) {
	fh, err := os.Open(path)
	if err != nil {
		fe := &FetchError{URL: path, Err: err}
		if os.IsNotExist(err) {
			fe.StatusCode = http.StatusNotFound
		}
		return nil, fe
	}
	rc, err := decompress(fh)
	if err != nil {
		_ = fh.Close()
		return nil, err
	}
	return rc, nil
}

func (f *Fetcher) openHTTP(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("logparse: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	// Handle compression ourselves so gzip-encoded uploads served without
	// Content-Encoding are decoded too.
	req.Header.Set("Accept-Encoding", "gzip")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", resp.Status)}
	}
	rc, err := decompress(netBody{ReadCloser: resp.Body, url: rawURL})
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return rc, nil
}

// decompress sniffs the gzip magic bytes and wraps r accordingly.
func decompress(r io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, &FetchError{Err: err}
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zr, r}}, nil
	}
	return &stackedCloser{Reader: br, closers: []io.Closer{r}}, nil
}

type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// netBody tags read errors from a response body as fetch errors so a
// connection dropped mid-log stays retryable.
type netBody struct {
	io.ReadCloser
	url string
}

func (b netBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		err = &FetchError{URL: b.url, Err: err}
	}
	return n, err
}
