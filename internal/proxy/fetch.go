package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/offerpath/dispatch/internal/observability"
)

// strippedHeaders never propagate from upstream to the client: the body is
// transformed so the length is wrong, and the security policies would break
// injected scripts and rewritten URLs.
var strippedHeaders = map[string]bool{
	"Content-Length":            true,
	"Content-Security-Policy":   true,
	"Strict-Transport-Security": true,
}

// hopHeaders are dropped from the outbound request.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Host",
}

// Fetcher issues upstream GETs with a bounded deadline. The response body
// must be closed by the caller on every path.
type Fetcher struct {
	Client  *http.Client
	Timeout time.Duration
	Metrics observability.MetricsRegistry
	Logger  *zap.Logger
}

// NewFetcher builds a Fetcher with a dedicated client. Redirects are
// followed so the rewriter sees the final document.
func NewFetcher(timeout time.Duration, metrics observability.MetricsRegistry, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		Client:  &http.Client{Timeout: timeout},
		Timeout: timeout,
		Metrics: metrics,
		Logger:  logger,
	}
}

// Get fetches rawURL, forwarding the given request headers minus hop-by-hop
// ones. The context bounds the whole exchange.
func (f *Fetcher) Get(ctx context.Context, rawURL string, fwd http.Header) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if fwd != nil {
		req.Header = fwd.Clone()
		for _, h := range hopHeaders {
			req.Header.Del(h)
		}
		// Compressed upstream bodies would defeat the streaming rewriter.
		req.Header.Set("Accept-Encoding", "identity")
	}

	start := time.Now()
	resp, err := f.Client.Do(req)
	f.Metrics.RecordUpstreamLatency(time.Since(start))
	if err != nil {
		cancel()
		f.Metrics.IncrementUpstreamFetch("error")
		return nil, fmt.Errorf("upstream get %s: %w", rawURL, err)
	}
	f.Metrics.IncrementUpstreamFetch(statusClass(resp.StatusCode))

	// Tie the cancel to body close so the deadline covers streaming.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// CopyHeaders propagates upstream response headers minus the stripped set.
func CopyHeaders(dst, src http.Header) {
	for k, vals := range src {
		if strippedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// IsHTML reports whether a response carries an HTML body.
func IsHTML(resp *http.Response) bool {
	return hasContentType(resp, "text/html")
}

// IsCSS reports whether a response carries a CSS body.
func IsCSS(resp *http.Response) bool {
	return hasContentType(resp, "text/css")
}

func hasContentType(resp *http.Response, prefix string) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	return strings.HasPrefix(ct, prefix)
}
