// Package client provides the pooled upstream HTTP client for Outlook.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"fms-proxy/internal/config"
	"fms-proxy/internal/metrics"
	"fms-proxy/internal/model"
)

// OutlookClient sends requests to the upstream calendar host. It is built once
// at startup and shared by all requests.
type OutlookClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewOutlookClient creates an OutlookClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewOutlookClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OutlookClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// HTTP/1.1 only. The h2 transport drops or rejects connection-specific
		// request headers, and every rewritten header must reach the upstream.
		ForceAttemptHTTP2: false,
		TLSNextProto:      map[string]func(string, *tls.Conn) http.RoundTripper{},
		// Bodies are relayed as raw bytes; never let the transport decode them.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &OutlookClient{
		httpClient: &http.Client{
			Transport: transport,
			// Covers the whole exchange, body streaming included.
			Timeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			// Redirects are relayed to the caller, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "outlook_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller must close the response body; the connection goes back to the
// pool on the first Close and later calls are no-ops.
func (c *OutlookClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
		c.metrics.UpstreamOpenStreams.Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       c.track(resp.Body),
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled. A non-empty host replaces the Host header.
func (c *OutlookClient) DoStream(ctx context.Context, method, url, host string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if host != "" {
		req.Host = host
	}

	return c.Do(req)
}

// CloseIdleConnections drops pooled connections. Called on shutdown.
func (c *OutlookClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

func (c *OutlookClient) track(body io.ReadCloser) io.ReadCloser {
	return &releaseOnce{
		ReadCloser: body,
		release: func() {
			if c.metrics != nil {
				c.metrics.UpstreamOpenStreams.Dec()
			}
		},
	}
}

// releaseOnce closes the wrapped body exactly once, however many times Close is called.
type releaseOnce struct {
	io.ReadCloser

	once    sync.Once
	release func()
	err     error
}

func (r *releaseOnce) Close() error {
	r.once.Do(func() {
		r.err = r.ReadCloser.Close()
		r.release()
	})
	return r.err
}
