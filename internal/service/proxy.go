// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"fms-proxy/internal/client"
	"fms-proxy/internal/config"
	"fms-proxy/internal/metrics"
	"fms-proxy/internal/model"
)

// ErrPathRejected is returned when the requested path lacks the allowlist fragment.
var ErrPathRejected = errors.New("path is not permitted")

// allowedUpstreamHosts restricts which hosts the proxy will forward to.
var allowedUpstreamHosts = map[string]bool{
	"outlook.office365.com": true,
}

// ProxyService validates Outlook requests and forwards them upstream.
// All fields are set once at construction and only read afterwards.
type ProxyService struct {
	client    *client.OutlookClient
	logger    *slog.Logger
	metrics   *metrics.Metrics
	baseURL   *url.URL
	validator PathValidator
	rewriter  HeaderRewriter
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.OutlookClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return newProxyService(c, cfg, logger, m, u), nil
}

// NewProxyServiceForTest creates a ProxyService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewProxyServiceForTest(c *client.OutlookClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return newProxyService(c, cfg, logger, m, u), nil
}

func newProxyService(c *client.OutlookClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, u *url.URL) *ProxyService {
	return &ProxyService{
		client:    c,
		logger:    logger.With("component", "proxy_service"),
		metrics:   m,
		baseURL:   u,
		validator: NewPathValidator(cfg.Outlook.PathMustContain),
		rewriter:  NewHeaderRewriter(OutlookOverrides(cfg)),
	}
}

// Forward validates pr.Path, then sends the request to Outlook and returns
// the response with its body still streaming. The caller must close the body.
//
// ErrPathRejected is returned without contacting the upstream. Any other
// error is a transport failure.
func (s *ProxyService) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if !s.validator.Allowed(pr.Path) {
		if s.metrics != nil {
			s.metrics.PathRejections.Inc()
		}
		return nil, ErrPathRejected
	}

	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawPath, pr.RawQuery)
	host, header := splitHost(s.rewriter.Rewrite(pr.Header))

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(ctx, pr.Method, upstreamURL, host, header, bytes.NewReader(pr.Body))
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	return resp, nil
}

// buildUpstreamURL joins the base URL with the routed path and keeps the
// query string exactly as received.
func (s *ProxyService) buildUpstreamURL(path, rawPath, rawQuery string) string {
	u := *s.baseURL
	base := strings.TrimSuffix(u.Path, "/")
	u.Path = base + "/" + path
	if rawPath != "" {
		u.RawPath = base + "/" + rawPath
	} else {
		u.RawPath = ""
	}
	u.RawQuery = rawQuery
	u.ForceQuery = false
	u.Fragment = ""

	return u.String()
}

// splitHost moves any Host entry out of the header list, since net/http
// carries it on the request rather than in the header map. A missing
// User-Agent stays missing instead of picking up Go's default.
func splitHost(headers model.HeaderList) (string, http.Header) {
	var host string
	hasUserAgent := false
	rest := make(model.HeaderList, 0, len(headers))
	for _, f := range headers {
		if strings.EqualFold(f.Name, "Host") {
			host = f.Value
			continue
		}
		if strings.EqualFold(f.Name, "User-Agent") {
			hasUserAgent = true
		}
		rest = append(rest, f)
	}

	header := rest.Header()
	if !hasUserAgent {
		header["User-Agent"] = []string{""}
	}
	return host, header
}
