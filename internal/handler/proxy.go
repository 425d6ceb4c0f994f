package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"fms-proxy/internal/metrics"
	"fms-proxy/internal/model"
	"fms-proxy/internal/service"
)

const (
	// OutlookPrefix is the route prefix stripped before forwarding.
	OutlookPrefix = "/outlook/"

	rejectMessage = "This path is not permitted."

	relayBufferSize = 32 * 1024
)

// ProxyHandler forwards calendar requests to Outlook and streams the response back.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle proxies the request to Outlook and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}

	path, rawPath := outlookPath(req.URL)
	pr := &model.ProxyRequest{
		Method:   req.Method,
		Path:     path,
		RawPath:  rawPath,
		RawQuery: req.URL.RawQuery,
		Header:   inboundHeaders(req),
		Body:     body,
	}

	resp, err := h.service.Forward(req.Context(), pr)
	if errors.Is(err, service.ErrPathRejected) {
		h.logger.Warn("path rejected", "path", path)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": rejectMessage,
		})
	}
	if err != nil && req.Context().Err() != nil {
		h.logger.Debug("caller disconnected before upstream responded", "path", path)
		return nil
	}
	if err != nil {
		h.logger.Error("proxy error",
			"err", err,
			"path", path,
		)
		// Left to echo's error handler: the caller gets a generic 500.
		return fmt.Errorf("proxy %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}
	if _, ok := resp.Header["Content-Type"]; !ok {
		// A nil entry stops net/http from sniffing one.
		dst["Content-Type"] = nil
	}
	c.Response().WriteHeader(resp.StatusCode)

	return h.relay(c, resp.Body)
}

// relay copies body to the caller one chunk at a time, flushing after each.
// When the upstream fails mid-stream the connection is aborted so the caller
// cannot mistake a truncated body for a complete one. A caller that goes away
// just ends the relay.
func (h *ProxyHandler) relay(c echo.Context, body io.Reader) error {
	ctx := c.Request().Context()
	res := c.Response()
	buf := make([]byte, relayBufferSize)

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := res.Write(buf[:n]); werr != nil {
				h.logger.Debug("caller went away", "err", werr, "path", c.Request().URL.Path)
				return nil
			}
			res.Flush()
			if h.metrics != nil {
				h.metrics.RelayedBytes.Add(float64(n))
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				h.logger.Debug("caller disconnected", "path", c.Request().URL.Path)
				return nil
			}
			h.logger.Error("streaming response body",
				"err", rerr,
				"path", c.Request().URL.Path,
			)
			panic(http.ErrAbortHandler)
		}
	}
}

// outlookPath strips the route prefix, returning the decoded path and its
// escaped form when the two differ.
func outlookPath(u *url.URL) (path, rawPath string) {
	path = strings.TrimPrefix(u.Path, OutlookPrefix)
	if escaped := strings.TrimPrefix(u.EscapedPath(), OutlookPrefix); escaped != path {
		rawPath = escaped
	}
	return path, rawPath
}

// inboundHeaders lists the caller's headers with Host first, as it appears on the wire.
func inboundHeaders(req *http.Request) model.HeaderList {
	headers := model.HeaderListFrom(req.Header)
	if req.Host == "" {
		return headers
	}
	return append(model.HeaderList{{Name: "Host", Value: req.Host}}, headers...)
}
