package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"fms-proxy/internal/config"
	"fms-proxy/internal/metrics"
)

func testConfig(timeoutSeconds int) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeoutSeconds,
			IdleConnections: 10,
		},
	}
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestOutlookClient_DoStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewOutlookClient(testConfig(10), logger, nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/test", "", http.Header{}, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n" {
		t.Errorf("body = %q", string(body))
	}
}

func TestOutlookClient_DoStream_HostOverride(t *testing.T) {
	hostCh := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hostCh <- r.Host
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewOutlookClient(testConfig(10), logger, nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL, "outlook.office365.com", http.Header{}, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	_ = resp.Body.Close()

	if gotHost := <-hostCh; gotHost != "outlook.office365.com" {
		t.Errorf("Host = %q, want %q", gotHost, "outlook.office365.com")
	}
}

func TestOutlookClient_DoesNotDecompress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ae := r.Header.Get("Accept-Encoding"); ae != "" {
			t.Errorf("Accept-Encoding = %q, want none added by the transport", ae)
		}
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("not-really-gzip"))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewOutlookClient(testConfig(10), logger, nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL, "", http.Header{}, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "not-really-gzip" {
		t.Errorf("body = %q, want raw bytes", string(body))
	}
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want %q", resp.Header.Get("Content-Encoding"), "gzip")
	}
}

func TestOutlookClient_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewOutlookClient(testConfig(10), logger, nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/start", "", http.Header{}, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if loc := resp.Header.Get("Location"); loc != "/elsewhere" {
		t.Errorf("Location = %q, want %q", loc, "/elsewhere")
	}
}

func TestOutlookClient_DoStream_Error(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewOutlookClient(testConfig(1), logger, nil)

	_, err := c.DoStream(context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", "", http.Header{}, nil)
	if err == nil {
		t.Fatal("DoStream() expected error for unreachable host, got nil")
	}
}

func TestOutlookClient_DoStream_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a slow upstream; the request should be canceled before this completes.
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewOutlookClient(testConfig(30), logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.DoStream(ctx, http.MethodGet, srv.URL+"/slow", "", http.Header{}, nil)
	if err == nil {
		t.Fatal("DoStream() expected error for canceled context, got nil")
	}
}

func TestOutlookClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewOutlookClient(testConfig(1), logger, nil)

	start := time.Now()
	_, err := c.DoStream(context.Background(), http.MethodGet, srv.URL, "", http.Header{}, nil)
	if err == nil {
		t.Fatal("DoStream() expected timeout error, got nil")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("timeout took %v, want about 1s", elapsed)
	}
}

func TestOutlookClient_BodyReleasedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewOutlookClient(testConfig(10), logger, m)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL, "", http.Header{}, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	if got := gaugeValue(t, m.UpstreamOpenStreams); got != 1 {
		t.Errorf("open streams while reading = %v, want 1", got)
	}

	for range 3 {
		_ = resp.Body.Close()
	}
	if got := gaugeValue(t, m.UpstreamOpenStreams); got != 0 {
		t.Errorf("open streams after repeated Close = %v, want 0", got)
	}
}

func TestOutlookClient_ForwardsConnectionHeadersOverHTTP1(t *testing.T) {
	type seen struct {
		proto, connection, upgrade, settings string
	}
	seenCh := make(chan seen, 1)
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCh <- seen{
			proto:      r.Proto,
			connection: r.Header.Get("Connection"),
			upgrade:    r.Header.Get("Upgrade"),
			settings:   r.Header.Get("HTTP2-Settings"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewOutlookClient(testConfig(10), logger, nil)

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	c.httpClient.Transport.(*http.Transport).TLSClientConfig = &tls.Config{RootCAs: roots}

	header := http.Header{
		"Connection":     {"Upgrade, HTTP2-Settings"},
		"Upgrade":        {"h2c"},
		"Http2-Settings": {"AAMAAABkAARAAAAAAAIAAAAA"},
	}
	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/owa/calendar/a.ics", "", header, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	got := <-seenCh
	if got.proto != "HTTP/1.1" {
		t.Errorf("upstream proto = %q, want HTTP/1.1", got.proto)
	}
	if got.connection != "Upgrade, HTTP2-Settings" {
		t.Errorf("Connection = %q, want %q", got.connection, "Upgrade, HTTP2-Settings")
	}
	if got.upgrade != "h2c" {
		t.Errorf("Upgrade = %q, want %q", got.upgrade, "h2c")
	}
	if got.settings != "AAMAAABkAARAAAAAAAIAAAAA" {
		t.Errorf("HTTP2-Settings = %q", got.settings)
	}
}
