// Package forwarder implements the direct HTTP backend path: a single
// tuned *http.Client shared across every forwarded request, mirroring the
// transport-tuning idiom the platform uses for its own outbound reverse
// proxy.
package forwarder

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/compiler-explorer/ce-router/core/infra/logging"
)

const maxBodyWarnBytes = 1 << 20 // 1 MiB

var hopByHopHeaders = []string{
	"Connection",
	"Upgrade",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
}

// Result is the response forwarded back to the caller.
type Result struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Config tunes the shared transport.
type Config struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	DialTimeout           time.Duration
	RequestTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 100
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 20
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = 90 * time.Second
	}
	if c.ResponseHeaderTimeout <= 0 {
		c.ResponseHeaderTimeout = 30 * time.Second
	}
	if c.TLSHandshakeTimeout <= 0 {
		c.TLSHandshakeTimeout = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	return c
}

// Forwarder posts requests directly to a routed backend and returns its
// response verbatim (status, headers, and body), never raising an error
// for non-2xx statuses.
type Forwarder struct {
	client  *http.Client
	timeout time.Duration
}

// New constructs a Forwarder with one shared *http.Client for the life of
// the process.
func New(cfg Config) *Forwarder {
	cfg = cfg.withDefaults()
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}
	return &Forwarder{
		client:  &http.Client{Transport: transport},
		timeout: cfg.RequestTimeout,
	}
}

// Forward POSTs body to targetURL (trailing slash stripped, path taken
// verbatim) and returns the backend's response uninterpreted.
func (f *Forwarder) Forward(ctx context.Context, targetURL string, body []byte, headers http.Header) (Result, error) {
	target := strings.TrimSuffix(targetURL, "/")

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build forward request: %w", err)
	}
	req.Header = flattenAndStrip(headers)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("forward to %s timed out: %w", target, ctx.Err())
		}
		return Result{}, fmt.Errorf("forward to %s failed: %w", target, err)
	}
	defer resp.Body.Close()

	respBody, err := readAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read forwarded response body: %w", err)
	}
	if len(respBody) > maxBodyWarnBytes {
		logging.Info("forwarder", "forwarded response body exceeds 1 MiB", "target", target, "bytes", len(respBody))
	}

	respHeaders := stripHopByHop(resp.Header.Clone())
	respHeaders.Del("Via")

	return Result{Status: resp.StatusCode, Headers: respHeaders, Body: respBody}, nil
}

func flattenAndStrip(headers http.Header) http.Header {
	out := make(http.Header, len(headers))
	for k, vals := range headers {
		out.Set(k, strings.Join(vals, ", "))
	}
	return stripHopByHop(out)
}

func stripHopByHop(headers http.Header) http.Header {
	for _, h := range hopByHopHeaders {
		headers.Del(h)
	}
	return headers
}
