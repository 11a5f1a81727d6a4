// Package proxy forwards admitted gateway requests to the experimentation
// backend with the tenant's identity attached.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"upgateway/internal/models"
)

var (
	ErrUnknownEndpoint     = errors.New("unknown gateway endpoint")
	ErrUpstreamUnavailable = errors.New("backend unavailable")
	ErrCircuitOpen         = errors.New("backend circuit open")
)

// EndpointTable maps logical gateway paths to backend paths. It is fixed
// once built.
type EndpointTable struct {
	paths map[string]string
}

func NewEndpointTable(m map[string]string) EndpointTable {
	paths := make(map[string]string, len(m))
	for k, v := range m {
		paths[k] = v
	}
	return EndpointTable{paths: paths}
}

func DefaultEndpoints() EndpointTable {
	return NewEndpointTable(map[string]string{
		"/v1/init":        "/api/v6/init",
		"/v1/assign":      "/api/v6/assign",
		"/v1/mark":        "/api/v6/mark",
		"/v1/log":         "/api/v6/log",
		"/v1/featureflag": "/api/v6/featureflag",
		"/v1/v5/init":     "/api/v5/init",
		"/v1/v5/assign":   "/api/v5/assign",
	})
}

func (t EndpointTable) Resolve(logical string) (string, bool) {
	p, ok := t.paths[logical]
	return p, ok
}

// Paths returns the logical paths in sorted order.
func (t EndpointTable) Paths() []string {
	out := make([]string, 0, len(t.paths))
	for p := range t.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Inbound headers copied to the backend. X-User-Id is renamed to User-Id.
var forwardedHeaders = []string{"Content-Type", "Accept", "X-Request-ID"}

type Options struct {
	BaseURL   string
	Timeout   time.Duration
	Transport http.RoundTripper
	Endpoints EndpointTable
	Circuit   *Circuit
}

type Proxy struct {
	base      *url.URL
	client    *http.Client
	endpoints EndpointTable
	circuit   *Circuit
}

func New(opts Options) (*Proxy, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend url must be http or https, got %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if opts.Endpoints.paths == nil {
		opts.Endpoints = DefaultEndpoints()
	}
	return &Proxy{
		base:      base,
		client:    &http.Client{Timeout: opts.Timeout, Transport: otelhttp.NewTransport(transport)},
		endpoints: opts.Endpoints,
		circuit:   opts.Circuit,
	}, nil
}

func (p *Proxy) Endpoints() EndpointTable { return p.endpoints }

// Forward sends the request for logical to the backend. body may be nil. The
// outbound call is bound to ctx, so it is abandoned when the client goes away.
// Any response the backend produced is returned as-is, including 4xx and 5xx;
// only a failure to get one yields ErrUpstreamUnavailable.
func (p *Proxy) Forward(ctx context.Context, r *http.Request, body io.Reader, logical string, tc *models.TenantContext) (*http.Response, error) {
	target, ok := p.endpoints.Resolve(logical)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, logical)
	}
	if p.circuit != nil && !p.circuit.Allow() {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, ErrCircuitOpen)
	}

	u := *p.base
	u.Path = p.base.Path + target
	u.RawQuery = r.URL.RawQuery

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		body = nil
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	if body != nil && out.ContentLength == 0 && r.ContentLength > 0 {
		out.ContentLength = r.ContentLength
	}
	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			out.Header.Set(h, v)
		}
	}
	if body != nil && out.Header.Get("Content-Type") == "" {
		out.Header.Set("Content-Type", "application/json")
	}
	if uid := r.Header.Get("X-User-Id"); uid != "" {
		out.Header.Set("User-Id", uid)
	}
	setTenantHeaders(out.Header, &tc.Tenant)

	resp, err := p.client.Do(out)
	if err != nil {
		// A client hanging up says nothing about backend health.
		if p.circuit != nil && ctx.Err() == nil {
			p.circuit.Record(false)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if p.circuit != nil {
		p.circuit.Record(true)
	}
	return resp, nil
}

func setTenantHeaders(h http.Header, t *models.Tenant) {
	h.Set("X-Tenant-ID", t.ID)
	h.Set("X-Tenant-Slug", t.Slug)
	if t.DatabaseURL != "" {
		h.Set("X-Tenant-DB-URL", t.DatabaseURL)
	}
	if t.BranchID != "" {
		h.Set("X-Tenant-Branch-ID", t.BranchID)
	}
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// CopyResponse writes the backend status and body to w. Backend headers are
// copied first, then CORS headers, then extra, each overwriting the last.
func CopyResponse(w http.ResponseWriter, resp *http.Response, extra http.Header) (int64, error) {
	defer resp.Body.Close()
	dst := w.Header()
	for k, vv := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}
	SetCORSHeaders(dst)
	for k, vv := range extra {
		dst[k] = vv
	}
	w.WriteHeader(resp.StatusCode)
	return io.Copy(w, resp.Body)
}
