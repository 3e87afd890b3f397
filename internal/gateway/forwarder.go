// Package gateway forwards authenticated requests to the upstream resource
// API. The forwarder swaps the caller's session for a bearer credential,
// relays the body according to the route's mode and copies the upstream
// response back verbatim.
package gateway

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"clipgate/internal/observability/logging"
	"clipgate/internal/observability/metrics"
)

// BodyMode selects how a route's request body travels upstream.
type BodyMode int

const (
	// BodyPassthrough relays the inbound body bytes unchanged.
	BodyPassthrough BodyMode = iota
	// BodyMultipart decodes an inbound multipart form and re-encodes it
	// with a fresh boundary, preserving parts byte for byte.
	BodyMultipart
	// BodyStream relays the body as an opaque stream without buffering.
	BodyStream
)

// Typed forwarding failures, reported only when nothing has been relayed yet.
var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrMalformedBody       = errors.New("malformed request body")
)

// Route describes one forwarded endpoint: the inbound prefix it owns, the
// upstream path that replaces the prefix, and how the body is carried.
type Route struct {
	Name         string
	Prefix       string
	BackendPath  string
	Body         BodyMode
	CacheControl string
}

// Config configures a Forwarder.
type Config struct {
	// BaseURL is the upstream resource API root, e.g. http://api.internal:8080.
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Forwarder relays authenticated requests to the upstream resource API.
type Forwarder struct {
	base    *url.URL
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New constructs a Forwarder from the provided configuration.
func New(cfg Config) (*Forwarder, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("upstream base url is required")
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream base url %q must be absolute", cfg.BaseURL)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Forwarder{base: base, client: client, logger: logger.With("component", "gateway"), metrics: recorder}, nil
}

// Forward relays the inbound request to the upstream route on behalf of the
// caller, presenting the provided bearer credential. The inbound Cookie and
// Authorization headers never travel upstream. Errors are returned only when
// no response byte has been written yet; once relaying starts, failures are
// logged and the connection is left to the client to detect.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, route Route, credential string) error {
	start := time.Now()
	outURL, err := f.outboundURL(r, route)
	if err != nil {
		return err
	}

	body, contentType, err := outboundBody(r, route)
	if err != nil {
		return err
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, outURL, body)
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	copyForwardHeaders(out.Header, r.Header)
	if contentType != "" {
		out.Header.Set("Content-Type", contentType)
	}
	out.Header.Set("Authorization", "Bearer "+credential)
	if route.Body == BodyStream || route.Body == BodyPassthrough {
		out.ContentLength = r.ContentLength
	}

	resp, err := f.client.Do(out)
	if err != nil {
		f.metrics.ObserveForwardFailure(route.Name)
		return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	relayHeaders(w.Header(), resp.Header)
	if route.CacheControl != "" {
		w.Header().Set("Cache-Control", route.CacheControl)
	}
	w.WriteHeader(resp.StatusCode)
	written, copyErr := io.Copy(w, resp.Body)
	f.metrics.ObserveForward(route.Name, resp.StatusCode, time.Since(start))
	if copyErr != nil {
		logging.WithContext(r.Context(), f.logger).Warn("upstream relay interrupted",
			"route", route.Name,
			"status", resp.StatusCode,
			"bytes", written,
			"error", copyErr,
		)
	}
	return nil
}

func (f *Forwarder) outboundURL(r *http.Request, route Route) (string, error) {
	inbound := r.URL.EscapedPath()
	if !strings.HasPrefix(inbound, route.Prefix) {
		return "", fmt.Errorf("request path %s does not match route %s", inbound, route.Name)
	}
	remainder := strings.TrimPrefix(inbound, route.Prefix)
	// The base keeps any path prefix it was configured with, so a root of
	// http://host/v1 forwards /api/videos to http://host/v1/videos.
	out := f.base.String() + route.BackendPath + remainder
	if r.URL.RawQuery != "" {
		out += "?" + r.URL.RawQuery
	}
	return out, nil
}

func outboundBody(r *http.Request, route Route) (io.Reader, string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, "", nil
	}
	if route.Body == BodyMultipart && strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "multipart/form-data") {
		return multipartBody(r)
	}
	return r.Body, r.Header.Get("Content-Type"), nil
}

// multipartBody re-encodes the inbound multipart form with a fresh boundary.
// Parts stream through a pipe, so large file uploads never buffer in memory.
// Field order, filenames and per-part content types are preserved.
func multipartBody(r *http.Request) (io.Reader, string, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				pw.CloseWithError(fmt.Errorf("read multipart part: %w", err))
				return
			}
			header := make(textproto.MIMEHeader, 2)
			if disposition := part.Header.Get("Content-Disposition"); disposition != "" {
				header.Set("Content-Disposition", disposition)
			}
			if partType := part.Header.Get("Content-Type"); partType != "" {
				header.Set("Content-Type", partType)
			}
			dst, err := writer.CreatePart(header)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(dst, part); err != nil {
				pw.CloseWithError(fmt.Errorf("copy multipart part: %w", err))
				return
			}
		}
		pw.CloseWithError(writer.Close())
	}()
	return pr, writer.FormDataContentType(), nil
}

// hopByHopHeaders never cross the gateway in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyForwardHeaders(dst, src http.Header) {
	for key, values := range src {
		switch http.CanonicalHeaderKey(key) {
		case "Authorization", "Cookie", "Host", "Content-Length":
			continue
		}
		if isHopByHop(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func relayHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isHopByHop(key string) bool {
	canonical := http.CanonicalHeaderKey(key)
	for _, hop := range hopByHopHeaders {
		if canonical == hop {
			return true
		}
	}
	return false
}
