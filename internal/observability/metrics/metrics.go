package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type forwardLabel struct {
	route  string
	status string
}

// Recorder aggregates in-memory metrics counters for HTTP requests handled by
// the gateway, upstream forwards, and token/session lifecycle events. It
// coordinates concurrent writers via a RWMutex.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	forwardCount    map[forwardLabel]uint64
	forwardDuration map[forwardLabel]time.Duration
	forwardFailures map[string]uint64
	tokenEvents     map[string]uint64
	sessionEvents   map[string]uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		forwardCount:    make(map[forwardLabel]uint64),
		forwardDuration: make(map[forwardLabel]time.Duration),
		forwardFailures: make(map[string]uint64),
		tokenEvents:     make(map[string]uint64),
		sessionEvents:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveForward records one completed upstream forward keyed by route name
// and the status code the upstream returned.
func (r *Recorder) ObserveForward(route string, status int, duration time.Duration) {
	label := forwardLabel{route: normalizeName(route), status: fmt.Sprintf("%d", status)}
	r.mu.Lock()
	r.forwardCount[label]++
	r.forwardDuration[label] += duration
	r.mu.Unlock()
}

// ObserveForwardFailure records an upstream forward that never produced a
// response (connect failure, timeout, cancelled context).
func (r *Recorder) ObserveForwardFailure(route string) {
	name := normalizeName(route)
	r.mu.Lock()
	r.forwardFailures[name]++
	r.mu.Unlock()
}

// ObserveTokenEvent counts API token lifecycle events ("issued", "renamed",
// "revoked", "authenticated").
func (r *Recorder) ObserveTokenEvent(event string) {
	name := normalizeName(event)
	r.mu.Lock()
	r.tokenEvents[name]++
	r.mu.Unlock()
}

// ObserveSessionEvent counts session lifecycle events ("login", "logout",
// "rejected").
func (r *Recorder) ObserveSessionEvent(event string) {
	name := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[name]++
	r.mu.Unlock()
}

// RequestTotals returns a copy of the accumulated request counters keyed by
// "METHOD path status".
func (r *Recorder) RequestTotals() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	totals := make(map[string]uint64, len(r.requestCount))
	for label, count := range r.requestCount {
		totals[fmt.Sprintf("%s %s %s", label.method, label.path, label.status)] = count
	}
	return totals
}

// Reset clears all counters on the recorder. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.forwardCount = make(map[forwardLabel]uint64)
	r.forwardDuration = make(map[forwardLabel]time.Duration)
	r.forwardFailures = make(map[string]uint64)
	r.tokenEvents = make(map[string]uint64)
	r.sessionEvents = make(map[string]uint64)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	forwardLabels := r.sortedForwardLabels()
	failureRoutes := sortedKeys(r.forwardFailures)
	tokenEvents := sortedKeys(r.tokenEvents)
	sessionEvents := sortedKeys(r.sessionEvents)

	fmt.Fprintln(w, "# HELP clipgate_http_requests_total Total number of HTTP requests processed by the gateway")
	fmt.Fprintln(w, "# TYPE clipgate_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "clipgate_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP clipgate_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE clipgate_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "clipgate_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP clipgate_upstream_forwards_total Upstream forwards by route and upstream status")
	fmt.Fprintln(w, "# TYPE clipgate_upstream_forwards_total counter")
	for _, label := range forwardLabels {
		count := r.forwardCount[label]
		fmt.Fprintf(w, "clipgate_upstream_forwards_total{route=\"%s\",status=\"%s\"} %d\n", label.route, label.status, count)
	}

	fmt.Fprintln(w, "# HELP clipgate_upstream_forward_duration_seconds_sum Cumulative upstream forward duration in seconds")
	fmt.Fprintln(w, "# TYPE clipgate_upstream_forward_duration_seconds_sum counter")
	for _, label := range forwardLabels {
		duration := r.forwardDuration[label].Seconds()
		fmt.Fprintf(w, "clipgate_upstream_forward_duration_seconds_sum{route=\"%s\",status=\"%s\"} %f\n", label.route, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP clipgate_upstream_failures_total Upstream forwards that produced no response")
	fmt.Fprintln(w, "# TYPE clipgate_upstream_failures_total counter")
	for _, route := range failureRoutes {
		fmt.Fprintf(w, "clipgate_upstream_failures_total{route=\"%s\"} %d\n", route, r.forwardFailures[route])
	}

	fmt.Fprintln(w, "# HELP clipgate_token_events_total API token lifecycle events by type")
	fmt.Fprintln(w, "# TYPE clipgate_token_events_total counter")
	for _, event := range tokenEvents {
		fmt.Fprintf(w, "clipgate_token_events_total{event=\"%s\"} %d\n", event, r.tokenEvents[event])
	}

	fmt.Fprintln(w, "# HELP clipgate_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE clipgate_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "clipgate_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedForwardLabels() []forwardLabel {
	labels := make([]forwardLabel, 0, len(r.forwardCount))
	for label := range r.forwardCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].route != labels[j].route {
			return labels[i].route < labels[j].route
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount > 0 && digitCount >= len(segment)/2
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
