package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// stream supervisor lifecycle events, pipeline restarts, health probe
// outcomes, and VOD fetches. Writers are coordinated with a RWMutex while
// the active stream gauge uses an atomic counter.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	streamEvents    map[string]uint64
	restartReasons  map[string]uint64
	healthFailures  map[string]uint64
	vodFetches      map[string]uint64
	activeStreams   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		streamEvents:    make(map[string]uint64),
		restartReasons:  make(map[string]uint64),
		healthFailures:  make(map[string]uint64),
		vodFetches:      make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by the package-level helper
// functions.
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

// StreamStarted records a start lifecycle event and increments the active
// stream gauge.
func (r *Recorder) StreamStarted() {
	r.incrementStreamEvent("start")
	r.activeStreams.Add(1)
}

// StreamStopped records a stop lifecycle event and decrements the active
// stream gauge, guarding against negative counts when concurrent updates race.
func (r *Recorder) StreamStopped() {
	r.incrementStreamEvent("stop")
	r.decrementGauge(&r.activeStreams)
}

// StreamErrored records a stream reaching the error state and decrements the
// active stream gauge.
func (r *Recorder) StreamErrored() {
	r.incrementStreamEvent("error")
	r.decrementGauge(&r.activeStreams)
}

// StreamRecovered records a supervised stream confirmed healthy again after a
// restart cycle.
func (r *Recorder) StreamRecovered() {
	r.incrementStreamEvent("recover")
}

func (r *Recorder) incrementStreamEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.streamEvents[normalized]++
	r.mu.Unlock()
}

// ObserveRestart records a pipeline restart keyed by the reason that
// triggered it (e.g. "exit", "stuck", "no_segments", "token_refresh").
func (r *Recorder) ObserveRestart(reason string) {
	key := normalizeName(reason)
	r.mu.Lock()
	r.restartReasons[key]++
	r.mu.Unlock()
}

// ObserveHealthFailure records a failed health probe keyed by the detected
// condition.
func (r *Recorder) ObserveHealthFailure(condition string) {
	key := normalizeName(condition)
	r.mu.Lock()
	r.healthFailures[key]++
	r.mu.Unlock()
}

// ObserveVODFetch records the outcome of a VOD download attempt
// ("hit" for cached assets, "ok", or "fail").
func (r *Recorder) ObserveVODFetch(outcome string) {
	key := normalizeName(outcome)
	r.mu.Lock()
	r.vodFetches[key]++
	r.mu.Unlock()
}

// ActiveStreams exposes the current gauge of concurrently active streams.
func (r *Recorder) ActiveStreams() int64 {
	return r.activeStreams.Load()
}

// RestartCounts returns a copy of the restart reason counters for testing and
// reporting purposes.
func (r *Recorder) RestartCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.restartReasons))
	for k, v := range r.restartReasons {
		counts[k] = v
	}
	return counts
}

// StreamEventCounts returns a copy of the stream lifecycle event counters.
func (r *Recorder) StreamEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.streamEvents))
	for k, v := range r.streamEvents {
		counts[k] = v
	}
	return counts
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.streamEvents = make(map[string]uint64)
	r.restartReasons = make(map[string]uint64)
	r.healthFailures = make(map[string]uint64)
	r.vodFetches = make(map[string]uint64)
	r.activeStreams.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	streamEvents := sortedKeys(r.streamEvents)
	restartReasons := sortedKeys(r.restartReasons)
	healthFailures := sortedKeys(r.healthFailures)
	vodFetches := sortedKeys(r.vodFetches)

	fmt.Fprintln(w, "# HELP streamrelay_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE streamrelay_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "streamrelay_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP streamrelay_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE streamrelay_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "streamrelay_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP streamrelay_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE streamrelay_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "streamrelay_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP streamrelay_stream_events_total Stream supervisor lifecycle events by type")
	fmt.Fprintln(w, "# TYPE streamrelay_stream_events_total counter")
	for _, event := range streamEvents {
		fmt.Fprintf(w, "streamrelay_stream_events_total{event=\"%s\"} %d\n", event, r.streamEvents[event])
	}

	fmt.Fprintln(w, "# HELP streamrelay_active_streams Current number of supervised streams")
	fmt.Fprintln(w, "# TYPE streamrelay_active_streams gauge")
	fmt.Fprintf(w, "streamrelay_active_streams %d\n", r.activeStreams.Load())

	fmt.Fprintln(w, "# HELP streamrelay_pipeline_restarts_total Pipeline restarts by trigger reason")
	fmt.Fprintln(w, "# TYPE streamrelay_pipeline_restarts_total counter")
	for _, reason := range restartReasons {
		fmt.Fprintf(w, "streamrelay_pipeline_restarts_total{reason=\"%s\"} %d\n", reason, r.restartReasons[reason])
	}

	fmt.Fprintln(w, "# HELP streamrelay_health_failures_total Failed health probes by detected condition")
	fmt.Fprintln(w, "# TYPE streamrelay_health_failures_total counter")
	for _, condition := range healthFailures {
		fmt.Fprintf(w, "streamrelay_health_failures_total{condition=\"%s\"} %d\n", condition, r.healthFailures[condition])
	}

	fmt.Fprintln(w, "# HELP streamrelay_vod_fetches_total VOD download attempts by outcome")
	fmt.Fprintln(w, "# TYPE streamrelay_vod_fetches_total counter")
	for _, outcome := range vodFetches {
		fmt.Fprintf(w, "streamrelay_vod_fetches_total{outcome=\"%s\"} %d\n", outcome, r.vodFetches[outcome])
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
			continue
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
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
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

// StreamStarted increments counters on the default recorder.
func StreamStarted() {
	defaultRecorder.StreamStarted()
}

// StreamStopped decrements active streams on the default recorder.
func StreamStopped() {
	defaultRecorder.StreamStopped()
}

// ObserveRestart records a pipeline restart on the default recorder.
func ObserveRestart(reason string) {
	defaultRecorder.ObserveRestart(reason)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
