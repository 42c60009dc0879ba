// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package streamhttp

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder observes transport activity. Implementations must be safe
// for concurrent use; every method is called on hot paths.
type MetricsRecorder interface {
	// IncRequests counts one finished HTTP request by method and status code.
	IncRequests(method, status string)
	// IncSessions adjusts the live-session gauge (+1 on create, -1 on
	// terminate).
	IncSessions(delta int)
	// IncEventsWritten counts one event persisted to the event store, by
	// stream kind ("post" or "get").
	IncEventsWritten(stream string)
	// IncEventsReplayed counts one stored event replayed to a resuming
	// client.
	IncEventsReplayed()
	// ObserveRequestDuration records the wall time of one HTTP request in
	// milliseconds.
	ObserveRequestDuration(method string, durationMs float64)
}

// nopMetricsRecorder is the default when no recorder is configured.
type nopMetricsRecorder struct{}

func (nopMetricsRecorder) IncRequests(string, string)             {}
func (nopMetricsRecorder) IncSessions(int)                        {}
func (nopMetricsRecorder) IncEventsWritten(string)                {}
func (nopMetricsRecorder) IncEventsReplayed()                     {}
func (nopMetricsRecorder) ObserveRequestDuration(string, float64) {}

// InMemoryMetricsRecorder counts in plain maps with no external
// dependencies, which makes test assertions easy.
type InMemoryMetricsRecorder struct {
	mu             sync.Mutex
	Requests       map[string]map[string]int
	Sessions       int
	EventsWritten  map[string]int
	EventsReplayed int
	DurationsMs    map[string][]float64
}

func NewInMemoryMetricsRecorder() *InMemoryMetricsRecorder {
	return &InMemoryMetricsRecorder{
		Requests:      map[string]map[string]int{},
		EventsWritten: map[string]int{},
		DurationsMs:   map[string][]float64{},
	}
}

func (m *InMemoryMetricsRecorder) IncRequests(method, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Requests[method]; !ok {
		m.Requests[method] = map[string]int{}
	}
	m.Requests[method][status]++
}

func (m *InMemoryMetricsRecorder) IncSessions(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions += delta
}

func (m *InMemoryMetricsRecorder) IncEventsWritten(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsWritten[stream]++
}

func (m *InMemoryMetricsRecorder) IncEventsReplayed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsReplayed++
}

func (m *InMemoryMetricsRecorder) ObserveRequestDuration(method string, durationMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DurationsMs[method] = append(m.DurationsMs[method], durationMs)
}

// ActiveSessions returns the current session gauge value.
func (m *InMemoryMetricsRecorder) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Sessions
}

// RequestCount returns the number of requests seen for a method/status
// pair.
func (m *InMemoryMetricsRecorder) RequestCount(method, status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Requests[method][status]
}

// PromRecorderConfig configures the Prometheus-backed recorder.
type PromRecorderConfig struct {
	Namespace string
	Subsystem string
	Buckets   []float64 // millisecond buckets; empty means the default set
}

func DefaultPromRecorderConfig() *PromRecorderConfig {
	return &PromRecorderConfig{
		Namespace: "mcp",
		Subsystem: "streamhttp",
		Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000},
	}
}

type PromRecorderOption func(*PromRecorderConfig)

func WithNamespace(ns string) PromRecorderOption {
	return func(cfg *PromRecorderConfig) {
		cfg.Namespace = ns
	}
}

func WithSubsystem(subsystem string) PromRecorderOption {
	return func(cfg *PromRecorderConfig) {
		cfg.Subsystem = subsystem
	}
}

func WithBuckets(buckets []float64) PromRecorderOption {
	return func(cfg *PromRecorderConfig) {
		cfg.Buckets = buckets
	}
}

// PrometheusMetricsRecorder exports transport metrics through the default
// Prometheus registry.
type PrometheusMetricsRecorder struct {
	requests *prometheus.CounterVec
	sessions prometheus.Gauge
	written  *prometheus.CounterVec
	replayed prometheus.Counter
	duration *prometheus.HistogramVec
}

func NewPrometheusMetricsRecorder(opts ...PromRecorderOption) (*PrometheusMetricsRecorder, error) {
	cfg := DefaultPromRecorderConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "requests_total",
		Help:      "Total HTTP requests handled by the transport",
	}, []string{"method", "status"})

	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "sessions_active",
		Help:      "Number of live sessions",
	})

	written := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "events_written_total",
		Help:      "Total SSE events persisted to the event store",
	}, []string{"stream"})

	replayed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "events_replayed_total",
		Help:      "Total stored SSE events replayed to resuming clients",
	})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "request_duration_ms",
		Help:      "Wall time of HTTP requests (ms)",
		Buckets:   cfg.Buckets,
	}, []string{"method"})

	for _, c := range []prometheus.Collector{requests, sessions, written, replayed, duration} {
		if err := prometheus.Register(c); err != nil {
			var alreadyRegistered prometheus.AlreadyRegisteredError
			if errors.As(err, &alreadyRegistered) {
				continue
			}
			return nil, err
		}
	}

	return &PrometheusMetricsRecorder{
		requests: requests,
		sessions: sessions,
		written:  written,
		replayed: replayed,
		duration: duration,
	}, nil
}

func (p *PrometheusMetricsRecorder) IncRequests(method, status string) {
	p.requests.WithLabelValues(method, status).Inc()
}

func (p *PrometheusMetricsRecorder) IncSessions(delta int) {
	p.sessions.Add(float64(delta))
}

func (p *PrometheusMetricsRecorder) IncEventsWritten(stream string) {
	p.written.WithLabelValues(stream).Inc()
}

func (p *PrometheusMetricsRecorder) IncEventsReplayed() {
	p.replayed.Inc()
}

func (p *PrometheusMetricsRecorder) ObserveRequestDuration(method string, durationMs float64) {
	p.duration.WithLabelValues(method).Observe(durationMs)
}

// streamLabel maps a stream id onto the low-cardinality metric label.
func streamLabel(streamID string) string {
	if streamID == standaloneStreamID {
		return "get"
	}
	return "post"
}

// countingEventWriter decorates an EventStreamWriter so every persisted
// event is counted.
type countingEventWriter struct {
	EventStreamWriter
	metrics MetricsRecorder
}

func wrapEventWriterMetrics(w EventStreamWriter, metrics MetricsRecorder) EventStreamWriter {
	if metrics == nil {
		return w
	}
	if _, nop := metrics.(nopMetricsRecorder); nop {
		return w
	}
	return &countingEventWriter{EventStreamWriter: w, metrics: metrics}
}

func (w *countingEventWriter) WriteEvent(ctx context.Context, event SSEEvent) (SSEEvent, error) {
	stamped, err := w.EventStreamWriter.WriteEvent(ctx, event)
	if err == nil {
		w.metrics.IncEventsWritten(streamLabel(w.StreamID()))
	}
	return stamped, err
}
