// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides client-side metrics and tracing for
// finychat sessions.
//
// # Description
//
// Metrics cover the streaming send path as seen from the client:
//   - Streams by terminal status (done, failed, cancelled)
//   - Events applied, by event type
//   - Stream duration and time to first event
//   - Active streams
//   - Conversation index refreshes by result
//
// A nil *ClientMetrics is valid and records nothing, so components can
// take metrics as an optional dependency.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "finychat"
	sessionSubsystem = "session"
)

// Refresh results used as the "result" label.
const (
	RefreshOK     = "ok"
	RefreshFailed = "failed"
)

// ClientMetrics holds all Prometheus collectors for a client process.
type ClientMetrics struct {
	// StreamsTotal counts finished streams. Labels: status.
	StreamsTotal *prometheus.CounterVec

	// EventsTotal counts decoded events applied to state. Labels: event_type.
	EventsTotal *prometheus.CounterVec

	// ProtocolErrorsTotal counts streams aborted by undecodable frames.
	ProtocolErrorsTotal prometheus.Counter

	// StreamDurationSeconds measures send-to-terminal time. Labels: status.
	StreamDurationSeconds *prometheus.HistogramVec

	// TimeToFirstEventSeconds measures send-to-first-applied-event time.
	TimeToFirstEventSeconds prometheus.Histogram

	// ActiveStreams is 1 while a session is sending or streaming.
	ActiveStreams prometheus.Gauge

	// IndexRefreshTotal counts conversation index refreshes. Labels: result.
	IndexRefreshTotal *prometheus.CounterVec
}

// NewClientMetrics creates the collectors and registers them with reg.
//
// # Inputs
//
//   - reg: Registry to register with. nil creates unregistered collectors,
//     which is convenient in tests that read values with testutil.
//
// # Outputs
//
//   - *ClientMetrics: ready to record.
//   - error: registration failure (for example, duplicate registration).
func NewClientMetrics(reg prometheus.Registerer) (*ClientMetrics, error) {
	m := &ClientMetrics{
		StreamsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: sessionSubsystem,
			Name:      "streams_total",
			Help:      "Finished chat streams by terminal status",
		}, []string{"status"}),

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: sessionSubsystem,
			Name:      "events_total",
			Help:      "Stream events applied to the transcript by event type",
		}, []string{"event_type"}),

		ProtocolErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: sessionSubsystem,
			Name:      "protocol_errors_total",
			Help:      "Streams aborted because a frame could not be decoded",
		}),

		StreamDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: sessionSubsystem,
			Name:      "stream_duration_seconds",
			Help:      "Time from send to terminal state in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"status"}),

		TimeToFirstEventSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: sessionSubsystem,
			Name:      "time_to_first_event_seconds",
			Help:      "Time from send to the first applied stream event in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: sessionSubsystem,
			Name:      "active_streams",
			Help:      "Sends currently in flight",
		}),

		IndexRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "index",
			Name:      "refresh_total",
			Help:      "Conversation index refreshes by result",
		}, []string{"result"}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *ClientMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.StreamsTotal,
		m.EventsTotal,
		m.ProtocolErrorsTotal,
		m.StreamDurationSeconds,
		m.TimeToFirstEventSeconds,
		m.ActiveStreams,
		m.IndexRefreshTotal,
	}
}

// StreamStarted marks a send as in flight.
func (m *ClientMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamFinished records a terminal status and the elapsed time since start.
func (m *ClientMetrics) StreamFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamsTotal.WithLabelValues(status).Inc()
	m.StreamDurationSeconds.WithLabelValues(status).Observe(elapsed.Seconds())
}

// EventApplied counts one applied event.
func (m *ClientMetrics) EventApplied(eventType string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// FirstEvent records time to first applied event.
func (m *ClientMetrics) FirstEvent(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TimeToFirstEventSeconds.Observe(elapsed.Seconds())
}

// ProtocolError counts a stream aborted by a bad frame.
func (m *ClientMetrics) ProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrorsTotal.Inc()
}

// IndexRefreshed records a refresh outcome.
func (m *ClientMetrics) IndexRefreshed(err error) {
	if m == nil {
		return
	}
	result := RefreshOK
	if err != nil {
		result = RefreshFailed
	}
	m.IndexRefreshTotal.WithLabelValues(result).Inc()
}
