package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/helios-os/helios/internal/stream"
)

// Metrics holds all Prometheus metrics for the IPC core.
type Metrics struct {
	// HTTP metrics (introspection server)
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Stream transport metrics
	StreamsActive prometheus.Gauge
	StreamsTotal  prometheus.Counter
	BytesTotal    *prometheus.CounterVec
	WakeupsFired  *prometheus.CounterVec

	// Portal metrics
	PortalsActive    prometheus.Gauge
	PortalsTotal     prometheus.Counter
	CallsTotal       *prometheus.CounterVec
	CallDuration     *prometheus.HistogramVec
	ResponsesDropped prometheus.Counter

	// Process metrics
	ProcessesActive prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for the JSON stats endpoint
	mu       sync.RWMutex
	snapshot Snapshot
}

// Snapshot holds current values for the JSON stats endpoint.
type Snapshot struct {
	TotalRequests    int64   `json:"total_requests"`
	TotalCalls       int64   `json:"total_calls"`
	FailedCalls      int64   `json:"failed_calls"`
	TotalCallSeconds float64 `json:"total_call_seconds"`
	BytesWritten     int64   `json:"bytes_written"`
	BytesRead        int64   `json:"bytes_read"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector and starts the uptime updater.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_http_requests_total",
				Help: "Total number of introspection HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helios_http_request_duration_seconds",
				Help:    "Introspection HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		StreamsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "helios_streams_active",
				Help: "Number of live stream endpoints",
			},
		),
		StreamsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "helios_streams_total",
				Help: "Total number of streams created",
			},
		),
		BytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_stream_bytes_total",
				Help: "Bytes moved through streams",
			},
			[]string{"direction"},
		),
		WakeupsFired: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_stream_wakeups_total",
				Help: "One-shot wakeups fired",
			},
			[]string{"direction"},
		),

		PortalsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "helios_portals_active",
				Help: "Number of negotiated portals",
			},
		),
		PortalsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "helios_portals_total",
				Help: "Total number of portals negotiated",
			},
		),
		CallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_portal_calls_total",
				Help: "Total number of portal calls",
			},
			[]string{"route", "status"},
		),
		CallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helios_portal_call_duration_seconds",
				Help:    "Portal call round-trip duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"route"},
		),
		ResponsesDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "helios_portal_responses_dropped_total",
				Help: "Responses that arrived with no waiting caller",
			},
		),

		ProcessesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "helios_processes_active",
				Help: "Number of live processes",
			},
		),

		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "helios_ws_connections",
				Help: "Number of active WebSocket event subscribers",
			},
		),

		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "helios_uptime_seconds",
				Help: "Daemon uptime in seconds",
			},
		),
	}

	go m.updateUptime()
	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// StreamCreated implements stream.Observer.
func (m *Metrics) StreamCreated() {
	m.StreamsTotal.Inc()
}

// EndpointOpened implements stream.Observer.
func (m *Metrics) EndpointOpened() {
	m.StreamsActive.Inc()
}

// EndpointClosed implements stream.Observer.
func (m *Metrics) EndpointClosed() {
	m.StreamsActive.Dec()
}

// BytesWritten implements stream.Observer.
func (m *Metrics) BytesWritten(n int) {
	m.BytesTotal.WithLabelValues("write").Add(float64(n))
	m.mu.Lock()
	m.snapshot.BytesWritten += int64(n)
	m.mu.Unlock()
}

// BytesRead implements stream.Observer.
func (m *Metrics) BytesRead(n int) {
	m.BytesTotal.WithLabelValues("read").Add(float64(n))
	m.mu.Lock()
	m.snapshot.BytesRead += int64(n)
	m.mu.Unlock()
}

// WakeupFired implements stream.Observer.
func (m *Metrics) WakeupFired(dir stream.Direction) {
	m.WakeupsFired.WithLabelValues(dir.String()).Inc()
}

// PortalNegotiated implements portal.Observer.
func (m *Metrics) PortalNegotiated() {
	m.PortalsTotal.Inc()
	m.PortalsActive.Inc()
}

// PortalClosed implements portal.Observer.
func (m *Metrics) PortalClosed() {
	m.PortalsActive.Dec()
}

// CallCompleted implements portal.Observer.
func (m *Metrics) CallCompleted(route string, d time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.CallsTotal.WithLabelValues(route, status).Inc()
	m.CallDuration.WithLabelValues(route).Observe(d.Seconds())

	m.mu.Lock()
	m.snapshot.TotalCalls++
	m.snapshot.TotalCallSeconds += d.Seconds()
	if !ok {
		m.snapshot.FailedCalls++
	}
	m.mu.Unlock()
}

// ResponseDropped implements portal.Observer.
func (m *Metrics) ResponseDropped() {
	m.ResponsesDropped.Inc()
}

// RecordHTTPRequest records one introspection request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, d time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.mu.Unlock()
}

// SetProcessesActive sets the live process count.
func (m *Metrics) SetProcessesActive(n int) {
	m.ProcessesActive.Set(float64(n))
}

// IncWSConnections increments the subscriber gauge.
func (m *Metrics) IncWSConnections() { m.WSConnections.Inc() }

// DecWSConnections decrements the subscriber gauge.
func (m *Metrics) DecWSConnections() { m.WSConnections.Dec() }

// GetSnapshot returns current values for the JSON stats endpoint.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	s := m.snapshot
	m.mu.RUnlock()
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
