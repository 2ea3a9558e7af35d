package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider.
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Prometheus configuration
	MetricsPath string // HTTP path for metrics endpoint (default: /metrics)
	MetricsPort int    // Port for metrics server (default: 9464)

	// Metric options
	Namespace        string    // Prometheus namespace (default: llmbridge)
	Subsystem        string    // Prometheus subsystem
	HistogramBuckets []float64 // Custom histogram buckets for latency

	// Registerer receives all collectors. Defaults to the process-global
	// registry; tests pass their own.
	Registerer prometheus.Registerer

	// Labels to add to all metrics
	ConstLabels prometheus.Labels
}

// MetricsProvider records bridge metrics.
type MetricsProvider interface {
	// Record request execution
	RecordRequest(ctx context.Context, requestType, providerID, status string, duration time.Duration)
	RecordRejection(ctx context.Context, reason string)
	RecordInFlight(ctx context.Context, delta int)
	RecordStreamChunk(ctx context.Context, providerID string)

	// Record provider state
	RecordProviderHealth(ctx context.Context, providerID, status string)
	RecordProbe(ctx context.Context, providerID, status string, duration time.Duration)

	// Record tunnel events
	RecordTunnelState(ctx context.Context, state string)
	RecordReconnect(ctx context.Context)
	RecordQueueDepth(ctx context.Context, depth int)
	RecordDroppedResponse(ctx context.Context)

	// Custom metrics
	RecordGauge(name string, value float64, labels prometheus.Labels)
	RecordCounter(name string, labels prometheus.Labels)
	RecordHistogram(name string, value float64, labels prometheus.Labels)

	// Management
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// PrometheusMetricsProvider implements MetricsProvider using Prometheus.
type PrometheusMetricsProvider struct {
	config MetricsConfig
	server *http.Server

	// Request metrics
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	rejectionTotal  *prometheus.CounterVec
	inFlight        prometheus.Gauge
	streamChunks    *prometheus.CounterVec

	// Provider metrics
	providerHealth *prometheus.GaugeVec
	probeDuration  *prometheus.HistogramVec

	// Tunnel metrics
	tunnelState      *prometheus.GaugeVec
	reconnectTotal   prometheus.Counter
	queueDepth       prometheus.Gauge
	droppedResponses prometheus.Counter

	// Custom metrics registry
	customMetrics map[string]prometheus.Collector
	mu            sync.RWMutex
}

// healthStates are every value the provider health gauge can take.
var healthStates = []string{"unknown", "healthy", "degraded", "unhealthy"}

// tunnelStates are every value the tunnel state gauge can take.
var tunnelStates = []string{"connected", "connecting", "disconnected"}

// NewMetricsProvider creates a new Prometheus metrics provider.
func NewMetricsProvider(config MetricsConfig) (MetricsProvider, error) {
	// Set defaults
	if config.Namespace == "" {
		config.Namespace = "llmbridge"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.MetricsPort == 0 {
		config.MetricsPort = 9464
	}
	if config.HistogramBuckets == nil {
		// Default buckets for milliseconds; the long tail covers model pulls.
		config.HistogramBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 300000}
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.DefaultRegisterer
	}

	if config.ConstLabels == nil {
		config.ConstLabels = prometheus.Labels{}
	}
	config.ConstLabels["service"] = config.ServiceName
	config.ConstLabels["version"] = config.ServiceVersion
	config.ConstLabels["environment"] = config.Environment

	provider := &PrometheusMetricsProvider{
		config:        config,
		customMetrics: make(map[string]prometheus.Collector),
	}

	provider.initializeMetrics()

	if err := provider.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return provider, nil
}

// initializeMetrics creates all metric collectors.
func (p *PrometheusMetricsProvider) initializeMetrics() {
	p.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "request_duration_milliseconds",
			Help:        "Duration of forwarded requests in milliseconds",
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"type", "provider", "status"},
	)

	p.requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "request_total",
			Help:        "Total number of forwarded requests",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"type", "provider", "status"},
	)

	p.rejectionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "rejection_total",
			Help:        "Requests rejected before execution",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"reason"},
	)

	p.inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "requests_in_flight",
			Help:        "Requests currently executing against providers",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.streamChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "stream_chunks_total",
			Help:        "Streaming chunks relayed from providers",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"provider"},
	)

	p.providerHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "provider_health",
			Help:        "Provider health state (1 for the current state, 0 otherwise)",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"provider", "status"},
	)

	p.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "probe_duration_milliseconds",
			Help:        "Duration of provider liveness probes in milliseconds",
			Buckets:     []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 3000},
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"provider", "status"},
	)

	p.tunnelState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "tunnel_state",
			Help:        "Tunnel connection state (1 for the current state, 0 otherwise)",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"state"},
	)

	p.reconnectTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "tunnel_reconnect_total",
			Help:        "Tunnel reconnection attempts",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "offline_queue_depth",
			Help:        "Messages waiting in the offline queue",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.droppedResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "dropped_response_total",
			Help:        "Responses dropped after submission retries or queue overflow",
			ConstLabels: p.config.ConstLabels,
		},
	)
}

// registerMetrics registers all metrics with the configured registerer.
func (p *PrometheusMetricsProvider) registerMetrics() error {
	collectors := []prometheus.Collector{
		p.requestDuration,
		p.requestTotal,
		p.rejectionTotal,
		p.inFlight,
		p.streamChunks,
		p.providerHealth,
		p.probeDuration,
		p.tunnelState,
		p.reconnectTotal,
		p.queueDepth,
		p.droppedResponses,
	}

	for _, collector := range collectors {
		if err := p.config.Registerer.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// RecordRequest records one completed forwarded request.
func (p *PrometheusMetricsProvider) RecordRequest(ctx context.Context, requestType, providerID, status string, duration time.Duration) {
	ms := float64(duration.Milliseconds())
	p.requestDuration.WithLabelValues(requestType, providerID, status).Observe(ms)
	p.requestTotal.WithLabelValues(requestType, providerID, status).Inc()
}

// RecordRejection records a request rejected before execution.
func (p *PrometheusMetricsProvider) RecordRejection(ctx context.Context, reason string) {
	p.rejectionTotal.WithLabelValues(reason).Inc()
}

// RecordInFlight records the change in executing requests.
func (p *PrometheusMetricsProvider) RecordInFlight(ctx context.Context, delta int) {
	if delta > 0 {
		p.inFlight.Add(float64(delta))
	} else {
		p.inFlight.Sub(float64(-delta))
	}
}

// RecordStreamChunk records one relayed streaming chunk.
func (p *PrometheusMetricsProvider) RecordStreamChunk(ctx context.Context, providerID string) {
	p.streamChunks.WithLabelValues(providerID).Inc()
}

// RecordProviderHealth records a provider's current health state.
func (p *PrometheusMetricsProvider) RecordProviderHealth(ctx context.Context, providerID, status string) {
	for _, state := range healthStates {
		p.providerHealth.WithLabelValues(providerID, state).Set(0)
	}
	p.providerHealth.WithLabelValues(providerID, status).Set(1)
}

// RecordProbe records one provider liveness probe.
func (p *PrometheusMetricsProvider) RecordProbe(ctx context.Context, providerID, status string, duration time.Duration) {
	p.probeDuration.WithLabelValues(providerID, status).Observe(float64(duration.Milliseconds()))
}

// RecordTunnelState records the current tunnel connection state.
func (p *PrometheusMetricsProvider) RecordTunnelState(ctx context.Context, state string) {
	for _, s := range tunnelStates {
		p.tunnelState.WithLabelValues(s).Set(0)
	}
	p.tunnelState.WithLabelValues(state).Set(1)
}

// RecordReconnect records a tunnel reconnection attempt.
func (p *PrometheusMetricsProvider) RecordReconnect(ctx context.Context) {
	p.reconnectTotal.Inc()
}

// RecordQueueDepth records the offline queue depth.
func (p *PrometheusMetricsProvider) RecordQueueDepth(ctx context.Context, depth int) {
	p.queueDepth.Set(float64(depth))
}

// RecordDroppedResponse records a response the bridge gave up delivering.
func (p *PrometheusMetricsProvider) RecordDroppedResponse(ctx context.Context) {
	p.droppedResponses.Inc()
}

// RecordGauge records a custom gauge metric.
func (p *PrometheusMetricsProvider) RecordGauge(name string, value float64, labels prometheus.Labels) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := name + fmt.Sprint(labels)
	if gauge, exists := p.customMetrics[key]; exists {
		if g, ok := gauge.(*prometheus.GaugeVec); ok {
			g.With(labels).Set(value)
			return
		}
	}

	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   "custom",
			Name:        name,
			Help:        fmt.Sprintf("Custom gauge metric: %s", name),
			ConstLabels: p.config.ConstLabels,
		},
		getLabelsKeys(labels),
	)

	p.config.Registerer.MustRegister(gauge)
	p.customMetrics[key] = gauge
	gauge.With(labels).Set(value)
}

// RecordCounter records a custom counter metric.
func (p *PrometheusMetricsProvider) RecordCounter(name string, labels prometheus.Labels) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := name + fmt.Sprint(labels)
	if counter, exists := p.customMetrics[key]; exists {
		if c, ok := counter.(*prometheus.CounterVec); ok {
			c.With(labels).Inc()
			return
		}
	}

	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   "custom",
			Name:        name,
			Help:        fmt.Sprintf("Custom counter metric: %s", name),
			ConstLabels: p.config.ConstLabels,
		},
		getLabelsKeys(labels),
	)

	p.config.Registerer.MustRegister(counter)
	p.customMetrics[key] = counter
	counter.With(labels).Inc()
}

// RecordHistogram records a custom histogram metric.
func (p *PrometheusMetricsProvider) RecordHistogram(name string, value float64, labels prometheus.Labels) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := name + fmt.Sprint(labels)
	if histogram, exists := p.customMetrics[key]; exists {
		if h, ok := histogram.(*prometheus.HistogramVec); ok {
			h.With(labels).Observe(value)
			return
		}
	}

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   "custom",
			Name:        name,
			Help:        fmt.Sprintf("Custom histogram metric: %s", name),
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		getLabelsKeys(labels),
	)

	p.config.Registerer.MustRegister(histogram)
	p.customMetrics[key] = histogram
	histogram.With(labels).Observe(value)
}

// Start starts the metrics HTTP server.
func (p *PrometheusMetricsProvider) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	handler := promhttp.Handler()
	if gatherer, ok := p.config.Registerer.(prometheus.Gatherer); ok {
		handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	mux.Handle(p.config.MetricsPath, handler)

	p.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", p.config.MetricsPort),
		Handler: mux,
	}

	go func() {
		_ = p.server.ListenAndServe()
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server.
func (p *PrometheusMetricsProvider) Shutdown(ctx context.Context) error {
	if p.server != nil {
		return p.server.Shutdown(ctx)
	}
	return nil
}

// Helper function to extract label keys from a map
func getLabelsKeys(labels prometheus.Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	return keys
}
