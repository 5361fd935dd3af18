package observability

import (
	"bytes"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"github.com/searchktools/reactor/core/pools"
)

// MetricsConfig configures the Prometheus collectors
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "reactor")
	Namespace string

	// Subsystem is the metrics subsystem (default: "")
	Subsystem string

	// ConstLabels are added to every metric
	ConstLabels prometheus.Labels

	// Buckets for the HTTP duration histogram (default: prometheus.DefBuckets)
	Buckets []float64

	// Registry receives the collectors (default: a fresh registry)
	Registry *prometheus.Registry

	// RuntimeCollectors adds the Go runtime and process collectors
	RuntimeCollectors bool
}

// MetricsOption configures MetricsConfig
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry
func WithRegistry(registry *prometheus.Registry) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// WithRuntimeCollectors registers the Go runtime and process collectors
func WithRuntimeCollectors() MetricsOption {
	return func(c *MetricsConfig) {
		c.RuntimeCollectors = true
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "reactor",
		Buckets:   prometheus.DefBuckets,
	}
}

// Metrics records reactor activity. A nil *Metrics is valid and records
// nothing, so components can call it unconditionally.
type Metrics struct {
	registry *prometheus.Registry
	config   MetricsConfig

	loopPasses    prometheus.Counter
	dispatched    *prometheus.CounterVec
	activeConns   prometheus.Gauge
	accepted      prometheus.Counter
	connects      *prometheus.CounterVec
	bytesRead     prometheus.Counter
	bytesWritten  prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpTimeouts  *prometheus.CounterVec
	parseFailures prometheus.Counter
}

// NewMetrics creates and registers the collectors
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if len(config.Buckets) == 0 {
		config.Buckets = prometheus.DefBuckets
	}

	if config.RuntimeCollectors {
		config.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	factory := promauto.With(config.Registry)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}

	return &Metrics{
		registry:   config.Registry,
		config:     config,
		loopPasses: counter("loop_passes_total", "Total number of poll-and-dispatch passes"),
		dispatched: counterVec("callbacks_total", "Callbacks dispatched by source kind", "kind"),
		activeConns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_connections",
			Help:        "Number of connections in the connected state",
			ConstLabels: config.ConstLabels,
		}),
		accepted:     counter("accepted_total", "Total number of accepted connections"),
		connects:     counterVec("connects_total", "Outbound connect attempts by result", "result"),
		bytesRead:    counter("read_bytes_total", "Bytes read from connections"),
		bytesWritten: counter("written_bytes_total", "Bytes written to connections"),
		httpRequests: counterVec("http_requests_total", "HTTP exchanges by method and status code", "method", "code"),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "http_request_duration_seconds",
			Help:        "Time from parsed request to reply",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"method"}),
		httpTimeouts:  counterVec("http_timeouts_total", "HTTP exchanges ended by a timeout", "stage"),
		parseFailures: counter("http_parse_failures_total", "Malformed HTTP requests"),
	}
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// LoopPass counts one poll-and-dispatch pass
func (m *Metrics) LoopPass() {
	if m == nil {
		return
	}
	m.loopPasses.Inc()
}

// Dispatched counts callbacks of a source kind (io, timer, signal, user)
func (m *Metrics) Dispatched(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.dispatched.WithLabelValues(kind).Add(float64(n))
}

// ConnOpened records a connection entering the connected state
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
}

// ConnClosed records a connected connection leaving it
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

// Accepted counts an accepted descriptor
func (m *Metrics) Accepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
}

// ConnectResult counts an outbound connect outcome
func (m *Metrics) ConnectResult(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.connects.WithLabelValues(result).Inc()
}

// BytesRead adds to the read byte counter
func (m *Metrics) BytesRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRead.Add(float64(n))
}

// BytesWritten adds to the written byte counter
func (m *Metrics) BytesWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesWritten.Add(float64(n))
}

// RecordRequest records a completed HTTP exchange
func (m *Metrics) RecordRequest(method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// Timeout counts an HTTP exchange ended by the read or handler deadline
func (m *Metrics) Timeout(stage string) {
	if m == nil {
		return
	}
	m.httpTimeouts.WithLabelValues(stage).Inc()
}

// ParseFailure counts a malformed request
func (m *Metrics) ParseFailure() {
	if m == nil {
		return
	}
	m.parseFailures.Inc()
}

// WatchBytePool exports the counters reported by stats (normally
// pools.GlobalStats) as gauges read at scrape time
func (m *Metrics) WatchBytePool(stats func() pools.BytePoolStats) {
	if m == nil || stats == nil {
		return
	}
	factory := promauto.With(m.registry)
	gauge := func(name, help string, read func(pools.BytePoolStats) uint64) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   m.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: m.config.ConstLabels,
		}, func() float64 { return float64(read(stats())) })
	}
	gauge("byte_pool_gets", "Byte slices handed out by the pool", func(s pools.BytePoolStats) uint64 { return s.TotalGets })
	gauge("byte_pool_puts", "Byte slices returned to the pool", func(s pools.BytePoolStats) uint64 { return s.TotalPuts })
	gauge("byte_pool_misses", "Requests too large for any pool tier", func(s pools.BytePoolStats) uint64 { return s.Misses })
}

// TextFormat renders every collector in the Prometheus text exposition format
func (m *Metrics) TextFormat() ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&out, mf); err != nil {
			return nil, err
		}
	}
	return out.Bytes(), nil
}
