// Package metrics provides Prometheus metrics for the engine and its admin
// plane.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"slimweb"
	"slimweb/conn"
)

// Default histogram buckets for exchange latency.
var defaultBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Buckets for the number of exchanges a connection carried.
var exchangeBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000}

// Connection roles used as label values.
const (
	RoleServer = "server"
	RoleClient = "client"
)

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsOpen  *prometheus.GaugeVec
	ConnectionsTotal *prometheus.CounterVec
	ExchangesPerConn *prometheus.HistogramVec
	ExchangesTotal   *prometheus.CounterVec
	ExchangeDuration *prometheus.HistogramVec
	ProtocolErrors   *prometheus.CounterVec

	AdminRequestsTotal   *prometheus.CounterVec
	AdminRequestDuration *prometheus.HistogramVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectionsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slimweb_connections_open",
			Help: "Connections currently open.",
		}, []string{"role"}),

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slimweb_connections_total",
			Help: "Total connections opened.",
		}, []string{"role"}),

		ExchangesPerConn: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slimweb_connection_exchanges",
			Help:    "Exchanges carried by a connection before it closed.",
			Buckets: exchangeBuckets,
		}, []string{"role"}),

		ExchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slimweb_exchanges_total",
			Help: "Total completed request/response exchanges.",
		}, []string{"role", "method", "status_code"}),

		ExchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slimweb_exchange_duration_seconds",
			Help:    "Exchange latency in seconds, from request head to end of response.",
			Buckets: defaultBuckets,
		}, []string{"role", "method"}),

		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slimweb_connection_errors_total",
			Help: "Connections ended by an error, by error kind.",
		}, []string{"role", "kind"}),

		AdminRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slimweb_admin_requests_total",
			Help: "Total admin plane HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		AdminRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slimweb_admin_request_duration_seconds",
			Help:    "Admin plane request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slimweb_upstream_request_duration_seconds",
			Help:    "Forwarded request latency in seconds, until the response head.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slimweb_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),
	}

	reg.MustRegister(
		m.ConnectionsOpen,
		m.ConnectionsTotal,
		m.ExchangesPerConn,
		m.ExchangesTotal,
		m.ExchangeDuration,
		m.ProtocolErrors,
		m.AdminRequestsTotal,
		m.AdminRequestDuration,
		m.UpstreamDuration,
		m.UpstreamResponses,
	)

	return m
}

// Observer returns a connection observer that records into m under role.
func (m *Metrics) Observer(role string) conn.Observer {
	return &observer{m: m, role: role}
}

type observer struct {
	m    *Metrics
	role string
}

func (o *observer) ConnOpened() {
	o.m.ConnectionsOpen.WithLabelValues(o.role).Inc()
	o.m.ConnectionsTotal.WithLabelValues(o.role).Inc()
}

func (o *observer) ConnClosed(exchanges int) {
	o.m.ConnectionsOpen.WithLabelValues(o.role).Dec()
	o.m.ExchangesPerConn.WithLabelValues(o.role).Observe(float64(exchanges))
}

func (o *observer) Exchange(method slimweb.Method, status int, elapsed time.Duration) {
	mth := NormalizeMethod(string(method))
	o.m.ExchangesTotal.WithLabelValues(o.role, mth, strconv.Itoa(status)).Inc()
	o.m.ExchangeDuration.WithLabelValues(o.role, mth).Observe(elapsed.Seconds())
}

func (o *observer) Failure(err error) {
	o.m.ProtocolErrors.WithLabelValues(o.role, slimweb.KindName(err)).Inc()
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "CONNECT": true, "TRACE": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed admin path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
