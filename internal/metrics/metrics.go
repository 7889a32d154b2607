// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "socks5_proxy"
)

// Metrics contains all Prometheus metrics exposed by the proxy.
type Metrics struct {
	// SOCKS5 protocol metrics
	SOCKS5Connections      prometheus.Gauge
	SOCKS5ConnectionsTotal prometheus.Counter
	SOCKS5AuthFailures     prometheus.Counter
	SOCKS5ConnectLatency   prometheus.Histogram
	SOCKS5Errors           *prometheus.CounterVec
	SOCKS5BytesUp          *prometheus.CounterVec
	SOCKS5BytesDown        *prometheus.CounterVec

	// ACL metrics
	ACLEvaluations    prometheus.Counter
	ACLDenies         prometheus.Counter
	ACLAllows         prometheus.Counter
	ACLReloadTotal    prometheus.Counter
	ACLReloadFailures prometheus.Counter

	// QoS metrics
	QosActiveUsers         prometheus.Gauge
	QosBandwidthAllocated  *prometheus.CounterVec
	QosAllocationWait      prometheus.Histogram
	QosConnLimitRejections *prometheus.CounterVec

	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsTotal      prometheus.Counter
	SessionBatchFlush  prometheus.Counter
	SessionBatchErrors prometheus.Counter

	// Resolver / connection pool metrics
	ResolverLatency prometheus.Histogram
	ResolverErrors  prometheus.Counter
	PoolHits        prometheus.Counter
	PoolMisses      prometheus.Counter
	PoolEvictions   prometheus.Counter
	PoolActive      prometheus.Gauge
	PoolIdle        prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, for tests or multi-instance processes.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SOCKS5Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socks5_connections_active",
			Help:      "Number of active SOCKS5 connections",
		}),
		SOCKS5ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_connections_total",
			Help:      "Total SOCKS5 connections accepted",
		}),
		SOCKS5AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_auth_failures_total",
			Help:      "Total SOCKS5 authentication failures",
		}),
		SOCKS5ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socks5_connect_latency_seconds",
			Help:      "Histogram of SOCKS5 CONNECT request latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		SOCKS5Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_errors_total",
			Help:      "Total SOCKS5 handler errors by reply code",
		}, []string{"reply_code"}),
		SOCKS5BytesUp: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_bytes_uplink_total",
			Help:      "Total bytes relayed client to upstream, by user",
		}, []string{"user"}),
		SOCKS5BytesDown: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_bytes_downlink_total",
			Help:      "Total bytes relayed upstream to client, by user",
		}, []string{"user"}),

		ACLEvaluations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acl_evaluations_total",
			Help:      "Total ACL rule evaluations performed",
		}),
		ACLDenies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acl_denies_total",
			Help:      "Total ACL evaluations resulting in deny",
		}),
		ACLAllows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acl_allows_total",
			Help:      "Total ACL evaluations resulting in allow",
		}),
		ACLReloadTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acl_reload_total",
			Help:      "Total ACL configuration reloads attempted",
		}),
		ACLReloadFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acl_reload_failures_total",
			Help:      "Total ACL configuration reloads rejected as invalid",
		}),

		QosActiveUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "qos_active_users",
			Help:      "Number of users with an active QoS allocation",
		}),
		QosBandwidthAllocated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qos_bandwidth_allocated_bytes_total",
			Help:      "Total bytes granted by the QoS token bucket, by user",
		}, []string{"user"}),
		QosAllocationWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "qos_allocation_wait_seconds",
			Help:      "Histogram of suggested backpressure waits from the QoS shaper",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		QosConnLimitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qos_conn_limit_rejections_total",
			Help:      "Total connections refused by the QoS concurrency or per-host caps",
		}, []string{"user"}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active relay sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions created",
		}),
		SessionBatchFlush: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_batch_flush_total",
			Help:      "Total session batch-writer flushes",
		}),
		SessionBatchErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_batch_errors_total",
			Help:      "Total session batch-writer persistence errors",
		}),

		ResolverLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolver_latency_seconds",
			Help:      "Histogram of destination resolution latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		ResolverErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_errors_total",
			Help:      "Total resolution failures",
		}),
		PoolHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_hits_total",
			Help:      "Total pooled upstream connections reused",
		}),
		PoolMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_misses_total",
			Help:      "Total pool lookups requiring a fresh dial",
		}),
		PoolEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_evictions_total",
			Help:      "Total pooled connections evicted for being idle or dead",
		}),
		PoolActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_active_connections",
			Help:      "Number of upstream connections currently checked out",
		}),
		PoolIdle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_idle_connections",
			Help:      "Number of upstream connections currently idle in the pool",
		}),
	}
}

// RecordSOCKS5Connect records a new SOCKS5 connection.
func (m *Metrics) RecordSOCKS5Connect() {
	m.SOCKS5Connections.Inc()
	m.SOCKS5ConnectionsTotal.Inc()
}

// RecordSOCKS5Disconnect records a SOCKS5 connection closing.
func (m *Metrics) RecordSOCKS5Disconnect() {
	m.SOCKS5Connections.Dec()
}

// RecordSOCKS5AuthFailure records a failed authentication attempt.
func (m *Metrics) RecordSOCKS5AuthFailure() {
	m.SOCKS5AuthFailures.Inc()
}

// RecordSOCKS5Latency records CONNECT/BIND/UDP_ASSOCIATE request latency.
func (m *Metrics) RecordSOCKS5Latency(latencySeconds float64) {
	m.SOCKS5ConnectLatency.Observe(latencySeconds)
}

// RecordSOCKS5Error records a handler error by the reply code sent back
// to the client.
func (m *Metrics) RecordSOCKS5Error(replyCode string) {
	m.SOCKS5Errors.WithLabelValues(replyCode).Inc()
}

// RecordRelayBytes records bytes relayed in both directions for a user.
func (m *Metrics) RecordRelayBytes(user string, up, down int64) {
	if up > 0 {
		m.SOCKS5BytesUp.WithLabelValues(user).Add(float64(up))
	}
	if down > 0 {
		m.SOCKS5BytesDown.WithLabelValues(user).Add(float64(down))
	}
}

// RecordACLDecision records an ACL evaluation outcome.
func (m *Metrics) RecordACLDecision(allowed bool) {
	m.ACLEvaluations.Inc()
	if allowed {
		m.ACLAllows.Inc()
	} else {
		m.ACLDenies.Inc()
	}
}

// RecordACLReload records an ACL reload attempt and its outcome.
func (m *Metrics) RecordACLReload(err error) {
	m.ACLReloadTotal.Inc()
	if err != nil {
		m.ACLReloadFailures.Inc()
	}
}

// RecordResolve records resolver latency and whether it failed.
func (m *Metrics) RecordResolve(latencySeconds float64, err error) {
	m.ResolverLatency.Observe(latencySeconds)
	if err != nil {
		m.ResolverErrors.Inc()
	}
}
