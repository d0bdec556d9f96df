package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tourguard"

// Metrics 指标管理器，每个实例持有独立的 Registry
type Metrics struct {
	registry *prometheus.Registry

	// HTTP请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// SOS 业务指标
	sosCreatedTotal     *prometheus.CounterVec
	sosTransitionsTotal *prometheus.CounterVec
	sosPending          prometheus.Gauge
	auditFailuresTotal  prometheus.Counter

	// 限流
	rateLimitTotal *prometheus.CounterVec

	// 实时推送
	wsConnections   prometheus.Gauge
	broadcastsTotal *prometheus.CounterVec
}

// NewMetrics 创建指标管理器
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		sosCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sos_created_total",
				Help:      "SOS events created, by ingress channel",
			},
			[]string{"channel"},
		),
		sosTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sos_status_transitions_total",
				Help:      "SOS status updates, by previous and new status",
			},
			[]string{"from", "to"},
		),
		sosPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sos_pending",
			Help:      "SOS events currently pending",
		}),
		auditFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit rows that failed to persist after a committed status change",
		}),
		rateLimitTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sos_rate_limit_total",
				Help:      "SOS admission decisions",
			},
			[]string{"result"},
		),
		wsConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open WebSocket connections",
		}),
		broadcastsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcasts_total",
				Help:      "Fan-out broadcasts by topic",
			},
			[]string{"topic"},
		),
	}
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler Prometheus 抓取端点
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest 记录HTTP请求指标
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) RecordSOSCreated(channel string) {
	m.sosCreatedTotal.WithLabelValues(channel).Inc()
}

func (m *Metrics) RecordTransition(from, to string) {
	m.sosTransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) SetPending(n int64) {
	m.sosPending.Set(float64(n))
}

func (m *Metrics) RecordAuditFailure() {
	m.auditFailuresTotal.Inc()
}

// OnAllow / OnDeny 供限流器上报
func (m *Metrics) OnAllow(key string) { m.rateLimitTotal.WithLabelValues("allow").Inc() }
func (m *Metrics) OnDeny(key string)  { m.rateLimitTotal.WithLabelValues("deny").Inc() }

func (m *Metrics) ConnectionOpened() { m.wsConnections.Inc() }
func (m *Metrics) ConnectionClosed() { m.wsConnections.Dec() }

func (m *Metrics) RecordBroadcast(topic string) {
	m.broadcastsTotal.WithLabelValues(topic).Inc()
}
