// Package metrics 定义注册中心的Prometheus指标。
// 所有方法都可以在nil接收者上调用，未启用指标时组件直接传nil
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "service_registry"

// Metrics 注册中心各组件的Prometheus指标
type Metrics struct {
	registrations   *prometheus.CounterVec
	deregistrations *prometheus.CounterVec
	expirations     *prometheus.CounterVec
	heartbeats      prometheus.Counter
	instances       *prometheus.GaugeVec

	healthChecks     *prometheus.CounterVec
	probeLatency     *prometheus.HistogramVec
	healthTransition *prometheus.CounterVec
	monitored        prometheus.Gauge

	circuitTransitions *prometheus.CounterVec

	selections *prometheus.CounterVec

	discoveries *prometheus.CounterVec
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

// New 创建指标并注册到reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Total number of instance registrations",
		}, []string{"service"}),
		deregistrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deregistrations_total",
			Help:      "Total number of explicit instance deregistrations",
		}, []string{"service"}),
		expirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expirations_total",
			Help:      "Total number of instances evicted by the TTL sweeper",
		}, []string{"service"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Total number of accepted heartbeats",
		}),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances",
			Help:      "Number of registered instances by status",
		}, []string{"status"}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Total number of health probes by check type and result",
		}, []string{"check_type", "result"}),
		probeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_duration_seconds",
			Help:      "Health probe latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"check_type"}),
		healthTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_transitions_total",
			Help:      "Health state transitions driven by probes",
		}, []string{"to"}),
		monitored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_monitored_instances",
			Help:      "Number of instances with an active health check",
		}),
		circuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"to"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balancer_selections_total",
			Help:      "Load balancer selections by service and strategy",
		}, []string{"service", "strategy"}),
		discoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_requests_total",
			Help:      "Discovery queries by result",
		}, []string{"result"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_cache_hits_total",
			Help:      "Discovery cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_cache_misses_total",
			Help:      "Discovery cache misses",
		}),
	}

	reg.MustRegister(
		m.registrations, m.deregistrations, m.expirations, m.heartbeats, m.instances,
		m.healthChecks, m.probeLatency, m.healthTransition, m.monitored,
		m.circuitTransitions, m.selections,
		m.discoveries, m.cacheHits, m.cacheMisses,
	)
	return m
}

// Registered 记录一次注册
func (m *Metrics) Registered(service string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(service).Inc()
}

// Deregistered 记录一次注销
func (m *Metrics) Deregistered(service string) {
	if m == nil {
		return
	}
	m.deregistrations.WithLabelValues(service).Inc()
}

// Expired 记录一次过期清理
func (m *Metrics) Expired(service string) {
	if m == nil {
		return
	}
	m.expirations.WithLabelValues(service).Inc()
}

// Heartbeat 记录一次心跳
func (m *Metrics) Heartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

// SetInstanceCounts 按状态设置实例数量
func (m *Metrics) SetInstanceCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.instances.Reset()
	for status, n := range counts {
		m.instances.WithLabelValues(status).Set(float64(n))
	}
}

// HealthCheck 记录一次健康探测
func (m *Metrics) HealthCheck(checkType string, success bool, latency time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.healthChecks.WithLabelValues(checkType, result).Inc()
	m.probeLatency.WithLabelValues(checkType).Observe(latency.Seconds())
}

// HealthTransition 记录一次由探测驱动的状态变化
func (m *Metrics) HealthTransition(to string) {
	if m == nil {
		return
	}
	m.healthTransition.WithLabelValues(to).Inc()
}

// SetMonitored 设置处于主动检查中的实例数
func (m *Metrics) SetMonitored(n int) {
	if m == nil {
		return
	}
	m.monitored.Set(float64(n))
}

// CircuitTransition 记录一次熔断器状态变化
func (m *Metrics) CircuitTransition(to string) {
	if m == nil {
		return
	}
	m.circuitTransitions.WithLabelValues(to).Inc()
}

// Selection 记录一次负载均衡选择
func (m *Metrics) Selection(service, strategy string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(service, strategy).Inc()
}

// Discovery 记录一次服务发现请求的结果
func (m *Metrics) Discovery(result string) {
	if m == nil {
		return
	}
	m.discoveries.WithLabelValues(result).Inc()
}

// CacheHit 记录缓存命中
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// CacheMiss 记录缓存未命中
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}
