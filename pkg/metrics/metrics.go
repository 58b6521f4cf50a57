// Package metrics 定价服务的 Prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "optpricer"

// Metrics 指标集合
type Metrics struct {
	// 定价请求计数 (method, status)
	ValuationsTotal *prometheus.CounterVec
	// 定价耗时 (method)
	ValuationDuration *prometheus.HistogramVec
	// LSM 回归退化次数
	RegressionFallbacks prometheus.Counter
	// 结果缓存命中 (result=hit|miss)
	CacheLookups *prometheus.CounterVec
	// 事件发布失败
	PublishErrors prometheus.Counter
}

// New 创建指标实例 (尚未注册)
func New(subsystem string) *Metrics {
	return &Metrics{
		ValuationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "valuations_total",
			Help:      "Total option valuations by method and status",
		}, []string{"method", "status"}),
		ValuationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "valuation_duration_seconds",
			Help:      "Option valuation latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		RegressionFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lsm_regression_fallbacks_total",
			Help:      "LSM backward steps that fell back to the constant-mean continuation",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_lookups_total",
			Help:      "Seeded valuation cache lookups",
		}, []string{"result"}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "event_publish_errors_total",
			Help:      "Valuation events that failed to publish",
		}),
	}
}

// Register 注册到 registerer
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.ValuationsTotal,
		m.ValuationDuration,
		m.RegressionFallbacks,
		m.CacheLookups,
		m.PublishErrors,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveValuation 记录一次定价
func (m *Metrics) ObserveValuation(method string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ValuationsTotal.WithLabelValues(method, status).Inc()
	if err == nil {
		m.ValuationDuration.WithLabelValues(method).Observe(seconds)
	}
}

// ObserveCache 记录缓存命中情况
func (m *Metrics) ObserveCache(hit bool) {
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}
