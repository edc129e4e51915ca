// Package metrics 兑换流程的 Prometheus 指标
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RedemptionMetrics 兑换相关指标
type RedemptionMetrics struct {
	redemptions *prometheus.CounterVec
	transfers   *prometheus.HistogramVec
	prices      *prometheus.CounterVec
	pending     prometheus.Gauge
	http        *prometheus.CounterVec
}

var (
	redemptionOnce     sync.Once
	redemptionRegistry *RedemptionMetrics
)

// Redemption 返回延迟初始化的兑换指标
func Redemption() *RedemptionMetrics {
	redemptionOnce.Do(func() {
		redemptionRegistry = &RedemptionMetrics{
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "galapagos",
				Subsystem: "redemption",
				Name:      "requests_total",
				Help:      "Redemption requests segmented by outcome.",
			}, []string{"outcome"}),
			transfers: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "galapagos",
				Subsystem: "ledger",
				Name:      "transfer_duration_seconds",
				Help:      "Latency of reward transfers segmented by result.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			}, []string{"result"}),
			prices: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "galapagos",
				Subsystem: "oracle",
				Name:      "lookups_total",
				Help:      "Price lookups segmented by freshness of the returned quote.",
			}, []string{"freshness"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "galapagos",
				Subsystem: "redemption",
				Name:      "pending_reconciliation",
				Help:      "Tickets reserved with an unresolved transfer outcome.",
			}),
			http: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "galapagos",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and status.",
			}, []string{"route", "status"}),
		}
		prometheus.MustRegister(
			redemptionRegistry.redemptions,
			redemptionRegistry.transfers,
			redemptionRegistry.prices,
			redemptionRegistry.pending,
			redemptionRegistry.http,
		)
	})
	return redemptionRegistry
}

// ObserveRedemption 记录一次兑换结果
func (m *RedemptionMetrics) ObserveRedemption(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

// ObserveTransfer 记录一次转账耗时
func (m *RedemptionMetrics) ObserveTransfer(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(result).Observe(d.Seconds())
}

// ObservePrice 记录一次价格查询
func (m *RedemptionMetrics) ObservePrice(freshness string) {
	if m == nil {
		return
	}
	m.prices.WithLabelValues(freshness).Inc()
}

// SetPending 设置待对账票据数量
func (m *RedemptionMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// ObserveHTTP 记录一次 HTTP 请求
func (m *RedemptionMetrics) ObserveHTTP(route string, status int) {
	if m == nil {
		return
	}
	m.http.WithLabelValues(route, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
