package inventory

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the ledger and deduction engine.
// A nil *Metrics is valid and records nothing.
// 台帳と引当エンジンのPrometheusメトリクス（nilの場合は何も記録しない）
type Metrics struct {
	movementsTotal      *prometheus.CounterVec
	deductionsTotal     *prometheus.CounterVec
	deductionDuration   prometheus.Histogram
	deductionRetries    prometheus.Counter
	negativeBalances    prometheus.Counter
	balanceCacheLookups *prometheus.CounterVec
	auditFailures       prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg
// メトリクスを作成してregに登録
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		movementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockledger",
			Name:      "movements_total",
			Help:      "Ledger records appended, by kind.",
		}, []string{"kind"}),
		deductionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockledger",
			Name:      "deductions_total",
			Help:      "Shipment deductions, by result.",
		}, []string{"result"}),
		deductionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stockledger",
			Name:      "deduction_duration_seconds",
			Help:      "Time spent in the deduction critical section.",
			Buckets:   prometheus.DefBuckets,
		}),
		deductionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stockledger",
			Name:      "deduction_retries_total",
			Help:      "Deduction commits retried after a conflict.",
		}),
		negativeBalances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stockledger",
			Name:      "negative_balance_total",
			Help:      "Balances observed below zero.",
		}),
		balanceCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockledger",
			Name:      "balance_cache_lookups_total",
			Help:      "Balance cache lookups, by result.",
		}, []string{"result"}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stockledger",
			Name:      "audit_publish_failures_total",
			Help:      "Audit events that could not be delivered.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.movementsTotal,
			m.deductionsTotal,
			m.deductionDuration,
			m.deductionRetries,
			m.negativeBalances,
			m.balanceCacheLookups,
			m.auditFailures,
		)
	}
	return m
}

func (m *Metrics) observeMovement(kind RecordKind) {
	if m == nil {
		return
	}
	m.movementsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeDeduction(result string, started time.Time) {
	if m == nil {
		return
	}
	m.deductionsTotal.WithLabelValues(result).Inc()
	m.deductionDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.deductionRetries.Inc()
}

func (m *Metrics) observeNegativeBalance() {
	if m == nil {
		return
	}
	m.negativeBalances.Inc()
}

func (m *Metrics) observeCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.balanceCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.balanceCacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) observeAuditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}
