package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nkiryanov/evpay/internal/events"
)

const namespace = "evpay"

// Metrics of payment orders, wallet ledger and payment providers.
// Zero value (or nil) is valid and records nothing.
type Metrics struct {
	orders    *prometheus.CounterVec
	ledger    *prometheus.CounterVec
	callbacks *prometheus.CounterVec
	provider  *prometheus.HistogramVec
}

// New registers metrics on the provided registerer
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}

	m := &Metrics{
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Payment order lifecycle transitions.",
		}, []string{"method", "event"}),
		ledger: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_transactions_total",
			Help:      "Wallet ledger transactions applied.",
		}, []string{"type"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Inbound provider callbacks by kind and result.",
		}, []string{"method", "kind", "result"}),
		provider: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of requests to payment providers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "operation", "outcome"}),
	}
	reg.MustRegister(m.orders, m.ledger, m.callbacks, m.provider)

	return m
}

// Publish counts lifecycle events, so metrics subscribe to the same stream as the audit log
func (m *Metrics) Publish(_ context.Context, e events.Event) {
	if m == nil || m.orders == nil {
		return
	}

	switch e.Type {
	case events.LedgerApplied:
		m.ledger.WithLabelValues(label(string(e.TransactionType))).Inc()
	default:
		m.orders.WithLabelValues(label(string(e.Method)), string(e.Type)).Inc()
	}
}

// ObserveCallback counts callbacks: kind is confirm or cancel, result is ok or the error class
func (m *Metrics) ObserveCallback(method, kind, result string) {
	if m == nil || m.callbacks == nil {
		return
	}
	m.callbacks.WithLabelValues(label(method), label(kind), label(result)).Inc()
}

func (m *Metrics) ObserveProviderRequest(provider, operation string, duration time.Duration, err error) {
	if m == nil || m.provider == nil {
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.provider.WithLabelValues(label(provider), label(operation), outcome).Observe(duration.Seconds())
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
