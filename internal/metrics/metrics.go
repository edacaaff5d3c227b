// Package metrics counts protocol activity for the ops endpoint. A nil
// *Metrics is valid and counts nothing, so engines never need a stub.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	RoutedForwarded = "forwarded"
	RoutedRejected  = "rejected"
	RoutedRetried   = "retried"
)

type Metrics struct {
	registry          *prometheus.Registry
	intentsTotal      *prometheus.CounterVec
	fulfillmentsTotal *prometheus.CounterVec
	settlementsTotal  *prometheus.CounterVec
	routedTotal       *prometheus.CounterVec
	revertsTotal      *prometheus.CounterVec
}

func New() *Metrics {
	intents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_intents_initiated_total",
		Help: "Intents accepted by a source ledger",
	}, []string{"chain"})

	fulfillments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_fulfillments_total",
		Help: "Fulfillments recorded at a target ledger",
	}, []string{"chain"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_settlements_total",
		Help: "Settlements applied at a target ledger",
	}, []string{"chain", "outcome"})

	routed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_routed_total",
		Help: "Intent payloads processed by the hub router",
	}, []string{"status"})

	reverts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_reverts_total",
		Help: "Transport deliveries reverted to their origin",
	}, []string{"chain"})

	r := prometheus.NewRegistry()
	r.MustRegister(intents, fulfillments, settlements, routed, reverts)

	return &Metrics{
		registry:          r,
		intentsTotal:      intents,
		fulfillmentsTotal: fulfillments,
		settlementsTotal:  settlements,
		routedTotal:       routed,
		revertsTotal:      reverts,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncIntentInitiated(chain uint64) {
	if m == nil {
		return
	}
	m.intentsTotal.WithLabelValues(chainLabel(chain)).Inc()
}

func (m *Metrics) IncFulfillment(chain uint64) {
	if m == nil {
		return
	}
	m.fulfillmentsTotal.WithLabelValues(chainLabel(chain)).Inc()
}

func (m *Metrics) IncSettlement(chain uint64, fulfilled bool) {
	if m == nil {
		return
	}
	outcome := "unfulfilled"
	if fulfilled {
		outcome = "fulfilled"
	}
	m.settlementsTotal.WithLabelValues(chainLabel(chain), outcome).Inc()
}

func (m *Metrics) IncRouted(status string) {
	if m == nil {
		return
	}
	m.routedTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncRevert(chain uint64) {
	if m == nil {
		return
	}
	m.revertsTotal.WithLabelValues(chainLabel(chain)).Inc()
}

func chainLabel(chain uint64) string {
	return strconv.FormatUint(chain, 10)
}
