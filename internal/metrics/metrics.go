// Package metrics exposes pipeline counters on a private registry, with an
// optional exposition handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline counters.
type Metrics struct {
	registry *prometheus.Registry

	LinesRead           prometheus.Counter
	BatchesDispatched   prometheus.Counter
	DocsAccepted        prometheus.Counter
	DocsRejected        prometheus.Counter
	RetryAttempts       prometheus.Counter
	BatchesDeadLettered prometheus.Counter
}

// New returns a Metrics set backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		LinesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracetail_lines_read_total",
			Help: "Lines read from the source file.",
		}),
		BatchesDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracetail_batches_dispatched_total",
			Help: "Batches handed to the shipper.",
		}),
		DocsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracetail_documents_accepted_total",
			Help: "Documents durably accepted by the store.",
		}),
		DocsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracetail_documents_rejected_total",
			Help: "Documents terminally rejected by the store.",
		}),
		RetryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracetail_retry_attempts_total",
			Help: "Bulk request retry attempts.",
		}),
		BatchesDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracetail_batches_dead_lettered_total",
			Help: "Batches persisted to the dead-letter area.",
		}),
	}
}

// Handler returns an exposition handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
