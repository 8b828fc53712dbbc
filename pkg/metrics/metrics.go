// Package metrics provides the Prometheus metrics of the store and the publication engine. All
// metrics are registered with the controller-runtime metrics registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const namespace = "dpublish"

var (
	// ActivePublications is the number of running publication sessions.
	ActivePublications = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_publications",
			Help:      "Number of running publication sessions",
		},
	)

	// PublishedDocuments is the number of documents currently published, per publication.
	PublishedDocuments = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "published_documents",
			Help:      "Number of documents currently published to subscribers",
		},
		[]string{"publication"},
	)

	// EmittedEvents counts the events sent to subscribers.
	EmittedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emitted_events_total",
			Help:      "Total number of added/changed/removed events sent to subscribers",
		},
		[]string{"publication", "type"},
	)

	// ProcessedTasks counts the store notifications processed by publications.
	ProcessedTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processed_tasks_total",
			Help:      "Total number of store notifications processed",
		},
		[]string{"publication"},
	)

	// StoreDocuments is the number of stored documents, per collection.
	StoreDocuments = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_documents",
			Help:      "Number of documents held in the store",
		},
		[]string{"collection"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		ActivePublications,
		PublishedDocuments,
		EmittedEvents,
		ProcessedTasks,
		StoreDocuments,
	)
}
