// Package metrics exposes Prometheus collectors for the normalization
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "normalizer"

type Metrics struct {
	registry *prometheus.Registry

	documents      *prometheus.CounterVec
	mentions       *prometheus.CounterVec
	facts          *prometheus.CounterVec
	mappings       *prometheus.CounterVec
	graphNodes     prometheus.Counter
	graphEdges     prometheus.Counter
	latency        prometheus.Histogram
	vocabularySize prometheus.Gauge
	records        *prometheus.CounterVec
}

// New registers every collector on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "documents_processed_total",
			Help: "Documents run through the pipeline, by status.",
		}, []string{"status"}),
		mentions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mentions_total",
			Help: "Extracted mentions, by assertion.",
		}, []string{"assertion"}),
		facts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "facts_total",
			Help: "Fact operations, by outcome.",
		}, []string{"outcome"}),
		mappings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mapping_results_total",
			Help: "Concept mapping results, by method.",
		}, []string{"method"}),
		graphNodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "graph_nodes_created_total",
			Help: "Knowledge graph nodes created.",
		}),
		graphEdges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "graph_edges_created_total",
			Help: "Knowledge graph edges created.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "document_processing_seconds",
			Help:    "Time to process one document.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		vocabularySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "vocabulary_concepts",
			Help: "Concepts in the published vocabulary index.",
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "structured_records_total",
			Help: "Structured records loaded, by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.documents, m.mentions, m.facts, m.mappings,
		m.graphNodes, m.graphEdges, m.latency, m.vocabularySize, m.records,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveDocument(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(status).Inc()
	m.latency.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveMention(assertion string) {
	if m == nil {
		return
	}
	m.mentions.WithLabelValues(assertion).Inc()
}

func (m *Metrics) ObserveFact(outcome string) {
	if m == nil {
		return
	}
	m.facts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveMapping(method string) {
	if m == nil {
		return
	}
	m.mappings.WithLabelValues(method).Inc()
}

// ObserveGraph adds the nodes and edges created by one build.
func (m *Metrics) ObserveGraph(nodes, edges int) {
	if m == nil {
		return
	}
	m.graphNodes.Add(float64(nodes))
	m.graphEdges.Add(float64(edges))
}

func (m *Metrics) ObserveRecords(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.records.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) SetVocabularySize(n int) {
	if m == nil {
		return
	}
	m.vocabularySize.Set(float64(n))
}
