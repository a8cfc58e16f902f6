// Package metrics holds the Prometheus instruments for the knowledge graph
// service. Each Collector owns its registry so tests can build as many as
// they need.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	SearchDuration     *prometheus.HistogramVec
	SearchResults      *prometheus.HistogramVec
	TraversalNodes     prometheus.Histogram
	TraversalTruncated prometheus.Counter
	DecisionConflicts  *prometheus.CounterVec
	OperationErrors    *prometheus.CounterVec
}

func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		SearchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_duration_seconds",
				Help:      "Search latency by mode",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"mode"},
		),
		SearchResults: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_results_total",
				Help:      "Number of ranked matches per search before pagination",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 7),
			},
			[]string{"mode"},
		),
		TraversalNodes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "graph_traversal_nodes",
				Help:      "Nodes returned per graph traversal",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
		),
		TraversalTruncated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graph_traversal_truncated_total",
				Help:      "Traversals cut short by the node limit",
			},
		),
		DecisionConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decision_conflicts_total",
				Help:      "Decision writes rejected because the record changed concurrently",
			},
			[]string{"operation"},
		),
		OperationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_errors_total",
				Help:      "Failed facade operations by error kind",
			},
			[]string{"operation", "kind"},
		),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.SearchDuration,
		c.SearchResults,
		c.TraversalNodes,
		c.TraversalTruncated,
		c.DecisionConflicts,
		c.OperationErrors,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveSearch(mode string, matches int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.SearchDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	c.SearchResults.WithLabelValues(mode).Observe(float64(matches))
}

func (c *Collector) ObserveTraversal(nodes int, truncated bool) {
	if c == nil {
		return
	}
	c.TraversalNodes.Observe(float64(nodes))
	if truncated {
		c.TraversalTruncated.Inc()
	}
}

func (c *Collector) IncDecisionConflict(operation string) {
	if c == nil {
		return
	}
	c.DecisionConflicts.WithLabelValues(operation).Inc()
}

func (c *Collector) IncOperationError(operation, kind string) {
	if c == nil {
		return
	}
	c.OperationErrors.WithLabelValues(operation, kind).Inc()
}
