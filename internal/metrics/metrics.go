// Package metrics exposes navigation and job counters in the Prometheus
// format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahrdadan/wkit/internal/navigation"
)

const namespace = "wkit"

// Metrics holds the collectors of one process. It satisfies
// navigation.Observer and queue.JobObserver.
type Metrics struct {
	registry *prometheus.Registry

	navigations  *prometheus.CounterVec
	navDuration  *prometheus.HistogramVec
	exchanges    prometheus.Histogram
	jobs         *prometheus.CounterVec
	jobDuration  prometheus.Histogram
	httpRequests *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		navigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "navigations_total",
			Help:      "Navigations by final state.",
		}, []string{"state"}),
		navDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "navigation_duration_seconds",
			Help:      "Time from issuing a navigation to its final state.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"state"}),
		exchanges: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "navigation_exchanges",
			Help:      "Network exchanges recorded per navigation.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Queued jobs by terminal status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from enqueue to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		m.navigations,
		m.navDuration,
		m.exchanges,
		m.jobs,
		m.jobDuration,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveNavigation records one settled navigation.
func (m *Metrics) ObserveNavigation(state navigation.State, elapsed time.Duration, exchanges int) {
	m.navigations.WithLabelValues(state.String()).Inc()
	m.navDuration.WithLabelValues(state.String()).Observe(elapsed.Seconds())
	m.exchanges.Observe(float64(exchanges))
}

// ObserveJob records one finished job.
func (m *Metrics) ObserveJob(status string, elapsed time.Duration) {
	m.jobs.WithLabelValues(status).Inc()
	m.jobDuration.Observe(elapsed.Seconds())
}

// ObserveRequest records one API request.
func (m *Metrics) ObserveRequest(route string, code int) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
