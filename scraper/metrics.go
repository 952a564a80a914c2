package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Detail view results recorded by FetchEntry.
const (
	detailOK       = "ok"
	detailNotFound = "not_found"
	detailParse    = "parse"
	detailFailed   = "failed"
)

// Metrics bundles the Prometheus collectors of one queryer session. The
// registry is shared with the pipeline so a single endpoint exposes the run.
type Metrics struct {
	Registry *prometheus.Registry

	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	retries     prometheus.Counter
	errors      *prometheus.CounterVec
	hits        prometheus.Gauge
	resultPages prometheus.Counter
	details     *prometheus.CounterVec
	cifBytes    prometheus.Counter
}

// NewMetrics registers the queryer collectors on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queryer_requests_total",
			Help: "Requests issued against the ICSD web interface, by phase.",
		}, []string{"phase"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queryer_request_duration_seconds",
			Help:    "ICSD response latency, by phase.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queryer_retries_total",
			Help: "Requests re-issued after a transient failure.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queryer_errors_total",
			Help: "Failed requests, by error type.",
		}, []string{"error_type"}),
		hits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queryer_query_hits",
			Help: "Hits reported by the List View of the last search.",
		}),
		resultPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queryer_result_pages_total",
			Help: "Result list pages walked.",
		}),
		details: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queryer_detail_views_total",
			Help: "Detail views requested, by result (ok, not_found, parse, failed).",
		}, []string{"result"}),
		cifBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queryer_cif_bytes_total",
			Help: "Bytes of CIF data downloaded.",
		}),
	}
	m.Registry.MustRegister(m.requests, m.latency, m.retries, m.errors, m.hits, m.resultPages, m.details, m.cifBytes)
	return m
}

func (m *Metrics) observeRequest(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(phase).Inc()
	m.latency.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) incRetries() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) incError(errorType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errorType).Inc()
}

func (m *Metrics) setHits(hits int) {
	if m == nil {
		return
	}
	m.hits.Set(float64(hits))
}

func (m *Metrics) incResultPages() {
	if m == nil {
		return
	}
	m.resultPages.Inc()
}

// observeDetail labels the outcome of one FetchEntry call from its error.
func (m *Metrics) observeDetail(err error, cifBytes int) {
	if m == nil {
		return
	}
	result := detailOK
	if err != nil {
		switch errorTypeLabel(err) {
		case "not_found":
			result = detailNotFound
		case "parse":
			result = detailParse
		default:
			result = detailFailed
		}
	}
	m.details.WithLabelValues(result).Inc()
	m.cifBytes.Add(float64(cifBytes))
}
