package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline counts receipts through upload and OCR and report generation
// requests. It satisfies report.Observer and report.ReportObserver.
type Pipeline struct {
	registry *prometheus.Registry

	receiptsTotal    *prometheus.CounterVec
	receiptDuration  *prometheus.HistogramVec
	receiptsInFlight prometheus.Gauge
	reportsTotal     *prometheus.CounterVec
}

// NewPipeline registers the collectors on a private registry
func NewPipeline(service string) *Pipeline {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": service}

	receiptsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "expense",
			Subsystem:   "pipeline",
			Name:        "receipts_processed_total",
			Help:        "Receipts that left the upload and OCR pipeline, by outcome.",
			ConstLabels: labels,
		},
		[]string{"outcome"},
	)
	receiptDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "expense",
			Subsystem:   "pipeline",
			Name:        "receipt_process_duration_seconds",
			Help:        "Time from upload start to reconciliation, by outcome.",
			Buckets:     []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			ConstLabels: labels,
		},
		[]string{"outcome"},
	)
	receiptsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   "expense",
			Subsystem:   "pipeline",
			Name:        "receipts_in_flight",
			Help:        "Receipts currently being uploaded or recognised.",
			ConstLabels: labels,
		},
	)
	reportsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "expense",
			Subsystem:   "report",
			Name:        "reports_generated_total",
			Help:        "Report generation requests, by status.",
			ConstLabels: labels,
		},
		[]string{"status"},
	)

	registry.MustRegister(receiptsTotal, receiptDuration, receiptsInFlight, reportsTotal)

	return &Pipeline{
		registry:         registry,
		receiptsTotal:    receiptsTotal,
		receiptDuration:  receiptDuration,
		receiptsInFlight: receiptsInFlight,
		reportsTotal:     reportsTotal,
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Pipeline) ReceiptStarted() {
	m.receiptsInFlight.Inc()
}

func (m *Pipeline) ReceiptFinished(outcome string, duration time.Duration) {
	m.receiptsInFlight.Dec()
	if outcome == "" {
		outcome = "unknown"
	}
	m.receiptsTotal.WithLabelValues(outcome).Inc()
	m.receiptDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Pipeline) ReportGenerated(status string) {
	if status == "" {
		status = "unknown"
	}
	m.reportsTotal.WithLabelValues(status).Inc()
}
