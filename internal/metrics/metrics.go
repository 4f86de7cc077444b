// Package metrics exposes engine counters in Prometheus format. A nil
// *Recorder is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Recorder struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	analyses      *prometheus.CounterVec
	reportStatus  *prometheus.CounterVec
	alertsCreated *prometheus.CounterVec
	alertsExpired prometheus.Counter
	scores        prometheus.Histogram
	subscribers   prometheus.Gauge
	publishErrors prometheus.Counter
	storeErrors   prometheus.Counter
	ingested      *prometheus.CounterVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainguard",
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainguard",
			Name:      "analyses_total",
			Help:      "Accepted analyses by risk level.",
		}, []string{"risk_level"}),
		reportStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainguard",
			Name:      "report_transitions_total",
			Help:      "Threat report status transitions by target status.",
		}, []string{"status"}),
		alertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainguard",
			Name:      "alerts_created_total",
			Help:      "Created alerts by severity.",
		}, []string{"severity"}),
		alertsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainguard",
			Name:      "alerts_expired_total",
			Help:      "Alerts moved to EXPIRED by the maintenance sweep.",
		}),
		scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chainguard",
			Name:      "reputation_score",
			Help:      "Overall reputation scores as percentages at recompute time.",
			Buckets:   []float64{25, 50, 75, 90, 100},
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainguard",
			Name:      "active_subscribers",
			Help:      "Active alert subscriptions.",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainguard",
			Name:      "event_publish_errors_total",
			Help:      "Events that failed to publish.",
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainguard",
			Name:      "store_errors_total",
			Help:      "Journal writes that failed.",
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainguard",
			Name:      "ingested_messages_total",
			Help:      "Ingested analysis messages by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.operations, r.analyses, r.reportStatus, r.alertsCreated, r.alertsExpired,
		r.scores, r.subscribers, r.publishErrors, r.storeErrors, r.ingested,
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Operation counts one engine call; outcome is "ok" or an error kind.
func (r *Recorder) Operation(name, outcome string) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(name, outcome).Inc()
}

func (r *Recorder) Analysis(level string) {
	if r == nil {
		return
	}
	r.analyses.WithLabelValues(level).Inc()
}

func (r *Recorder) ReportTransition(status string) {
	if r == nil {
		return
	}
	r.reportStatus.WithLabelValues(status).Inc()
}

func (r *Recorder) AlertCreated(severity string) {
	if r == nil {
		return
	}
	r.alertsCreated.WithLabelValues(severity).Inc()
}

func (r *Recorder) AlertsExpired(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.alertsExpired.Add(float64(n))
}

func (r *Recorder) Score(percentage uint64) {
	if r == nil {
		return
	}
	r.scores.Observe(float64(percentage))
}

func (r *Recorder) Subscribers(n int) {
	if r == nil {
		return
	}
	r.subscribers.Set(float64(n))
}

func (r *Recorder) PublishError() {
	if r == nil {
		return
	}
	r.publishErrors.Inc()
}

func (r *Recorder) StoreError() {
	if r == nil {
		return
	}
	r.storeErrors.Inc()
}

func (r *Recorder) Ingested(outcome string) {
	if r == nil {
		return
	}
	r.ingested.WithLabelValues(outcome).Inc()
}
