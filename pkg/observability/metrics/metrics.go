// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "diagnosis"

var (
	recordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingestion",
		Name:      "records_total",
		Help:      "Archive records processed, by database and outcome.",
	}, []string{"database", "status"})

	fetchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingestion",
		Name:      "fetches_total",
		Help:      "Archive fetches, by overall status.",
	}, []string{"status"})

	trainingSteps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "training",
		Name:      "steps_total",
		Help:      "Optimizer steps taken across all runs.",
	})

	trainingLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "training",
		Name:      "loss",
		Help:      "Most recent loss value, by run and metric.",
	}, []string{"run", "metric"})

	trainingRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "training",
		Name:      "runs_total",
		Help:      "Training runs finished, by status.",
	}, []string{"status"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "training",
		Name:      "run_duration_seconds",
		Help:      "Wall time of training runs.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})

	evaluationAccuracy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "accuracy",
		Help:      "Accuracy of the most recent evaluation.",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, by method and status code.",
	}, []string{"method", "code"})

	probeResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "servicecheck",
		Name:      "probe_up",
		Help:      "1 when the last probe of a service succeeded.",
	}, []string{"service"})
)

func ObserveRecord(database, status string) {
	recordsIngested.WithLabelValues(database, status).Inc()
}

func ObserveFetch(status string) {
	fetchOutcomes.WithLabelValues(status).Inc()
}

func ObserveStep() {
	trainingSteps.Inc()
}

func ObserveLoss(run, metric string, value float64) {
	trainingLoss.WithLabelValues(run, metric).Set(value)
}

func ObserveRun(status string, seconds float64) {
	trainingRuns.WithLabelValues(status).Inc()
	runDuration.Observe(seconds)
}

func ObserveAccuracy(accuracy float64) {
	evaluationAccuracy.Set(accuracy)
}

func ObserveProbe(service string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	probeResults.WithLabelValues(service).Set(v)
}

func ObserveRequest(method string, code int) {
	httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
