package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(jobsTotal, jobsDropped, inferenceLatencyMs) }

var jobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "engine_jobs_total",
		Help: "Jobs reaching a terminal state, labeled by status.",
	},
	[]string{"status"}, // 'succeeded', 'failed'
)

var jobsDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "engine_jobs_dropped_total",
		Help: "Inbound events dropped at the queue boundary, labeled by reason.",
	},
	[]string{"reason"}, // 'invalid', 'duplicate', 'unauthorized'
)

var inferenceLatencyMs = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "engine_inference_latency_ms",
		Help:    "Inference call latency distribution in milliseconds.",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
	},
	[]string{"model", "success"},
)

func IncJob(status string) { jobsTotal.WithLabelValues(norm(status)).Inc() }

func IncDropped(reason string) { jobsDropped.WithLabelValues(norm(reason)).Inc() }

func ObserveInference(model string, latencyMs int, success bool) {
	lbl := "false"
	if success {
		lbl = "true"
	}
	inferenceLatencyMs.WithLabelValues(norm(model), lbl).Observe(float64(latencyMs))
}
