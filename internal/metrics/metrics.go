// Package metrics exposes Prometheus instrumentation for the engine.
// It is pure observation: nothing here feeds back into an engine decision.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder bundles the gauges/counters a dashboard over this lab would want.
// It is constructed once and passed into engine components as an explicit
// collaborator, the same way a *logging.Logger is.
type Recorder struct {
	TokenBucketRunning *prometheus.GaugeVec
	PELDepth           *prometheus.GaugeVec
	DLQMovedTotal      *prometheus.CounterVec
	RequestsInFlight   prometheus.Gauge
	WorkerIterations   *prometheus.CounterVec
}

// NewRecorder builds and registers a Recorder against reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		TokenBucketRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_token_bucket_running",
			Help: "Current number of running jobs per token-bucket type.",
		}, []string{"type"}),
		PELDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_pel_depth",
			Help: "Pending Entries List depth per stream/group, sampled on each worker pass.",
		}, []string{"stream", "group"}),
		DLQMovedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_dlq_moved_total",
			Help: "Entries moved to a dead-letter stream.",
		}, []string{"stream"}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_requests_inflight",
			Help: "Outstanding request/reply correlations awaiting a response or timeout.",
		}),
		WorkerIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_worker_loop_iterations_total",
			Help: "Worker loop iterations per component.",
		}, []string{"component"}),
	}

	reg.MustRegister(
		r.TokenBucketRunning,
		r.PELDepth,
		r.DLQMovedTotal,
		r.RequestsInFlight,
		r.WorkerIterations,
	)

	return r
}

// NoopRecorder returns a Recorder registered against a private registry —
// useful for tests that construct engine components but don't care about
// metrics and don't want to collide with the process-global registry.
func NoopRecorder() *Recorder {
	return NewRecorder(prometheus.NewRegistry())
}
