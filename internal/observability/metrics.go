package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	jobsWaiting  prometheus.Gauge
	jobsActive   prometheus.Gauge
	jobTotal     *prometheus.CounterVec
	jobDuration  prometheus.Histogram
	jobAttempts  prometheus.Histogram
	jobRetention prometheus.Counter

	toolCallTotal    *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	sessionHandshakeTotal *prometheus.CounterVec
	sessionActive         prometheus.Gauge

	paginationBatches prometheus.Histogram
	paginationPartial prometheus.Counter

	agentIterations prometheus.Histogram
	agentRunTotal   *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			jobsWaiting: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "jobs_waiting",
					Help: "Jobs currently waiting in the queue.",
				},
			),
			jobsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "jobs_active",
					Help: "Jobs currently being executed by workers.",
				},
			),
			jobTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "jobs_total",
					Help: "Total jobs by terminal state.",
				},
				[]string{"state"},
			),
			jobDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "job_duration_seconds",
					Help:    "Wall-clock job execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			jobAttempts: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "job_attempts",
					Help:    "Attempts made per finished job.",
					Buckets: []float64{1, 2, 3, 4, 5},
				},
			),
			jobRetention: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "jobs_reclaimed_total",
					Help: "Finished jobs reclaimed after their retention window.",
				},
			),
			toolCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_call_total",
					Help: "Total tool-server calls by server and status.",
				},
				[]string{"server", "status"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_call_duration_seconds",
					Help:    "Tool-server call duration in seconds by server.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"server"},
			),
			sessionHandshakeTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_handshake_total",
					Help: "Tool-server session handshakes by server and status.",
				},
				[]string{"server", "status"},
			),
			sessionActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "sessions_active",
					Help: "Live tool-server session handles.",
				},
			),
			paginationBatches: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "pagination_batches",
					Help:    "Batches fetched per paginated tool call.",
					Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
				},
			),
			paginationPartial: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "pagination_partial_total",
					Help: "Paginated calls that returned a partial merge.",
				},
			),
			agentIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_iterations",
					Help:    "Planner iterations per agent run.",
					Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
				},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by outcome.",
				},
				[]string{"outcome"},
			),
		}

		prometheus.MustRegister(
			m.jobsWaiting,
			m.jobsActive,
			m.jobTotal,
			m.jobDuration,
			m.jobAttempts,
			m.jobRetention,
			m.toolCallTotal,
			m.toolCallDuration,
			m.sessionHandshakeTotal,
			m.sessionActive,
			m.paginationBatches,
			m.paginationPartial,
			m.agentIterations,
			m.agentRunTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetJobsWaiting(count int) {
	getMetrics().jobsWaiting.Set(float64(count))
}

func SetJobsActive(count int) {
	getMetrics().jobsActive.Set(float64(count))
}

func RecordJobFinished(state string, duration time.Duration, attempts int) {
	m := getMetrics()
	m.jobTotal.WithLabelValues(state).Inc()
	m.jobDuration.Observe(duration.Seconds())
	m.jobAttempts.Observe(float64(attempts))
}

func RecordJobReclaimed() {
	getMetrics().jobRetention.Inc()
}

func RecordToolCall(server string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolCallTotal.WithLabelValues(server, status).Inc()
	m.toolCallDuration.WithLabelValues(server).Observe(duration.Seconds())
}

func RecordSessionHandshake(server string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().sessionHandshakeTotal.WithLabelValues(server, status).Inc()
}

func SetActiveSessions(count int) {
	getMetrics().sessionActive.Set(float64(count))
}

func RecordPagination(batches int, partial bool) {
	m := getMetrics()
	m.paginationBatches.Observe(float64(batches))
	if partial {
		m.paginationPartial.Inc()
	}
}

func RecordAgentRun(outcome string, iterations int) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(outcome).Inc()
	m.agentIterations.Observe(float64(iterations))
}
