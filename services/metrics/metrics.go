// Package metrics provides the Prometheus collectors of the daemon and the
// deploy tool.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobRunsTotal counts finished job runs by job and status.
	JobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotrade_job_runs_total",
		Help: "Total number of finished job runs, by job and status.",
	}, []string{"job", "status"})

	// JobDuration observes job run time in seconds.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autotrade_job_duration_seconds",
		Help:    "Job run duration in seconds, by job.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"job"})

	// JobsRunning tracks jobs currently executing.
	JobsRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autotrade_jobs_running",
		Help: "Number of jobs currently running, by job.",
	}, []string{"job"})

	// OrdersTotal counts recorded orders by broker, side and status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotrade_orders_total",
		Help: "Total number of recorded orders, by broker, side and status.",
	}, []string{"broker", "side", "status"})

	// RollbacksTotal counts rollbacks by outcome.
	RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotrade_rollbacks_total",
		Help: "Total number of rollbacks, by outcome.",
	}, []string{"outcome"})

	// DeploymentsTotal counts deployments reported to the dashboard by action.
	DeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotrade_deployments_total",
		Help: "Total number of reported deployments, by action and health.",
	}, []string{"action", "healthy"})
)

// JobStarted marks job as running and returns a function that records its
// outcome.
func JobStarted(job string) func(status string) {
	start := time.Now()
	JobsRunning.WithLabelValues(job).Inc()
	return func(status string) {
		JobsRunning.WithLabelValues(job).Dec()
		JobRunsTotal.WithLabelValues(job, status).Inc()
		JobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
	}
}

// RecordOrder counts one stored order.
func RecordOrder(broker, side, status string) {
	OrdersTotal.WithLabelValues(broker, side, status).Inc()
}

// RecordRollback counts a rollback attempt.
func RecordRollback(ok bool) {
	outcome := "failed"
	if ok {
		outcome = "succeeded"
	}
	RollbacksTotal.WithLabelValues(outcome).Inc()
}

// RecordDeployment counts a deployment notification.
func RecordDeployment(action string, healthy bool) {
	h := "false"
	if healthy {
		h = "true"
	}
	DeploymentsTotal.WithLabelValues(action, h).Inc()
}
