package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	RobotsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_robots_total",
			Help: "Total number of robots by status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_queue_depth",
			Help: "Number of jobs waiting in the priority queue",
		},
	)

	RobotSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_robot_sessions",
			Help: "Number of connected robot sessions",
		},
	)

	// Dispatch metrics
	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
	)

	DispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_dispatch_outcomes_total",
			Help: "Dispatch outcomes by result",
		},
		[]string{"outcome"},
	)

	JobTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_job_timeouts_total",
			Help: "Total number of jobs that hit their deadline",
		},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_job_duration_seconds",
			Help:    "Completed job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
	)

	// Scheduler metrics
	ScheduleFires = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_schedule_fires_total",
			Help: "Total number of schedule firings",
		},
	)

	// Fleet telemetry metrics
	HeartbeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_heartbeats_received_total",
			Help: "Total number of robot heartbeats received",
		},
	)

	RecoveryActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_recovery_actions_total",
			Help: "Recovery actions by type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(RobotsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RobotSessions)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(DispatchOutcomes)
	prometheus.MustRegister(JobTimeouts)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ScheduleFires)
	prometheus.MustRegister(HeartbeatsReceived)
	prometheus.MustRegister(RecoveryActions)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
