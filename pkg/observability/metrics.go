package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric registries for different subsystems

// Registry Metrics
var (
	DevicesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "benchfleet_devices",
			Help: "Number of registered devices by status",
		},
		[]string{"status"}, // offline, online, testing, error
	)

	DeviceRegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchfleet_device_registrations_total",
			Help: "Total number of device registrations",
		},
		[]string{"kind"}, // new, returning
	)

	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchfleet_heartbeats_total",
			Help: "Total number of heartbeats processed",
		},
		[]string{"result"}, // ok, unknown_device, error
	)

	DeviceOfflineTransitionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "benchfleet_device_offline_transitions_total",
			Help: "Total number of devices demoted to offline by the liveness sweep",
		},
	)

	LivenessSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "benchfleet_liveness_sweep_duration_seconds",
			Help:    "Duration of liveness sweeps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	DeviceAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchfleet_device_alerts_total",
			Help: "Total number of resource threshold alerts raised from heartbeats",
		},
		[]string{"metric", "level"},
	)
)

// Task Metrics
var (
	TasksCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchfleet_tasks_created_total",
			Help: "Total number of tasks created",
		},
		[]string{"schedule_type"},
	)

	TasksFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchfleet_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal state",
		},
		[]string{"status"}, // completed, failed, cancelled
	)

	PendingPollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "benchfleet_pending_polls_total",
			Help: "Total number of pending task polls served",
		},
	)

	ExecutionsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchfleet_executions_started_total",
			Help: "Total number of executions started",
		},
		[]string{"claim"}, // won, shared, rejected
	)

	ExecutionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "benchfleet_execution_duration_seconds",
			Help:    "Reported execution durations in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600, 7200},
		},
		[]string{"status"},
	)

	MetricSamplesStoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchfleet_metric_samples_stored_total",
			Help: "Total number of metric samples stored",
		},
		[]string{"mode"}, // batch, incremental
	)

	SoftwareErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchfleet_software_errors_total",
			Help: "Total number of software provisioning errors reported",
		},
		[]string{"error_type"},
	)
)

// Command Metrics
var (
	CommandTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchfleet_command_transitions_total",
			Help: "Total number of control command state transitions",
		},
		[]string{"command_type", "status"},
	)

	CommandProtocolErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchfleet_command_protocol_errors_total",
			Help: "Total number of rejected command transitions",
		},
		[]string{"operation"}, // acknowledge, complete
	)
)

// Scheduler Metrics
var (
	SchedulerPromotionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "benchfleet_scheduler_promotions_total",
			Help: "Total number of scheduled tasks promoted to pending",
		},
	)

	SchedulerSpawnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchfleet_scheduler_spawns_total",
			Help: "Total number of recurring task successors created",
		},
		[]string{"schedule_type"},
	)

	SchedulerSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "benchfleet_scheduler_sweep_duration_seconds",
			Help:    "Duration of scheduler sweeps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	SchedulerJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "benchfleet_scheduler_jobs",
			Help: "Number of scheduled jobs awaiting their fire time",
		},
	)
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchfleet_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"method", "route", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "benchfleet_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	HTTPRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "benchfleet_http_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)

// Agent Metrics
var (
	AgentPollErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchfleet_agent_poll_errors_total",
			Help: "Total number of agent poll loop errors",
		},
		[]string{"stage"}, // heartbeat, tasks, commands
	)

	AgentProvisioningTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchfleet_agent_provisioning_total",
			Help: "Total number of software provisioning outcomes on the agent",
		},
		[]string{"outcome"}, // skipped, installed, failed
	)

	AgentExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchfleet_agent_executions_total",
			Help: "Total number of executions run by the agent",
		},
		[]string{"action", "result"},
	)

	AgentCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchfleet_agent_commands_total",
			Help: "Total number of control commands handled by the agent",
		},
		[]string{"command_type", "result"},
	)

	AgentClientBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "benchfleet_agent_client_breaker_state",
			Help: "Coordinator client circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)
)
