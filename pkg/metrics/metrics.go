package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Orchestrator metrics
	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_reconciliation_cycles_total",
			Help: "Total number of orchestrator reconciliation cycles by kind family",
		},
		[]string{"family"},
	)

	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genesis_reconciliation_duration_seconds",
			Help:    "Orchestrator reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"family"},
	)

	TargetsClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_targets_claimed_total",
			Help: "Total number of targets claimed by orchestrator workers",
		},
		[]string{"kind"},
	)

	TargetTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_target_transitions_total",
			Help: "Total number of target lifecycle transitions by kind and status",
		},
		[]string{"kind", "status"},
	)

	// Scheduler metrics
	SchedulingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_scheduling_decisions_total",
			Help: "Total number of scheduling decisions by outcome",
		},
		[]string{"outcome"},
	)

	// Agent metrics
	AgentIterations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genesis_agent_iterations_total",
			Help: "Total number of agent reconciliation iterations",
		},
	)

	DriverOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_driver_operations_total",
			Help: "Total number of driver operations by kind, operation and result",
		},
		[]string{"kind", "op", "result"},
	)

	DriverOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genesis_driver_operation_duration_seconds",
			Help:    "Driver operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "op"},
	)

	// IAM metrics
	IamDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_iam_decisions_total",
			Help: "Total number of authorization decisions by outcome",
		},
		[]string{"outcome"},
	)

	// Event bus metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_events_published_total",
			Help: "Total number of events committed to the outbox by kind",
		},
		[]string{"kind"},
	)

	EventDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_event_deliveries_total",
			Help: "Total number of event delivery attempts by kind and result",
		},
		[]string{"kind", "result"},
	)

	EventsDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genesis_events_dead_lettered_total",
			Help: "Total number of events moved to the dead letter state",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genesis_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(TargetsClaimed)
	prometheus.MustRegister(TargetTransitions)
	prometheus.MustRegister(SchedulingDecisions)
	prometheus.MustRegister(AgentIterations)
	prometheus.MustRegister(DriverOperations)
	prometheus.MustRegister(DriverOperationDuration)
	prometheus.MustRegister(IamDecisions)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventDeliveries)
	prometheus.MustRegister(EventsDeadLettered)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into the histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}
