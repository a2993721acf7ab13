package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vim_hosts_total",
			Help: "Total number of hosts by personality and admin state",
		},
		[]string{"personality", "admin_state"},
	)

	InstancesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vim_instances_total",
			Help: "Total number of instances",
		},
	)

	// Strategy metrics
	StrategyState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vim_strategy_state",
			Help: "Current strategy state (1 for the active state)",
		},
		[]string{"kind", "state"},
	)

	StrategiesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vim_strategies_completed_total",
			Help: "Total number of strategies finished by kind and final state",
		},
		[]string{"kind", "state"},
	)

	StrategyCompletion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vim_strategy_completion_percentage",
			Help: "Completion percentage of the active phase",
		},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vim_step_duration_seconds",
			Help:    "Step duration from first apply to final result",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"step"},
	)

	StepResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vim_step_results_total",
			Help: "Total number of completed steps by name and result",
		},
		[]string{"step", "result"},
	)

	StepRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vim_step_retries_total",
			Help: "Total number of step-scoped retries",
		},
		[]string{"step"},
	)

	// NFVI metrics
	NFVIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vim_nfvi_request_duration_seconds",
			Help:    "Outbound NFVI request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "call"},
	)

	NFVIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vim_nfvi_requests_total",
			Help: "Total number of outbound NFVI requests by outcome",
		},
		[]string{"service", "call", "outcome"},
	)

	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vim_token_refreshes_total",
			Help: "Total number of keystone token acquisitions",
		},
		[]string{"outcome"},
	)

	// Event bus metrics
	EventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vim_events_dispatched_total",
			Help: "Total number of events dispatched by type",
		},
		[]string{"type"},
	)

	AuditTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vim_audit_ticks_total",
			Help: "Total number of audit ticks",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vim_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vim_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(StrategyState)
	prometheus.MustRegister(StrategiesCompleted)
	prometheus.MustRegister(StrategyCompletion)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(StepResults)
	prometheus.MustRegister(StepRetries)
	prometheus.MustRegister(NFVIRequestDuration)
	prometheus.MustRegister(NFVIRequestsTotal)
	prometheus.MustRegister(TokenRefreshes)
	prometheus.MustRegister(EventsDispatched)
	prometheus.MustRegister(AuditTicks)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation for a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a histogram vec
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
