package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Rollout metrics
	RolloutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_rollouts_total",
			Help: "Total number of rollout attempts by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	RolloutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagehand_rollout_duration_seconds",
			Help:    "Rollout attempt duration in seconds by strategy",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"strategy"},
	)

	ActiveAttempts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stagehand_active_attempts",
			Help: "Number of rollout attempts currently in progress",
		},
	)

	RollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stagehand_rollbacks_total",
			Help: "Total number of automatic rollbacks executed",
		},
	)

	// Probe metrics
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_probes_total",
			Help: "Total number of health probes by outcome",
		},
		[]string{"outcome"},
	)

	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stagehand_probe_duration_seconds",
			Help:    "Health probe call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Promotion metrics
	PromotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_promotions_total",
			Help: "Total number of promotions by result",
		},
		[]string{"result"},
	)

	PendingApprovals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stagehand_pending_approvals",
			Help: "Number of promotions waiting for approval",
		},
	)

	// Registry metrics
	RegistryLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_registry_lookups_total",
			Help: "Total number of registry tag resolutions by result",
		},
		[]string{"result"},
	)

	// Janitor metrics
	JanitorCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stagehand_janitor_cycles_total",
			Help: "Total number of janitor reconciliation cycles",
		},
	)

	JanitorDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stagehand_janitor_duration_seconds",
			Help:    "Janitor cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagehand_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(RolloutsTotal)
	prometheus.MustRegister(RolloutDuration)
	prometheus.MustRegister(ActiveAttempts)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(PromotionsTotal)
	prometheus.MustRegister(PendingApprovals)
	prometheus.MustRegister(RegistryLookupsTotal)
	prometheus.MustRegister(JanitorCyclesTotal)
	prometheus.MustRegister(JanitorDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Timer measures elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given observer
func (t *Timer) ObserveDuration(obs prometheus.Observer) {
	obs.Observe(time.Since(t.start).Seconds())
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
