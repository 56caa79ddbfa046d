package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var healthStatuses = []string{"OK", "DEGRADED", "FAILED"}

// Metrics wraps Prometheus collectors for spot-sentinel.
type Metrics struct {
	registry                 *prometheus.Registry
	cycleDurationSeconds     prometheus.Histogram
	resourceStatus           *prometheus.GaugeVec
	alertsTotal              *prometheus.CounterVec
	missionsTotal            *prometheus.CounterVec
	missionDurationSeconds   *prometheus.HistogramVec
	keepaliveFailuresTotal   *prometheus.CounterVec
	navigationFailuresTotal  prometheus.Counter
	robotAPIErrorsTotal      prometheus.Counter
	lastSuccessfulCycleGauge prometheus.Gauge
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		cycleDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spot_sentinel_cycle_duration_seconds",
			Help:    "Duration of status monitor cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		resourceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_sentinel_resource_status",
			Help: "1 for the current health status of each interlock resource, 0 otherwise.",
		}, []string{"resource", "status"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_sentinel_alerts_total",
			Help: "Total transitions notified by resource and status.",
		}, []string{"resource", "status"}),
		missionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_sentinel_missions_total",
			Help: "Total mission runs by mission and final status.",
		}, []string{"mission", "status"}),
		missionDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spot_sentinel_mission_duration_seconds",
			Help:    "Duration of mission runs including undock and return to dock.",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"status"}),
		keepaliveFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_sentinel_keepalive_failures_total",
			Help: "Total failed estop and lease keep-alives.",
		}, []string{"resource"}),
		navigationFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spot_sentinel_navigation_failures_total",
			Help: "Total navigation attempts that ended in an error.",
		}),
		robotAPIErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spot_sentinel_robot_api_errors_total",
			Help: "Total robot status queries that failed.",
		}),
		lastSuccessfulCycleGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spot_sentinel_last_successful_cycle_timestamp",
			Help: "Unix timestamp of the last successful cycle.",
		}),
	}

	registry.MustRegister(
		m.cycleDurationSeconds,
		m.resourceStatus,
		m.alertsTotal,
		m.missionsTotal,
		m.missionDurationSeconds,
		m.keepaliveFailuresTotal,
		m.navigationFailuresTotal,
		m.robotAPIErrorsTotal,
		m.lastSuccessfulCycleGauge,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycleDuration records the duration of a completed cycle.
func (m *Metrics) ObserveCycleDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.cycleDurationSeconds.Observe(duration.Seconds())
}

// SetResourceStatus marks status as the current health of resource.
func (m *Metrics) SetResourceStatus(resource string, status string) {
	if m == nil {
		return
	}
	for _, s := range healthStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		m.resourceStatus.WithLabelValues(resource, s).Set(value)
	}
}

// IncAlertsTotal increments the alerts counter for the given resource/status.
func (m *Metrics) IncAlertsTotal(resource string, status string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(resource, status).Inc()
}

// ObserveMission counts a finished mission run.
func (m *Metrics) ObserveMission(mission string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.missionsTotal.WithLabelValues(mission, status).Inc()
	m.missionDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// KeepaliveFailed counts a failed keep-alive for resource.
func (m *Metrics) KeepaliveFailed(resource string) {
	if m == nil {
		return
	}
	m.keepaliveFailuresTotal.WithLabelValues(resource).Inc()
}

// NavigationFailed counts a failed navigation.
func (m *Metrics) NavigationFailed() {
	if m == nil {
		return
	}
	m.navigationFailuresTotal.Inc()
}

// IncRobotAPIErrors increments the robot API error counter.
func (m *Metrics) IncRobotAPIErrors() {
	if m == nil {
		return
	}
	m.robotAPIErrorsTotal.Inc()
}

// SetLastSuccessfulCycleTimestamp sets the last successful cycle time.
func (m *Metrics) SetLastSuccessfulCycleTimestamp(t time.Time) {
	if m == nil {
		return
	}
	m.lastSuccessfulCycleGauge.Set(float64(t.Unix()))
}
