package workflow

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the Prometheus collectors of the workflow engine.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	RunsActive    prometheus.Gauge
	PhaseDuration *prometheus.HistogramVec
	PhaseFailures *prometheus.CounterVec
	AutoRetries   *prometheus.CounterVec
	SweptRuns     prometheus.Counter
}

// NewMetrics registers the collectors with the default registry. Registration
// happens once per process, later calls return the same instance.
//
// Metrics:
//   - adw_workflow_runs_total{workflow,status} - runs reaching a terminal status
//   - adw_runs_active - runs currently executing in this process
//   - adw_phase_duration_seconds{phase,status} - phase attempt durations
//   - adw_phase_failures_total{phase,kind} - failed phase attempts by error kind
//   - adw_phase_auto_retries_total{phase} - automatic phase retries
//   - adw_sweep_failed_total - runs failed by the overdue sweep
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "adw_workflow_runs_total",
					Help: "Total number of workflow runs that reached a terminal status",
				},
				[]string{"workflow", "status"},
			),
			RunsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "adw_runs_active",
					Help: "Number of workflow runs executing in this process",
				},
			),
			PhaseDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "adw_phase_duration_seconds",
					Help:    "Duration of phase attempts in seconds",
					Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
				},
				[]string{"phase", "status"},
			),
			PhaseFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "adw_phase_failures_total",
					Help: "Total number of failed phase attempts",
				},
				[]string{"phase", "kind"},
			),
			AutoRetries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "adw_phase_auto_retries_total",
					Help: "Total number of automatic phase retries",
				},
				[]string{"phase"},
			),
			SweptRuns: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "adw_sweep_failed_total",
					Help: "Total number of runs failed by the overdue sweep",
				},
			),
		}
	})
	return globalMetrics
}
