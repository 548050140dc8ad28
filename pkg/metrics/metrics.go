package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles every runner metric on a private registry so tests can build
// isolated instances.
type Set struct {
	registry *prometheus.Registry

	RunsTotal       *prometheus.CounterVec
	DispatchesTotal *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	LeaseRejections prometheus.Counter

	ItemsProcessed prometheus.Counter
	ItemsFailed    prometheus.Counter
	ItemsSkipped   prometheus.Counter

	WorkUnitCPUPercent prometheus.Gauge
	WorkUnitRSSBytes   prometheus.Gauge
}

// New creates and registers the runner metric set.
func New() *Set {
	s := &Set{
		registry: prometheus.NewRegistry(),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellisrun_runs_total",
			Help: "Total runs by outcome",
		}, []string{"outcome"}),
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellisrun_dispatches_total",
			Help: "Continuation dispatch attempts by status",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trellisrun_run_duration_seconds",
			Help:    "Wall-clock duration of the bounded work unit",
			Buckets: prometheus.ExponentialBuckets(30, 2, 12),
		}),
		LeaseRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trellisrun_lease_rejections_total",
			Help: "Triggers rejected because the single-flight lease was held",
		}),
		ItemsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trellisrun_items_processed_total",
			Help: "Catalog items successfully generated and uploaded",
		}),
		ItemsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trellisrun_items_failed_total",
			Help: "Catalog items that failed after all retries",
		}),
		ItemsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trellisrun_items_skipped_total",
			Help: "Catalog items skipped (outdoor, discontinued, no image)",
		}),
		WorkUnitCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trellisrun_work_unit_cpu_percent",
			Help: "CPU usage of the work unit process",
		}),
		WorkUnitRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trellisrun_work_unit_rss_bytes",
			Help: "Resident memory of the work unit process",
		}),
	}

	s.registry.MustRegister(
		s.RunsTotal,
		s.DispatchesTotal,
		s.RunDuration,
		s.LeaseRejections,
		s.ItemsProcessed,
		s.ItemsFailed,
		s.ItemsSkipped,
		s.WorkUnitCPUPercent,
		s.WorkUnitRSSBytes,
	)
	return s
}

// SetCPUPercent implements resources.Gauges.
func (s *Set) SetCPUPercent(v float64) { s.WorkUnitCPUPercent.Set(v) }

// SetRSSBytes implements resources.Gauges.
func (s *Set) SetRSSBytes(v float64) { s.WorkUnitRSSBytes.Set(v) }

// Handler serves the set in Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
