// Package metrics exposes Prometheus collectors for eviction cycles,
// memory pressure and the HTTP control surface.
package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/use-agent/tabsleep/engine"
	"github.com/use-agent/tabsleep/memory"
)

// Metrics holds the tabsleep collectors.
type Metrics struct {
	Cycles          *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	Suspended       prometheus.Counter
	DiscardFailures prometheus.Counter
	EmergencyPasses prometheus.Counter
	Eligible        prometheus.Gauge

	MemoryUsage  prometheus.Gauge
	MemoryUsedMB prometheus.Gauge
	MemoryStatus *prometheus.GaugeVec
	BrowserMB    prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
}

var statuses = []memory.Status{
	memory.StatusOptimal,
	memory.StatusElevated,
	memory.StatusWarning,
	memory.StatusCritical,
}

// New registers the collectors with reg. trackedHandles, when non-nil,
// backs a gauge of handles with activity records.
func New(reg prometheus.Registerer, trackedHandles func() int) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		// Cycles by outcome: completed, skipped, dry_run
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabsleep_cycles_total",
			Help: "Eviction cycles run, by outcome",
		}, []string{"outcome", "trigger"}),

		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tabsleep_cycle_duration_seconds",
			Help:    "Eviction cycle duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		Suspended: f.NewCounter(prometheus.CounterOpts{
			Name: "tabsleep_handles_suspended_total",
			Help: "Handles successfully suspended",
		}),

		DiscardFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tabsleep_discard_failures_total",
			Help: "Discard calls the host refused",
		}),

		EmergencyPasses: f.NewCounter(prometheus.CounterOpts{
			Name: "tabsleep_emergency_passes_total",
			Help: "Cycles that ran the emergency top-up pass",
		}),

		Eligible: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabsleep_eligible_handles",
			Help: "Handles past the inactivity threshold in the last cycle",
		}),

		MemoryUsage: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabsleep_memory_usage_percent",
			Help: "System memory usage percent at the last cycle",
		}),

		MemoryUsedMB: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabsleep_memory_used_megabytes",
			Help: "System memory used at the last cycle",
		}),

		MemoryStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tabsleep_memory_status",
			Help: "1 for the effective pressure tier of the last cycle, 0 otherwise",
		}, []string{"status"}),

		BrowserMB: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabsleep_browser_resident_megabytes",
			Help: "Resident memory of the browser processes at the last cycle, when measurable",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabsleep_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}

	if trackedHandles != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tabsleep_tracked_handles",
			Help: "Handles with an activity record",
		}, func() float64 { return float64(trackedHandles()) })
	}
	return m
}

// ReportCycle implements engine.Reporter.
func (m *Metrics) ReportCycle(_ context.Context, r *engine.CycleResult) {
	trigger := string(r.Trigger)
	switch {
	case r.Skipped:
		m.Cycles.WithLabelValues("skipped", trigger).Inc()
		return
	case r.DryRun:
		m.Cycles.WithLabelValues("dry_run", trigger).Inc()
	default:
		m.Cycles.WithLabelValues("completed", trigger).Inc()
	}

	m.CycleDuration.Observe(r.Duration.Seconds())
	m.Suspended.Add(float64(len(r.Suspended)))
	m.DiscardFailures.Add(float64(len(r.Failed)))
	m.Eligible.Set(float64(r.Plan.Eligible))
	if r.Plan.Emergency {
		m.EmergencyPasses.Inc()
	}

	if r.Reading != nil {
		m.MemoryUsage.Set(r.Reading.UsagePercent)
		m.MemoryUsedMB.Set(float64(r.Reading.UsedMB))
	}
	if r.BrowserMB > 0 {
		m.BrowserMB.Set(float64(r.BrowserMB))
	}
	for _, s := range statuses {
		v := 0.0
		if s == r.Status {
			v = 1
		}
		m.MemoryStatus.WithLabelValues(string(s)).Set(v)
	}
}

// ObserveRequest counts one HTTP request.
func (m *Metrics) ObserveRequest(route string, code int) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
