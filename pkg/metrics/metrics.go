// Package metrics exposes the Prometheus collectors for the BBP engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SlotsTotal is the number of allocated slots (size()).
	SlotsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bbp_slots_total",
		Help: "Total number of allocated slots in the BBP slot table.",
	})

	// SlotsLive is the number of slots not on a free list.
	SlotsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bbp_slots_live",
		Help: "Number of slots currently holding a BAT.",
	})

	// SlotsLoaded is the number of slots with a resident descriptor.
	SlotsLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bbp_slots_loaded",
		Help: "Number of slots whose descriptor and heaps are resident.",
	})

	// PhysicalPinsTotal is the sum of refs across all live slots.
	PhysicalPinsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bbp_physical_pins_total",
		Help: "Sum of physical pin counts (refs) across live slots.",
	})

	// LogicalRefsTotal is the sum of lrefs across all live slots.
	LogicalRefsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bbp_logical_refs_total",
		Help: "Sum of logical reference counts (lrefs) across live slots.",
	})

	// TrimCyclesTotal counts background trimmer passes.
	TrimCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bbp_trim_cycles_total",
		Help: "Total number of background trim passes executed.",
	})

	// TrimUnloadedTotal counts BATs unloaded by the trimmer.
	TrimUnloadedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bbp_trim_unloaded_total",
		Help: "Total number of BATs unloaded by trim passes.",
	})

	// TrimDuration observes the wall-clock cost of a trim pass.
	TrimDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bbp_trim_duration_seconds",
		Help:    "Duration of a single background trim pass.",
		Buckets: prometheus.DefBuckets,
	})

	// CommitsTotal counts completed commit/sync calls by outcome.
	CommitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bbp_commits_total",
		Help: "Total number of sync() calls, by outcome.",
	}, []string{"outcome"})

	// CommitDuration observes the wall-clock cost of a sync() call.
	CommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bbp_commit_duration_seconds",
		Help:    "Duration of a sync() call (stage + save + rename + cleanup).",
		Buckets: prometheus.DefBuckets,
	})

	// LeftoversTotal counts files quarantined into LEFTDIR by recovery
	// plus stray files deleted by the disk scan.
	LeftoversTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bbp_leftovers_total",
		Help: "Total number of stray files quarantined by recovery or deleted by the disk scan.",
	})
)

// AllCollectors is registered against a prometheus.Registerer by callers
// (pkg/diag) rather than via the default global registry, so
// multiple engines can coexist in one process (e.g. in tests).
func AllCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		SlotsTotal, SlotsLive, SlotsLoaded,
		PhysicalPinsTotal, LogicalRefsTotal,
		TrimCyclesTotal, TrimUnloadedTotal, TrimDuration,
		CommitsTotal, CommitDuration,
		LeftoversTotal,
	}
}

// Timer measures an operation's duration for ObserveDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) time.Duration {
	d := time.Since(t.start)
	h.Observe(d.Seconds())
	return d
}
